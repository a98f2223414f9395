// Package retry implements spec §4.G's retry/failover controller: the
// attempt loop, idempotency policy, backoff, zero-downtime failover and
// backend rotation. Grounded on the teacher's internal/cluster/manager.go
// monitorLoop (bounded respawn attempts with a rapid-restart cooldown
// window) adapted from process respawn to request retry/backoff; attempt
// ids are stamped with google/uuid the way the debug audit trail needs.
package retry

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/lbcore/internal/affinity"
	"github.com/flowmesh/lbcore/internal/backend"
	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/debugtrail"
	"github.com/flowmesh/lbcore/internal/faults"
	"github.com/flowmesh/lbcore/internal/forwarder"
	"github.com/flowmesh/lbcore/internal/metrics"
	"github.com/flowmesh/lbcore/internal/selector"
	"github.com/flowmesh/lbcore/internal/store"
)

var nonIdempotentMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// retryable reports whether outcome's failure class may be retried for
// the given HTTP method, per spec §4.G's idempotency policy.
func retryable(method string, outcome backend.Outcome, svc *config.ServiceConfig) bool {
	if outcome.Success {
		return false
	}
	idempotent := !nonIdempotentMethods[method]

	switch outcome.ErrClass {
	case backend.ErrorClassConnection:
		return idempotent
	case backend.ErrorClassTimeout:
		return idempotent || svc.RetryPolicy.RetryNonIdempotentOnTimeout
	case backend.ErrorClassHTTP523:
		return true // forced zero-downtime failover, spec §4.G
	case backend.ErrorClassHTTP5xx:
		if idempotent {
			return true
		}
		return outcome.StatusCode >= 502
	case backend.ErrorClassNonRetryable:
		return false // spec §7: forwarded verbatim, never retried
	default:
		return false
	}
}

// backoff computes the delay before the next attempt, capped at
// retryTimeout (spec §4.G "Backoff").
func backoff(attempt int, policy config.RetryPolicy) time.Duration {
	base := time.Duration(policy.BaseDelayMs) * time.Millisecond
	ceiling := time.Duration(policy.RetryTimeoutMs) * time.Millisecond
	var d time.Duration
	switch policy.BackoffStrategy {
	case config.BackoffExponential:
		d = base
		for i := 0; i < attempt; i++ {
			d *= 2
		}
	default:
		d = base
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// Controller runs the stage §4.G attempt loop for one service.
type Controller struct {
	Forwarder *forwarder.Forwarder
	Metrics   *metrics.ServiceMetrics
	Store     store.Store

	// Debug, when non-nil, receives one entry per forwarded attempt (the
	// debug audit trail supplement, SPEC_FULL.md §D.1). Left nil unless
	// the service was created with DEBUG=true.
	Debug *debugtrail.Trail
}

// NewController builds a retry controller sharing one forwarder, metrics
// aggregator and state store across all requests for a service. st may be
// nil, in which case metrics are never persisted (test-only usage).
func NewController(fwd *forwarder.Forwarder, m *metrics.ServiceMetrics, st store.Store) *Controller {
	return &Controller{Forwarder: fwd, Metrics: m, Store: st}
}

// Run executes the full retry loop and writes the final response (success
// or exhausted-503) to w. r's body is buffered up front so every attempt
// can replay it via r.GetBody, since http.Client consumes the body on Do.
func (c *Controller) Run(ctx context.Context, w http.ResponseWriter, r *http.Request, svc *config.ServiceConfig, pools selector.Pools, aff *affinity.Map, dns *selector.DNSFailoverState, selReq selector.Request, passive config.PassiveHealthChecks) {
	if err := bufferBody(r); err != nil {
		forwarder.WriteFallback(w, svc.Hostname, faults.ClassConfigInvalid)
		return
	}

	policy := svc.RetryPolicy
	maxRetries := policy.MaxRetries

	var lastOutcome backend.Outcome
	var lastPoolID string

	for attempt := 0; ; attempt++ {
		now := time.Now()
		wasInFailover := dns.InFailover
		res, err := selector.Select(now, svc.LoadBalancer, passive, pools, aff, dns, selReq)
		if err != nil {
			fe, _ := faults.AsError(err)
			class := faults.ClassNoHealthyBackend
			if fe != nil {
				class = fe.Class
			}
			forwarder.WriteFallback(w, svc.Hostname, class)
			return
		}
		switch {
		case !wasInFailover && dns.InFailover:
			c.Metrics.RecordDNSFailover()
		case wasInFailover && !dns.InFailover:
			c.Metrics.RecordRecovery()
		}
		recordPoolHealth(c.Metrics, res.Pool, now, passive)

		attemptID := uuid.NewString()
		result := c.Forwarder.Forward(ctx, r, res.Backend, svc, attempt)
		res.Backend.RecordOutcome(now, result.Outcome, passive)
		c.Metrics.RecordAttempt(res.Backend.Config.ID, res.Pool.Config.ID, result.Outcome.Success, result.DurationMs, now)
		c.Metrics.RecordSteeringDecision(res.SteeringUsed)
		if res.FromAffinity {
			c.Metrics.RecordAffinityHit()
		} else if svc.LoadBalancer.SessionAffinity.Enabled() {
			c.Metrics.RecordAffinityMiss()
		}
		if c.Store != nil {
			// Write-coalesced per spec §4.C: Memory.Put buffers this under
			// the metrics key and only actually stores every saveThreshold
			// calls, unlike the immediate persistence config POSTs get.
			c.Store.Put(store.KeyMetrics, c.Metrics.Snapshot())
		}

		if c.Debug != nil {
			c.Debug.Record(debugtrail.Entry{
				ID:         attemptID,
				At:         now,
				Method:     r.Method,
				Path:       r.URL.Path,
				Attempt:    attempt,
				PoolID:     res.Pool.Config.ID,
				BackendID:  res.Backend.Config.ID,
				Steering:   res.SteeringUsed,
				Success:    result.Outcome.Success,
				StatusCode: result.Outcome.StatusCode,
				ErrClass:   string(result.Outcome.ErrClass),
			})
		}

		lastOutcome = result.Outcome
		lastPoolID = res.Pool.Config.ID

		if result.Outcome.Success {
			selector.RecordRTT(res.Pool.Config.ID, selReq.Region, time.Duration(result.DurationMs)*time.Millisecond)
			forwarder.WriteObservabilityHeaders(w, svc, res.Pool.Config.ID, res.Backend)
			copyResponse(w, result.Response)
			return
		}

		log.Printf("[retry] %s attempt=%s backend=%s pool=%s class=%s status=%d", svc.Hostname, attemptID, res.Backend.Config.ID, res.Pool.Config.ID, result.Outcome.ErrClass, result.Outcome.StatusCode)

		forced := svc.LoadBalancer.ZeroDowntimeFailover.Enabled && svc.LoadBalancer.ZeroDowntimeFailover.Triggers(result.Outcome.StatusCode)
		if !forced && !retryable(r.Method, result.Outcome, svc) {
			// Non-retryable failure: a real upstream response (other 4xx/5xx)
			// is forwarded verbatim per spec §4.F step 6; a transport-level
			// failure (connection/timeout) has no response body to forward
			// and falls through to the diagnostic 503 below.
			if result.Response != nil {
				forwarder.WriteObservabilityHeaders(w, svc, res.Pool.Config.ID, res.Backend)
				copyResponse(w, result.Response)
				return
			}
			break
		}
		if attempt >= maxRetries {
			break
		}

		time.Sleep(backoff(attempt, policy))

		selReq.ExcludeBackendID = res.Backend.Config.ID
		if forced {
			// Zero-downtime failover (spec §4.G): force the next selection
			// onto a distinct pool rather than only rotating backends
			// within the one that just failed.
			selReq.ExcludePoolID = res.Pool.Config.ID
			selReq.ForcedFailover = true
		} else {
			selReq.ExcludePoolID = ""
			selReq.ForcedFailover = false
		}
	}

	class := classifyFinal(lastOutcome)
	forwarder.WriteFallback(w, svc.Hostname+" pool="+lastPoolID, class)
}

// recordPoolHealth refreshes the pool-level gauges spec §4.H names
// (healthyOrigins, activeConnections) on every selection that touches p.
func recordPoolHealth(m *metrics.ServiceMetrics, p *backend.Pool, now time.Time, passive config.PassiveHealthChecks) {
	var active int64
	for _, b := range p.Backends {
		active += b.ActiveConnections()
	}
	m.SetPoolHealth(p.Config.ID, len(p.HealthyEnabled(now, passive)), active)
}

func classifyFinal(o backend.Outcome) faults.Class {
	switch o.ErrClass {
	case backend.ErrorClassTimeout:
		return faults.ClassTimeout
	case backend.ErrorClassConnection:
		return faults.ClassConnection
	case backend.ErrorClassHTTP523:
		return faults.ClassUpstream523Family
	case backend.ErrorClassHTTP5xx:
		return faults.ClassUpstream5xxRetrySet
	default:
		return faults.ClassUpstreamNonRetry
	}
}

func bufferBody(r *http.Request) error {
	if r.Body == nil {
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	r.Body.Close()
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	r.Body, _ = r.GetBody()
	return nil
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	defer resp.Body.Close()
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
