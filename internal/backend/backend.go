// Package backend holds the mutable runtime state of an upstream origin
// and its enclosing pool (spec §3), including the passive-health and
// circuit-breaker state machines. All mutation happens under the owning
// ServiceInstance's serial execution (spec §5); the locking here guards
// against the admin surface and active-health prober reading concurrently,
// the way the teacher guards Upstream's atomic counters against its own
// concurrent health-check goroutines.
package backend

import (
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/metrics"
)

// CircuitState is the closed/open/half-open state machine guarding a
// backend from cascading failure (spec §3, §4.E).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ErrorClass buckets passive-health failures the way spec §3 requires
// ("per-class errorCounts {connection, timeout, http5xx, http523}").
type ErrorClass string

const (
	ErrorClassConnection   ErrorClass = "connection"
	ErrorClassTimeout      ErrorClass = "timeout"
	ErrorClassHTTP5xx      ErrorClass = "http5xx"
	ErrorClassHTTP523      ErrorClass = "http523"
	ErrorClassNonRetryable ErrorClass = "non_retryable"
)

// Backend is one upstream origin plus its dynamic health/circuit state.
type Backend struct {
	Config config.BackendConfig
	Target *url.URL

	mu sync.Mutex

	healthy              bool
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	lastSuccessAt        time.Time

	circuitState     CircuitState
	circuitOpenedAt  time.Time
	nextRetryAt      time.Time
	circuitFailures  int
	circuitSuccesses int
	circuitWindow    []bool // recent outcomes, true = success, bounded ring for error-rate calc

	activeProbeConsecutiveUp   int
	activeProbeConsecutiveDown int

	outstandingRequests int64
	connectionsActive   int64

	errorCounts map[ErrorClass]uint64

	Metrics *metrics.Counters
}

// New builds a Backend from its static config, healthy by default (the
// teacher's buildUpstreams assumes healthy until the first check fails).
func New(cfg config.BackendConfig) (*Backend, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "backend %q: invalid url %q", cfg.ID, cfg.URL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("backend %q: url %q must include scheme and host", cfg.ID, cfg.URL)
	}
	return &Backend{
		Config:      cfg,
		Target:      u,
		healthy:     true,
		circuitState: CircuitClosed,
		errorCounts: make(map[ErrorClass]uint64),
		Metrics:     &metrics.Counters{},
	}, nil
}

// IsHealthy reports the plain healthy flag (spec §3 invariant: healthy =
// false ⇒ not selected unless an explicit revival path applies).
func (b *Backend) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// Enabled mirrors the static config flag.
func (b *Backend) Enabled() bool { return b.Config.Enabled }

// Selectable reports whether the backend may be handed to a request right
// now: enabled, passively healthy (or past its quarantine window), and not
// circuit-open with time remaining before nextRetryAt.
func (b *Backend) Selectable(now time.Time, passive config.PassiveHealthChecks) bool {
	if !b.Config.Enabled {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.circuitState == CircuitOpen {
		if now.Before(b.nextRetryAt) {
			return false
		}
		// recovery timeout elapsed: transition to half-open on this attempt.
		b.circuitState = CircuitHalfOpen
		b.circuitSuccesses = 0
	}

	if b.healthy {
		return true
	}

	// Passive revival: quarantine window elapsed re-admits the backend so
	// its next outcome can re-classify it (spec §4.E, §8 boundary case).
	timeout := time.Duration(passive.FailureTimeoutMs) * time.Millisecond
	return !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > timeout
}

// Outcome is what the forwarder classified an attempt as (spec §4.F/§7).
type Outcome struct {
	Success    bool
	StatusCode int
	ErrClass   ErrorClass // only meaningful when !Success
}

// RecordOutcome applies one forwarded attempt's outcome to passive health
// and circuit-breaker state in one step (spec §8 invariant 8: marking
// unhealthy happens in the same serialised step as the failure record).
func (b *Backend) RecordOutcome(now time.Time, outcome Outcome, passive config.PassiveHealthChecks) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if outcome.Success {
		b.recordSuccessLocked(now, passive)
	} else {
		b.recordFailureLocked(now, outcome.ErrClass, passive)
	}
}

func (b *Backend) recordSuccessLocked(now time.Time, passive config.PassiveHealthChecks) {
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	b.lastSuccessAt = now
	if !b.healthy {
		b.healthy = true
	}

	cb := passive.CircuitBreaker
	if cb.Enabled {
		switch b.circuitState {
		case CircuitHalfOpen:
			b.circuitSuccesses++
			if b.circuitSuccesses >= max1(cb.SuccessThreshold) {
				b.circuitState = CircuitClosed
				b.circuitFailures = 0
				b.circuitSuccesses = 0
			}
		case CircuitClosed:
			b.circuitFailures = 0
		}
		b.pushWindow(true, cb)
	}
}

func (b *Backend) recordFailureLocked(now time.Time, class ErrorClass, passive config.PassiveHealthChecks) {
	if class != "" {
		b.errorCounts[class]++
	}

	// A non-retryable upstream status (spec §7 upstream_non_retryable) is a
	// property of the request, not a sign the origin itself is unwell — it
	// must never quarantine an otherwise healthy backend or trip its
	// circuit breaker.
	if class == ErrorClassNonRetryable {
		return
	}

	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailureAt = now

	if b.consecutiveFailures >= max1(passive.MaxFailures) {
		b.healthy = false
	}

	cb := passive.CircuitBreaker
	if !cb.Enabled {
		return
	}

	b.pushWindow(false, cb)

	switch b.circuitState {
	case CircuitHalfOpen:
		b.openCircuit(now, cb)
	case CircuitClosed:
		b.circuitFailures++
		if b.circuitFailures >= max1(cb.FailureThreshold) || b.errorRateExceeds(cb) {
			b.openCircuit(now, cb)
		}
	}
}

func (b *Backend) openCircuit(now time.Time, cb config.CircuitBreakerConfig) {
	b.circuitState = CircuitOpen
	b.circuitOpenedAt = now
	b.nextRetryAt = now.Add(time.Duration(cb.RecoveryTimeoutMs) * time.Millisecond)
	b.circuitFailures = 0
	b.circuitSuccesses = 0
}

const circuitWindowSize = 50

func (b *Backend) pushWindow(success bool, cb config.CircuitBreakerConfig) {
	b.circuitWindow = append(b.circuitWindow, success)
	if len(b.circuitWindow) > circuitWindowSize {
		b.circuitWindow = b.circuitWindow[len(b.circuitWindow)-circuitWindowSize:]
	}
}

func (b *Backend) errorRateExceeds(cb config.CircuitBreakerConfig) bool {
	if cb.MinRequests <= 0 || len(b.circuitWindow) < cb.MinRequests {
		return false
	}
	var failures int
	for _, ok := range b.circuitWindow {
		if !ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.circuitWindow)) * 100.0
	return rate > cb.ErrorRateThreshold
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// RecordActiveProbe folds one active health-check attempt (spec §4.E).
func (b *Backend) RecordActiveProbe(success bool, cfg config.ActiveHealthChecks) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.activeProbeConsecutiveUp++
		b.activeProbeConsecutiveDown = 0
		if b.activeProbeConsecutiveUp >= max1(cfg.ConsecutiveUp) {
			b.healthy = true
			b.consecutiveFailures = 0
		}
		return
	}

	b.activeProbeConsecutiveDown++
	b.activeProbeConsecutiveUp = 0
	if b.activeProbeConsecutiveDown >= max1(cfg.ConsecutiveDown) {
		b.healthy = false
	}
}

// IncOutstanding/DecOutstanding track in-flight requests for
// least_outstanding_requests steering.
func (b *Backend) IncOutstanding() { b.addOutstanding(1) }
func (b *Backend) DecOutstanding() { b.addOutstanding(-1) }
func (b *Backend) addOutstanding(delta int64) {
	b.mu.Lock()
	b.outstandingRequests += delta
	b.mu.Unlock()
}

// Outstanding returns the current in-flight request count.
func (b *Backend) Outstanding() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outstandingRequests
}

// IncConnections/DecConnections track active_connections for
// least_connections steering.
func (b *Backend) IncConnections() { b.addConnections(1) }
func (b *Backend) DecConnections() { b.addConnections(-1) }
func (b *Backend) addConnections(delta int64) {
	b.mu.Lock()
	b.connectionsActive += delta
	b.mu.Unlock()
}

// ActiveConnections returns the current active-connection count.
func (b *Backend) ActiveConnections() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectionsActive
}

// Snapshot is the JSON-friendly read model for the admin surface.
type Snapshot struct {
	ID                   string            `json:"id"`
	URL                  string            `json:"url"`
	Weight               int               `json:"weight"`
	Priority             int               `json:"priority"`
	Enabled              bool              `json:"enabled"`
	Healthy              bool              `json:"healthy"`
	ConsecutiveFailures  int               `json:"consecutiveFailures"`
	ConsecutiveSuccesses int               `json:"consecutiveSuccesses"`
	CircuitState         CircuitState      `json:"circuitState"`
	OutstandingRequests  int64             `json:"outstandingRequests"`
	ConnectionsActive    int64             `json:"connectionsActive"`
	ErrorCounts          map[string]uint64 `json:"errorCounts"`
	HealthScore          float64           `json:"healthScore"`
	Metrics              metrics.Snapshot  `json:"metrics"`
}

// Snapshot takes a consistent read of the backend's dynamic state.
func (b *Backend) Snapshot() Snapshot {
	b.mu.Lock()
	errs := make(map[string]uint64, len(b.errorCounts))
	for k, v := range b.errorCounts {
		errs[string(k)] = v
	}
	s := Snapshot{
		ID:                   b.Config.ID,
		URL:                  b.Config.URL,
		Weight:               b.Config.Weight,
		Priority:             b.Config.Priority,
		Enabled:              b.Config.Enabled,
		Healthy:              b.healthy,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		CircuitState:         b.circuitState,
		OutstandingRequests:  b.outstandingRequests,
		ConnectionsActive:    b.connectionsActive,
		ErrorCounts:          errs,
	}
	b.mu.Unlock()

	s.Metrics = b.Metrics.Snapshot()
	s.HealthScore = b.HealthScore()
	return s
}

// HealthScore computes the informational [0,100] score from spec §4.E: a
// weighted blend of (1-errorRate), (1-normalizedLatency) and availability.
// It never gates selection — Selectable/healthy remain the binary signal.
func (b *Backend) HealthScore() float64 {
	snap := b.Metrics.Snapshot()
	if snap.Requests == 0 {
		return 100
	}
	errorRate := float64(snap.Failed) / float64(snap.Requests)
	const latencyCeilingMs = 2000.0
	normalizedLatency := snap.AvgResponseMs / latencyCeilingMs
	if normalizedLatency > 1 {
		normalizedLatency = 1
	}
	availability := float64(snap.Successful) / float64(snap.Requests)

	score := 0.5*(1-errorRate) + 0.2*(1-normalizedLatency) + 0.3*availability
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score * 100
}
