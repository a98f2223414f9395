// Package health implements spec §4.E's two mechanisms acting on the same
// backend state: passive classification (fed by the forwarder's outcomes)
// and an active, timer-driven prober. Grounded on the teacher's
// internal/proxy.go runHealthChecks/checkAll/checkUpstream (ticker with an
// immediate first pass, goroutine fan-out joined by a WaitGroup) and, for
// the consecutive up/down counter shape spec §4.E names explicitly, the
// other example pack's Nash0810-GoBalance internal/health/active.go.
package health

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/lbcore/internal/backend"
	"github.com/flowmesh/lbcore/internal/config"
)

// Classify maps an HTTP status and transport error into the passive
// health/backend.Outcome spec §4.F's forwarder step 6 describes. Exported
// here since both the forwarder and the health package need the same
// success/retryable boundary. passive supplies the service's configured
// retryable-status set (config.PassiveHealthChecks.IsRetryableStatus) so a
// status outside it classifies as non-retryable and is forwarded verbatim
// (spec §7 upstream_non_retryable) instead of being lumped in with the
// retryable 5xx bucket.
func Classify(status int, transportErr error, timedOut bool, passive config.PassiveHealthChecks) backend.Outcome {
	switch {
	case transportErr != nil && timedOut:
		return backend.Outcome{Success: false, ErrClass: backend.ErrorClassTimeout}
	case transportErr != nil:
		return backend.Outcome{Success: false, ErrClass: backend.ErrorClassConnection}
	case status >= 200 && status < 400:
		return backend.Outcome{Success: true, StatusCode: status}
	case status == 523 || status == 521 || status == 522 || status == 525 || status == 526:
		return backend.Outcome{Success: false, StatusCode: status, ErrClass: backend.ErrorClassHTTP523}
	case passive.IsRetryableStatus(status):
		return backend.Outcome{Success: false, StatusCode: status, ErrClass: backend.ErrorClassHTTP5xx}
	default:
		return backend.Outcome{Success: false, StatusCode: status, ErrClass: backend.ErrorClassNonRetryable}
	}
}

// Prober runs one service's active health-check cycle across all its
// pools' backends on a ticker, the way the teacher's runHealthChecks does,
// generalized from one flat upstream slice to per-service pools.
type Prober struct {
	tag     string
	cfg     config.ActiveHealthChecks
	client  *http.Client
	pools   func() []*backend.Pool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewProber builds a prober for one service. pools is called fresh on
// every cycle so added/removed pools (admin config POST) are picked up
// without restarting the ticker.
func NewProber(tag string, cfg config.ActiveHealthChecks, pools func() []*backend.Pool) *Prober {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		tag:    tag,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		pools:  pools,
		stop:   make(chan struct{}),
	}
}

// Run blocks, issuing a probe cycle immediately and then on every tick,
// until ctx is cancelled or Stop is called.
func (p *Prober) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		return
	}
	interval := time.Duration(p.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.cycle()
	for {
		select {
		case <-ticker.C:
			p.cycle()
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts a running prober; safe to call multiple times.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// RunOnce forces an immediate probe cycle across every backend, blocking
// until it completes (spec §4.I "POST /__lb_admin__/health-check").
func (p *Prober) RunOnce() {
	p.cycle()
}

func (p *Prober) cycle() {
	var wg sync.WaitGroup
	for _, pool := range p.pools() {
		for _, b := range pool.Backends {
			if !b.Enabled() {
				continue
			}
			wg.Add(1)
			go func(b *backend.Backend) {
				defer wg.Done()
				p.probeOne(b)
			}(b)
		}
	}
	wg.Wait()
}

func (p *Prober) probeOne(b *backend.Backend) {
	method := p.cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	probeURL := *b.Target
	probeURL.Path = p.cfg.Path
	if probeURL.Path == "" {
		probeURL.Path = "/health"
	}

	req, err := http.NewRequest(method, probeURL.String(), nil)
	if err != nil {
		log.Printf("[health] %s: build probe request for %s: %v", p.tag, b.Config.ID, err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		b.RecordActiveProbe(false, p.cfg)
		log.Printf("[health] %s: probe failed for %s: %v", p.tag, b.Config.ID, err)
		return
	}
	defer resp.Body.Close()

	ok := p.cfg.IsExpectedStatus(resp.StatusCode)
	if ok && p.cfg.BodyContains != "" {
		var buf [4096]byte
		n, _ := resp.Body.Read(buf[:])
		ok = strings.Contains(string(buf[:n]), p.cfg.BodyContains)
	}
	b.RecordActiveProbe(ok, p.cfg)
}
