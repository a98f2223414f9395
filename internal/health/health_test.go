package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowmesh/lbcore/internal/backend"
	"github.com/flowmesh/lbcore/internal/config"
)

func TestClassify(t *testing.T) {
	passive := config.PassiveHealthChecks{} // default retryable set: 500,502,503,504,521,522,523,525,526

	cases := []struct {
		status    int
		err       bool
		timedOut  bool
		wantOK    bool
		wantClass backend.ErrorClass
	}{
		{status: 200, wantOK: true},
		{status: 399, wantOK: true},
		{status: 500, wantOK: false, wantClass: backend.ErrorClassHTTP5xx},
		{status: 523, wantOK: false, wantClass: backend.ErrorClassHTTP523},
		{status: 404, wantOK: false, wantClass: backend.ErrorClassNonRetryable},
		{status: 400, wantOK: false, wantClass: backend.ErrorClassNonRetryable},
		{status: 501, wantOK: false, wantClass: backend.ErrorClassNonRetryable},
		{err: true, timedOut: true, wantOK: false, wantClass: backend.ErrorClassTimeout},
		{err: true, wantOK: false, wantClass: backend.ErrorClassConnection},
	}
	for _, c := range cases {
		var transportErr error
		if c.err {
			transportErr = context.DeadlineExceeded
		}
		out := Classify(c.status, transportErr, c.timedOut, passive)
		if out.Success != c.wantOK {
			t.Errorf("status=%d err=%v: Success = %v, want %v", c.status, c.err, out.Success, c.wantOK)
		}
		if !out.Success && out.ErrClass != c.wantClass {
			t.Errorf("status=%d err=%v: ErrClass = %v, want %v", c.status, c.err, out.ErrClass, c.wantClass)
		}
	}
}

func TestClassify_CustomRetryableSetNarrowsDefault(t *testing.T) {
	passive := config.PassiveHealthChecks{RetryableStatusCodes: []int{503}}
	out := Classify(500, nil, false, passive)
	if out.ErrClass != backend.ErrorClassNonRetryable {
		t.Fatalf("status 500 outside a custom retryable set = %v, want non_retryable", out.ErrClass)
	}
	out = Classify(503, nil, false, passive)
	if out.ErrClass != backend.ErrorClassHTTP5xx {
		t.Fatalf("status 503 inside a custom retryable set = %v, want http5xx", out.ErrClass)
	}
}

func TestProber_MarksUnhealthyAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	bcfg := config.BackendConfig{ID: "b1", URL: srv.URL, Enabled: true}
	b, err := backend.New(bcfg)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}

	pool, err := backend.NewPool(config.PoolConfig{ID: "p", Enabled: true, Backends: []config.BackendConfig{bcfg}})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	pool.Backends[0] = b

	cfg := config.ActiveHealthChecks{Enabled: true, ConsecutiveDown: 2, ConsecutiveUp: 1, TimeoutMs: 1000, Path: "/health"}
	prober := NewProber("test", cfg, func() []*backend.Pool { return []*backend.Pool{pool} })

	prober.cycle()
	if !b.IsHealthy() {
		t.Fatalf("expected still healthy after 1 failure")
	}
	prober.cycle()
	if b.IsHealthy() {
		t.Fatalf("expected unhealthy after consecutiveDown failures")
	}
}

func TestProber_DisabledNeverRuns(t *testing.T) {
	cfg := config.ActiveHealthChecks{Enabled: false}
	prober := NewProber("test", cfg, func() []*backend.Pool { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	prober.Run(ctx) // returns immediately since Enabled is false
}
