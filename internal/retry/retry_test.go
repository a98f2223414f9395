package retry

import (
	"net/http"
	"testing"

	"github.com/flowmesh/lbcore/internal/backend"
	"github.com/flowmesh/lbcore/internal/config"
)

func TestRetryable_IdempotencyPolicy(t *testing.T) {
	svc := &config.ServiceConfig{RetryPolicy: config.RetryPolicy{RetryNonIdempotentOnTimeout: true}}

	cases := []struct {
		method string
		class  backend.ErrorClass
		status int
		want   bool
	}{
		{method: http.MethodPost, class: backend.ErrorClassConnection, want: false},
		{method: http.MethodGet, class: backend.ErrorClassConnection, want: true},
		{method: http.MethodPost, class: backend.ErrorClassTimeout, want: true},
		{method: http.MethodPost, class: backend.ErrorClassHTTP5xx, status: 502, want: true},
		{method: http.MethodPost, class: backend.ErrorClassHTTP5xx, status: 500, want: false},
		{method: http.MethodGet, class: backend.ErrorClassHTTP5xx, status: 500, want: true},
		{method: http.MethodPost, class: backend.ErrorClassHTTP523, status: 523, want: true},
		{method: http.MethodGet, class: backend.ErrorClassNonRetryable, status: 404, want: false},
	}
	for _, c := range cases {
		outcome := backend.Outcome{Success: false, ErrClass: c.class, StatusCode: c.status}
		got := retryable(c.method, outcome, svc)
		if got != c.want {
			t.Errorf("retryable(%s, %s, status=%d) = %v, want %v", c.method, c.class, c.status, got, c.want)
		}
	}
}

func TestBackoff_ExponentialCapped(t *testing.T) {
	policy := config.RetryPolicy{BackoffStrategy: config.BackoffExponential, BaseDelayMs: 100, RetryTimeoutMs: 300}
	if d := backoff(0, policy); d.Milliseconds() != 100 {
		t.Errorf("attempt 0 = %v, want 100ms", d)
	}
	if d := backoff(1, policy); d.Milliseconds() != 200 {
		t.Errorf("attempt 1 = %v, want 200ms", d)
	}
	if d := backoff(5, policy); d.Milliseconds() != 300 {
		t.Errorf("attempt 5 = %v, want capped at 300ms", d)
	}
}

func TestBackoff_Constant(t *testing.T) {
	policy := config.RetryPolicy{BackoffStrategy: config.BackoffConstant, BaseDelayMs: 150, RetryTimeoutMs: 10000}
	for _, attempt := range []int{0, 1, 4} {
		if d := backoff(attempt, policy); d.Milliseconds() != 150 {
			t.Errorf("attempt %d = %v, want 150ms", attempt, d)
		}
	}
}
