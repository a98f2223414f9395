package lb

import (
	"net/http/httptest"
	"testing"

	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/store"
)

func newTestProxy(t *testing.T, backend string) *Proxy {
	t.Helper()
	p := New(func(identity string) store.Store { return store.NewMemory(100) })
	if err := p.LoadSeeds([]config.ServiceSeed{
		{Hostname: "api.example.com", Backends: []string{backend}},
		{Hostname: "*.tenant.example.com", Backends: []string{"https://$1.origin"}},
	}); err != nil {
		t.Fatalf("LoadSeeds: %v", err)
	}
	return p
}

func TestProxy_RoutesByHostnameToSeededBackend(t *testing.T) {
	upstream := httptest.NewServer(nil)
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL)

	req := httptest.NewRequest("GET", "http://api.example.com/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Backend-Used"); got != "backend-a" {
		t.Fatalf("X-Backend-Used = %q, want backend-a (the seeded backend)", got)
	}
}

func TestProxy_UnknownHostReturns404(t *testing.T) {
	p := newTestProxy(t, "http://127.0.0.1:1")

	req := httptest.NewRequest("GET", "http://nowhere.invalid/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestProxy_WildcardExpandsCaptureIntoBackendURL(t *testing.T) {
	p := newTestProxy(t, "http://127.0.0.1:1")

	inst, match, err := p.resolve("acme.tenant.example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(match.Captures) != 1 || match.Captures[0] != "acme" {
		t.Fatalf("captures = %v", match.Captures)
	}
	cfg, uninitialised := inst.Snapshot()
	if uninitialised {
		t.Fatalf("expected instance to be initialised")
	}
	if cfg.Pools[0].Backends[0].URL != "https://acme.origin" {
		t.Fatalf("backend url = %q", cfg.Pools[0].Backends[0].URL)
	}
}

func TestProxy_AdminPrefixDispatchesToAdminHandler(t *testing.T) {
	p := newTestProxy(t, "http://127.0.0.1:1")

	req := httptest.NewRequest("GET", "http://api.example.com/__lb_admin__/config", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("admin config status = %d, body=%s", rec.Code, rec.Body.String())
	}
}
