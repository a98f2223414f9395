package registry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/hostmatch"
	"github.com/flowmesh/lbcore/internal/store"
)

func TestServiceInstance_FetchRoutesToHealthyBackend(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	seed := config.BuildFromSeed(config.ServiceSeed{Hostname: "api.example.com"}, []string{upstream.URL})
	reg := NewServiceRegistry(func(identity string) store.Store { return store.NewMemory(100) })
	inst := reg.GetOrCreate("api.example.com", seed)

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/widgets", nil)
	rec := httptest.NewRecorder()

	inst.Fetch(rec, req, hostmatch.Match{Service: "api.example.com", Pattern: "api.example.com"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
}

func TestServiceInstance_UninitialisedReturns503(t *testing.T) {
	reg := NewServiceRegistry(func(identity string) store.Store { return store.NewMemory(100) })
	inst := reg.GetOrCreate("nothing.example.com", nil)

	req := httptest.NewRequest(http.MethodGet, "http://nothing.example.com/", nil)
	rec := httptest.NewRecorder()
	inst.Fetch(rec, req, hostmatch.Match{Service: "nothing.example.com"})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
