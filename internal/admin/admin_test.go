package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/hostmatch"
	"github.com/flowmesh/lbcore/internal/registry"
	"github.com/flowmesh/lbcore/internal/store"
)

func TestHandler_ConfigGetAndPost(t *testing.T) {
	reg := registry.NewServiceRegistry(func(identity string) store.Store { return store.NewMemory(100) })
	seed := config.BuildFromSeed(config.ServiceSeed{Hostname: "api.example.com"}, []string{"http://127.0.0.1:9001"})
	reg.GetOrCreate("api.example.com", seed)

	h := New(reg, func(host string) (*registry.ServiceInstance, error) {
		inst, _ := reg.Get("api.example.com")
		return inst, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/__lb_admin__/config", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET config status = %d, body=%s", rec.Code, rec.Body.String())
	}

	var got config.ServiceConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Pools) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(got.Pools))
	}

	postReq := httptest.NewRequest(http.MethodPost, "http://api.example.com/__lb_admin__/config", strings.NewReader(`{"retryPolicy":{"maxRetries":5}}`))
	postRec := httptest.NewRecorder()
	h.ServeHTTP(postRec, postReq)
	if postRec.Code != http.StatusOK {
		t.Fatalf("POST config status = %d, body=%s", postRec.Code, postRec.Body.String())
	}

	var merged config.ServiceConfig
	if err := json.Unmarshal(postRec.Body.Bytes(), &merged); err != nil {
		t.Fatalf("decode POST: %v", err)
	}
	if merged.RetryPolicy.MaxRetries != 5 || len(merged.Pools) != 1 {
		t.Fatalf("merged config = %+v, want maxRetries 5 with the existing pool kept", merged)
	}
}

func TestHandler_BackendsReturnsLiveSnapshots(t *testing.T) {
	reg := registry.NewServiceRegistry(func(identity string) store.Store { return store.NewMemory(100) })
	seed := config.BuildFromSeed(config.ServiceSeed{Hostname: "api.example.com"}, []string{"http://127.0.0.1:9001"})
	reg.GetOrCreate("api.example.com", seed)

	h := New(reg, func(host string) (*registry.ServiceInstance, error) {
		inst, _ := reg.Get("api.example.com")
		return inst, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/__lb_admin__/backends", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET backends status = %d, body=%s", rec.Code, rec.Body.String())
	}

	var got struct {
		Pools []struct {
			PoolID   string `json:"poolId"`
			Backends []struct {
				ID      string `json:"id"`
				Healthy bool   `json:"healthy"`
			} `json:"backends"`
		} `json:"pools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Pools) != 1 || len(got.Pools[0].Backends) != 1 {
		t.Fatalf("expected 1 pool with 1 backend, got %+v", got)
	}
	if !got.Pools[0].Backends[0].Healthy {
		t.Fatalf("expected backend to be healthy by default")
	}
}

func TestHandler_UnknownEndpoint404(t *testing.T) {
	reg := registry.NewServiceRegistry(func(identity string) store.Store { return store.NewMemory(100) })
	seed := config.BuildFromSeed(config.ServiceSeed{Hostname: "api.example.com"}, []string{"http://127.0.0.1:9001"})
	reg.GetOrCreate("api.example.com", seed)

	h := New(reg, func(host string) (*registry.ServiceInstance, error) {
		inst, _ := reg.Get("api.example.com")
		return inst, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/__lb_admin__/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandler_DebugDisabledByDefault(t *testing.T) {
	reg := registry.NewServiceRegistry(func(identity string) store.Store { return store.NewMemory(100) })
	seed := config.BuildFromSeed(config.ServiceSeed{Hostname: "api.example.com"}, []string{"http://127.0.0.1:9001"})
	reg.GetOrCreate("api.example.com", seed)

	h := New(reg, func(host string) (*registry.ServiceInstance, error) {
		inst, _ := reg.Get("api.example.com")
		return inst, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/__lb_admin__/debug", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (debug trail disabled)", rec.Code)
	}
}

func TestHandler_DebugReturnsRecordedAttempts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := registry.NewServiceRegistry(func(identity string) store.Store { return store.NewMemory(100) })
	reg.SetDebug(true)
	seed := config.BuildFromSeed(config.ServiceSeed{Hostname: "api.example.com"}, []string{upstream.URL})
	inst := reg.GetOrCreate("api.example.com", seed)

	fetchReq := httptest.NewRequest(http.MethodGet, "http://api.example.com/widgets", nil)
	fetchRec := httptest.NewRecorder()
	inst.Fetch(fetchRec, fetchReq, hostmatch.Match{Service: "api.example.com", Pattern: "api.example.com"})
	if fetchRec.Code != http.StatusOK {
		t.Fatalf("fetch status = %d, want 200", fetchRec.Code)
	}

	h := New(reg, func(host string) (*registry.ServiceInstance, error) {
		found, _ := reg.Get("api.example.com")
		return found, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/__lb_admin__/debug", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var got struct {
		Entries []struct {
			Success bool   `json:"success"`
			Path    string `json:"path"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Entries) != 1 || !got.Entries[0].Success || got.Entries[0].Path != "/widgets" {
		t.Fatalf("expected one successful /widgets entry, got %+v", got.Entries)
	}
}
