// Package admin implements spec §4.I's in-band admin interface: the
// /__lb_admin__/{config,metrics,backends,health-check} handlers. Grounded
// on the teacher's internal/server/server.go statusHandler/healthHandler
// (plain json.NewEncoder(w).Encode(map[string]any{...}) JSON handlers) and
// CompressionMiddleware (brotli-then-gzip negotiation over a
// compressionResponseWriter), generalized from two status endpoints to
// the four admin surfaces spec §4.I names, with its own request body
// instead of the fallback router's params.
package admin

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/registry"
)

const pathPrefix = "/__lb_admin__/"

// Handler serves the admin-plane endpoints for one ServiceRegistry,
// resolving the target ServiceInstance the same way the proxying path
// does (spec §4.I "Admin requests are authorised by an external
// collaborator... before reaching the core" — this handler trusts that
// gate and only resolves identity + dispatches).
type Handler struct {
	registry *registry.ServiceRegistry
	resolve  func(host string) (*registry.ServiceInstance, error)
}

// New builds an admin Handler. resolve mirrors the hostname-resolution
// step the proxying path already performs (internal/lb), so admin and
// traffic requests agree on which service instance owns a hostname.
func New(reg *registry.ServiceRegistry, resolve func(host string) (*registry.ServiceInstance, error)) *Handler {
	return &Handler{registry: reg, resolve: resolve}
}

// Prefix is the reserved path prefix admin requests must not collide
// with proxied traffic under (spec §4.I).
func Prefix() string { return pathPrefix }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inst, err := h.resolve(r.Host)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "no matching service", err.Error())
		return
	}

	sub := strings.TrimPrefix(r.URL.Path, pathPrefix)
	switch sub {
	case "config":
		h.config(w, r, inst)
	case "metrics":
		h.metrics(w, r, inst)
	case "backends":
		h.backends(w, r, inst)
	case "health-check":
		h.healthCheck(w, r, inst)
	case "debug":
		h.debug(w, r, inst)
	default:
		writeJSONError(w, http.StatusNotFound, "unknown admin endpoint", sub)
	}
}

func (h *Handler) config(w http.ResponseWriter, r *http.Request, inst *registry.ServiceInstance) {
	switch r.Method {
	case http.MethodGet:
		cfg, uninitialised := inst.Snapshot()
		if uninitialised || cfg == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "service uninitialised", "")
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPost:
		var patch config.ServiceConfig
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed config body", err.Error())
			return
		}
		existing, uninitialised := inst.Snapshot()
		if uninitialised || existing == nil {
			existing = &config.ServiceConfig{}
		}
		result := config.Merge(existing, &patch)
		if err := inst.Reconfigure(result.Config); err != nil {
			writeJSONError(w, http.StatusBadRequest, "config rejected", err.Error())
			return
		}
		for id := range result.RemovedBackend {
			inst.Metrics().DropBackend(id)
		}
		writeJSON(w, http.StatusOK, result.Config)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", r.Method)
	}
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request, inst *registry.ServiceInstance) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", r.Method)
		return
	}
	payload := map[string]any{
		"service": inst.Metrics().Snapshot(),
		"host":    hostSnapshot(),
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) backends(w http.ResponseWriter, r *http.Request, inst *registry.ServiceInstance) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", r.Method)
		return
	}
	pools, ok := inst.BackendSnapshots()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "service uninitialised", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": pools})
}

// debug serves the debug audit trail supplement (SPEC_FULL.md §D.1),
// only populated when the process was started with DEBUG=true.
func (h *Handler) debug(w http.ResponseWriter, r *http.Request, inst *registry.ServiceInstance) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", r.Method)
		return
	}
	entries, ok := inst.DebugEntries()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "debug trail disabled", "start the process with DEBUG=true")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request, inst *registry.ServiceInstance) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", r.Method)
		return
	}
	inst.ForceHealthCheck()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "probe cycle forced"})
}

// hostSnapshot reports operational host resource usage the way the
// teacher's cluster.ClusterManager samples gopsutil/v3/process, here via
// the system-wide load/mem packages for the admin-plane context.
func hostSnapshot() map[string]any {
	out := map[string]any{}
	if avg, err := load.Avg(); err == nil {
		out["loadavg1"] = avg.Load1
		out["loadavg5"] = avg.Load5
		out["loadavg15"] = avg.Load15
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memUsedPercent"] = vm.UsedPercent
		out["memTotal"] = vm.Total
	}
	out["sampledAt"] = time.Now().UTC().Format(time.RFC3339)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg, details string) {
	body := map[string]string{"error": msg}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// compressionResponseWriter adapts an io.Writer (a brotli or gzip
// encoder) to http.ResponseWriter, matching the teacher's
// CompressionMiddleware shape.
type compressionResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w compressionResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// Compress wraps next with brotli-then-gzip negotiation over
// Accept-Encoding, the way the teacher's CompressionMiddleware does,
// used here for the potentially large /__lb_admin__/metrics and
// /__lb_admin__/backends JSON bodies.
func Compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEncoding := r.Header.Get("Accept-Encoding")

		if strings.Contains(acceptEncoding, "br") {
			w.Header().Set("Content-Encoding", "br")
			w.Header().Add("Vary", "Accept-Encoding")
			bw := brotli.NewWriter(w)
			defer bw.Close()
			next.ServeHTTP(compressionResponseWriter{Writer: bw, ResponseWriter: w}, r)
			return
		}

		if strings.Contains(acceptEncoding, "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Add("Vary", "Accept-Encoding")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			next.ServeHTTP(compressionResponseWriter{Writer: gz, ResponseWriter: w}, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}
