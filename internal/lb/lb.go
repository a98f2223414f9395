// Package lb wires hostname resolution (A), the service registry (B),
// the admin interface (I) and everything between into one http.Handler,
// per spec §2's control flow. Grounded on the teacher's
// internal/server/server.go StartServer/fallbackHandler — a single mux
// with an ordered fallback chain (router match, then proxy, then IPC
// worker) — generalized from "try router, then proxy, then IPC" to
// "resolve hostname, look up/create the owning service instance, run its
// retry/selector/forwarder pipeline".
package lb

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/flowmesh/lbcore/internal/admin"
	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/faults"
	"github.com/flowmesh/lbcore/internal/hostmatch"
	"github.com/flowmesh/lbcore/internal/registry"
	"github.com/flowmesh/lbcore/internal/store"
)

// Proxy is the top-level http.Handler for the whole core.
type Proxy struct {
	registry *registry.ServiceRegistry
	admin    http.Handler
	env      config.Environment

	mu       sync.RWMutex
	patterns []hostmatch.Pattern
	seeds    map[string]config.ServiceSeed // keyed by pattern source
}

// New builds a Proxy with no services registered yet; call LoadSeeds to
// populate it from a parsed DEFAULT_BACKENDS document.
func New(storeFactory func(identity string) store.Store) *Proxy {
	p := &Proxy{
		registry: registry.NewServiceRegistry(storeFactory),
		seeds:    make(map[string]config.ServiceSeed),
	}
	h := admin.New(p.registry, p.resolveForAdmin)
	p.admin = admin.RateLimit(admin.Compress(h))
	return p
}

// SetEnvironment applies spec §6's environment flags: FORCE_ENV makes newly
// created service instances ignore persisted config, and the SSL_* flags
// are layered onto every freshly seeded service's SSL policy.
func (p *Proxy) SetEnvironment(env config.Environment) {
	p.env = env
	p.registry.SetForceEnv(env.ForceEnv)
	p.registry.SetDebug(env.Debug)
}

// LoadSeeds (re)compiles the hostname patterns for a freshly parsed
// DEFAULT_BACKENDS document. Existing ServiceInstances for patterns that
// are still present keep running undisturbed; only newly added patterns
// get lazily created on first match.
func (p *Proxy) LoadSeeds(seeds []config.ServiceSeed) error {
	patternSources := make([]string, 0, len(seeds))
	bySource := make(map[string]config.ServiceSeed, len(seeds))
	for _, s := range seeds {
		patternSources = append(patternSources, s.Hostname)
		bySource[s.Hostname] = s
	}

	compiled, err := hostmatch.CompilePatterns("default_backends", patternSources)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.patterns = compiled
	p.seeds = bySource
	p.mu.Unlock()
	return nil
}

func (p *Proxy) resolveForAdmin(host string) (*registry.ServiceInstance, error) {
	inst, _, err := p.resolve(host)
	return inst, err
}

// resolve maps host to its ServiceInstance, creating it (with its
// backend URL templates expanded against this match's captures) on first
// access, per spec §4.A/§4.B.
func (p *Proxy) resolve(host string) (*registry.ServiceInstance, hostmatch.Match, error) {
	p.mu.RLock()
	patterns := p.patterns
	seeds := p.seeds
	p.mu.RUnlock()

	match, err := hostmatch.Resolve(host, patterns)
	if err != nil {
		return nil, hostmatch.Match{}, err
	}

	if inst, ok := p.registry.Get(match.Pattern); ok {
		return inst, match, nil
	}

	seed, ok := seeds[match.Pattern]
	if !ok {
		return nil, match, faults.New(faults.ClassNoMatchingService, 0, nil)
	}

	expanded := make([]string, 0, len(seed.Backends))
	for _, tmpl := range seed.Backends {
		expanded = append(expanded, hostmatch.ExpandTemplate(tmpl, match.Captures))
	}
	cfg := config.BuildFromSeed(seed, expanded)
	p.env.ApplySSLOverrides(&cfg.SSL)

	inst := p.registry.GetOrCreate(match.Pattern, cfg)
	return inst, match, nil
}

// ServeHTTP implements http.Handler, dispatching admin-plane requests to
// the admin handler and everything else into the resolve-then-Fetch path.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, admin.Prefix()) {
		p.admin.ServeHTTP(w, r)
		return
	}

	host := stripPort(r.Host)
	inst, match, err := p.resolve(host)
	if err != nil {
		fe, _ := faults.AsError(err)
		class := faults.ClassNoMatchingService
		if fe != nil {
			class = fe.Class
		}
		log.Printf("[lb] %s %s: %v", r.Method, r.URL.Path, err)
		w.Header().Set("X-Fallback-Reason", string(class))
		http.NotFound(w, r)
		return
	}

	inst.Fetch(w, r, match)
}

func stripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
