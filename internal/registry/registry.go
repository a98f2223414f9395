// Package registry implements spec §4.B: a ServiceRegistry mapping a
// resolved hostname pattern to the single ServiceInstance that owns it,
// with per-service serial execution (a single goroutine draining a job
// channel) so every mutation of one service's state is strictly ordered
// while different services run fully in parallel. Grounded on the
// teacher's internal/cluster/manager.go ClusterManager (one manager
// owning a slice of workers behind an RWMutex-guarded map) adapted from
// "OS process per worker" to "goroutine-actor per service", and on
// internal/ipc/bridge.go's loop-goroutine-serialises-shared-state idiom
// for the actor body itself.
package registry

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/flowmesh/lbcore/internal/affinity"
	"github.com/flowmesh/lbcore/internal/backend"
	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/debugtrail"
	"github.com/flowmesh/lbcore/internal/faults"
	"github.com/flowmesh/lbcore/internal/forwarder"
	"github.com/flowmesh/lbcore/internal/health"
	"github.com/flowmesh/lbcore/internal/hostmatch"
	"github.com/flowmesh/lbcore/internal/metrics"
	"github.com/flowmesh/lbcore/internal/retry"
	"github.com/flowmesh/lbcore/internal/selector"
	"github.com/flowmesh/lbcore/internal/store"
)

// job is one piece of work submitted to a ServiceInstance's single
// execution goroutine.
type job struct {
	fn   func()
	done chan struct{}
}

// ServiceInstance owns one service identity's full runtime state: its
// config, pools, metrics, affinity table and active-health prober, all
// mutated only from its own actor goroutine (spec §4.B, §5).
type ServiceInstance struct {
	Identity string // the matched pattern string, per spec §4.A "Output"

	jobs chan job

	mu            sync.RWMutex
	cfg           *config.ServiceConfig
	pools         selector.Pools
	uninitialised bool

	aff       *affinity.Map
	dns       *selector.DNSFailoverState
	metrics   *metrics.ServiceMetrics
	store     store.Store
	fwd       *forwarder.Forwarder
	retryCtl  *retry.Controller
	prober    *health.Prober
	proberCancel func()
	debug     *debugtrail.Trail // non-nil only when the service was created with DEBUG=true
}

// NewServiceInstance builds and starts a service actor for one identity,
// loading its state (spec §4.B "loadState"): read persisted config if
// present, else initialise from the supplied seed config. When forceEnv is
// set (spec §6 FORCE_ENV), any persisted config is ignored and the seed is
// always used, the way the teacher's env-wins ApplySSLOverrides treats the
// environment as authoritative.
func NewServiceInstance(identity string, st store.Store, seed *config.ServiceConfig, forceEnv bool, debugEnabled bool) *ServiceInstance {
	inst := &ServiceInstance{
		Identity: identity,
		jobs:     make(chan job, 64),
		aff:      affinity.New(affinityTTL(seed)),
		dns:      &selector.DNSFailoverState{},
		metrics:  metrics.NewServiceMetrics(),
		store:    st,
		fwd:      forwarder.New(),
	}
	if debugEnabled {
		inst.debug = debugtrail.New(0)
	}
	inst.retryCtl = retry.NewController(inst.fwd, inst.metrics, st)
	inst.retryCtl.Debug = inst.debug

	inst.loadState(seed, forceEnv)

	go inst.run()
	return inst
}

// affinityTTL reads the configured session-affinity TTL (spec §3
// AffinityEntry, config.SessionAffinityConfig.TTLSeconds) off the seed
// config, defaulting to 5 minutes when unset. The affinity map's TTL is
// fixed at construction, so a later admin config POST changing
// TTLSeconds only takes effect for entries written after a full instance
// restart; reads/writes themselves always go through the live map.
func affinityTTL(seed *config.ServiceConfig) time.Duration {
	if seed == nil || seed.LoadBalancer.SessionAffinity.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(seed.LoadBalancer.SessionAffinity.TTLSeconds) * time.Second
}

func (s *ServiceInstance) run() {
	for j := range s.jobs {
		j.fn()
		close(j.done)
	}
}

// submit runs fn on the instance's actor goroutine and blocks until it
// completes, guaranteeing the "single-threaded cooperative" ordering
// spec §4.B/§5 require.
func (s *ServiceInstance) submit(fn func()) {
	done := make(chan struct{})
	s.jobs <- job{fn: fn, done: done}
	<-done
}

// loadState performs spec §4.B's cold-start sequence. A missing or
// unreadable stored config falls back to the seed; if there is no seed
// either, or building pools from the chosen config fails, the instance
// becomes "uninitialised" and serves 503 until an admin reconfigures it.
func (s *ServiceInstance) loadState(seed *config.ServiceConfig, forceEnv bool) {
	var cfg *config.ServiceConfig
	if !forceEnv {
		if stored, ok := s.store.Get(store.KeyConfig); ok {
			if sc, ok := stored.(*config.ServiceConfig); ok {
				cfg = sc
			}
		}
	}
	if cfg == nil {
		cfg = seed
	}
	if cfg == nil {
		s.uninitialised = true
		log.Printf("[registry] %s: no stored or seed config, entering uninitialised state", s.Identity)
		return
	}

	if err := s.applyConfigLocked(cfg); err != nil {
		s.uninitialised = true
		log.Printf("[registry] %s: loadState failed: %v", s.Identity, err)
		return
	}
	s.store.Put(store.KeyConfig, cfg)
}

// applyConfigLocked rebuilds pools from cfg and (re)starts the active
// health prober. Caller must be running on the actor goroutine or during
// construction, before the actor goroutine starts.
func (s *ServiceInstance) applyConfigLocked(cfg *config.ServiceConfig) error {
	pools := make(selector.Pools, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		p, err := backend.NewPool(pc)
		if err != nil {
			return err
		}
		pools[pc.ID] = p
	}

	s.mu.Lock()
	s.cfg = cfg
	s.pools = pools
	s.uninitialised = false
	s.mu.Unlock()

	if s.proberCancel != nil {
		s.proberCancel()
	}
	s.prober = health.NewProber(s.Identity, cfg.ActiveHealthChecks, func() []*backend.Pool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]*backend.Pool, 0, len(s.pools))
		for _, p := range s.pools {
			out = append(out, p)
		}
		return out
	})
	go s.prober.Run(context.Background())
	s.proberCancel = func() { s.prober.Stop() }
	return nil
}

// Snapshot is a consistent, read-only view of the instance's config.
func (s *ServiceInstance) Snapshot() (*config.ServiceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.uninitialised
}

// PoolBackends is the live health/metrics read model for one pool, as
// spec §4.I's "GET /__lb_admin__/backends" requires.
type PoolBackends struct {
	PoolID   string            `json:"poolId"`
	Backends []backend.Snapshot `json:"backends"`
}

// BackendSnapshots returns a live health/metrics snapshot of every backend
// in every pool, grouped by pool id (spec §4.I "lists backends with live
// health/metrics").
func (s *ServiceInstance) BackendSnapshots() ([]PoolBackends, bool) {
	s.mu.RLock()
	pools := s.pools
	uninitialised := s.uninitialised
	s.mu.RUnlock()
	if uninitialised || pools == nil {
		return nil, false
	}

	out := make([]PoolBackends, 0, len(pools))
	for _, p := range pools {
		pb := PoolBackends{PoolID: p.Config.ID, Backends: make([]backend.Snapshot, 0, len(p.Backends))}
		for _, b := range p.Backends {
			pb.Backends = append(pb.Backends, b.Snapshot())
		}
		out = append(out, pb)
	}
	return out, true
}

// Metrics returns the service's metrics aggregator.
func (s *ServiceInstance) Metrics() *metrics.ServiceMetrics { return s.metrics }

// DebugEntries returns the service's recorded debug audit trail (spec
// SPEC_FULL.md §D.1), oldest first. ok is false when the instance was
// created without DEBUG=true, in which case no trail was ever kept.
func (s *ServiceInstance) DebugEntries() ([]debugtrail.Entry, bool) {
	if s.debug == nil {
		return nil, false
	}
	return s.debug.Snapshot(), true
}

// Reconfigure replaces the instance's config (admin POST, spec §4.I),
// running on the actor goroutine so it serialises against in-flight
// requests. Persists immediately, per spec §4.C.
func (s *ServiceInstance) Reconfigure(cfg *config.ServiceConfig) error {
	var applyErr error
	s.submit(func() {
		applyErr = s.applyConfigLocked(cfg)
		if applyErr == nil {
			s.store.Put(store.KeyConfig, cfg)
		}
	})
	return applyErr
}

// ForceHealthCheck triggers an immediate active probe cycle (spec §4.I
// POST /__lb_admin__/health-check).
func (s *ServiceInstance) ForceHealthCheck() {
	s.mu.RLock()
	prober := s.prober
	s.mu.RUnlock()
	if prober != nil {
		prober.RunOnce()
	}
}

// Fetch handles one proxied request end to end, running on the actor
// goroutine so backend selection and its round-robin/circuit-breaker
// mutations are linearised with every other request to this service.
func (s *ServiceInstance) Fetch(w http.ResponseWriter, r *http.Request, match hostmatch.Match) {
	s.mu.RLock()
	uninitialised := s.uninitialised
	cfg := s.cfg
	pools := s.pools
	s.mu.RUnlock()

	if uninitialised || cfg == nil {
		forwarder.WriteFallback(w, s.Identity, faults.ClassConfigInvalid)
		return
	}

	selReq, mintedCookie := buildSelectRequest(r, cfg)
	if mintedCookie != "" {
		// First contact under cookie-based affinity: mint the opaque
		// session key now so it reaches the client on this response,
		// per spec §3 AffinityEntry "created ... on each hit" and §9's
		// server-generated opaque key resolution.
		http.SetCookie(w, &http.Cookie{
			Name:     cfg.LoadBalancer.SessionAffinity.CookieName,
			Value:    mintedCookie,
			Path:     "/",
			HttpOnly: true,
		})
	}

	s.submit(func() {
		s.retryCtl.Run(r.Context(), w, r, cfg, pools, s.aff, s.dns, selReq, cfg.PassiveHealthChecks)
	})
}

// buildSelectRequest resolves the session key for stage-1 affinity. For
// cookie-based affinity with no existing cookie, it mints a fresh opaque
// session key (returned separately so the caller can write it back as a
// Set-Cookie before the response is written).
func buildSelectRequest(r *http.Request, cfg *config.ServiceConfig) (selector.Request, string) {
	req := selector.Request{}
	var minted string
	switch cfg.LoadBalancer.SessionAffinity.Type {
	case "cookie":
		if c, err := r.Cookie(cfg.LoadBalancer.SessionAffinity.CookieName); err == nil && c.Value != "" {
			req.SessionKey = c.Value
		} else {
			minted = affinity.NewSessionKey()
			req.SessionKey = minted
		}
	case "header":
		req.SessionKey = r.Header.Get(cfg.LoadBalancer.SessionAffinity.HeaderName)
	case "ip_cookie":
		req.SessionKey = clientIPForAffinity(r)
	}
	req.ClientIP = clientIPForAffinity(r)
	return req, minted
}

func clientIPForAffinity(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		for i := 0; i < len(ip); i++ {
			if ip[i] == ',' {
				return ip[:i]
			}
		}
		return ip
	}
	return r.RemoteAddr
}

// ServiceRegistry routes a resolved hostname pattern to its owning
// ServiceInstance, creating one lazily on first access (spec §4.B).
type ServiceRegistry struct {
	mu        sync.RWMutex
	instances map[string]*ServiceInstance
	stores    func(identity string) store.Store
	forceEnv  bool
	debug     bool
}

// NewServiceRegistry builds an empty registry. storeFactory mints a
// per-identity Store (in-memory today; swappable for a persistent one).
func NewServiceRegistry(storeFactory func(identity string) store.Store) *ServiceRegistry {
	return &ServiceRegistry{
		instances: make(map[string]*ServiceInstance),
		stores:    storeFactory,
	}
}

// SetForceEnv mirrors spec §6's FORCE_ENV flag: when true, every
// newly-created ServiceInstance ignores its persisted config and always
// (re)initialises from the DEFAULT_BACKENDS seed.
func (r *ServiceRegistry) SetForceEnv(v bool) {
	r.mu.Lock()
	r.forceEnv = v
	r.mu.Unlock()
}

// SetDebug mirrors spec §6's DEBUG flag (SPEC_FULL.md §D.1): when true,
// every newly-created ServiceInstance keeps a debug audit trail.
func (r *ServiceRegistry) SetDebug(v bool) {
	r.mu.Lock()
	r.debug = v
	r.mu.Unlock()
}

// GetOrCreate returns the instance for identity, creating it from seed if
// it doesn't exist yet.
func (r *ServiceRegistry) GetOrCreate(identity string, seed *config.ServiceConfig) *ServiceInstance {
	r.mu.RLock()
	inst, ok := r.instances[identity]
	r.mu.RUnlock()
	if ok {
		return inst
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[identity]; ok {
		return inst
	}
	inst = NewServiceInstance(identity, r.stores(identity), seed, r.forceEnv, r.debug)
	r.instances[identity] = inst
	return inst
}

// Get returns the instance for identity without creating one.
func (r *ServiceRegistry) Get(identity string) (*ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[identity]
	return inst, ok
}

// All returns every currently registered instance, for admin/bulk views.
func (r *ServiceRegistry) All() map[string]*ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ServiceInstance, len(r.instances))
	for k, v := range r.instances {
		out[k] = v
	}
	return out
}
