package backend

import (
	"sync"
	"time"

	"github.com/flowmesh/lbcore/internal/config"
)

// Pool is an ordered set of backends sharing one endpoint-steering policy
// (spec §3 "Pool (OriginPool)"). Backend objects live inside the pool's
// slice — no cycles, mutation confined to the owning service instance,
// matching the teacher's arena-per-manager ownership of its Worker slice.
type Pool struct {
	Config   config.PoolConfig
	Backends []*Backend

	mu                     sync.Mutex
	currentRoundRobinIndex uint64
	lastTotalWeight        int
	weightedExpansion      []*Backend
}

// NewPool builds a Pool and its Backend objects from static config.
func NewPool(cfg config.PoolConfig) (*Pool, error) {
	backends := make([]*Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		b, err := New(bc)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return &Pool{Config: cfg, Backends: backends}, nil
}

// ByID returns the backend with the given id, or nil.
func (p *Pool) ByID(id string) *Backend {
	for _, b := range p.Backends {
		if b.Config.ID == id {
			return b
		}
	}
	return nil
}

// HealthyEnabled returns the subset of backends that are enabled and
// passively healthy (or past their quarantine window) and not held open
// by the circuit breaker, per Selectable.
func (p *Pool) HealthyEnabled(now time.Time, passive config.PassiveHealthChecks) []*Backend {
	out := make([]*Backend, 0, len(p.Backends))
	for _, b := range p.Backends {
		if b.Selectable(now, passive) {
			out = append(out, b)
		}
	}
	return out
}

// IsHealthy reports the pool invariant of spec §3: healthy iff
// count(healthy enabled backends) >= minimumOrigins.
func (p *Pool) IsHealthy(now time.Time, passive config.PassiveHealthChecks) bool {
	if !p.Config.Enabled {
		return false
	}
	min := p.Config.MinimumOrigins
	if min < 1 {
		min = 1
	}
	return len(p.HealthyEnabled(now, passive)) >= min
}

// TotalWeight sums the Weight of the given backends (minimum 1 each).
func TotalWeight(backends []*Backend) int {
	total := 0
	for _, b := range backends {
		w := b.Config.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	return total
}

// NextRoundRobin implements spec §4.D's "select then increment" weighted
// walk: pick an index in [0, Σw) from the monotone counter, then walk
// prefix sums. currentRoundRobinIndex resets to 0 whenever the pool's
// total weight changes (added/removed/reweighted backend — spec §9 open
// question resolution), preventing the skew the unresolved source bug
// produced.
func (p *Pool) NextRoundRobin(healthy []*Backend) *Backend {
	if len(healthy) == 0 {
		return nil
	}

	totalWeight := TotalWeight(healthy)

	p.mu.Lock()
	defer p.mu.Unlock()

	if totalWeight != p.lastTotalWeight {
		p.currentRoundRobinIndex = 0
		p.lastTotalWeight = totalWeight
	}

	slot := p.currentRoundRobinIndex % uint64(totalWeight)
	p.currentRoundRobinIndex++

	var walked uint64
	for _, b := range healthy {
		w := b.Config.Weight
		if w <= 0 {
			w = 1
		}
		walked += uint64(w)
		if slot < walked {
			return b
		}
	}
	return healthy[len(healthy)-1]
}
