// Package metrics implements the per-backend/pool/service counters of
// spec §4.H, grounded on the teacher's internal/ipc route-metrics recorder:
// counters accumulate incrementally and the derived average is recomputed
// on every record rather than lazily, which this port changes to "lazily
// on read" per spec §4.H — the accumulation shape is otherwise identical.
package metrics

import (
	"sync"
	"time"
)

// Counters is the common shape shared by backend/pool/service metrics.
type Counters struct {
	mu              sync.Mutex
	Requests        uint64
	Successful      uint64
	Failed          uint64
	TotalResponseMs int64
	LastRequestAt   time.Time
	LastSuccessAt   time.Time
	LastFailureAt   time.Time
}

// Record folds one completed attempt's outcome into the counters.
func (c *Counters) Record(success bool, durationMs int64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests++
	c.LastRequestAt = at
	if success {
		c.Successful++
		c.TotalResponseMs += durationMs
		c.LastSuccessAt = at
	} else {
		c.Failed++
		c.LastFailureAt = at
	}
}

// Snapshot is an immutable read of Counters plus the lazily-derived average.
type Snapshot struct {
	Requests      uint64    `json:"requests"`
	Successful    uint64    `json:"successful"`
	Failed        uint64    `json:"failed"`
	AvgResponseMs float64   `json:"avgResponseMs"`
	LastRequestAt time.Time `json:"lastRequestAt,omitempty"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
}

// Snapshot derives a read-only view; avgResponseMs is computed here
// (successful requests only), never stored.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg float64
	if c.Successful > 0 {
		avg = float64(c.TotalResponseMs) / float64(c.Successful)
	}
	return Snapshot{
		Requests:      c.Requests,
		Successful:    c.Successful,
		Failed:        c.Failed,
		AvgResponseMs: avg,
		LastRequestAt: c.LastRequestAt,
		LastSuccessAt: c.LastSuccessAt,
		LastFailureAt: c.LastFailureAt,
	}
}

// PoolCounters extends Counters with pool-only fields.
type PoolCounters struct {
	Counters
	HealthyOrigins    int
	ActiveConnections int64
}

// ServiceMetrics aggregates per-backend and per-pool counters plus
// service-level steering/affinity/failover counters (spec §4.H).
type ServiceMetrics struct {
	mu               sync.Mutex
	Backend          map[string]*Counters
	Pool             map[string]*PoolCounters
	Total            Counters
	SteeringDecision map[string]uint64
	AffinityHits     uint64
	AffinityMisses   uint64
	DNSFailoverCount uint64
	RecoveryCount    uint64
}

// NewServiceMetrics returns an empty aggregator.
func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{
		Backend:          make(map[string]*Counters),
		Pool:             make(map[string]*PoolCounters),
		SteeringDecision: make(map[string]uint64),
	}
}

func (m *ServiceMetrics) backendCounters(id string) *Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Backend[id]
	if !ok {
		c = &Counters{}
		m.Backend[id] = c
	}
	return c
}

func (m *ServiceMetrics) poolCounters(id string) *PoolCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Pool[id]
	if !ok {
		c = &PoolCounters{}
		m.Pool[id] = c
	}
	return c
}

// RecordAttempt records one forwarded attempt against a backend/pool pair
// and into the service total (invariant: totalRequests = Σ backend
// requests, spec §8 invariant 2).
func (m *ServiceMetrics) RecordAttempt(backendID, poolID string, success bool, durationMs int64, at time.Time) {
	m.backendCounters(backendID).Record(success, durationMs, at)
	if poolID != "" {
		m.poolCounters(poolID).Record(success, durationMs, at)
	}
	m.Total.Record(success, durationMs, at)
}

// DropBackend removes a backend's metrics entirely (admin config POST
// removing a backend, spec §4.I).
func (m *ServiceMetrics) DropBackend(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Backend, id)
}

// RecordSteeringDecision increments the named steering-decision histogram
// bucket (e.g. a traffic-steering policy name or "affinity").
func (m *ServiceMetrics) RecordSteeringDecision(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SteeringDecision[name]++
}

// RecordAffinityHit/Miss track session-affinity effectiveness.
func (m *ServiceMetrics) RecordAffinityHit()  { m.addUint64(&m.AffinityHits) }
func (m *ServiceMetrics) RecordAffinityMiss() { m.addUint64(&m.AffinityMisses) }
func (m *ServiceMetrics) RecordDNSFailover()  { m.addUint64(&m.DNSFailoverCount) }
func (m *ServiceMetrics) RecordRecovery()     { m.addUint64(&m.RecoveryCount) }

func (m *ServiceMetrics) addUint64(p *uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*p++
}

// ServiceSnapshot is the JSON-friendly read model for the admin metrics endpoint.
type ServiceSnapshot struct {
	Backend          map[string]Snapshot     `json:"backend"`
	Pool             map[string]PoolSnapshot `json:"pool"`
	Total            Snapshot                `json:"total"`
	SteeringDecision map[string]uint64       `json:"steeringDecision"`
	AffinityHits     uint64                  `json:"affinityHits"`
	AffinityMisses   uint64                  `json:"affinityMisses"`
	DNSFailoverCount uint64                  `json:"dnsFailoverCount"`
	RecoveryCount    uint64                  `json:"recoveryCount"`
}

type PoolSnapshot struct {
	Snapshot
	HealthyOrigins    int   `json:"healthyOrigins"`
	ActiveConnections int64 `json:"activeConnections"`
}

// Snapshot takes a consistent read across all tracked counters. Safe to
// call concurrently; each sub-counter has its own lock so this is not a
// single atomic snapshot across backends, matching the teacher's
// best-effort GetSummary.
func (m *ServiceMetrics) Snapshot() ServiceSnapshot {
	m.mu.Lock()
	backendIDs := make([]string, 0, len(m.Backend))
	for id := range m.Backend {
		backendIDs = append(backendIDs, id)
	}
	poolIDs := make([]string, 0, len(m.Pool))
	for id := range m.Pool {
		poolIDs = append(poolIDs, id)
	}
	steering := make(map[string]uint64, len(m.SteeringDecision))
	for k, v := range m.SteeringDecision {
		steering[k] = v
	}
	hits, misses, dns, recov := m.AffinityHits, m.AffinityMisses, m.DNSFailoverCount, m.RecoveryCount
	m.mu.Unlock()

	out := ServiceSnapshot{
		Backend:          make(map[string]Snapshot, len(backendIDs)),
		Pool:             make(map[string]PoolSnapshot, len(poolIDs)),
		Total:            m.Total.Snapshot(),
		SteeringDecision: steering,
		AffinityHits:     hits,
		AffinityMisses:   misses,
		DNSFailoverCount: dns,
		RecoveryCount:    recov,
	}
	for _, id := range backendIDs {
		out.Backend[id] = m.Backend[id].Snapshot()
	}
	for _, id := range poolIDs {
		p := m.Pool[id]
		out.Pool[id] = PoolSnapshot{
			Snapshot:          p.Snapshot(),
			HealthyOrigins:    p.HealthyOrigins,
			ActiveConnections: p.ActiveConnections,
		}
	}
	return out
}

// SetPoolHealth updates the pool-level healthy-origin/active-connection
// gauges (refreshed by the retry controller after each selection).
func (m *ServiceMetrics) SetPoolHealth(poolID string, healthyOrigins int, activeConnections int64) {
	pc := m.poolCounters(poolID)
	pc.Counters.mu.Lock()
	pc.HealthyOrigins = healthyOrigins
	pc.ActiveConnections = activeConnections
	pc.Counters.mu.Unlock()
}
