// Package selector implements the two-stage backend selection pipeline of
// spec §4.D: stage 1 is the session-affinity short circuit, stage 2a picks
// a healthy pool by the configured traffic-steering policy, and stage 2b
// picks a backend inside that pool by the configured endpoint-steering
// policy. Grounded on the teacher's internal/proxy load-balancing switch
// (round-robin/random/least-conn) in xypriss-sys-go, generalized to the
// pool-then-backend pipeline and the extra policies spec §4.D requires.
package selector

import (
	"hash/fnv"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/flowmesh/lbcore/internal/affinity"
	"github.com/flowmesh/lbcore/internal/backend"
	"github.com/flowmesh/lbcore/internal/config"
	"github.com/flowmesh/lbcore/internal/faults"
	"github.com/flowmesh/lbcore/internal/geo"
)

// Request bundles the per-call inputs a selection decision needs.
type Request struct {
	ClientIP    string
	SessionKey  string // resolved cookie/header/ip value, empty if affinity disabled
	ClientGeo   *geo.Point
	Region      string
	Country     string
	ExcludeBackendID string // set by the retry controller to force a different endpoint

	// ForcedFailover and ExcludePoolID are set by the retry controller when
	// a zero-downtime-failover trigger status was seen (spec §4.G "forced
	// ... using a distinct pool if one is available"): selectPool then
	// prefers a healthy pool from lb.FailoverPoolIDs other than
	// ExcludePoolID before falling back to the normal traffic-steering
	// policy.
	ForcedFailover bool
	ExcludePoolID  string
}

// Result is one resolved (pool, backend) selection.
type Result struct {
	Pool          *backend.Pool
	Backend       *backend.Backend
	FromAffinity  bool
	SteeringUsed  string
}

// DNSFailoverState tracks the primary/failover flip-flop for the
// dns_failover traffic-steering policy (spec §4.D table).
type DNSFailoverState struct {
	InFailover           bool
	ConsecutiveHealthy   int
}

// Pools is the lookup a service instance hands to the selector: every
// configured pool by id, already built from static config.
type Pools map[string]*backend.Pool

// Select runs the full stage 1 / stage 2a / stage 2b pipeline.
func Select(now time.Time, lb config.LoadBalancer, passive config.PassiveHealthChecks, pools Pools, aff *affinity.Map, dns *DNSFailoverState, req Request) (Result, error) {
	if req.SessionKey != "" && lb.SessionAffinity.Enabled() {
		if res, ok := tryAffinity(now, passive, pools, aff, req); ok {
			return res, nil
		}
	}

	pool, steering, err := selectPool(now, lb, passive, pools, dns, req)
	if err != nil {
		return Result{}, err
	}

	healthy := pool.HealthyEnabled(now, passive)
	rotated := excludeBackend(healthy, req.ExcludeBackendID)
	if len(rotated) > 0 {
		healthy = rotated
	} else if req.ExcludeBackendID != "" && len(healthy) > 0 {
		// Rotation (spec §4.G): a different backend is preferred, but if the
		// excluded one is the only selectable endpoint left in the pool, it
		// is retried on the same endpoint rather than failing outright.
		log.Printf("[selector] pool=%s no alternate backend to %s, retrying same endpoint", pool.Config.ID, req.ExcludeBackendID)
	}
	if len(healthy) == 0 {
		return Result{}, faults.New(faults.ClassNoHealthyBackend, 0, nil)
	}

	b := selectBackend(pool, lb, req, healthy)
	if b == nil {
		return Result{}, faults.New(faults.ClassNoHealthyBackend, 0, nil)
	}

	if lb.SessionAffinity.Enabled() && req.SessionKey != "" {
		aff.Put(req.SessionKey, affinity.Entry{PoolID: pool.Config.ID, BackendID: b.Config.ID})
	}

	return Result{Pool: pool, Backend: b, SteeringUsed: steering}, nil
}

func tryAffinity(now time.Time, passive config.PassiveHealthChecks, pools Pools, aff *affinity.Map, req Request) (Result, bool) {
	entry, ok := aff.Lookup(req.SessionKey)
	if !ok {
		return Result{}, false
	}
	pool, ok := pools[entry.PoolID]
	if !ok {
		aff.Drop(req.SessionKey)
		return Result{}, false
	}
	b := pool.ByID(entry.BackendID)
	if b == nil || req.ExcludeBackendID == b.Config.ID || !b.Selectable(now, passive) {
		aff.Drop(req.SessionKey)
		return Result{}, false
	}
	return Result{Pool: pool, Backend: b, FromAffinity: true, SteeringUsed: "affinity"}, true
}

func excludeBackend(backends []*backend.Backend, id string) []*backend.Backend {
	if id == "" {
		return backends
	}
	out := make([]*backend.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Config.ID != id {
			out = append(out, b)
		}
	}
	return out
}

// selectPool implements stage 2a (spec §4.D table).
func selectPool(now time.Time, lb config.LoadBalancer, passive config.PassiveHealthChecks, pools Pools, dns *DNSFailoverState, req Request) (*backend.Pool, string, error) {
	healthyPool := func(id string) *backend.Pool {
		p, ok := pools[id]
		if !ok || !p.IsHealthy(now, passive) {
			return nil
		}
		return p
	}

	if req.ForcedFailover {
		if p := firstHealthyPoolExcept(lb.FailoverPoolIDs, req.ExcludePoolID, healthyPool); p != nil {
			return p, "zero_downtime_failover", nil
		}
		if p := firstHealthyPoolExcept(lb.DefaultPoolIDs, req.ExcludePoolID, healthyPool); p != nil {
			return p, "zero_downtime_failover", nil
		}
		// No distinct pool is available: spec §4.G only requires a
		// different pool "if one is available", so fall through to the
		// normal steering policy below (which may re-select ExcludePoolID,
		// leaving backend-level rotation as the last resort).
	}

	switch lb.TrafficSteering {
	case config.TrafficOff, "":
		for _, id := range lb.DefaultPoolIDs {
			if p := healthyPool(id); p != nil {
				return p, config.TrafficOff, nil
			}
		}
	case config.TrafficRandom:
		if p := weightedRandomPool(candidatePools(lb.DefaultPoolIDs, pools, now, passive)); p != nil {
			return p, config.TrafficRandom, nil
		}
	case config.TrafficGeo:
		if ids, ok := lb.CountryPools[req.Country]; ok {
			for _, id := range ids {
				if p := healthyPool(id); p != nil {
					return p, config.TrafficGeo, nil
				}
			}
		}
		if ids, ok := lb.RegionPools[req.Region]; ok {
			for _, id := range ids {
				if p := healthyPool(id); p != nil {
					return p, config.TrafficGeo, nil
				}
			}
		}
		if p := weightedRandomPool(candidatePools(lb.DefaultPoolIDs, pools, now, passive)); p != nil {
			return p, config.TrafficGeo, nil
		}
	case config.TrafficProximity:
		if req.ClientGeo != nil {
			if p := nearestPool(candidatePools(lb.DefaultPoolIDs, pools, now, passive), *req.ClientGeo); p != nil {
				return p, config.TrafficProximity, nil
			}
		}
	case config.TrafficDynamic:
		if p := lowestRTTPool(candidatePools(lb.DefaultPoolIDs, pools, now, passive), req.Region); p != nil {
			return p, config.TrafficDynamic, nil
		}
	case config.TrafficLeastOutstandingReqs:
		if p := leastOutstandingPool(candidatePools(lb.DefaultPoolIDs, pools, now, passive)); p != nil {
			return p, config.TrafficLeastOutstandingReqs, nil
		}
	case config.TrafficDNSFailover:
		if p, ok := dnsFailoverPool(now, passive, lb, pools, dns); ok {
			return p, config.TrafficDNSFailover, nil
		}
	}

	if lb.FallbackPoolID != "" {
		if p := healthyPool(lb.FallbackPoolID); p != nil {
			return p, "fallback", nil
		}
	}
	return nil, "", faults.New(faults.ClassNoHealthyPool, 0, nil)
}

// firstHealthyPoolExcept returns the first healthy pool among ids other
// than excludeID, or nil if none qualifies.
func firstHealthyPoolExcept(ids []string, excludeID string, healthyPool func(string) *backend.Pool) *backend.Pool {
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		if p := healthyPool(id); p != nil {
			return p
		}
	}
	return nil
}

func candidatePools(ids []string, pools Pools, now time.Time, passive config.PassiveHealthChecks) []*backend.Pool {
	out := make([]*backend.Pool, 0, len(ids))
	for _, id := range ids {
		p, ok := pools[id]
		if ok && p.IsHealthy(now, passive) {
			out = append(out, p)
		}
	}
	return out
}

func weightedRandomPool(pools []*backend.Pool) *backend.Pool {
	if len(pools) == 0 {
		return nil
	}
	total := 0
	weights := make([]int, len(pools))
	for i, p := range pools {
		w := len(p.Backends)
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	slot := rand.Intn(total)
	for i, w := range weights {
		if slot < w {
			return pools[i]
		}
		slot -= w
	}
	return pools[len(pools)-1]
}

func nearestPool(pools []*backend.Pool, client geo.Point) *backend.Pool {
	var best *backend.Pool
	bestDist := -1.0
	var tied []*backend.Pool
	for _, p := range pools {
		if p.Config.Geo == nil {
			continue
		}
		d := geo.HaversineKm(client, geo.Point{Lat: p.Config.Geo.Lat, Lon: p.Config.Geo.Lon})
		switch {
		case bestDist < 0 || d < bestDist:
			best = p
			bestDist = d
			tied = []*backend.Pool{p}
		case d == bestDist:
			tied = append(tied, p)
		}
	}
	if len(tied) > 1 {
		return tied[rand.Intn(len(tied))]
	}
	return best
}

// rttCache holds lazily-measured per-(pool,region) RTT samples for the
// dynamic traffic-steering policy. Candidate pools without a sample are
// skipped; when no candidate has one, the first candidate pool is used,
// matching spec §4.D's "measured lazily" wording;
// RecordRTT is how the retry controller populates it from real attempt
// durations.
var (
	rttCacheMu sync.RWMutex
	rttCache   = map[string]time.Duration{}
)

// RecordRTT stamps a freshly observed attempt duration into the dynamic
// traffic-steering RTT cache, keyed by pool and client region.
func RecordRTT(poolID, region string, d time.Duration) {
	rttCacheMu.Lock()
	rttCache[poolID+"|"+region] = d
	rttCacheMu.Unlock()
}

func lowestRTTPool(pools []*backend.Pool, region string) *backend.Pool {
	if len(pools) == 0 {
		return nil
	}
	rttCacheMu.RLock()
	defer rttCacheMu.RUnlock()
	var best *backend.Pool
	var bestRTT time.Duration = -1
	for _, p := range pools {
		rtt, ok := rttCache[p.Config.ID+"|"+region]
		if !ok {
			continue
		}
		if bestRTT < 0 || rtt < bestRTT {
			best = p
			bestRTT = rtt
		}
	}
	if best != nil {
		return best
	}
	return pools[0]
}

func leastOutstandingPool(pools []*backend.Pool) *backend.Pool {
	if len(pools) == 0 {
		return nil
	}
	total := 0.0
	scores := make([]float64, len(pools))
	for i, p := range pools {
		var outstanding int64
		for _, b := range p.Backends {
			outstanding += b.Outstanding()
		}
		w := float64(backend.TotalWeight(p.Backends))
		if w <= 0 {
			w = 1
		}
		score := w / float64(outstanding+1)
		scores[i] = score
		total += score
	}
	slot := rand.Float64() * total
	for i, s := range scores {
		if slot < s {
			return pools[i]
		}
		slot -= s
	}
	return pools[len(pools)-1]
}

func dnsFailoverPool(now time.Time, passive config.PassiveHealthChecks, lb config.LoadBalancer, pools Pools, dns *DNSFailoverState) (*backend.Pool, bool) {
	primaryID := ""
	if len(lb.DefaultPoolIDs) > 0 {
		primaryID = lb.DefaultPoolIDs[0]
	}
	primary, hasPrimary := pools[primaryID]

	if !dns.InFailover {
		if hasPrimary && primary.IsHealthy(now, passive) {
			return primary, true
		}
		dns.InFailover = true
		dns.ConsecutiveHealthy = 0
	}

	for _, id := range lb.FailoverPoolIDs {
		p, ok := pools[id]
		if ok && p.IsHealthy(now, passive) {
			if hasPrimary && primary.IsHealthy(now, passive) {
				threshold := lb.RecoveryThreshold
				if threshold <= 0 {
					threshold = 3
				}
				dns.ConsecutiveHealthy++
				if dns.ConsecutiveHealthy >= threshold {
					dns.InFailover = false
					dns.ConsecutiveHealthy = 0
					return primary, true
				}
			}
			return p, true
		}
	}
	return nil, false
}

// selectBackend implements stage 2b (spec §4.D table) with the documented
// tie-break order: lower priority, then declared order.
func selectBackend(pool *backend.Pool, lb config.LoadBalancer, req Request, healthy []*backend.Backend) *backend.Backend {
	orderByPriority(healthy)

	policy := pool.Config.EndpointSteering
	switch policy {
	case config.EndpointRandom:
		return weightedRandomBackend(healthy)
	case config.EndpointHash:
		return hashBackend(healthy, req.ClientIP)
	case config.EndpointLeastOutstandingReqs:
		return leastOutstandingBackend(healthy)
	case config.EndpointLeastConnections:
		return leastConnectionsBackend(healthy)
	default:
		return pool.NextRoundRobin(healthy)
	}
}

func orderByPriority(backends []*backend.Backend) {
	for i := 1; i < len(backends); i++ {
		j := i
		for j > 0 && backends[j].Config.Priority < backends[j-1].Config.Priority {
			backends[j], backends[j-1] = backends[j-1], backends[j]
			j--
		}
	}
}

func weightedRandomBackend(backends []*backend.Backend) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}
	total := backend.TotalWeight(backends)
	slot := rand.Intn(total)
	for _, b := range backends {
		w := b.Config.Weight
		if w <= 0 {
			w = 1
		}
		if slot < w {
			return b
		}
		slot -= w
	}
	return backends[len(backends)-1]
}

func hashBackend(backends []*backend.Backend, clientIP string) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}
	h := fnv.New32a()
	h.Write([]byte(clientIP))
	idx := int(h.Sum32()) % len(backends)
	if idx < 0 {
		idx += len(backends)
	}
	return backends[idx]
}

func leastOutstandingBackend(backends []*backend.Backend) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}
	total := 0.0
	scores := make([]float64, len(backends))
	for i, b := range backends {
		w := b.Config.Weight
		if w <= 0 {
			w = 1
		}
		score := float64(w) / float64(b.Outstanding()+1)
		scores[i] = score
		total += score
	}
	slot := rand.Float64() * total
	for i, s := range scores {
		if slot < s {
			return backends[i]
		}
		slot -= s
	}
	return backends[len(backends)-1]
}

func leastConnectionsBackend(backends []*backend.Backend) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}
	var tied []*backend.Backend
	best := backends[0].ActiveConnections()
	for _, b := range backends {
		c := b.ActiveConnections()
		switch {
		case c < best:
			best = c
			tied = []*backend.Backend{b}
		case c == best:
			tied = append(tied, b)
		}
	}
	if len(tied) == 0 {
		return backends[0]
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[rand.Intn(len(tied))]
}
