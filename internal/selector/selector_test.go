package selector

import (
	"testing"
	"time"

	"github.com/flowmesh/lbcore/internal/affinity"
	"github.com/flowmesh/lbcore/internal/backend"
	"github.com/flowmesh/lbcore/internal/config"
)

func buildPool(t *testing.T, id string, n int) *backend.Pool {
	t.Helper()
	cfg := config.PoolConfig{ID: id, Enabled: true, MinimumOrigins: 1, EndpointSteering: config.EndpointRoundRobin}
	for i := 0; i < n; i++ {
		cfg.Backends = append(cfg.Backends, config.BackendConfig{
			ID:      id + "-b" + string(rune('0'+i)),
			URL:     "http://127.0.0.1:800" + string(rune('0'+i)),
			Weight:  1,
			Enabled: true,
		})
	}
	p, err := backend.NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func TestSelect_RoundRobinDistributesEvenly(t *testing.T) {
	p := buildPool(t, "pool1", 2)
	pools := Pools{"pool1": p}
	lb := config.LoadBalancer{DefaultPoolIDs: []string{"pool1"}, TrafficSteering: config.TrafficOff}
	passive := config.PassiveHealthChecks{MaxFailures: 3, FailureTimeoutMs: 30000}
	aff := affinity.New(time.Minute)

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		res, err := Select(time.Now(), lb, passive, pools, aff, &DNSFailoverState{}, Request{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[res.Backend.Config.ID]++
	}
	for id, c := range counts {
		if c != 5 {
			t.Errorf("backend %s got %d requests, want 5", id, c)
		}
	}
}

func TestSelect_NoHealthyPool(t *testing.T) {
	cfg := config.PoolConfig{ID: "p", Enabled: true, MinimumOrigins: 1}
	p, err := backend.NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	pools := Pools{"p": p}
	lb := config.LoadBalancer{DefaultPoolIDs: []string{"p"}}
	passive := config.PassiveHealthChecks{MaxFailures: 3, FailureTimeoutMs: 30000}
	aff := affinity.New(time.Minute)

	_, err = Select(time.Now(), lb, passive, pools, aff, &DNSFailoverState{}, Request{})
	if err == nil {
		t.Fatalf("expected no_healthy_pool error")
	}
}

func TestSelect_AffinityStickiness(t *testing.T) {
	p := buildPool(t, "pool1", 3)
	pools := Pools{"pool1": p}
	lb := config.LoadBalancer{
		DefaultPoolIDs:  []string{"pool1"},
		TrafficSteering: config.TrafficOff,
		SessionAffinity: config.SessionAffinityConfig{Type: "cookie", CookieName: "sid"},
	}
	passive := config.PassiveHealthChecks{MaxFailures: 3, FailureTimeoutMs: 30000}
	aff := affinity.New(time.Minute)

	first, err := Select(time.Now(), lb, passive, pools, aff, &DNSFailoverState{}, Request{SessionKey: "session-1"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Select(time.Now(), lb, passive, pools, aff, &DNSFailoverState{}, Request{SessionKey: "session-1"})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if again.Backend.Config.ID != first.Backend.Config.ID {
			t.Fatalf("affinity broke: got %s want %s", again.Backend.Config.ID, first.Backend.Config.ID)
		}
		if !again.FromAffinity {
			t.Fatalf("expected FromAffinity=true on repeat lookup")
		}
	}
}

func TestSelect_ExcludeBackendFallsBackWhenNoAlternate(t *testing.T) {
	p := buildPool(t, "solo", 1)
	pools := Pools{"solo": p}
	lb := config.LoadBalancer{DefaultPoolIDs: []string{"solo"}, TrafficSteering: config.TrafficOff}
	passive := config.PassiveHealthChecks{MaxFailures: 3, FailureTimeoutMs: 30000}
	aff := affinity.New(time.Minute)

	only := p.Backends[0].Config.ID
	res, err := Select(time.Now(), lb, passive, pools, aff, &DNSFailoverState{}, Request{ExcludeBackendID: only})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Backend.Config.ID != only {
		t.Fatalf("expected rotation to fall back to the only backend %s, got %s", only, res.Backend.Config.ID)
	}
}

func TestSelect_ForcedFailoverPrefersDistinctPool(t *testing.T) {
	primary := buildPool(t, "primary", 1)
	secondary := buildPool(t, "secondary", 1)
	pools := Pools{"primary": primary, "secondary": secondary}
	lb := config.LoadBalancer{
		DefaultPoolIDs:  []string{"primary"},
		FailoverPoolIDs: []string{"secondary"},
		TrafficSteering: config.TrafficOff,
	}
	passive := config.PassiveHealthChecks{MaxFailures: 3, FailureTimeoutMs: 30000}
	aff := affinity.New(time.Minute)

	req := Request{ForcedFailover: true, ExcludePoolID: "primary"}
	res, err := Select(time.Now(), lb, passive, pools, aff, &DNSFailoverState{}, req)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Pool.Config.ID != "secondary" {
		t.Fatalf("pool = %s, want secondary (forced failover away from primary)", res.Pool.Config.ID)
	}
	if res.SteeringUsed != "zero_downtime_failover" {
		t.Fatalf("steering = %s, want zero_downtime_failover", res.SteeringUsed)
	}
}

func TestSelect_ForcedFailoverFallsBackWhenNoDistinctPool(t *testing.T) {
	p := buildPool(t, "solo", 1)
	pools := Pools{"solo": p}
	lb := config.LoadBalancer{DefaultPoolIDs: []string{"solo"}, TrafficSteering: config.TrafficOff}
	passive := config.PassiveHealthChecks{MaxFailures: 3, FailureTimeoutMs: 30000}
	aff := affinity.New(time.Minute)

	req := Request{ForcedFailover: true, ExcludePoolID: "solo"}
	res, err := Select(time.Now(), lb, passive, pools, aff, &DNSFailoverState{}, req)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Pool.Config.ID != "solo" {
		t.Fatalf("pool = %s, want solo (no distinct pool available)", res.Pool.Config.ID)
	}
}

func TestSelect_DynamicPrefersRecordedLowestRTT(t *testing.T) {
	fast := buildPool(t, "fast", 1)
	slow := buildPool(t, "slow", 1)
	pools := Pools{"fast": fast, "slow": slow}
	lb := config.LoadBalancer{DefaultPoolIDs: []string{"fast", "slow"}, TrafficSteering: config.TrafficDynamic}
	passive := config.PassiveHealthChecks{MaxFailures: 3, FailureTimeoutMs: 30000}
	aff := affinity.New(time.Minute)

	RecordRTT("fast", "", 10*time.Millisecond)
	RecordRTT("slow", "", 200*time.Millisecond)

	for i := 0; i < 5; i++ {
		res, err := Select(time.Now(), lb, passive, pools, aff, &DNSFailoverState{}, Request{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if res.Pool.Config.ID != "fast" {
			t.Fatalf("pool = %s, want fast", res.Pool.Config.ID)
		}
	}
}
