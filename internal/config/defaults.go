package config

import "time"

// defaults mirrors the teacher's ProxyConfig.applyDefaults: every zero
// value gets a sane default, applied once at service-init time and again
// whenever an admin POST only supplies a partial document.
func (s *ServiceConfig) ApplyDefaults() {
	if len(s.Pools) == 0 {
		s.Pools = []PoolConfig{}
	}
	for i := range s.Pools {
		s.Pools[i].applyDefaults()
	}

	if s.LoadBalancer.TrafficSteering == "" {
		s.LoadBalancer.TrafficSteering = TrafficOff
	}
	if len(s.LoadBalancer.DefaultPoolIDs) == 0 && len(s.Pools) > 0 {
		ids := make([]string, 0, len(s.Pools))
		for _, p := range s.Pools {
			ids = append(ids, p.ID)
		}
		s.LoadBalancer.DefaultPoolIDs = ids
	}

	if s.PassiveHealthChecks.MaxFailures == 0 {
		s.PassiveHealthChecks.MaxFailures = 3
	}
	if s.PassiveHealthChecks.FailureTimeoutMs == 0 {
		s.PassiveHealthChecks.FailureTimeoutMs = int64(30 * time.Second / time.Millisecond)
	}

	if s.ActiveHealthChecks.IntervalMs == 0 {
		s.ActiveHealthChecks.IntervalMs = int64(10 * time.Second / time.Millisecond)
	}
	if s.ActiveHealthChecks.Method == "" {
		s.ActiveHealthChecks.Method = "GET"
	}
	if s.ActiveHealthChecks.Path == "" {
		s.ActiveHealthChecks.Path = "/health"
	}
	if s.ActiveHealthChecks.TimeoutMs == 0 {
		s.ActiveHealthChecks.TimeoutMs = int64(3 * time.Second / time.Millisecond)
	}
	if s.ActiveHealthChecks.ConsecutiveUp == 0 {
		s.ActiveHealthChecks.ConsecutiveUp = 2
	}
	if s.ActiveHealthChecks.ConsecutiveDown == 0 {
		s.ActiveHealthChecks.ConsecutiveDown = 2
	}

	if s.RetryPolicy.MaxRetries == 0 {
		s.RetryPolicy.MaxRetries = 2
	}
	if s.RetryPolicy.RetryTimeoutMs == 0 {
		s.RetryPolicy.RetryTimeoutMs = int64(10 * time.Second / time.Millisecond)
	}
	if s.RetryPolicy.BackoffStrategy == "" {
		s.RetryPolicy.BackoffStrategy = BackoffConstant
	}
	if s.RetryPolicy.BaseDelayMs == 0 {
		s.RetryPolicy.BaseDelayMs = 100
	}

	if s.HostHeaderRewrite == "" {
		s.HostHeaderRewrite = HostRewritePreserve
	}
	if s.Observability.ResponseHeaderName == "" {
		s.Observability.ResponseHeaderName = "id"
	}
}

func (p *PoolConfig) applyDefaults() {
	if p.MinimumOrigins == 0 {
		p.MinimumOrigins = 1
	}
	if p.EndpointSteering == "" {
		p.EndpointSteering = defaultEndpointSteeringPolicy
	}
	for i := range p.Backends {
		if p.Backends[i].Weight == 0 {
			p.Backends[i].Weight = 1
		}
	}
}
