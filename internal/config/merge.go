package config

// MergeResult is the outcome of merging an admin config PATCH into the
// existing ServiceConfig.
type MergeResult struct {
	Config         *ServiceConfig
	RemovedBackend map[string]bool // backend ids dropped entirely (metrics must be dropped too)
}

// Merge deep-merges patch onto existing per spec §4.I: replace-by-id for
// backends, unknown backends added, backends missing from a pool that is
// itself present in the patch are removed (their metrics dropped by the
// caller). Pools and non-zero-valued fields absent from patch are left
// untouched; the exception is a pool or backend present in patch, whose
// enabled flag (and, for a backend, priority) is always taken from patch,
// so omitting them there sets false / 0.
func Merge(existing *ServiceConfig, patch *ServiceConfig) *MergeResult {
	out := *existing
	removed := map[string]bool{}

	if patch.Hostname != "" {
		out.Hostname = patch.Hostname
	}
	if len(patch.Pools) > 0 {
		out.Pools = mergePools(existing.Pools, patch.Pools, removed)
	}
	out.LoadBalancer = mergeLoadBalancer(existing.LoadBalancer, patch.LoadBalancer)
	out.PassiveHealthChecks = mergePassive(existing.PassiveHealthChecks, patch.PassiveHealthChecks)
	out.ActiveHealthChecks = mergeActive(existing.ActiveHealthChecks, patch.ActiveHealthChecks)
	out.RetryPolicy = mergeRetry(existing.RetryPolicy, patch.RetryPolicy)
	if patch.HostHeaderRewrite != "" {
		out.HostHeaderRewrite = patch.HostHeaderRewrite
	}
	if patch.Observability.ResponseHeaderName != "" {
		out.Observability = patch.Observability
	}
	out.SSL = mergeSSL(existing.SSL, patch.SSL)

	out.ApplyDefaults()
	return &MergeResult{Config: &out, RemovedBackend: removed}
}

func mergePools(existing, patch []PoolConfig, removed map[string]bool) []PoolConfig {
	byID := make(map[string]PoolConfig, len(existing))
	order := make([]string, 0, len(existing))
	for _, p := range existing {
		byID[p.ID] = p
		order = append(order, p.ID)
	}

	for _, pp := range patch {
		ep, exists := byID[pp.ID]
		if !exists {
			byID[pp.ID] = pp
			order = append(order, pp.ID)
			continue
		}
		merged := ep
		if pp.MinimumOrigins != 0 {
			merged.MinimumOrigins = pp.MinimumOrigins
		}
		if pp.EndpointSteering != "" {
			merged.EndpointSteering = pp.EndpointSteering
		}
		if pp.Geo != nil {
			merged.Geo = pp.Geo
		}
		merged.Enabled = pp.Enabled
		merged.Backends = mergeBackends(ep.Backends, pp.Backends, removed)
		byID[pp.ID] = merged
	}

	out := make([]PoolConfig, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func mergeBackends(existing, patch []BackendConfig, removed map[string]bool) []BackendConfig {
	if len(patch) == 0 {
		return existing
	}
	byID := make(map[string]BackendConfig, len(existing))
	for _, b := range existing {
		byID[b.ID] = b
	}
	wanted := make(map[string]bool, len(patch))
	out := make([]BackendConfig, 0, len(patch))
	for _, pb := range patch {
		wanted[pb.ID] = true
		if eb, ok := byID[pb.ID]; ok {
			merged := eb
			if pb.URL != "" {
				merged.URL = pb.URL
			}
			if pb.Weight != 0 {
				merged.Weight = pb.Weight
			}
			merged.Priority = pb.Priority
			merged.Enabled = pb.Enabled
			if pb.Geo != nil {
				merged.Geo = pb.Geo
			}
			out = append(out, merged)
		} else {
			out = append(out, pb)
		}
	}
	for _, eb := range existing {
		if !wanted[eb.ID] {
			removed[eb.ID] = true
		}
	}
	return out
}

func mergeLoadBalancer(existing, patch LoadBalancer) LoadBalancer {
	out := existing
	if patch.Hostname != "" {
		out.Hostname = patch.Hostname
	}
	if len(patch.DefaultPoolIDs) > 0 {
		out.DefaultPoolIDs = patch.DefaultPoolIDs
	}
	if patch.FallbackPoolID != "" {
		out.FallbackPoolID = patch.FallbackPoolID
	}
	if patch.TrafficSteering != "" {
		out.TrafficSteering = patch.TrafficSteering
	}
	if patch.SessionAffinity.Type != "" {
		out.SessionAffinity = patch.SessionAffinity
	}
	if patch.ZeroDowntimeFailover.Enabled {
		out.ZeroDowntimeFailover = patch.ZeroDowntimeFailover
	}
	if len(patch.RegionPools) > 0 {
		out.RegionPools = patch.RegionPools
	}
	if len(patch.CountryPools) > 0 {
		out.CountryPools = patch.CountryPools
	}
	if len(patch.FailoverPoolIDs) > 0 {
		out.FailoverPoolIDs = patch.FailoverPoolIDs
	}
	if patch.RecoveryThreshold != 0 {
		out.RecoveryThreshold = patch.RecoveryThreshold
	}
	return out
}

func mergePassive(existing, patch PassiveHealthChecks) PassiveHealthChecks {
	out := existing
	if patch.MaxFailures != 0 {
		out.MaxFailures = patch.MaxFailures
	}
	if patch.FailureTimeoutMs != 0 {
		out.FailureTimeoutMs = patch.FailureTimeoutMs
	}
	if len(patch.RetryableStatusCodes) > 0 {
		out.RetryableStatusCodes = patch.RetryableStatusCodes
	}
	if patch.CircuitBreaker.Enabled {
		out.CircuitBreaker = patch.CircuitBreaker
	}
	return out
}

func mergeActive(existing, patch ActiveHealthChecks) ActiveHealthChecks {
	out := existing
	if patch.IntervalMs != 0 {
		out.IntervalMs = patch.IntervalMs
	}
	if patch.Method != "" {
		out.Method = patch.Method
	}
	if patch.Path != "" {
		out.Path = patch.Path
	}
	if patch.TimeoutMs != 0 {
		out.TimeoutMs = patch.TimeoutMs
	}
	if len(patch.ExpectedCodes) > 0 {
		out.ExpectedCodes = patch.ExpectedCodes
	}
	if patch.BodyContains != "" {
		out.BodyContains = patch.BodyContains
	}
	if patch.ConsecutiveUp != 0 {
		out.ConsecutiveUp = patch.ConsecutiveUp
	}
	if patch.ConsecutiveDown != 0 {
		out.ConsecutiveDown = patch.ConsecutiveDown
	}
	out.Enabled = patch.Enabled || existing.Enabled
	return out
}

func mergeRetry(existing, patch RetryPolicy) RetryPolicy {
	out := existing
	if patch.MaxRetries != 0 {
		out.MaxRetries = patch.MaxRetries
	}
	if patch.RetryTimeoutMs != 0 {
		out.RetryTimeoutMs = patch.RetryTimeoutMs
	}
	if patch.BackoffStrategy != "" {
		out.BackoffStrategy = patch.BackoffStrategy
	}
	if patch.BaseDelayMs != 0 {
		out.BaseDelayMs = patch.BaseDelayMs
	}
	out.RetryNonIdempotentOnTimeout = patch.RetryNonIdempotentOnTimeout || existing.RetryNonIdempotentOnTimeout
	return out
}

func mergeSSL(existing, patch SSLConfig) SSLConfig {
	return SSLConfig{
		SkipCertificateVerification: patch.SkipCertificateVerification || existing.SkipCertificateVerification,
		AllowSelfSignedCertificates: patch.AllowSelfSignedCertificates || existing.AllowSelfSignedCertificates,
		SkipHostnameVerification:    patch.SkipHostnameVerification || existing.SkipHostnameVerification,
	}
}
