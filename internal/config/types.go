// Package config holds the static, persisted configuration shapes of a
// service front-end: backends, pools, load-balancer steering, health-check
// and retry policy, plus the DEFAULT_BACKENDS environment parsing and the
// deep-merge used by the admin config POST.
package config

// GeoPoint is an optional geographic hint attached to a backend or pool.
type GeoPoint struct {
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	Region  string  `json:"region,omitempty"`
	Country string  `json:"country,omitempty"`
}

// BackendConfig is the static, admin-editable description of one upstream.
type BackendConfig struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Weight   int       `json:"weight,omitempty"`
	Priority int       `json:"priority,omitempty"`
	Enabled  bool      `json:"enabled"`
	Geo      *GeoPoint `json:"geo,omitempty"`
}

// PoolConfig is an ordered, named set of backends sharing one endpoint
// steering policy.
type PoolConfig struct {
	ID               string          `json:"id"`
	MinimumOrigins   int             `json:"minimumOrigins"`
	EndpointSteering string          `json:"endpointSteering"`
	Geo              *GeoPoint       `json:"geo,omitempty"`
	Enabled          bool            `json:"enabled"`
	Backends         []BackendConfig `json:"backends"`
}

// Endpoint steering policies (within a pool).
const (
	EndpointRoundRobin            = "round_robin"
	EndpointRandom                = "random"
	EndpointHash                  = "hash"
	EndpointLeastOutstandingReqs  = "least_outstanding_requests"
	EndpointLeastConnections      = "least_connections"
	defaultEndpointSteeringPolicy = EndpointRoundRobin
)

// Traffic steering policies (between pools).
const (
	TrafficOff                  = "off"
	TrafficRandom                = "random"
	TrafficGeo                   = "geo"
	TrafficProximity             = "proximity"
	TrafficDynamic                = "dynamic"
	TrafficLeastOutstandingReqs  = "least_outstanding_requests"
	TrafficDNSFailover           = "dns_failover"
)

// SessionAffinityConfig configures the stage-1 affinity short circuit.
type SessionAffinityConfig struct {
	Type             string `json:"type,omitempty"` // "", cookie, ip_cookie, header
	CookieName       string `json:"cookieName,omitempty"`
	HeaderName       string `json:"headerName,omitempty"`
	TTLSeconds       int64  `json:"ttlSeconds,omitempty"`
	UpdateOnReselect bool   `json:"updateOnReselect,omitempty"`
}

// Enabled reports whether session affinity is configured at all.
func (s SessionAffinityConfig) Enabled() bool { return s.Type != "" }

// ZeroDowntimeFailoverConfig configures the forced inter-pool retry on
// specific status codes (spec §4.G).
type ZeroDowntimeFailoverConfig struct {
	Enabled      bool  `json:"enabled"`
	TriggerCodes []int `json:"triggerCodes,omitempty"`
}

func (z ZeroDowntimeFailoverConfig) triggers() []int {
	if len(z.TriggerCodes) > 0 {
		return z.TriggerCodes
	}
	return []int{521, 522, 523, 525, 526}
}

// Triggers reports whether status belongs to the configured trigger set.
func (z ZeroDowntimeFailoverConfig) Triggers(status int) bool {
	for _, c := range z.triggers() {
		if c == status {
			return true
		}
	}
	return false
}

// LoadBalancer is the per-hostname tuple of pools and steering policy.
type LoadBalancer struct {
	Hostname             string                     `json:"hostname"`
	DefaultPoolIDs       []string                   `json:"defaultPoolIds"`
	FallbackPoolID       string                     `json:"fallbackPoolId,omitempty"`
	TrafficSteering      string                     `json:"trafficSteering"`
	SessionAffinity      SessionAffinityConfig      `json:"sessionAffinity"`
	ZeroDowntimeFailover ZeroDowntimeFailoverConfig `json:"zeroDowntimeFailover"`
	RegionPools          map[string][]string        `json:"regionPools,omitempty"`
	CountryPools         map[string][]string        `json:"countryPools,omitempty"`
	FailoverPoolIDs      []string                   `json:"failoverPoolIds,omitempty"`
	RecoveryThreshold    int                        `json:"recoveryThreshold,omitempty"`
}

// CircuitBreakerConfig configures the per-backend closed/open/half-open
// state machine layered on top of the plain failure counter.
type CircuitBreakerConfig struct {
	Enabled            bool    `json:"enabled"`
	FailureThreshold   int     `json:"failureThreshold"`
	MinRequests        int     `json:"minRequests"`
	ErrorRateThreshold float64 `json:"errorRateThreshold"` // percent, 0-100
	RecoveryTimeoutMs  int64   `json:"recoveryTimeoutMs"`
	SuccessThreshold   int     `json:"successThreshold"`
}

// PassiveHealthChecks configures health inferred from production traffic.
type PassiveHealthChecks struct {
	MaxFailures          int                  `json:"maxFailures"`
	FailureTimeoutMs     int64                `json:"failureTimeoutMs"`
	RetryableStatusCodes []int                `json:"retryableStatusCodes,omitempty"`
	CircuitBreaker       CircuitBreakerConfig `json:"circuitBreaker"`
}

func (p PassiveHealthChecks) retryableCodes() []int {
	if len(p.RetryableStatusCodes) > 0 {
		return p.RetryableStatusCodes
	}
	return []int{500, 502, 503, 504, 521, 522, 523, 525, 526}
}

// IsRetryableStatus reports whether status belongs to the retryable set.
func (p PassiveHealthChecks) IsRetryableStatus(status int) bool {
	for _, c := range p.retryableCodes() {
		if c == status {
			return true
		}
	}
	return false
}

// ActiveHealthChecks configures the timer-driven prober.
type ActiveHealthChecks struct {
	Enabled         bool   `json:"enabled"`
	IntervalMs      int64  `json:"intervalMs"`
	Method          string `json:"method,omitempty"`
	Path            string `json:"path,omitempty"`
	TimeoutMs       int64  `json:"timeoutMs"`
	ExpectedCodes   []int  `json:"expectedCodes,omitempty"`
	BodyContains    string `json:"bodyContains,omitempty"`
	ConsecutiveUp   int    `json:"consecutiveUp"`
	ConsecutiveDown int    `json:"consecutiveDown"`
}

func (a ActiveHealthChecks) expectedCodes() []int {
	if len(a.ExpectedCodes) > 0 {
		return a.ExpectedCodes
	}
	return []int{200}
}

// IsExpectedStatus reports whether status is an accepted probe response.
func (a ActiveHealthChecks) IsExpectedStatus(status int) bool {
	for _, c := range a.expectedCodes() {
		if c == status {
			return true
		}
	}
	return false
}

// Backoff strategies for the retry controller.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// RetryPolicy configures the retry/failover controller (spec §4.G).
type RetryPolicy struct {
	MaxRetries                  int    `json:"maxRetries"`
	RetryTimeoutMs              int64  `json:"retryTimeoutMs"`
	BackoffStrategy              string `json:"backoffStrategy"`
	BaseDelayMs                  int64  `json:"baseDelayMs"`
	RetryNonIdempotentOnTimeout  bool   `json:"retryNonIdempotentOnTimeout"`
}

// Host header rewrite modes.
const (
	HostRewritePreserve        = "preserve"
	HostRewriteBackendHostname = "backend_hostname"
	hostRewriteLiteralPrefix   = "literal:"
)

// Observability controls response headers emitted by the forwarder.
type Observability struct {
	ResponseHeaderName string `json:"responseHeaderName"` // "id" or "url"
	EmitPoolHeader     bool   `json:"emitPoolHeader"`
	EmitRegionHeader   bool   `json:"emitRegionHeader"`
}

// SSLConfig controls upstream TLS verification behaviour.
type SSLConfig struct {
	SkipCertificateVerification bool `json:"skipCertificateVerification"`
	AllowSelfSignedCertificates bool `json:"allowSelfSignedCertificates"`
	SkipHostnameVerification    bool `json:"skipHostnameVerification"`
}

// InsecureSkipVerify reports whether the SSL policy disables verification.
func (s SSLConfig) InsecureSkipVerify() bool {
	return s.SkipCertificateVerification || s.AllowSelfSignedCertificates
}

// ServiceConfig is the unit of ownership for one service identity
// (spec §3 "ServiceConfig").
type ServiceConfig struct {
	Hostname            string              `json:"hostname"`
	Pools               []PoolConfig        `json:"pools"`
	LoadBalancer        LoadBalancer        `json:"loadBalancer"`
	PassiveHealthChecks PassiveHealthChecks `json:"passiveHealthChecks"`
	ActiveHealthChecks  ActiveHealthChecks  `json:"activeHealthChecks"`
	RetryPolicy         RetryPolicy         `json:"retryPolicy"`
	HostHeaderRewrite   string              `json:"hostHeaderRewrite"`
	Observability       Observability       `json:"observability"`
	SSL                 SSLConfig           `json:"ssl"`
}

// PoolByID returns the pool with the given id, or nil.
func (s *ServiceConfig) PoolByID(id string) *PoolConfig {
	for i := range s.Pools {
		if s.Pools[i].ID == id {
			return &s.Pools[i]
		}
	}
	return nil
}
