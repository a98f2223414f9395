package config

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/flowmesh/lbcore/internal/faults"
)

// ServiceSeed is the normalised form of one entry of the DEFAULT_BACKENDS
// environment string (spec §6): a hostname pattern plus a flat list of
// backend URL templates (which may still contain $1..$9 placeholders).
type ServiceSeed struct {
	Hostname string   `json:"hostname"`
	Backends []string `json:"backends"`
}

// rawServices is used to unmarshal the {"services":[...]} shape.
type rawServices struct {
	Services []ServiceSeed `json:"services"`
}

// ParseDefaultBackends normalises the three shapes DEFAULT_BACKENDS admits:
//   - {"services":[{"hostname":...,"backends":[...]},...]}
//   - [{"hostname":...,"backends":[...]},...]
//   - {"hostname":...,"backends":[...]}
func ParseDefaultBackends(raw string) ([]ServiceSeed, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var wrapped rawServices
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && len(wrapped.Services) > 0 {
		return wrapped.Services, nil
	}

	var list []ServiceSeed
	if err := json.Unmarshal([]byte(raw), &list); err == nil && len(list) > 0 {
		return list, nil
	}

	var single ServiceSeed
	if err := json.Unmarshal([]byte(raw), &single); err == nil && single.Hostname != "" {
		return []ServiceSeed{single}, nil
	}

	return nil, errors.Wrapf(faults.New(faults.ClassConfigInvalid, 0, nil), "malformed DEFAULT_BACKENDS: %q", raw)
}

// BuildFromSeed constructs the default ServiceConfig for a matched service:
// a single pool named "default" holding the (already $-expanded) backend
// URLs, round-robin endpoint steering, traffic steering off.
func BuildFromSeed(seed ServiceSeed, expandedURLs []string) *ServiceConfig {
	backends := make([]BackendConfig, 0, len(expandedURLs))
	for i, u := range expandedURLs {
		backends = append(backends, BackendConfig{
			ID:      defaultBackendID(i),
			URL:     u,
			Weight:  1,
			Enabled: true,
		})
	}

	sc := &ServiceConfig{
		Hostname: seed.Hostname,
		Pools: []PoolConfig{
			{
				ID:       "default",
				Enabled:  true,
				Backends: backends,
			},
		},
	}
	sc.ApplyDefaults()
	return sc
}

func defaultBackendID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "backend-" + string(letters[i])
	}
	return "backend-" + strings.Repeat("z", 1+i/len(letters))
}
