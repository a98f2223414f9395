// Package affinity implements session-affinity lookup with an opaque,
// server-generated session key (spec §3 AffinityEntry, §9 resolution):
// the client-visible cookie/header value never encodes a backend id, it is
// only ever resolved through this in-process map.
package affinity

import (
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/google/uuid"
)

// Entry is one sessionKey -> (poolId, backendId) binding.
type Entry struct {
	PoolID    string
	BackendID string
}

// Map is a TTL-backed affinity table. It wraps go-pkgz/expirable-cache for
// automatic expiry instead of the teacher's hand-rolled sweep-on-read map,
// since the domain stack specifically calls for promoting this dependency
// (SPEC_FULL.md §B) to direct use.
type Map struct {
	ttl time.Duration
	c   cache.Cache[string, Entry]
}

// New builds an affinity map with the given default entry TTL.
func New(ttl time.Duration) *Map {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c, _ := cache.NewCache[string, Entry](cache.TTL(ttl), cache.MaxKeys(100000))
	return &Map{ttl: ttl, c: c}
}

// Lookup returns the entry for key, if present and unexpired.
func (m *Map) Lookup(key string) (Entry, bool) {
	return m.c.Get(key)
}

// Put creates or refreshes the affinity entry for key.
func (m *Map) Put(key string, e Entry) {
	m.c.Set(key, e, m.ttl)
}

// Drop removes an affinity entry (its backend became unhealthy).
func (m *Map) Drop(key string) {
	m.c.Invalidate(key)
}

// NewSessionKey generates the opaque, server-side session identifier
// written into the affinity cookie. Never derived from or decodable back
// into the backend id.
func NewSessionKey() string {
	return uuid.NewString()
}
