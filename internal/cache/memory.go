package cache

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is the per-process tier, wrapping go-cache the same way
// an in-process memory tier normally sits in front of a shared cache.
// Values are round-tripped through JSON so MemoryCache and
// SharedCache(Redis) present identical Get/Set semantics to Manager
// regardless of which tier served a hit.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache builds a MemoryCache. defaultExpiration is used when
// a caller's Set passes a zero ttl (a negative ttl stores the entry
// with no expiration); cleanupInterval
// controls how often go-cache sweeps expired entries.
func NewMemoryCache(defaultExpiration, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(defaultExpiration, cleanupInterval)}
}

// Get reports false (never an error) on a miss or a corrupted entry —
// the cache-corruption-triggers-recomputation policy.
func (m *MemoryCache) Get(_ context.Context, key string, target interface{}) (bool, error) {
	raw, found := m.c.Get(key)
	if !found {
		return false, nil
	}
	data, ok := raw.([]byte)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return false, nil
	}
	return true, nil
}

// MultiGet looks up each key independently; targets[i] receives keys[i]'s
// value when found[i] is true. len(keys) must equal len(targets).
func (m *MemoryCache) MultiGet(ctx context.Context, keys []string, targets []interface{}) ([]bool, error) {
	found := make([]bool, len(keys))
	for i, key := range keys {
		ok, _ := m.Get(ctx, key, targets[i])
		found[i] = ok
	}
	return found, nil
}

// Set marshals value to JSON and stores it with ttl (go-cache treats a
// zero ttl as "use the cache's default expiration").
func (m *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.c.Set(key, data, ttl)
	return nil
}
