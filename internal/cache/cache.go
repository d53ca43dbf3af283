// Package cache implements the three-tier cache: an in-process memory
// tier, a best-effort shared KV tier, and (via
// internal/store.PostgresStore) long-term persistence. Keys for
// rule-dependent results (PR↔release mappings) carry the
// release-matching rule's fingerprint so that changing a repository's
// rule can never serve a stale mapping; per-PR facts keys are the PR
// node id alone.
package cache

import (
	"context"
	"strconv"
	"time"
)

// SharedCache is the best-effort KV interface shared across tiers:
// get, multi_get, set(key, value, ttl). Misses and corrupt entries
// are reported as (false, nil) rather than an error, so cache problems
// silently trigger recomputation instead of failing a query.
type SharedCache interface {
	Get(ctx context.Context, key string, target interface{}) (bool, error)
	MultiGet(ctx context.Context, keys []string, targets []interface{}) ([]bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Key builds the "scope | version | fingerprint" cache key. Bumping
// version invalidates every previously-written entry en masse without
// any delete traffic: old keys simply stop being addressed by future
// reads and age out under their TTL.
func Key(scope string, version int, fingerprint string) string {
	return scope + "|" + strconv.Itoa(version) + "|" + fingerprint
}

// Cache scopes, one per kind of derived artifact the cache fronts.
const (
	ScopeDAG     = "dag"
	ScopeRelease = "release"
	ScopeMapping = "mapping"
	ScopeFacts   = "facts"
)

// DefaultMappingTTL is the short-term cache window for completed
// (pr_node_id, release_id) pairs per the mapping's persistence note:
// the shared cache serves 24h of hits before a reader falls back to
// the Precomputed Store's long-term row.
const DefaultMappingTTL = 24 * time.Hour

// DefaultMemoryTTL bounds how long a value promoted from the shared
// tier into the in-process memory tier stays resident; it is
// intentionally shorter than DefaultMappingTTL since the memory tier
// is cheap to repopulate and per-process ("the in-memory
// cache is per-process" resource policy).
const DefaultMemoryTTL = 5 * time.Minute

// Manager is the read-through/write-through front door callers use
// instead of talking to memory/shared tiers directly: Get checks
// memory, then shared (promoting a shared hit back into memory), Set
// writes through both.
type Manager struct {
	memory  SharedCache
	shared  SharedCache
	version int
}

// NewManager builds a Manager. Either tier may be nil (e.g. a
// memory-only configuration for tests, or shared-only when the
// in-process tier is disabled); Manager degrades gracefully.
func NewManager(memory, shared SharedCache, version int) *Manager {
	return &Manager{memory: memory, shared: shared, version: version}
}

// Get looks up scope/fingerprint, trying the memory tier first. A
// shared-tier hit is written back into the memory tier with
// DefaultMemoryTTL so the next caller on this process skips the
// shared round-trip. Returns (false, nil) on any miss or cache error —
// callers always fall back to recomputation, never treat a cache
// failure as fatal.
func (m *Manager) Get(ctx context.Context, scope string, fingerprint string, target interface{}) (bool, error) {
	key := Key(scope, m.version, fingerprint)
	if m.memory != nil {
		if ok, err := m.memory.Get(ctx, key, target); err == nil && ok {
			return true, nil
		}
	}
	if m.shared == nil {
		return false, nil
	}
	ok, err := m.shared.Get(ctx, key, target)
	if err != nil || !ok {
		return false, nil
	}
	if m.memory != nil {
		_ = m.memory.Set(ctx, key, target, DefaultMemoryTTL)
	}
	return true, nil
}

// Set writes scope/fingerprint through both tiers with the given TTL.
// A shared-tier write failure is returned to the caller (it means the
// value truly did not get cached anywhere durable); a memory-tier
// write failure is ignored, since the memory tier is a pure
// optimization.
func (m *Manager) Set(ctx context.Context, scope string, fingerprint string, value interface{}, ttl time.Duration) error {
	key := Key(scope, m.version, fingerprint)
	if m.memory != nil {
		_ = m.memory.Set(ctx, key, value, ttl)
	}
	if m.shared != nil {
		return m.shared.Set(ctx, key, value, ttl)
	}
	return nil
}

// BumpVersion invalidates every key written under the current
// version, en masse, by advancing to a new version namespace.
func (m *Manager) BumpVersion() {
	m.version++
}
