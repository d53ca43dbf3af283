package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the shared tier: a best-effort, multi-process KV store
// fronting the Precomputed Store. Client construction, Get/Set shape
// and structured logging follow the same pattern as any Redis-backed
// shared cache client; keys use this domain's scope/version/fingerprint
// convention (Key in cache.go) rather than bespoke per-value helpers.
type RedisCache struct {
	client *redis.Client
	log    *slog.Logger
}

// RedisOptions holds the handful of fields client construction
// actually varies in practice.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisCache dials addr eagerly and pings once so construction
// fails fast if the shared tier is unreachable at startup; once
// running, every subsequent Get/Set failure is treated as a miss, not
// a fatal error.
func NewRedisCache(ctx context.Context, opts RedisOptions, log *slog.Logger) (*RedisCache, error) {
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client, log: log}, nil
}

// Close releases the underlying connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// HealthCheck pings the shared tier; callers use this for readiness
// probes, not for gating individual Get/Set calls.
func (r *RedisCache) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get reports a miss (false, nil) on redis.Nil, on any other redis
// error, and on an unmarshal failure — a corrupt cached blob is
// treated exactly like a miss, never surfaced to the
// caller as an error.
func (r *RedisCache) Get(ctx context.Context, key string, target interface{}) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Debug("shared cache get failed, treating as miss", "key", key, "error", err)
		}
		return false, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		r.log.Warn("shared cache entry corrupted, discarding", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// MultiGet pipelines len(keys) GETs in one round trip.
func (r *RedisCache) MultiGet(ctx context.Context, keys []string, targets []interface{}) ([]bool, error) {
	found := make([]bool, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	cmds := make([]*redis.StringCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Get(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		r.log.Debug("shared cache multi_get pipeline failed, treating as all-miss", "error", err)
		return found, nil
	}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			continue
		}
		if err := json.Unmarshal(data, targets[i]); err != nil {
			r.log.Warn("shared cache entry corrupted, discarding", "key", keys[i], "error", err)
			continue
		}
		found[i] = true
	}
	return found, nil
}

// Set marshals value to JSON and stores it with ttl. A zero ttl means
// "no expiration", matching redis.Client.Set's own convention.
func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a single key, used when a caller knows a cached
// value has become wrong (e.g. a rule edit, handled instead by
// Manager.BumpVersion, but available here for explicit invalidation).
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
