// Package cache wraps Redis with single-flight loader semantics so that
// concurrent requests for the same key collapse into a single origin fetch.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/jclee-lab/blacklist-sub003/internal/telemetry"
)

// Cache is a Redis-backed cache with typed Get/Set and a single-flighted
// GetOrSet for loader-backed reads.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
	group  singleflight.Group
}

// New creates a Cache over the given Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

// Get reads a JSON value from the cache into dst. It returns (false, nil) on
// a cache miss, and a non-nil error only for unexpected Redis or decode
// failures — callers should treat a miss as "go to the source", not an error.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			telemetry.CacheOpsTotal.WithLabelValues("get", "miss").Inc()
			return false, nil
		}
		telemetry.CacheOpsTotal.WithLabelValues("get", "error").Inc()
		return false, fmt.Errorf("cache get %q: %w", key, err)
	}

	if err := json.Unmarshal(val, dst); err != nil {
		telemetry.CacheOpsTotal.WithLabelValues("get", "error").Inc()
		return false, fmt.Errorf("cache decode %q: %w", key, err)
	}

	telemetry.CacheOpsTotal.WithLabelValues("get", "hit").Inc()
	return true, nil
}

// Set stores a JSON-encoded value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}

	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		telemetry.CacheOpsTotal.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("cache set %q: %w", key, err)
	}

	telemetry.CacheOpsTotal.WithLabelValues("set", "ok").Inc()
	return nil
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

// DeleteByPrefix removes every key matching prefix+"*" using SCAN so that a
// large keyspace doesn't block Redis the way KEYS would.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	pattern := prefix + "*"

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("cache scan %q: %w", pattern, err)
		}

		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache delete by prefix %q: %w", pattern, err)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return nil
}

// GetOrSet returns the cached value for key, decoding into dst. On a miss it
// calls load exactly once across all concurrent callers sharing this key
// (singleflight), stores the result with ttl, and populates dst from it.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, dst any, load func(ctx context.Context) (any, error)) error {
	hit, err := c.Get(ctx, key, dst)
	if err != nil {
		c.logger.Warn("cache read failed, falling through to loader", "key", key, "error", err)
	}
	if hit {
		return nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return load(ctx)
	})
	if err != nil {
		return err
	}

	if err := c.Set(ctx, key, v, ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("re-encoding loaded value for %q: %w", key, err)
	}
	return json.Unmarshal(raw, dst)
}

// Lock acquires a short-lived, cross-process mutual-exclusion lock using
// Redis SET NX. It returns a release function; the caller must defer it.
// The collection path does not take this lock: per-service single-flight of
// collection runs comes from the Store's status compare-and-swap.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (acquired bool, release func(), err error) {
	ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, func() {}, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if !ok {
		return false, func() {}, nil
	}

	release = func() {
		if delErr := c.rdb.Del(context.Background(), key).Err(); delErr != nil {
			c.logger.Warn("failed to release lock", "key", key, "error", delErr)
		}
	}
	return true, release, nil
}
