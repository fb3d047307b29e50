// Package cache provides the shared key/value cache backing metric queries
// and forecast models. All keys are namespaced by a process-wide prefix.
// A cache backend failure is treated as a permanent miss; callers degrade
// gracefully and never fail because the cache is down.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache is a namespaced Redis-backed key/value store with TTLs, pattern
// deletion, multi-get/set and hit/miss statistics.
type Cache struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// Stats holds monotonic per-process cache counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	HitRate float64 `json:"hit_rate"`
}

// New creates a cache on top of an existing Redis client.
// prefix namespaces every key (e.g. "demandline").
func New(client *redis.Client, prefix string, log zerolog.Logger) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "cache").Logger(),
	}
}

// namespaced returns the full Redis key for a logical key.
func (c *Cache) namespaced(key string) string {
	return c.prefix + ":" + key
}

// Get returns the value for key, or found=false on miss.
// Backend errors count as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.namespaced(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("Cache get failed, treating as miss")
		}
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return val, true
}

// Set stores a value under key. ttl of zero means no expiration.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.namespaced(key), value, ttl).Err(); err != nil {
		return err
	}
	c.sets.Add(1)
	return nil
}

// Delete removes one or more keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.namespaced(k)
	}

	deleted, err := c.client.Del(ctx, full...).Result()
	if err != nil {
		return err
	}
	c.deletes.Add(deleted)
	return nil
}

// DeletePattern removes all keys matching a glob pattern (relative to the
// namespace prefix) and returns the number deleted. Cost is proportional to
// the number of matched keys.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	fullPattern := c.namespaced(pattern)

	var deleted int
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, fullPattern, 100).Result()
		if err != nil {
			return deleted, err
		}

		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
			c.deletes.Add(n)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}

// GetMany returns the values for all keys that exist. Missing keys are
// simply absent from the result map.
func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.namespaced(k)
	}

	values, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		c.misses.Add(int64(len(keys)))
		return nil, err
	}

	result := make(map[string][]byte, len(keys))
	for i, v := range values {
		if v == nil {
			c.misses.Add(1)
			continue
		}
		s, ok := v.(string)
		if !ok {
			c.misses.Add(1)
			continue
		}
		result[keys[i]] = []byte(s)
		c.hits.Add(1)
	}

	return result, nil
}

// SetMany stores all entries with a shared TTL using a single pipeline
// round trip. ttl of zero means no expiration.
func (c *Cache) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, c.namespaced(k), v, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	c.sets.Add(int64(len(entries)))
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Ping verifies the cache backend is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
