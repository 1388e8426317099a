// Package rediscache is a Redis-backed cache.Store, for callers that want
// the cache shared across processes (spec.md §4.8's "cache is safe for
// concurrent readers and writers" extended to a process pool, not just
// goroutines within one). Grounded on middleware.AdaptiveRateLimiter's
// use of github.com/redis/go-redis/v9 for the same reason: a direct
// Redis client rather than the teacher's pulse/rmap control-plane
// coordination, since nothing else here needs pulse's cluster machinery.
package rediscache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/conduit/generation"
)

const (
	defaultTimeout = 2 * time.Second
	entryPrefix    = "conduit:cache:entry:"
	indexKey       = "conduit:cache:index"
)

// Cache is a Redis-backed cache.Store. Entries are stored at
// "conduit:cache:entry:<key>"; a sorted set at "conduit:cache:index"
// tracks every key with its write time as score, so RetrieveAllKeys and
// CleanupOlderThan don't need a KEYS/SCAN sweep over the rest of a
// shared Redis instance.
type Cache struct {
	rdb *redis.Client
	// Timeout bounds each Redis round trip. generation.Cache's Get/Set
	// have no context parameter (a cache probe must be callable from
	// Model.pipe's synchronous hot path without threading one through),
	// so this is the one config knob standing in for it. Defaults to 2s.
	Timeout time.Duration
}

// New returns a Cache backed by rdb.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, Timeout: defaultTimeout}
}

func (c *Cache) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c *Cache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout())
}

// Get implements generation.Cache. Any Redis error (including a
// context-deadline timeout) is treated as a miss: the cache is advisory
// per spec.md §4.8 and must never raise.
func (c *Cache) Get(key string) (*generation.Response, bool) {
	ctx, cancel := c.ctx()
	defer cancel()

	data, err := c.rdb.Get(ctx, entryPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var resp generation.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Set implements generation.Cache. Errors are swallowed per spec.md
// §4.8's "storage errors on set MUST be logged and swallowed" — logging
// is left to a caller-supplied generation.Cache decorator, since this
// type has no Logger dependency of its own.
func (c *Cache) Set(key string, resp *generation.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ctx, cancel := c.ctx()
	defer cancel()

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, entryPrefix+key, data, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(time.Now().Unix()), Member: key})
	_, _ = pipe.Exec(ctx)
}

// Delete implements cache.Store.
func (c *Cache) Delete(key string) error {
	ctx, cancel := c.ctx()
	defer cancel()

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, entryPrefix+key)
	pipe.ZRem(ctx, indexKey, key)
	_, err := pipe.Exec(ctx)
	return err
}

// Clear implements cache.Store.
func (c *Cache) Clear() error {
	ctx, cancel := c.ctx()
	defer cancel()

	keys, err := c.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	entryKeys := make([]string, len(keys))
	for i, k := range keys {
		entryKeys[i] = entryPrefix + k
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, entryKeys...)
	pipe.Del(ctx, indexKey)
	_, err = pipe.Exec(ctx)
	return err
}

// RetrieveAllKeys implements cache.Store.
func (c *Cache) RetrieveAllKeys() ([]string, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.rdb.ZRange(ctx, indexKey, 0, -1).Result()
}

// CleanupOlderThan implements cache.Store: removes every entry whose
// recorded write time is older than age, returning the count removed.
func (c *Cache) CleanupOlderThan(age time.Duration) (int, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	cutoff := float64(time.Now().Add(-age).Unix())
	stale, err := c.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: formatScore(cutoff)}).Result()
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	entryKeys := make([]string, len(stale))
	for i, k := range stale {
		entryKeys[i] = entryPrefix + k
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, entryKeys...)
	pipe.ZRem(ctx, indexKey, toInterfaceSlice(stale)...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toInterfaceSlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
