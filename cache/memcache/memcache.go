// Package memcache is an in-process cache.Store, grounded on
// runtime/registry/cache.go's MemoryCache: an RWMutex-guarded map with
// one entry struct per key. Unlike that teacher cache (TTL-expiring
// toolset schemas with background refresh), entries here never expire on
// their own — spec.md's cache has no TTL concept, only an explicit
// cleanup_older_than(days) operation an operator triggers.
package memcache

import (
	"encoding/json"
	"sync"
	"time"

	"goa.design/conduit/generation"
)

type entry struct {
	data      []byte
	createdAt time.Time
}

// Cache is a process-local cache.Store. The zero value is not usable;
// construct with New.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry), now: time.Now}
}

// Get implements generation.Cache. A miss or a decode failure (treated as
// a miss, never a panic) both report ok=false — the cache is advisory
// per spec.md §4.8, and must never raise.
func (c *Cache) Get(key string) (*generation.Response, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	var resp generation.Response
	if err := json.Unmarshal(e.data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Set implements generation.Cache. Per spec.md §4.8, storage errors on
// set must be logged and swallowed, never raised; Set has no error
// return at all (generation.Cache's shape), so an encode failure is
// silently skipped — there is nothing useful to log to without an
// injected logger, and a cache write failure must never affect the
// caller's result.
func (c *Cache) Set(key string, resp *generation.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{data: data, createdAt: c.now()}
	c.mu.Unlock()
}

// Delete implements cache.Store.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Clear implements cache.Store.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	return nil
}

// RetrieveAllKeys implements cache.Store.
func (c *Cache) RetrieveAllKeys() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// CleanupOlderThan implements cache.Store.
func (c *Cache) CleanupOlderThan(age time.Duration) (int, error) {
	cutoff := c.now().Add(-age)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.createdAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports the current entry count, mirroring the teacher's
// MemoryCache.Len (used by tests and operational introspection).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
