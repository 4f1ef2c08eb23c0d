// Package volatile implements the in-process cache tier: an associative map
// with per-entry expiry and least-recently-used eviction by entry count.
package volatile

import (
	"sort"
	"sync"
	"time"

	"github.com/krisalay/offline-cache/engine"
	"github.com/krisalay/offline-cache/eviction"
	"github.com/krisalay/offline-cache/types"
)

// Config bounds the tier.
type Config struct {
	// MaxEntries is the live entry bound. <= 0 means unbounded.
	MaxEntries int
}

/*
Cache is the volatile tier.

It pairs a map (key lookup) with an LRU policy (recency order). All state is
guarded by one mutex, so every operation is a short synchronous critical
section with no I/O.
*/
type Cache struct {
	mu sync.Mutex

	items      map[string]*types.CacheEntry
	lru        eviction.Policy
	engine     *engine.CacheEngine
	maxEntries int
}

// New creates an empty volatile cache. A nil engine gets engine.Default().
func New(cfg Config, eng *engine.CacheEngine) *Cache {
	if eng == nil {
		eng = engine.Default()
	}
	return &Cache{
		items:      make(map[string]*types.CacheEntry),
		lru:        eviction.NewEvictionPolicy(eviction.LRU),
		engine:     eng,
		maxEntries: cfg.MaxEntries,
	}
}

/*
Get returns a copy of the live value for key.

  - hit: LastAccessedAt is refreshed and the key becomes most recently used
  - expired: the entry is deleted and Get reports a miss
  - absent: miss
*/
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.items[key]
	if !ok {
		c.engine.Metrics.Miss()
		return nil, false
	}

	if c.engine.IsExpired(ent) {
		c.engine.Metrics.Expire()
		c.deleteLocked(key)
		c.engine.Metrics.Miss()
		return nil, false
	}

	c.engine.OnRead(ent)
	c.lru.OnGet(key)
	return types.CloneBytes(ent.Value), true
}

/*
Set stores value under key. ttl <= 0 uses the engine's default TTL.
If the key is new and the tier is full, the least recently used entry is
evicted first, so Len never exceeds MaxEntries.
*/
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 {
		for len(c.items) >= c.maxEntries {
			if _, ok := c.evictLocked(); !ok {
				break
			}
		}
	}

	c.items[key] = c.engine.NewEntry(key, value, ttl)
	c.lru.OnPut(key)
}

// Delete removes key. Removing a missing key is a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*types.CacheEntry)
	c.lru = eviction.NewEvictionPolicy(eviction.LRU)
}

// EvictLRU removes the entry with the oldest LastAccessedAt and returns its key.
func (c *Cache) EvictLRU() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

// SweepExpired removes every expired entry and returns how many were removed.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, ent := range c.items {
		if c.engine.IsExpired(ent) {
			c.deleteLocked(key)
			c.engine.Metrics.Expire()
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// swept or read.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the stored keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache) evictLocked() (string, bool) {
	key := c.lru.Evict()
	if key == "" {
		return "", false
	}
	delete(c.items, key)
	c.engine.Metrics.Eviction()
	return key, true
}

func (c *Cache) deleteLocked(key string) {
	delete(c.items, key)
	c.lru.Remove(key)
}
