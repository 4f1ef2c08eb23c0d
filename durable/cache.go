package durable

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/krisalay/offline-cache/engine"
	"github.com/krisalay/offline-cache/types"
)

// DefaultEvictFraction is the share of entries EvictOldest drops when a
// write hits the storage quota.
const DefaultEvictFraction = 0.2

// CacheConfig bounds the durable tier.
type CacheConfig struct {
	// MaxEntries is the live entry bound. <= 0 means unbounded.
	MaxEntries int
}

// Stats is a diagnostics snapshot of the durable tier.
type Stats struct {
	Items   int
	Bytes   int64
	Expired int
}

/*
Cache is the durable tier: a Region used as an expiring, capacity-bounded
cache.

It never returns errors to its callers. Storage problems are logged and turn
into misses or false results:

  - quota exceeded on Set: evict the oldest 20% and retry once
  - corrupted entry: delete it and report a miss
  - no region at all (storage unavailable): every operation is a no-op
*/
type Cache struct {
	region     *Region
	engine     *engine.CacheEngine
	maxEntries int
	logger     *slog.Logger
}

// NewCache wraps region. region may be nil, in which case the tier is
// permanently degraded to no-ops.
func NewCache(region *Region, cfg CacheConfig, eng *engine.CacheEngine, logger *slog.Logger) *Cache {
	if eng == nil {
		eng = engine.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		region:     region,
		engine:     eng,
		maxEntries: cfg.MaxEntries,
		logger:     logger,
	}
}

// Available reports whether the tier has storage behind it.
func (c *Cache) Available() bool {
	return c.region != nil
}

// Get returns the live value for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, _, ok := c.Lookup(ctx, key)
	return data, ok
}

/*
Lookup is Get that also returns the entry's deadline after the read (zero
when it never expires). Expiry is decided by the engine's strategy, so a
sliding strategy pushes the persisted deadline forward on every hit.
*/
func (c *Cache) Lookup(ctx context.Context, key string) ([]byte, time.Time, bool) {
	if c.region == nil {
		return nil, time.Time{}, false
	}

	m, ok := c.region.Stat(key)
	if !ok {
		c.engine.Metrics.Miss()
		return nil, time.Time{}, false
	}
	ent := entryOf(key, m)
	if c.engine.IsExpired(ent) {
		c.engine.Metrics.Expire()
		c.remove(ctx, key)
		c.engine.Metrics.Miss()
		return nil, time.Time{}, false
	}

	data, _, err := c.region.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			c.logger.Warn("dropping corrupted durable entry", "region", c.region.Name(), "key", key, "err", err)
			c.remove(ctx, key)
		} else if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("durable read failed", "region", c.region.Name(), "key", key, "err", err)
		}
		c.engine.Metrics.Miss()
		return nil, time.Time{}, false
	}

	c.engine.OnRead(ent)
	if err := c.region.Touch(ctx, key, ent.LastAccessedAt, ent.ExpireAt); err != nil {
		c.logger.Debug("durable touch failed", "key", key, "err", err)
	}
	return data, ent.ExpireAt, true
}

// entryOf rebuilds the engine's view of an index record.
func entryOf(key string, m Meta) *types.CacheEntry {
	return &types.CacheEntry{
		Key:            key,
		CreatedAt:      m.CreatedAt,
		LastAccessedAt: m.AccessedAt,
		ExpireAt:       m.ExpireAt,
		TTL:            m.TTL,
		SizeBytes:      m.Size,
	}
}

/*
Set stores value under key with ttl (<= 0 uses the engine default).

  - a new key at MaxEntries first evicts the least recently accessed entry
  - ErrQuotaExceeded triggers EvictOldest(0.2) and exactly one retry

It reports whether the value was stored.
*/
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if c.region == nil {
		return false
	}

	if _, exists := c.region.Stat(key); !exists && c.maxEntries > 0 {
		for c.region.Len() >= c.maxEntries {
			if _, ok := c.EvictLRU(ctx); !ok {
				break
			}
		}
	}

	ent := c.engine.NewEntry(key, value, ttl)
	meta := Meta{CreatedAt: ent.CreatedAt, AccessedAt: ent.LastAccessedAt, ExpireAt: ent.ExpireAt, TTL: ent.TTL}

	err := c.region.Put(ctx, key, value, meta)
	if errors.Is(err, ErrQuotaExceeded) {
		evicted := c.EvictOldest(ctx, DefaultEvictFraction)
		c.logger.Warn("durable quota exceeded, evicted oldest entries",
			"region", c.region.Name(), "key", key, "evicted", evicted)
		err = c.region.Put(ctx, key, value, meta)
	}
	if err != nil {
		c.logger.Warn("durable write failed", "region", c.region.Name(), "key", key, "err", err)
		return false
	}
	return true
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.region == nil {
		return
	}
	c.remove(ctx, key)
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) {
	if c.region == nil {
		return
	}
	if err := c.region.Clear(ctx); err != nil {
		c.logger.Warn("durable clear failed", "region", c.region.Name(), "err", err)
	}
}

// EvictLRU removes the entry with the oldest access time.
func (c *Cache) EvictLRU(ctx context.Context) (string, bool) {
	if c.region == nil {
		return "", false
	}
	victims := c.oldestFirst()
	if len(victims) == 0 {
		return "", false
	}
	key := victims[0].Key
	if !c.remove(ctx, key) {
		return "", false
	}
	c.engine.Metrics.Eviction()
	return key, true
}

// EvictOldest removes ceil(fraction * entries) entries by oldest access time
// and returns how many were removed. Only the index is traversed.
func (c *Cache) EvictOldest(ctx context.Context, fraction float64) int {
	if c.region == nil || fraction <= 0 {
		return 0
	}
	victims := c.oldestFirst()
	n := int(math.Ceil(float64(len(victims)) * math.Min(fraction, 1)))

	removed := 0
	for _, v := range victims[:n] {
		if c.remove(ctx, v.Key) {
			c.engine.Metrics.Eviction()
			removed++
		}
	}
	return removed
}

/*
SweepExpired removes expired entries and entries whose body no longer
verifies. Unlike eviction it reads bodies, which is acceptable for a
background hygiene pass.
*/
func (c *Cache) SweepExpired(ctx context.Context) int {
	if c.region == nil {
		return 0
	}

	removed := 0
	for _, e := range c.region.Entries() {
		if ctx.Err() != nil {
			break
		}
		if c.engine.IsExpired(entryOf(e.Key, e.Meta)) {
			if c.remove(ctx, e.Key) {
				c.engine.Metrics.Expire()
				removed++
			}
			continue
		}
		if _, _, err := c.region.Get(ctx, e.Key); errors.Is(err, ErrCorrupted) {
			c.logger.Warn("sweeping corrupted durable entry", "region", c.region.Name(), "key", e.Key)
			if c.remove(ctx, e.Key) {
				removed++
			}
		}
	}
	return removed
}

// Keys returns the indexed keys in sorted order.
func (c *Cache) Keys() []string {
	if c.region == nil {
		return nil
	}
	entries := c.region.Entries()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// Len returns the number of indexed entries.
func (c *Cache) Len() int {
	if c.region == nil {
		return 0
	}
	return c.region.Len()
}

// Stats counts items, body bytes and expired-but-unswept entries.
func (c *Cache) Stats() Stats {
	if c.region == nil {
		return Stats{}
	}

	var st Stats
	for _, e := range c.region.Entries() {
		st.Items++
		st.Bytes += e.Meta.Size
		if c.engine.IsExpired(entryOf(e.Key, e.Meta)) {
			st.Expired++
		}
	}
	return st
}

func (c *Cache) oldestFirst() []IndexEntry {
	entries := c.region.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Meta.AccessedAt.Before(entries[j].Meta.AccessedAt)
	})
	return entries
}

func (c *Cache) remove(ctx context.Context, key string) bool {
	if err := c.region.Delete(ctx, key); err != nil {
		c.logger.Warn("durable delete failed", "region", c.region.Name(), "key", key, "err", err)
		return false
	}
	return true
}
