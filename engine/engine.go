package engine

import (
	"time"

	"github.com/krisalay/offline-cache/expiration"
	"github.com/krisalay/offline-cache/types"
)

// Clock returns the current time. Tests swap it for a manual clock.
type Clock func() time.Time

/*
CacheEngine is the rules layer shared by every cache tier.
It decides whether an entry is expired, stamps timestamps on reads and writes,
and records metrics. It does NOT store data, lock, or pick eviction victims;
the tiers do that.
*/
type CacheEngine struct {

	// Expiration decides when entries stop being served.
	// If nil, entries expire only when they carry an explicit TTL.
	Expiration expiration.Strategy

	// Metrics receives hit/miss/eviction/expiry/promotion events.
	Metrics types.Metrics

	// Now is the time source for every timestamp a tier writes.
	Now Clock
}

/*
NewCacheEngine creates a CacheEngine. Nil arguments get defaults:
fixed-TTL expiration without a default TTL, no-op metrics, and time.Now.
*/
func NewCacheEngine(exp expiration.Strategy, metrics types.Metrics, now Clock) *CacheEngine {
	if exp == nil {
		exp = &expiration.FixedTTL{}
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if now == nil {
		now = time.Now
	}

	return &CacheEngine{
		Expiration: exp,
		Metrics:    metrics,
		Now:        now,
	}
}

// Default returns an engine with all defaults.
func Default() *CacheEngine {
	return NewCacheEngine(nil, nil, nil)
}

// IsExpired checks ent against the current time.
func (e *CacheEngine) IsExpired(ent *types.CacheEntry) bool {
	return e.Expiration.IsExpired(ent, e.Now())
}

// OnRead records a successful read.
func (e *CacheEngine) OnRead(ent *types.CacheEntry) {
	e.Expiration.OnAccess(ent, e.Now())
	e.Metrics.Hit()
}

// OnWrite stamps creation, access and expiry on a new or replaced entry.
func (e *CacheEngine) OnWrite(ent *types.CacheEntry) {
	e.Expiration.OnWrite(ent, e.Now())
}

// NewEntry builds an entry for key/value with a per-call ttl (0 = default)
// and runs the write rules on it.
func (e *CacheEngine) NewEntry(key string, value []byte, ttl time.Duration) *types.CacheEntry {
	ent := types.NewEntry(key, value, e.Now())
	ent.TTL = ttl
	e.OnWrite(ent)
	return ent
}
