// This file defines how cache entries expire over time.

package expiration

import (
	"time"

	"github.com/krisalay/offline-cache/types"
)

/*
Strategy decides when an entry is too old to be served.
Tiers never hard-code expiry rules; they ask the strategy at read and write time.
Expiry is lazy: a tier checks IsExpired when the entry is read and removes it
on the spot. Sweeps only repeat the same check in bulk.
*/
type Strategy interface {

	// IsExpired reports whether the entry must be treated as a miss at now.
	IsExpired(*types.CacheEntry, time.Time) bool

	// OnAccess is called after a successful read.
	OnAccess(*types.CacheEntry, time.Time)

	// OnWrite is called when the entry is first written or replaced.
	// ent.TTL carries the per-call TTL (0 means "use the strategy default").
	OnWrite(*types.CacheEntry, time.Time)
}

/*
FixedTTL gives every entry an absolute deadline computed at write time.
Reads do not extend the deadline; they only refresh LastAccessedAt so LRU
ordering stays correct.

Default is used when the write did not carry its own TTL. A zero Default
means such entries never expire.
*/
type FixedTTL struct {
	Default time.Duration
}

// IsExpired checks the absolute deadline.
func (f *FixedTTL) IsExpired(ent *types.CacheEntry, now time.Time) bool {
	return ent.Expired(now)
}

// OnAccess records the read for recency tracking.
func (f *FixedTTL) OnAccess(ent *types.CacheEntry, now time.Time) {
	ent.LastAccessedAt = now
}

// OnWrite stamps the deadline from the per-call TTL, falling back to Default.
func (f *FixedTTL) OnWrite(ent *types.CacheEntry, now time.Time) {
	ent.CreatedAt = now
	ent.LastAccessedAt = now

	if ent.TTL <= 0 {
		ent.TTL = f.Default
	}
	if ent.TTL > 0 {
		ent.ExpireAt = now.Add(ent.TTL)
	} else {
		ent.ExpireAt = time.Time{}
	}
}
