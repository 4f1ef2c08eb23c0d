package expiration

import (
	"time"

	"github.com/krisalay/offline-cache/types"
)

/*
ExpireAfterAccess is the "sliding TTL" strategy.
Every read pushes the deadline forward by the entry's own TTL, so entries
that keep getting used stay alive and idle ones expire.

Default applies to writes that did not carry a TTL.
*/
type ExpireAfterAccess struct {
	Default time.Duration
}

// IsExpired checks whether the entry is expired at this moment.
func (e *ExpireAfterAccess) IsExpired(ent *types.CacheEntry, now time.Time) bool {
	return ent.Expired(now)
}

// OnAccess records the read and slides the deadline.
func (e *ExpireAfterAccess) OnAccess(ent *types.CacheEntry, now time.Time) {
	ent.LastAccessedAt = now
	if ent.TTL > 0 {
		ent.ExpireAt = now.Add(ent.TTL)
	}
}

// OnWrite sets the first deadline; an explicit per-call TTL wins over Default.
func (e *ExpireAfterAccess) OnWrite(ent *types.CacheEntry, now time.Time) {
	ent.CreatedAt = now
	ent.LastAccessedAt = now

	if ent.TTL <= 0 {
		ent.TTL = e.Default
	}
	if ent.TTL > 0 {
		ent.ExpireAt = now.Add(ent.TTL)
	}
}
