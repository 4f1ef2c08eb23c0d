package types

import "time"

// CacheEntry is one stored value inside a cache tier.
// It is owned by the tier that stores it and mutated only through that tier's
// get/set/evict operations.
type CacheEntry struct {
	Key   string
	Value []byte

	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpireAt       time.Time // zero => no TTL

	// TTL is the lifetime the entry was written with. Sliding expiration
	// strategies use it to push ExpireAt forward on access.
	TTL time.Duration

	SizeBytes int64
}

// NewEntry builds an entry for key/value written at now.
// The value is copied so callers can keep mutating their slice.
func NewEntry(key string, value []byte, now time.Time) *CacheEntry {
	return &CacheEntry{
		Key:            key,
		Value:          CloneBytes(value),
		CreatedAt:      now,
		LastAccessedAt: now,
		SizeBytes:      int64(len(key) + len(value)),
	}
}

// Expired reports whether the entry's expiry time has passed at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && !now.Before(e.ExpireAt)
}

// CloneBytes returns a copy of b. A nil slice stays nil.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
