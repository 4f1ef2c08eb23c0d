package eviction

/*
This file defines how a tier decides what to drop when it runs out of room.
*/

/*
Policy tracks recency for the keys stored in one tier.

The tier owns the data; the policy only owns ordering metadata. The tier calls
OnGet/OnPut/Remove as it serves requests and asks Evict (or Oldest) for a
victim when a bound would be exceeded. Policies are not safe for concurrent
use on their own; the tier's lock covers them.
*/
type Policy interface {

	// OnGet is called whenever a live key is read.
	OnGet(string)

	// OnPut is called whenever a key is inserted or overwritten.
	OnPut(string)

	// Remove is called when a key leaves the tier for any reason other than Evict.
	Remove(string)

	// Evict removes and returns the key to drop next. It returns "" when
	// nothing is tracked.
	Evict() string

	// Oldest returns the key Evict would pick, without removing it.
	Oldest() (string, bool)

	// Len is the number of tracked keys.
	Len() int
}

// PolicyType identifies a supported eviction strategy.
type PolicyType string

const (
	// LRU evicts the key whose last access is the oldest.
	LRU PolicyType = "LRU"
)

// NewEvictionPolicy creates the policy for t.
func NewEvictionPolicy(t PolicyType) Policy {
	switch t {
	case LRU:
		return newLRU()
	default:
		panic("unknown eviction policy: " + string(t))
	}
}
