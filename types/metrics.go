package types

// This file defines how the cache tiers report what they are doing.

/*
Metrics is the set of events a cache tier emits.
Each tier calls these methods as things happen; the embedding application
decides whether to count, export or ignore them.
*/
type Metrics interface {

	// Hit is called when a tier returns a live value.
	Hit()

	// Miss is called when a tier has no live value for the key.
	Miss()

	// Eviction is called when a key is removed to make room (capacity or quota).
	Eviction()

	// Expire is called when a key is removed because its TTL passed.
	Expire()

	// Promote is called when a value found in a slower tier is copied into a faster one.
	Promote()
}

/*
NoopMetrics ignores every event.
It is the default so tiers never need nil checks around metric calls.
*/
type NoopMetrics struct{}

func (NoopMetrics) Hit()      {}
func (NoopMetrics) Miss()     {}
func (NoopMetrics) Eviction() {}
func (NoopMetrics) Expire()   {}
func (NoopMetrics) Promote()  {}
