package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/krisalay/offline-cache/blob"
	"github.com/krisalay/offline-cache/connectivity"
	"github.com/krisalay/offline-cache/durable"
	"github.com/krisalay/offline-cache/queue"
	"github.com/krisalay/offline-cache/response"
	"github.com/krisalay/offline-cache/syncengine"
	"github.com/krisalay/offline-cache/types"
)

/*
DataLayer is the contract application code reads and writes through.
Tiers, the queue, replay and connectivity handling all sit behind it; callers
never touch them directly.
*/
type DataLayer interface {

	/*
		CachedFetch returns the response for req.

		BEHAVIOR:
		---------
		1. Volatile hit: returned immediately
		2. Durable hit: promoted into volatile, then returned
		3. Miss: fetched once, however many callers ask concurrently,
		   cached if 2xx, returned

		Failures (offline, timeout, non-2xx) are CodeNetwork errors and are
		never cached.
	*/
	CachedFetch(ctx context.Context, req types.Request) (json.RawMessage, error)

	// Get reads the cached response for req without going to the network.
	Get(ctx context.Context, req types.Request) (response.Result, bool)

	// Set caches value for req. The durable tier is written only when
	// ttl.Durable outlives ttl.Memory.
	Set(ctx context.Context, req types.Request, value json.RawMessage, ttl response.TTL)

	// Invalidate drops cached responses whose URL matches the glob pattern.
	Invalidate(ctx context.Context, pattern string) (int, error)

	/*
		Enqueue records a mutation for replay.

		BEHAVIOR:
		---------
		- The action is persisted before Enqueue returns
		- Online and idle: a drain is scheduled right away
		- Otherwise it waits for the next connectivity edge or tick
	*/
	Enqueue(ctx context.Context, typ queue.ActionType, payload json.RawMessage) (queue.Action, error)

	// FetchBlob returns a local handle for url, or url itself when it could
	// not be fetched.
	FetchBlob(ctx context.Context, url string) blob.Handle

	// ResolveBlob returns the bytes behind a local blob handle.
	ResolveBlob(handle string) ([]byte, bool)

	// Reminders and ScanHistory read the mirrors refreshed after each sync.
	Reminders(ctx context.Context) []json.RawMessage
	ScanHistory(ctx context.Context) []json.RawMessage

	// SetOnline feeds a platform connectivity signal.
	SetOnline(online bool)

	// Sync runs one drain pass now.
	Sync(ctx context.Context) (syncengine.Report, error)

	// OnDiscard subscribes to actions dropped without being applied.
	OnDiscard(h func(syncengine.Discard))

	// OnTransition subscribes to connectivity changes.
	OnTransition(h connectivity.Handler)

	// Status is a diagnostics snapshot.
	Status() Status

	/*
		Close stops background work.

		BEHAVIOR:
		---------
		- Stops the connectivity dispatcher and any running drain
		- Queued actions stay on disk for the next start
	*/
	Close() error
}

// Status describes the layer at one point in time.
type Status struct {
	Online         bool
	SyncInProgress bool
	LastSync       time.Time

	QueueLength int

	VolatileEntries  int
	DurableAvailable bool
	Durable          durable.Stats
	BlobEntries      int
	BlobBytes        int64
}
