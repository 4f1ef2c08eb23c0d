// Package blob implements a byte-budgeted LRU cache for large payloads such
// as images, addressed by their remote URL.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/krisalay/offline-cache/engine"
	"github.com/krisalay/offline-cache/eviction"
	"github.com/krisalay/offline-cache/types"
)

// HandlePrefix marks a handle that points at locally cached bytes.
const HandlePrefix = "blob:"

// Config bounds the tier. A bound <= 0 is not enforced.
type Config struct {
	MaxEntries int
	MaxBytes   int64
}

// Fetcher downloads the bytes behind url.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// Handle is what FetchAndCache hands back to the application.
// Ref is either a local handle ("blob:<hash>") or, when the blob could not be
// fetched, the original URL.
type Handle struct {
	Ref   string
	Local bool
}

/*
Cache is the blob tier.

Both bounds are checked before an insert: least recently used blobs are
evicted until the new blob fits. A blob larger than MaxBytes on its own is
never stored.
*/
type Cache struct {
	mu sync.Mutex

	items      map[string]*types.CacheEntry
	byHandle   map[string]string
	lru        eviction.Policy
	bytes      int64
	maxEntries int
	maxBytes   int64

	engine  *engine.CacheEngine
	fetcher Fetcher
	logger  *slog.Logger
	group   singleflight.Group
}

// New creates a blob cache. fetcher may be nil, in which case FetchAndCache
// only serves hits.
func New(cfg Config, eng *engine.CacheEngine, fetcher Fetcher, logger *slog.Logger) *Cache {
	if eng == nil {
		eng = engine.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		items:      make(map[string]*types.CacheEntry),
		byHandle:   make(map[string]string),
		lru:        eviction.NewEvictionPolicy(eviction.LRU),
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
		engine:     eng,
		fetcher:    fetcher,
		logger:     logger,
	}
}

// HandleFor returns the local handle a blob for url is stored under.
func HandleFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	return HandlePrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached blob for url. The slice is shared with the cache and
// must not be modified.
func (c *Cache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(url)
}

// Set stores blob under url and reports whether it was stored.
func (c *Cache) Set(url string, blob []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(url, blob)
}

// EvictLRU removes the least recently accessed blob and returns its URL.
func (c *Cache) EvictLRU() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

// Delete removes the blob for url.
func (c *Cache) Delete(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(url)
}

// Len returns the number of cached blobs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the total size of cached blobs.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Resolve returns the bytes behind a local handle.
func (c *Cache) Resolve(handle string) ([]byte, bool) {
	if !strings.HasPrefix(handle, HandlePrefix) {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	url, ok := c.byHandle[handle]
	if !ok {
		return nil, false
	}
	return c.getLocked(url)
}

/*
FetchAndCache returns a handle for url.

  - hit: the local handle
  - miss: fetch, store, return the local handle
  - fetch failure (or a blob too large to keep): the original URL

Concurrent calls for the same url share one fetch.
*/
func (c *Cache) FetchAndCache(ctx context.Context, url string) Handle {
	if _, ok := c.Get(url); ok {
		return Handle{Ref: HandleFor(url), Local: true}
	}
	if c.fetcher == nil {
		return Handle{Ref: url}
	}

	v, err, _ := c.group.Do(url, func() (interface{}, error) {
		if _, ok := c.Get(url); ok {
			return true, nil
		}
		data, err := c.fetcher.Fetch(ctx, url)
		if err != nil {
			return false, err
		}
		return c.Set(url, data), nil
	})
	if err != nil {
		c.logger.Debug("blob fetch failed, falling back to remote url", "url", url, "err", err)
		return Handle{Ref: url}
	}
	if stored, _ := v.(bool); !stored {
		return Handle{Ref: url}
	}
	return Handle{Ref: HandleFor(url), Local: true}
}

func (c *Cache) getLocked(url string) ([]byte, bool) {
	ent, ok := c.items[url]
	if !ok {
		c.engine.Metrics.Miss()
		return nil, false
	}
	if c.engine.IsExpired(ent) {
		c.engine.Metrics.Expire()
		c.deleteLocked(url)
		c.engine.Metrics.Miss()
		return nil, false
	}

	c.engine.OnRead(ent)
	c.lru.OnGet(url)
	return ent.Value, true
}

func (c *Cache) setLocked(url string, blob []byte) bool {
	size := int64(len(blob))
	if c.maxBytes > 0 && size > c.maxBytes {
		c.logger.Debug("blob exceeds byte budget", "url", url, "size", size, "max_bytes", c.maxBytes)
		return false
	}

	c.deleteLocked(url)
	for c.overBudget(size) {
		if _, ok := c.evictLocked(); !ok {
			break
		}
	}

	ent := c.engine.NewEntry(url, blob, 0)
	ent.SizeBytes = size
	c.items[url] = ent
	c.byHandle[HandleFor(url)] = url
	c.lru.OnPut(url)
	c.bytes += size
	return true
}

func (c *Cache) overBudget(incoming int64) bool {
	if c.maxEntries > 0 && len(c.items)+1 > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.bytes+incoming > c.maxBytes
}

func (c *Cache) evictLocked() (string, bool) {
	url := c.lru.Evict()
	if url == "" {
		return "", false
	}
	c.dropLocked(url)
	c.engine.Metrics.Eviction()
	return url, true
}

func (c *Cache) deleteLocked(url string) {
	if _, ok := c.items[url]; !ok {
		return
	}
	c.lru.Remove(url)
	c.dropLocked(url)
}

func (c *Cache) dropLocked(url string) {
	ent, ok := c.items[url]
	if !ok {
		return
	}
	c.bytes -= ent.SizeBytes
	delete(c.items, url)
	delete(c.byHandle, HandleFor(url))
}
