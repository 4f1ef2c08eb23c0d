// Package response serves remote request results from the volatile and
// durable tiers and deduplicates concurrent fetches of the same request.
package response

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gobwas/glob"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"

	"github.com/krisalay/offline-cache/durable"
	"github.com/krisalay/offline-cache/engine"
	"github.com/krisalay/offline-cache/types"
	"github.com/krisalay/offline-cache/volatile"
)

// Source names the tier a Get was served from.
type Source string

const (
	SourceMemory  Source = "memory"
	SourceDurable Source = "durable"
)

// Result is a cached response body and where it came from.
type Result struct {
	Value  json.RawMessage
	Source Source
}

// TTL is the lifetime of one response in each tier. A zero field falls back
// to the configured default.
type TTL struct {
	Memory  time.Duration
	Durable time.Duration
}

// Config holds the response cache defaults.
type Config struct {
	DefaultTTL TTL

	// Metrics receives promotion events. Tier hits and misses are reported
	// by the tiers themselves.
	Metrics types.Metrics

	// Now dates promoted copies. Defaults to time.Now.
	Now engine.Clock
}

/*
Cache composes the volatile and durable tiers behind one request-keyed
contract.

Reads check volatile first, then durable; a durable hit is promoted into
volatile. Writes always go to volatile and only reach durable when the
durable TTL outlives the memory TTL. CachedFetch adds single-flight: one
network call per key is outstanding at a time and every concurrent caller
for that key receives its outcome.
*/
type Cache struct {
	mem    *volatile.Cache
	disk   *durable.Cache
	remote types.Remote
	cfg    Config
	logger *slog.Logger

	inflight singleflight.Group
}

// New builds a response cache. disk may be nil when no durable tier exists.
func New(mem *volatile.Cache, disk *durable.Cache, remote types.Remote, cfg Config, logger *slog.Logger) *Cache {
	if mem == nil {
		mem = volatile.New(volatile.Config{}, nil)
	}
	if disk == nil {
		disk = durable.NewCache(nil, durable.CacheConfig{}, nil, logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = types.NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		mem:    mem,
		disk:   disk,
		remote: remote,
		cfg:    cfg,
		logger: logger,
	}
}

// Get returns the cached value for req.
func (c *Cache) Get(ctx context.Context, req types.Request) (Result, bool) {
	return c.get(ctx, Key(req))
}

func (c *Cache) get(ctx context.Context, key string) (Result, bool) {
	if v, ok := c.mem.Get(key); ok {
		return Result{Value: v, Source: SourceMemory}, true
	}

	v, expireAt, ok := c.disk.Lookup(ctx, key)
	if !ok {
		return Result{}, false
	}
	if ttl, ok := c.promotionTTL(expireAt); ok {
		c.mem.Set(key, v, ttl)
		c.cfg.Metrics.Promote()
	}
	return Result{Value: v, Source: SourceDurable}, true
}

// promotionTTL caps the memory TTL of a promoted value at the life its
// durable entry has left, so the copy never outlives the original.
func (c *Cache) promotionTTL(expireAt time.Time) (time.Duration, bool) {
	ttl := c.cfg.DefaultTTL.Memory
	if expireAt.IsZero() {
		return ttl, true
	}
	left := expireAt.Sub(c.cfg.Now())
	if left <= 0 {
		return 0, false
	}
	if ttl <= 0 || left < ttl {
		ttl = left
	}
	return ttl, true
}

// Set stores value for req in the tiers ttl selects.
func (c *Cache) Set(ctx context.Context, req types.Request, value json.RawMessage, ttl TTL) {
	c.set(ctx, Key(req), value, ttl)
}

func (c *Cache) set(ctx context.Context, key string, value []byte, ttl TTL) {
	ttl = c.withDefaults(ttl)

	c.mem.Set(key, value, ttl.Memory)
	if ttl.Durable > ttl.Memory {
		if !c.disk.Set(ctx, key, value, ttl.Durable) && c.disk.Available() {
			c.logger.Debug("response not persisted", "key", key)
		}
	}
}

func (c *Cache) withDefaults(ttl TTL) TTL {
	if ttl.Memory <= 0 {
		ttl.Memory = c.cfg.DefaultTTL.Memory
	}
	if ttl.Durable <= 0 {
		ttl.Durable = c.cfg.DefaultTTL.Durable
	}
	return ttl
}

// CachedFetch returns the cached value for req or fetches and caches it with
// the default TTLs.
func (c *Cache) CachedFetch(ctx context.Context, req types.Request) (json.RawMessage, error) {
	return c.CachedFetchTTL(ctx, req, TTL{})
}

/*
CachedFetchTTL is CachedFetch with explicit TTLs.

  - transport failure: a CodeNetwork error, nothing cached
  - non-2xx status: a CodeNetwork error carrying the status, nothing cached
  - 2xx: the body is cached and returned

The in-flight entry for a key lives only until its fetch settles, so a
failed fetch is retried by the next caller.
*/
func (c *Cache) CachedFetchTTL(ctx context.Context, req types.Request, ttl TTL) (json.RawMessage, error) {
	key := Key(req)
	if res, ok := c.get(ctx, key); ok {
		return res.Value, nil
	}
	if c.remote == nil {
		return nil, errors.New(errors.CodeUnavailable, "no remote configured")
	}

	v, err, shared := c.inflight.Do(key, func() (interface{}, error) {
		// A fetch that settled between the miss above and this call has
		// already populated the cache.
		if res, ok := c.get(ctx, key); ok {
			return res.Value, nil
		}

		resp, err := c.remote.Do(ctx, req)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeNetwork, "%s %s", normalizeMethod(req.Method), req.URL)
		}
		if !resp.OK() {
			return nil, errors.WithContext(
				errors.Newf(errors.CodeNetwork, "%s %s: status %d", normalizeMethod(req.Method), req.URL, resp.Status),
				"status", resp.Status)
		}

		c.set(ctx, key, resp.Body, ttl)
		return resp.Body, nil
	})
	if err != nil {
		return nil, err
	}

	body := v.(json.RawMessage)
	if shared {
		body = types.CloneBytes(body)
	}
	return body, nil
}

/*
Invalidate removes every cached response whose request URL matches pattern
(gobwas/glob syntax, '*' spans path separators) from both tiers and returns
how many keys were removed.
*/
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, errors.Wrapf(err, errors.CodeInvalidInput, "invalid invalidation pattern %q", pattern)
	}

	removed := make(map[string]struct{})
	for _, key := range c.mem.Keys() {
		if url, ok := urlOf(key); ok && g.Match(url) {
			c.mem.Delete(key)
			removed[key] = struct{}{}
		}
	}
	for _, key := range c.disk.Keys() {
		if url, ok := urlOf(key); ok && g.Match(url) {
			c.disk.Delete(ctx, key)
			removed[key] = struct{}{}
		}
	}

	if len(removed) > 0 {
		c.logger.Debug("invalidated responses", "pattern", pattern, "count", len(removed))
	}
	return len(removed), nil
}
