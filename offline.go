// Package offline is the composition root of the offline-first data layer.
//
// New wires the cache tiers, the durable queue, the sync engine and the
// connectivity monitor into one Layer. Nothing in the tree is a global: every
// service is constructed here and handed to the components that need it.
package offline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"golang.org/x/sync/errgroup"

	"github.com/krisalay/offline-cache/api"
	"github.com/krisalay/offline-cache/blob"
	"github.com/krisalay/offline-cache/config"
	"github.com/krisalay/offline-cache/connectivity"
	"github.com/krisalay/offline-cache/durable"
	"github.com/krisalay/offline-cache/engine"
	"github.com/krisalay/offline-cache/expiration"
	"github.com/krisalay/offline-cache/queue"
	"github.com/krisalay/offline-cache/remote"
	"github.com/krisalay/offline-cache/response"
	"github.com/krisalay/offline-cache/syncengine"
	"github.com/krisalay/offline-cache/types"
	"github.com/krisalay/offline-cache/volatile"
)

var _ api.DataLayer = (*Layer)(nil)

type options struct {
	fs      core.FS
	logger  *slog.Logger
	metrics types.Metrics
	clock   engine.Clock
	fetcher blob.Fetcher
	tokens  remote.TokenSource
}

// Option configures New.
type Option func(*options)

// WithFS sets the filesystem the durable regions live on. The default is the
// local disk.
func WithFS(fsys core.FS) Option {
	return func(o *options) { o.fs = fsys }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics receives hit, miss, eviction, expiry and promotion events from
// every tier.
func WithMetrics(m types.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now for every timestamp the layer writes.
func WithClock(c engine.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBlobFetcher sets how blobs are downloaded. By default the remote is
// used when it can fetch raw bytes.
func WithBlobFetcher(f blob.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithTokenSource authenticates the HTTP client New builds from
// cfg.Remote.BaseURL. It is ignored when New is given a remote.
func WithTokenSource(ts remote.TokenSource) Option {
	return func(o *options) { o.tokens = ts }
}

// Layer is the offline-first data layer. It implements api.DataLayer.
type Layer struct {
	cfg    config.Config
	logger *slog.Logger

	state     *syncengine.State
	mem       *volatile.Cache
	disk      *durable.Cache
	blobs     *blob.Cache
	responses *response.Cache
	queue     *queue.Queue
	sync      *syncengine.Engine
	monitor   *connectivity.Monitor
	reminders *syncengine.Mirror
	scans     *syncengine.Mirror

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	closed  bool
}

/*
New builds a Layer from cfg.

rem may be nil when cfg.Remote.BaseURL is set, in which case an HTTP client
is created for it. The layer starts offline; feed connectivity through
SetOnline and call Start to run the dispatcher.

Storage problems never fail New:

  - the response cache region cannot be opened: the durable tier becomes a
    no-op and reads fall through to volatile and the network
  - the queue or mirror regions cannot be opened: they fall back to an
    in-memory filesystem, so actions survive until the process exits
*/
func New(cfg config.Config, rem types.Remote, opts ...Option) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.fs == nil {
		o.fs = billy.NewLocal()
	}
	log := o.logger

	if rem == nil {
		if cfg.Remote.BaseURL == "" {
			return nil, errors.New(errors.CodeInvalidConfig, "no remote given and remote.baseURL is empty")
		}
		clientOpts := []remote.Option{
			remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout.D()}),
			remote.WithLogger(log),
		}
		if o.tokens != nil {
			clientOpts = append(clientOpts, remote.WithTokenSource(o.tokens))
		}
		client, err := remote.New(cfg.Remote.BaseURL, clientOpts...)
		if err != nil {
			return nil, err
		}
		rem = client
	}
	if o.fetcher == nil {
		if f, ok := rem.(blob.Fetcher); ok {
			o.fetcher = f
		}
	}

	root := cfg.Root
	if root == "" {
		root = defaultRoot()
	}

	ctx := context.Background()
	l := &Layer{cfg: cfg, logger: log, state: syncengine.NewState(false)}

	memEngine := engine.NewCacheEngine(strategy(cfg.Responses, cfg.Responses.MemoryTTL.D()), o.metrics, o.clock)
	diskEngine := engine.NewCacheEngine(strategy(cfg.Responses, cfg.Responses.DurableTTL.D()), o.metrics, o.clock)
	blobEngine := engine.NewCacheEngine(nil, o.metrics, o.clock)

	l.mem = volatile.New(volatile.Config{MaxEntries: cfg.Volatile.MaxEntries}, memEngine)
	l.disk = durable.NewCache(openCacheRegion(ctx, o.fs, root, cfg.QuotaBytes, log),
		durable.CacheConfig{MaxEntries: cfg.Durable.MaxEntries}, diskEngine, log)
	l.blobs = blob.New(blob.Config{MaxEntries: cfg.Blob.MaxEntries, MaxBytes: cfg.Blob.MaxBytes}, blobEngine, o.fetcher, log)
	l.responses = response.New(l.mem, l.disk, rem, response.Config{
		DefaultTTL: response.TTL{Memory: cfg.Responses.MemoryTTL.D(), Durable: cfg.Responses.DurableTTL.D()},
		Metrics:    o.metrics,
		Now:        o.clock,
	}, log)

	data, err := openDataStore(o.fs, root, log)
	if err != nil {
		return nil, err
	}
	queueRegion, err := data.Region(ctx, durable.RegionQueue)
	if err != nil {
		return nil, err
	}
	remindersRegion, err := data.Region(ctx, durable.RegionReminders)
	if err != nil {
		return nil, err
	}
	scansRegion, err := data.Region(ctx, durable.RegionScanHistory)
	if err != nil {
		return nil, err
	}

	l.queue = queue.New(queueRegion, o.clock, log)
	l.reminders = syncengine.NewMirror(remindersRegion, log)
	l.scans = syncengine.NewMirror(scansRegion, log)

	l.sync = syncengine.New(l.state, l.queue, rem, syncengine.Options{
		MaxRetries: cfg.Sync.MaxRetries,
		Refresh: []syncengine.RefreshTarget{
			{Path: syncengine.PathReminders, Mirror: l.reminders, Invalidate: "*" + syncengine.PathReminders + "*"},
			{Path: syncengine.PathScans, Mirror: l.scans, Invalidate: "*" + syncengine.PathScans + "*"},
		},
		Invalidator: l.responses,
		Now:         o.clock,
		Logger:      log,
	})

	l.monitor = connectivity.New(l.state, l.sync, connectivity.Config{
		SettleDelay:   cfg.Sync.SettleDelay.D(),
		SweepInterval: cfg.Sync.SweepInterval.D(),
	}, log)
	l.monitor.AddSweep("volatile", func(context.Context) int { return l.mem.SweepExpired() })
	l.monitor.AddSweep("durable", l.disk.SweepExpired)

	return l, nil
}

func strategy(r config.Responses, def time.Duration) expiration.Strategy {
	if r.Sliding {
		return &expiration.ExpireAfterAccess{Default: def}
	}
	return &expiration.FixedTTL{Default: def}
}

func defaultRoot() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.ToSlash(filepath.Join(dir, "offline-cache"))
}

// openCacheRegion returns nil when the response cache cannot be stored.
func openCacheRegion(ctx context.Context, fsys core.FS, root string, quota int64, log *slog.Logger) *durable.Region {
	store, err := durable.Open(fsys, root, durable.WithQuota(quota), durable.WithStoreLogger(log))
	if err == nil {
		var region *durable.Region
		if region, err = store.Region(ctx, durable.RegionResponseCache); err == nil {
			return region
		}
	}
	log.Warn("durable response cache unavailable, serving from memory only", "root", root, "err", err)
	return nil
}

// openDataStore opens the unmetered store for the queue and mirrors, falling
// back to memory.
func openDataStore(fsys core.FS, root string, log *slog.Logger) (*durable.Store, error) {
	store, err := durable.Open(fsys, root, durable.WithStoreLogger(log))
	if err == nil {
		// Open the queue region now so a broken disk is caught before the
		// queue depends on it.
		if _, err = store.Region(context.Background(), durable.RegionQueue); err == nil {
			return store, nil
		}
	}
	log.Warn("durable queue storage unavailable, queued actions will not survive restart", "root", root, "err", err)
	return durable.Open(billy.NewMemory(), "/offline", durable.WithStoreLogger(log))
}

// Start runs the connectivity dispatcher until Close or until ctx ends.
func (l *Layer) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New(errors.CodeUnavailable, "layer is closed")
	}
	if l.started {
		return errors.New(errors.CodeInvalidInput, "layer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.monitor.Run(ctx) })

	l.started, l.cancel, l.group = true, cancel, g
	return nil
}

// Close stops the dispatcher and the background drain worker. Queued
// actions stay persisted.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancel, g := l.cancel, l.group
	l.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = g.Wait()
	}
	l.sync.Close()
	return err
}

func (l *Layer) CachedFetch(ctx context.Context, req types.Request) (json.RawMessage, error) {
	return l.responses.CachedFetch(ctx, req)
}

// CachedFetchTTL is CachedFetch with explicit TTLs.
func (l *Layer) CachedFetchTTL(ctx context.Context, req types.Request, ttl response.TTL) (json.RawMessage, error) {
	return l.responses.CachedFetchTTL(ctx, req, ttl)
}

func (l *Layer) Get(ctx context.Context, req types.Request) (response.Result, bool) {
	return l.responses.Get(ctx, req)
}

func (l *Layer) Set(ctx context.Context, req types.Request, value json.RawMessage, ttl response.TTL) {
	l.responses.Set(ctx, req, value, ttl)
}

func (l *Layer) Invalidate(ctx context.Context, pattern string) (int, error) {
	return l.responses.Invalidate(ctx, pattern)
}

func (l *Layer) Enqueue(ctx context.Context, typ queue.ActionType, payload json.RawMessage) (queue.Action, error) {
	return l.sync.Enqueue(ctx, typ, payload)
}

func (l *Layer) FetchBlob(ctx context.Context, url string) blob.Handle {
	return l.blobs.FetchAndCache(ctx, url)
}

func (l *Layer) ResolveBlob(handle string) ([]byte, bool) {
	return l.blobs.Resolve(handle)
}

func (l *Layer) Reminders(ctx context.Context) []json.RawMessage {
	return l.reminders.List(ctx)
}

func (l *Layer) ScanHistory(ctx context.Context) []json.RawMessage {
	return l.scans.List(ctx)
}

// SetOnline forwards a connectivity signal to the monitor. It takes effect
// once Start is running.
func (l *Layer) SetOnline(online bool) {
	l.monitor.Notify(online)
}

func (l *Layer) Sync(ctx context.Context) (syncengine.Report, error) {
	return l.sync.Drain(ctx)
}

func (l *Layer) OnDiscard(h func(syncengine.Discard)) {
	l.sync.OnDiscard(h)
}

func (l *Layer) OnTransition(h connectivity.Handler) {
	l.monitor.OnTransition(h)
}

func (l *Layer) Status() api.Status {
	last, _ := l.state.LastSync()
	return api.Status{
		Online:           l.state.Online(),
		SyncInProgress:   l.state.InProgress(),
		LastSync:         last,
		QueueLength:      l.queue.Len(),
		VolatileEntries:  l.mem.Len(),
		DurableAvailable: l.disk.Available(),
		Durable:          l.disk.Stats(),
		BlobEntries:      l.blobs.Len(),
		BlobBytes:        l.blobs.Bytes(),
	}
}
