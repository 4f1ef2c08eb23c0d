package durable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
)

// Region names used by the offline layer.
const (
	RegionResponseCache = "responseCache"
	RegionQueue         = "durableQueue"
	RegionReminders     = "reminders-mirror"
	RegionScanHistory   = "scan-history-mirror"
)

const (
	indexFile = "index"
	dataDir   = "data"
	tempDir   = ".temp"
)

// Store is a persistent key/value namespace split into named regions.
//
// Every region keeps an index file (key -> Meta, plus an auto-increment
// sequence) next to a data directory of checksummed bodies. All writes go to a
// temp file first and are renamed into place, so a crash leaves either the old
// or the new file. Total body bytes across regions are bounded by the quota.
type Store struct {
	fs     core.FS
	root   string
	quota  int64
	logger *slog.Logger

	mu      sync.Mutex
	regions map[string]*Region
	used    int64
}

// tempSeq names temp files. It is shared by every Store in the process so two
// stores on one root never pick the same temp name.
var tempSeq atomic.Uint64

// StoreOption configures Open.
type StoreOption func(*Store)

// WithQuota bounds the total body bytes. <= 0 means unbounded.
func WithQuota(bytes int64) StoreOption {
	return func(s *Store) { s.quota = bytes }
}

// WithStoreLogger sets the logger used for recovered storage problems.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open prepares root on fsys. It fails with ErrUnavailable in the chain when
// the filesystem cannot be written.
func Open(fsys core.FS, root string, opts ...StoreOption) (*Store, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem is nil: %w", ErrUnavailable)
	}
	if root == "" {
		return nil, errors.New(errors.CodeInvalidInput, "durable root path cannot be empty")
	}

	s := &Store{
		fs:      fsys,
		root:    root,
		logger:  slog.New(slog.DiscardHandler),
		regions: make(map[string]*Region),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := fsys.MkdirAll(path.Join(root, tempDir), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %v: %w", root, err, ErrUnavailable)
	}
	return s, nil
}

// Region opens (or returns the already open) region called name.
func (s *Store) Region(ctx context.Context, name string) (*Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, errors.Newf(errors.CodeInvalidInput, "invalid region name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.regions[name]; ok {
		return r, nil
	}

	r := &Region{store: s, name: name, dir: path.Join(s.root, name)}
	if err := s.fs.MkdirAll(path.Join(r.dir, dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("create region %s: %v: %w", name, err, ErrUnavailable)
	}
	if err := r.loadIndexLocked(); err != nil {
		return nil, err
	}

	for _, m := range r.idx.Entries {
		s.used += m.Size
	}
	s.regions[name] = r
	return r, nil
}

// Used returns the body bytes currently stored across all open regions.
func (s *Store) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Quota returns the configured byte quota (0 = unbounded).
func (s *Store) Quota() int64 {
	return s.quota
}

// writeAtomically writes data with a checksum header to a temp file and
// renames it onto full.
func (s *Store) writeAtomically(full string, data []byte) error {
	tmp := path.Join(s.root, tempDir, fmt.Sprintf("%d-%d", time.Now().UnixNano(), tempSeq.Add(1)))

	sum := sha256.Sum256(data)
	buf := make([]byte, 0, len(data)+65)
	buf = append(buf, hex.EncodeToString(sum[:])...)
	buf = append(buf, '\n')
	buf = append(buf, data...)

	if err := s.fs.WriteFile(tmp, buf, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, full); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename onto %s: %w", full, err)
	}
	return nil
}

// readVerified reads full and checks its checksum header.
func (s *Store) readVerified(full string) ([]byte, error) {
	raw, err := s.fs.ReadFile(full)
	if err != nil {
		return nil, err
	}

	sumHex, body, ok := strings.Cut(string(raw), "\n")
	if !ok {
		return nil, ErrCorrupted
	}
	sum := sha256.Sum256([]byte(body))
	if hex.EncodeToString(sum[:]) != sumHex {
		return nil, ErrCorrupted
	}
	return []byte(body), nil
}

// Meta is the index record for one key. It is everything eviction and
// expiry need, so scans never read bodies.
type Meta struct {
	File       string    `json:"file"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
	ExpireAt   time.Time `json:"expire_at,omitempty"`

	// TTL is the lifetime the entry was written with; sliding expiry
	// extends ExpireAt by it on access.
	TTL time.Duration `json:"ttl,omitempty"`

	// Gen numbers the body files written for this key. Every Put writes a
	// fresh file so the previous body survives until the index commits.
	Gen uint64 `json:"gen,omitempty"`
}

// IndexEntry pairs a key with its Meta.
type IndexEntry struct {
	Key  string
	Meta Meta
}

type regionIndex struct {
	Seq     uint64           `json:"seq"`
	Entries map[string]*Meta `json:"entries"`
}

// Region is one named partition of a Store.
type Region struct {
	store *Store
	name  string
	dir   string
	idx   regionIndex
}

// Name returns the region name.
func (r *Region) Name() string { return r.name }

func (r *Region) indexPath() string { return path.Join(r.dir, indexFile) }

func (r *Region) bodyPath(file string) string { return path.Join(r.dir, dataDir, file) }

func bodyFile(key string, gen uint64) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + "." + strconv.FormatUint(gen, 10)
}

// loadIndexLocked reads the index. A missing index starts empty; a corrupted
// one is discarded along with every body it pointed to.
func (r *Region) loadIndexLocked() error {
	r.idx = regionIndex{Entries: make(map[string]*Meta)}

	exists, err := r.store.fs.Exists(r.indexPath())
	if err != nil {
		return fmt.Errorf("stat index of %s: %v: %w", r.name, err, ErrUnavailable)
	}
	if !exists {
		return nil
	}

	data, err := r.store.readVerified(r.indexPath())
	if err == nil {
		var idx regionIndex
		if err = json.Unmarshal(data, &idx); err == nil {
			if idx.Entries == nil {
				idx.Entries = make(map[string]*Meta)
			}
			r.idx = idx
			return nil
		}
	}

	r.store.logger.Warn("discarding corrupted region index", "region", r.name, "err", err)
	_ = r.store.fs.RemoveAll(path.Join(r.dir, dataDir))
	if err := r.store.fs.MkdirAll(path.Join(r.dir, dataDir), 0o755); err != nil {
		return fmt.Errorf("recreate region %s: %v: %w", r.name, err, ErrUnavailable)
	}
	return r.persistIndexLocked()
}

func (r *Region) persistIndexLocked() error {
	data, err := json.Marshal(r.idx)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode region index")
	}
	return r.store.writeAtomically(r.indexPath(), data)
}

/*
Put stores data under key with the timestamps from meta.

The quota is checked before anything touches the filesystem: if replacing the
current body with data would push the store past its quota, Put returns
ErrQuotaExceeded and the region is unchanged.

The body goes to a new file and the previous one is removed only after the
index naming the new file is written, so a failed index write leaves the old
entry intact.
*/
func (r *Region) Put(ctx context.Context, key string, data []byte, meta Meta) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldSize int64
	if old, ok := r.idx.Entries[key]; ok {
		oldSize = old.Size
	}
	newSize := int64(len(data))
	if s.quota > 0 && s.used-oldSize+newSize > s.quota {
		return fmt.Errorf("region %s key %q: %w", r.name, key, ErrQuotaExceeded)
	}

	prev, hadPrev := r.idx.Entries[key]
	if hadPrev {
		meta.Gen = prev.Gen + 1
	} else {
		meta.Gen = 1
	}
	meta.File = bodyFile(key, meta.Gen)
	meta.Size = newSize
	if err := s.writeAtomically(r.bodyPath(meta.File), data); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "write durable body")
	}

	r.idx.Entries[key] = &meta
	if err := r.persistIndexLocked(); err != nil {
		if hadPrev {
			r.idx.Entries[key] = prev
		} else {
			delete(r.idx.Entries, key)
		}
		_ = s.fs.Remove(r.bodyPath(meta.File))
		return errors.Wrap(err, errors.CodeUnavailable, "write durable index")
	}

	if hadPrev && prev.File != meta.File {
		if err := s.fs.Remove(r.bodyPath(prev.File)); err != nil {
			s.logger.Debug("removing replaced durable body failed", "region", r.name, "key", key, "err", err)
		}
	}
	s.used += newSize - oldSize
	return nil
}

// Get returns the body and Meta for key. A body that is missing or fails its
// checksum yields ErrCorrupted; the caller decides whether to delete it.
func (r *Region) Get(ctx context.Context, key string) ([]byte, Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, Meta{}, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := r.idx.Entries[key]
	if !ok {
		return nil, Meta{}, ErrNotFound
	}

	data, err := s.readVerified(r.bodyPath(m.File))
	if err != nil {
		return nil, *m, fmt.Errorf("region %s key %q: %v: %w", r.name, key, err, ErrCorrupted)
	}
	return data, *m, nil
}

// Stat returns the index record for key without reading the body.
func (r *Region) Stat(key string) (Meta, bool) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	m, ok := r.idx.Entries[key]
	if !ok {
		return Meta{}, false
	}
	return *m, true
}

// Touch records an access to key at when and replaces its deadline with
// expireAt.
func (r *Region) Touch(ctx context.Context, key string, when, expireAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := r.idx.Entries[key]
	if !ok {
		return ErrNotFound
	}
	m.AccessedAt = when
	m.ExpireAt = expireAt
	return r.persistIndexLocked()
}

// Delete removes key. Deleting a missing key is a no-op.
func (r *Region) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	return r.deleteLocked(key)
}

func (r *Region) deleteLocked(key string) error {
	m, ok := r.idx.Entries[key]
	if !ok {
		return nil
	}

	delete(r.idx.Entries, key)
	if err := r.persistIndexLocked(); err != nil {
		r.idx.Entries[key] = m
		return errors.Wrap(err, errors.CodeUnavailable, "write durable index")
	}
	r.store.used -= m.Size

	// The body is unreachable once the index no longer points at it.
	_ = r.store.fs.Remove(r.bodyPath(m.File))
	return nil
}

// Clear removes every entry of the region. The sequence counter survives.
func (r *Region) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var freed int64
	for _, m := range r.idx.Entries {
		freed += m.Size
	}
	old := r.idx.Entries
	r.idx.Entries = make(map[string]*Meta)
	if err := r.persistIndexLocked(); err != nil {
		r.idx.Entries = old
		return errors.Wrap(err, errors.CodeUnavailable, "write durable index")
	}
	s.used -= freed

	_ = s.fs.RemoveAll(path.Join(r.dir, dataDir))
	if err := s.fs.MkdirAll(path.Join(r.dir, dataDir), 0o755); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "recreate durable data directory")
	}
	return nil
}

// Entries returns a snapshot of the index sorted by key.
func (r *Region) Entries() []IndexEntry {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	out := make([]IndexEntry, 0, len(r.idx.Entries))
	for k, m := range r.idx.Entries {
		out = append(out, IndexEntry{Key: k, Meta: *m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of indexed keys.
func (r *Region) Len() int {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return len(r.idx.Entries)
}

// Bytes returns the body bytes held by this region.
func (r *Region) Bytes() int64 {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for _, m := range r.idx.Entries {
		n += m.Size
	}
	return n
}

// NextSeq increments and persists the region's sequence counter.
// Sequence numbers start at 1 and are never reused, even after Clear.
func (r *Region) NextSeq(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	r.idx.Seq++
	if err := r.persistIndexLocked(); err != nil {
		r.idx.Seq--
		return 0, errors.Wrap(err, errors.CodeUnavailable, "write durable index")
	}
	return r.idx.Seq, nil
}
