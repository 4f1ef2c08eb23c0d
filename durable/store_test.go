package durable

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, opts ...StoreOption) (*Store, core.FS) {
	t.Helper()
	fsys := billy.NewMemory()
	s, err := Open(fsys, "/offline", opts...)
	require.NoError(t, err)
	return s, fsys
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name    string
		fs      core.FS
		root    string
		wantErr error
	}{
		{name: "nil filesystem", fs: nil, root: "/offline", wantErr: ErrUnavailable},
		{name: "empty root", fs: billy.NewMemory(), root: ""},
		{name: "valid", fs: billy.NewMemory(), root: "/offline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.fs, tt.root)
			switch {
			case tt.wantErr != nil:
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
			case tt.root == "":
				require.Error(t, err)
				assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
			default:
				require.NoError(t, err)
				assert.NotNil(t, s)
			}
		})
	}
}

func TestRegion_InvalidName(t *testing.T) {
	s, _ := openTestStore(t)
	for _, name := range []string{"", "a/b", ".temp"} {
		_, err := s.Region(context.Background(), name)
		assert.Error(t, err, name)
	}
}

func TestRegion_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	r, err := s.Region(ctx, RegionResponseCache)
	require.NoError(t, err)

	require.NoError(t, r.Put(ctx, "k", []byte(`{"a":1}`), Meta{CreatedAt: t0, AccessedAt: t0}))

	data, meta, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
	assert.Equal(t, int64(7), meta.Size)
	assert.Equal(t, int64(7), s.Used())

	require.NoError(t, r.Delete(ctx, "k"))
	_, _, err = r.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int64(0), s.Used())

	// Deleting again is a no-op.
	require.NoError(t, r.Delete(ctx, "k"))
}

func TestRegion_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, fsys := openTestStore(t)
	r, err := s.Region(ctx, RegionQueue)
	require.NoError(t, err)

	seq1, err := r.NextSeq(ctx)
	require.NoError(t, err)
	seq2, err := r.NextSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, []uint64{seq1, seq2})
	require.NoError(t, r.Put(ctx, "a", []byte("hello"), Meta{AccessedAt: t0}))

	reopened, err := Open(fsys, "/offline")
	require.NoError(t, err)
	r2, err := reopened.Region(ctx, RegionQueue)
	require.NoError(t, err)

	data, _, err := r2.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), reopened.Used())

	seq3, err := r2.NextSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq3)
}

func TestRegion_Quota(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, WithQuota(10))
	r, err := s.Region(ctx, RegionResponseCache)
	require.NoError(t, err)

	require.NoError(t, r.Put(ctx, "a", []byte("123456"), Meta{}))
	err = r.Put(ctx, "b", []byte("12345"), Meta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, 1, r.Len())

	// Replacing a value only counts the difference.
	require.NoError(t, r.Put(ctx, "a", []byte("1234567890"), Meta{}))
	assert.Equal(t, int64(10), s.Used())
}

func TestRegion_QuotaSpansRegions(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, WithQuota(8))
	a, err := s.Region(ctx, RegionReminders)
	require.NoError(t, err)
	b, err := s.Region(ctx, RegionScanHistory)
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, "x", []byte("12345"), Meta{}))
	err = b.Put(ctx, "y", []byte("12345"), Meta{})
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestRegion_CorruptedBody(t *testing.T) {
	ctx := context.Background()
	s, fsys := openTestStore(t)
	r, err := s.Region(ctx, RegionResponseCache)
	require.NoError(t, err)
	require.NoError(t, r.Put(ctx, "k", []byte("value"), Meta{}))

	meta, ok := r.Stat("k")
	require.True(t, ok)
	full := path.Join("/offline", RegionResponseCache, dataDir, meta.File)
	require.NoError(t, fsys.WriteFile(full, []byte("deadbeef\nvalue"), 0o644))

	_, _, err = r.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrCorrupted))
}

func TestRegion_CorruptedIndexIsDiscarded(t *testing.T) {
	ctx := context.Background()
	s, fsys := openTestStore(t)
	r, err := s.Region(ctx, RegionReminders)
	require.NoError(t, err)
	require.NoError(t, r.Put(ctx, "k", []byte("value"), Meta{}))

	idx := path.Join("/offline", RegionReminders, indexFile)
	require.NoError(t, fsys.WriteFile(idx, []byte("not an index"), 0o644))

	reopened, err := Open(fsys, "/offline")
	require.NoError(t, err)
	r2, err := reopened.Region(ctx, RegionReminders)
	require.NoError(t, err)
	assert.Equal(t, 0, r2.Len())
	assert.Equal(t, int64(0), reopened.Used())
}

func TestRegion_ClearKeepsSequence(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	r, err := s.Region(ctx, RegionQueue)
	require.NoError(t, err)

	_, err = r.NextSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Put(ctx, "a", []byte("1"), Meta{}))
	require.NoError(t, r.Put(ctx, "b", []byte("2"), Meta{}))

	require.NoError(t, r.Clear(ctx))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), r.Bytes())

	seq, err := r.NextSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestRegion_EntriesSortedAndTouch(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	r, err := s.Region(ctx, RegionResponseCache)
	require.NoError(t, err)

	require.NoError(t, r.Put(ctx, "b", []byte("2"), Meta{AccessedAt: t0}))
	require.NoError(t, r.Put(ctx, "a", []byte("1"), Meta{AccessedAt: t0}))
	require.NoError(t, r.Touch(ctx, "b", t0.Add(time.Hour), t0.Add(2*time.Hour)))
	assert.True(t, errors.Is(r.Touch(ctx, "zz", t0, time.Time{}), ErrNotFound))

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, "b", entries[1].Key)
	assert.Equal(t, t0.Add(time.Hour), entries[1].Meta.AccessedAt)
	assert.Equal(t, t0.Add(2*time.Hour), entries[1].Meta.ExpireAt)
}

func TestRegion_CancelledContext(t *testing.T) {
	s, _ := openTestStore(t)
	r, err := s.Region(context.Background(), RegionResponseCache)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Put(ctx, "k", []byte("v"), Meta{}), context.Canceled)
	_, err = s.Region(ctx, RegionQueue)
	assert.ErrorIs(t, err, context.Canceled)
}

// indexRenameFS fails the rename that commits a region index once armed.
type indexRenameFS struct {
	core.FS
	fail bool
}

func (f *indexRenameFS) Rename(oldpath, newpath string) error {
	if f.fail && path.Base(newpath) == indexFile {
		return errors.New(errors.CodeUnavailable, "disk full")
	}
	return f.FS.Rename(oldpath, newpath)
}

func TestRegion_PutKeepsOldEntryWhenIndexWriteFails(t *testing.T) {
	ctx := context.Background()
	fsys := &indexRenameFS{FS: billy.NewMemory()}
	s, err := Open(fsys, "/offline")
	require.NoError(t, err)
	r, err := s.Region(ctx, RegionResponseCache)
	require.NoError(t, err)

	require.NoError(t, r.Put(ctx, "k", []byte("old"), Meta{}))
	before, ok := r.Stat("k")
	require.True(t, ok)

	fsys.fail = true
	err = r.Put(ctx, "k", []byte("much longer value"), Meta{})
	require.Error(t, err)
	fsys.fail = false

	data, meta, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assert.Equal(t, before, meta)
	assert.Equal(t, int64(3), s.Used())

	files, err := fsys.ReadDir(path.Join("/offline", RegionResponseCache, dataDir))
	require.NoError(t, err)
	assert.Len(t, files, 1, "the body of the failed write is cleaned up")
}

func TestRegion_PutReplacesBodyFile(t *testing.T) {
	ctx := context.Background()
	s, fsys := openTestStore(t)
	r, err := s.Region(ctx, RegionResponseCache)
	require.NoError(t, err)

	require.NoError(t, r.Put(ctx, "k", []byte("one"), Meta{}))
	require.NoError(t, r.Put(ctx, "k", []byte("three"), Meta{}))

	data, _, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "three", string(data))
	assert.Equal(t, int64(5), s.Used())

	files, err := fsys.ReadDir(path.Join("/offline", RegionResponseCache, dataDir))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
