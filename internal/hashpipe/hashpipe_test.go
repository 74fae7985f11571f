package hashpipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kmkrofficial/taskqueue-core/internal/hashcache"
	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
)

type fakeFileStore struct {
	metas map[string]FileMeta
	saved map[string][2]string
}

func newFakeFileStore() *fakeFileStore {
	return &fakeFileStore{metas: make(map[string]FileMeta), saved: make(map[string][2]string)}
}

func (f *fakeFileStore) Resolve(fileID string) (FileMeta, error) {
	m, ok := f.metas[fileID]
	if !ok {
		return FileMeta{}, taskerrors.ErrNotFound
	}
	return m, nil
}

func (f *fakeFileStore) SaveHashes(fileID, contentHash, fastHash string) error {
	f.saved[fileID] = [2]string{contentHash, fastHash}
	return nil
}

func writeZeroFile(t *testing.T, size int64) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "zeros.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(size))
	return path
}

func newTestContext() *taskctx.Context {
	handle, goCtx := taskctx.NewHandle(context.Background(), "t1", "hash")
	return handle.NewContext(goCtx, nil)
}

func TestHashFileProducesKnownMD5ForZeros(t *testing.T) {
	path := writeZeroFile(t, 100*1024*1024)
	info, err := os.Stat(path)
	require.NoError(t, err)

	store := newFakeFileStore()
	store.metas["f1"] = FileMeta{FileID: "f1", Path: path, Size: info.Size(), MTime: info.ModTime()}
	cache, err := hashcache.New(10)
	require.NoError(t, err)

	pipe := New(store, cache, 16*1024*1024)
	require.NoError(t, pipe.HashFile(newTestContext(), "f1"))

	saved, ok := store.saved["f1"]
	require.True(t, ok)
	require.Equal(t, "2f282b84e7e608d5852449ed940bfc51", saved[0])
	require.NotEmpty(t, saved[1])
}

func TestHashFileShortCircuitsOnCacheHit(t *testing.T) {
	path := writeZeroFile(t, 1024)
	info, err := os.Stat(path)
	require.NoError(t, err)

	store := newFakeFileStore()
	store.metas["f1"] = FileMeta{FileID: "f1", Path: path, Size: info.Size(), MTime: info.ModTime()}
	cache, err := hashcache.New(10)
	require.NoError(t, err)
	cache.Put(path, info.ModTime(), "precomputed-hash")

	pipe := New(store, cache, 4096)
	require.NoError(t, pipe.HashFile(newTestContext(), "f1"))

	saved := store.saved["f1"]
	require.Equal(t, "precomputed-hash", saved[0])
}

func TestHashFileMissingPathReturnsIOFailure(t *testing.T) {
	store := newFakeFileStore()
	store.metas["f1"] = FileMeta{FileID: "f1", Path: filepath.Join(t.TempDir(), "missing.bin"), Size: 10, MTime: time.Now()}
	cache, err := hashcache.New(10)
	require.NoError(t, err)

	pipe := New(store, cache, 4096)
	err = pipe.HashFile(newTestContext(), "f1")
	require.ErrorIs(t, err, taskerrors.ErrIOFailure)
}

func TestHashFileUnknownFileIDReturnsNotFound(t *testing.T) {
	store := newFakeFileStore()
	cache, err := hashcache.New(10)
	require.NoError(t, err)

	pipe := New(store, cache, 4096)
	err = pipe.HashFile(newTestContext(), "missing")
	require.ErrorIs(t, err, taskerrors.ErrNotFound)
}

func TestCancellationAbortsBeforeSave(t *testing.T) {
	path := writeZeroFile(t, 10*1024*1024)
	info, err := os.Stat(path)
	require.NoError(t, err)

	store := newFakeFileStore()
	store.metas["f1"] = FileMeta{FileID: "f1", Path: path, Size: info.Size(), MTime: info.ModTime()}
	cache, err := hashcache.New(10)
	require.NoError(t, err)

	handle, goCtx := taskctx.NewHandle(context.Background(), "t1", "hash")
	tc := handle.NewContext(goCtx, nil)
	handle.Cancel()

	pipe := New(store, cache, 1024*1024)
	err = pipe.HashFile(tc, "f1")
	require.ErrorIs(t, err, taskerrors.ErrCancelled)
	_, saved := store.saved["f1"]
	require.False(t, saved)
}

func TestQuickHashCoversFirstAndLastChunk(t *testing.T) {
	path := writeZeroFile(t, 3*1024*1024)
	store := newFakeFileStore()
	cache, err := hashcache.New(10)
	require.NoError(t, err)

	pipe := New(store, cache, 1024*1024)
	h, err := pipe.QuickHash(path)
	require.NoError(t, err)
	require.NotEmpty(t, h)
}
