package filedb

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kmkrofficial/taskqueue-core/internal/dirscan"
	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	reg, err := Open(db)
	require.NoError(t, err)
	return reg
}

func TestUpsertBatchInsertsNewRows(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.UpsertBatch([]dirscan.Record{
		{Path: "/movies/a.mkv", Size: 100, LastModified: time.Now(), FileType: dirscan.FileTypeVideo},
	}))

	f, err := reg.ByPath("/movies/a.mkv")
	require.NoError(t, err)
	require.Equal(t, int64(100), f.Size)
}

func TestUpsertBatchRetainsIDAndHashesOnConflict(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.UpsertBatch([]dirscan.Record{
		{Path: "/movies/a.mkv", Size: 100, LastModified: time.Now(), FileType: dirscan.FileTypeVideo},
	}))
	first, err := reg.ByPath("/movies/a.mkv")
	require.NoError(t, err)
	require.NoError(t, reg.SaveHashes(first.ID, "contenthash", "fasthash"))

	require.NoError(t, reg.UpsertBatch([]dirscan.Record{
		{Path: "/movies/a.mkv", Size: 200, LastModified: time.Now(), FileType: dirscan.FileTypeVideo},
	}))

	second, err := reg.ByPath("/movies/a.mkv")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "contenthash", second.HashContent)
	require.Equal(t, int64(200), second.Size)
}

func TestResolveUnknownFileIDReturnsNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Resolve("missing")
	require.ErrorIs(t, err, taskerrors.ErrNotFound)
}

func TestSaveHashesThenResolveRoundTrips(t *testing.T) {
	reg := newTestRegistry(t)
	mtime := time.Now()
	require.NoError(t, reg.UpsertBatch([]dirscan.Record{
		{Path: "/movies/a.mkv", Size: 50, LastModified: mtime, FileType: dirscan.FileTypeVideo},
	}))
	f, err := reg.ByPath("/movies/a.mkv")
	require.NoError(t, err)

	require.NoError(t, reg.SaveHashes(f.ID, "c1", "f1"))

	meta, err := reg.Resolve(f.ID)
	require.NoError(t, err)
	require.Equal(t, "/movies/a.mkv", meta.Path)
	require.Equal(t, int64(50), meta.Size)
}
