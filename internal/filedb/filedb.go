// Package filedb is the scanned-file registry the scan/hash/rename
// executors share: one row per on-disk media file, keyed by path,
// carrying size/mtime and the dual hash produced by the hash pipeline.
// It is the scanner's type filter plus C1's GORM storage layer
// generalized from tasks to files — same AutoMigrate-on-open idiom as
// internal/taskstore, grounded on the same internal/storage/models.go
// convention.
package filedb

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kmkrofficial/taskqueue-core/internal/dirscan"
	"github.com/kmkrofficial/taskqueue-core/internal/hashpipe"
	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
)

func hashPathForID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}

// File is one scanned media file.
type File struct {
	ID           string    `gorm:"primaryKey"`
	Path         string    `gorm:"column:path;uniqueIndex"`
	Size         int64     `gorm:"column:size"`
	LastModified time.Time `gorm:"column:last_modified"`
	FileType     string    `gorm:"column:file_type"`
	HashContent  string    `gorm:"column:hash_content"`
	HashFast     string    `gorm:"column:hash_fast"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName is explicit to keep the snake_case convention stable across renames.
func (File) TableName() string { return "files" }

// Registry wraps a GORM handle scoped to the files table. It implements
// both dirscan.BatchSink and hashpipe.FileStore so the scanner and hash
// pipeline share one backing table.
type Registry struct {
	db *gorm.DB
}

var (
	_ dirscan.BatchSink  = (*Registry)(nil)
	_ hashpipe.FileStore = (*Registry)(nil)
)

// Open AutoMigrates the files table and returns a Registry over db.
func Open(db *gorm.DB) (*Registry, error) {
	if err := db.AutoMigrate(&File{}); err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

// UpsertBatch implements dirscan.BatchSink: update size/last_modified/
// updated_at on a path conflict, retain the existing id/hashes
// otherwise.
func (r *Registry) UpsertBatch(records []dirscan.Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]File, 0, len(records))
	for _, rec := range records {
		rows = append(rows, File{
			ID:           newFileID(rec.Path),
			Path:         rec.Path,
			Size:         rec.Size,
			LastModified: rec.LastModified,
			FileType:     string(rec.FileType),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "last_modified", "updated_at"}),
	}).Create(&rows).Error
}

// newFileID derives a stable id from path so repeated scans of the same
// file produce the same insert candidate id (the id itself is only
// observed on first insert; OnConflict retains the prior row's id).
func newFileID(path string) string {
	return "file-" + hashPathForID(path)
}

// Resolve implements hashpipe.FileStore.
func (r *Registry) Resolve(fileID string) (hashpipe.FileMeta, error) {
	var f File
	if err := r.db.First(&f, "id = ?", fileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return hashpipe.FileMeta{}, taskerrors.ErrNotFound
		}
		return hashpipe.FileMeta{}, errors.Join(taskerrors.ErrStoreFailure, err)
	}
	return hashpipe.FileMeta{
		FileID: f.ID,
		Path:   f.Path,
		Size:   f.Size,
		MTime:  f.LastModified,
	}, nil
}

// SaveHashes implements hashpipe.FileStore.
func (r *Registry) SaveHashes(fileID, contentHash, fastHash string) error {
	res := r.db.Model(&File{}).Where("id = ?", fileID).Updates(map[string]any{
		"hash_content": contentHash,
		"hash_fast":    fastHash,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return errors.Join(taskerrors.ErrStoreFailure, res.Error)
	}
	if res.RowsAffected == 0 {
		return taskerrors.ErrNotFound
	}
	return nil
}

// ByPath resolves a file row by its on-disk path.
func (r *Registry) ByPath(path string) (*File, error) {
	var f File
	if err := r.db.First(&f, "path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, taskerrors.ErrNotFound
		}
		return nil, errors.Join(taskerrors.ErrStoreFailure, err)
	}
	return &f, nil
}

// Rename updates a file row's path after an on-disk rename.
func (r *Registry) Rename(fileID, newPath string) error {
	res := r.db.Model(&File{}).Where("id = ?", fileID).Updates(map[string]any{
		"path":       newPath,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return errors.Join(taskerrors.ErrStoreFailure, res.Error)
	}
	if res.RowsAffected == 0 {
		return taskerrors.ErrNotFound
	}
	return nil
}

// ByID resolves a file row by id, used by the rename executor.
func (r *Registry) ByID(fileID string) (*File, error) {
	var f File
	if err := r.db.First(&f, "id = ?", fileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, taskerrors.ErrNotFound
		}
		return nil, errors.Join(taskerrors.ErrStoreFailure, err)
	}
	return &f, nil
}
