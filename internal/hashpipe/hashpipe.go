// Package hashpipe computes a dual hash per file — an authoritative
// content hash plus a fast deduplication hash — in one streaming pass
// with a reused buffer, following a CalculateHash/Verify style of
// streamed io.Copy-shaped hashing (crypto/md5) paired with a
// reusable-buffer discipline for the chunk scratch space.
package hashpipe

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"time"

	"github.com/kmkrofficial/taskqueue-core/internal/hashcache"
	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
)

// crc64Table is shared across all fast-hash computations; building it
// per call would defeat the point of a "fast" hash.
var crc64Table = crc64.MakeTable(crc64.ECMA)

// progressByteInterval and progressFractionInterval are the two
// conditions under which the pipeline calls report_progress.
const (
	progressByteInterval     = 100 * 1024 * 1024
	progressFractionInterval = 0.10
)

// FileMeta is the minimal file record the pipeline needs to resolve a
// file_id to bytes on disk.
type FileMeta struct {
	FileID string
	Path   string
	Size   int64
	MTime  time.Time
}

// FileStore resolves file_id to FileMeta and persists the pipeline's
// output. Implemented by internal/filedb.Registry.
type FileStore interface {
	Resolve(fileID string) (FileMeta, error)
	SaveHashes(fileID, contentHash, fastHash string) error
}

// Pipeline computes dual hashes for files, short-circuiting through a
// File-Hash Cache keyed by (path, mtime).
type Pipeline struct {
	store     FileStore
	cache     *hashcache.Cache
	chunkSize int64
}

// New builds a Pipeline. chunkSize is the buffer size reused across
// every chunk of every hash run (default 64 MiB).
func New(store FileStore, cache *hashcache.Cache, chunkSize int64) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024 * 1024
	}
	return &Pipeline{store: store, cache: cache, chunkSize: chunkSize}
}

// HashFile runs the full pipeline for file_id: resolve, cache
// short-circuit, stream both hashes, persist the result.
func (p *Pipeline) HashFile(ctx *taskctx.Context, fileID string) error {
	meta, err := p.store.Resolve(fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", taskerrors.ErrNotFound, err)
	}
	if _, statErr := os.Stat(meta.Path); statErr != nil {
		return fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, statErr)
	}

	if cached, ok := p.cache.Get(meta.Path, meta.MTime); ok {
		return p.store.SaveHashes(fileID, cached, "")
	}

	f, err := os.Open(meta.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, err)
	}
	defer f.Close()

	contentHasher := md5.New()
	fastHasher := crc64.New(crc64Table)
	buf := make([]byte, p.chunkSize)

	var processed int64
	var lastReportedBytes int64
	var lastReportedFraction float64

	for {
		if ctx.CheckPause() {
			return taskerrors.ErrCancelled
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			contentHasher.Write(chunk)
			fastHasher.Write(chunk)
			processed += int64(n)

			if meta.Size > 0 {
				fraction := float64(processed) / float64(meta.Size)
				if processed-lastReportedBytes >= progressByteInterval ||
					fraction-lastReportedFraction >= progressFractionInterval {
					ctx.ReportProgress(fraction*100, fmt.Sprintf("Processing: %.0f%%", fraction*100))
					lastReportedBytes = processed
					lastReportedFraction = fraction
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, readErr)
		}
		if n == 0 {
			break
		}
	}

	contentHash := hex.EncodeToString(contentHasher.Sum(nil))
	fastHash := fmt.Sprintf("%016x", fastHasher.Sum64())

	if err := p.store.SaveHashes(fileID, contentHash, fastHash); err != nil {
		return err
	}
	p.cache.Put(meta.Path, meta.MTime, contentHash)
	ctx.ReportProgress(100, "Processing: 100%")
	return nil
}

// QuickHash computes a cheap grouping key: the fast hash of the first
// chunk and, if the file spans more than two chunks, the last chunk
// too. Used to pre-filter candidates before spending on authoritative
// content hashes.
func (p *Pipeline) QuickHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, err)
	}

	fastHasher := crc64.New(crc64Table)
	buf := make([]byte, p.chunkSize)

	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, err)
	}
	fastHasher.Write(buf[:n])

	if info.Size() > 2*p.chunkSize {
		lastChunkStart := info.Size() - p.chunkSize
		if _, err := f.Seek(lastChunkStart, io.SeekStart); err != nil {
			return "", fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, err)
		}
		last, err := io.ReadAll(f)
		if err != nil {
			return "", fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, err)
		}
		fastHasher.Write(last)
	}

	return fmt.Sprintf("%016x", fastHasher.Sum64()), nil
}
