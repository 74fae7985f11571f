// Package dirscan walks a directory, classifies each entry by
// extension into the closed {video, audio, image, document, other}
// set, and commits records in batches of 100 via upsert keyed by path.
// Extension classification follows a GetCategory-style switch,
// generalized from a renamer's six-way category table into a five-way
// type filter.
package dirscan

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
)

// FileType is one of the closed set of classification tags.
type FileType string

const (
	FileTypeVideo    FileType = "video"
	FileTypeAudio    FileType = "audio"
	FileTypeImage    FileType = "image"
	FileTypeDocument FileType = "document"
	FileTypeOther    FileType = "other"
)

// Classify returns the FileType for filename based on its (lowercased)
// extension.
func Classify(filename string) FileType {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4", ".mkv", ".mov", ".avi", ".webm", ".wmv", ".m4v", ".flv":
		return FileTypeVideo
	case ".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a", ".wma":
		return FileTypeAudio
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg", ".tiff":
		return FileTypeImage
	case ".pdf", ".docx", ".xlsx", ".pptx", ".txt", ".md", ".srt", ".nfo":
		return FileTypeDocument
	default:
		return FileTypeOther
	}
}

// batchSize is the fixed commit threshold.
const batchSize = 100

// Record is what the scanner builds per matched file before it enters
// the pending batch.
type Record struct {
	Path         string
	Size         int64
	LastModified time.Time
	FileType     FileType
}

// BatchSink commits a batch of records with upsert-by-path semantics:
// update size/last_modified/updated_at on conflict, retain the existing
// id/hashes otherwise.
type BatchSink interface {
	UpsertBatch(records []Record) error
}

// Options configures one scan run.
type Options struct {
	Directory  string
	Recursive  bool
	TypeFilter map[FileType]struct{}
}

// DefaultTypeFilter is the scan executor's default when the payload
// omits file_types: video, audio, image.
func DefaultTypeFilter() map[FileType]struct{} {
	return map[FileType]struct{}{
		FileTypeVideo: {},
		FileTypeAudio: {},
		FileTypeImage: {},
	}
}

// estimateAlpha is the EWMA weight applied to running-total-file
// estimate updates while the walk is in progress.
const estimateAlpha = 0.3

// Scanner walks a directory tree and commits matched entries to sink in
// batches of 100.
type Scanner struct {
	sink BatchSink
}

// New builds a Scanner writing through sink.
func New(sink BatchSink) *Scanner {
	return &Scanner{sink: sink}
}

// Result summarizes a completed scan, used for the scan-history entry.
type Result struct {
	FilesMatched int
	FilesWalked  int
}

// Scan walks opts.Directory (respecting Recursive), classifies and
// filters entries, and commits them in batches of 100. Pause checks
// happen at batch boundaries; progress uses an adaptive EWMA-estimated
// denominator capped at 99% until the walk terminates.
func (s *Scanner) Scan(ctx *taskctx.Context, opts Options) (Result, error) {
	if _, err := os.Stat(opts.Directory); err != nil {
		return Result{}, err
	}

	var batch []Record
	var result Result
	// estimatedTotal is a running EWMA guess of the final file count,
	// assumed to be 90% walked whenever it needs rebasing; this keeps
	// the displayed fraction moving smoothly instead of snapping to 100%
	// the instant the walk happens to pause on a small directory.
	estimatedTotal := float64(batchSize * 2)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.sink.UpsertBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	walkErr := filepath.WalkDir(opts.Directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != opts.Directory && !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}

		result.FilesWalked++
		if walked := float64(result.FilesWalked); walked >= 0.9*estimatedTotal {
			rebased := walked / 0.9
			estimatedTotal += estimateAlpha * (rebased - estimatedTotal)
		}

		fileType := Classify(d.Name())
		if _, ok := opts.TypeFilter[fileType]; !ok {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}

		batch = append(batch, Record{
			Path:         path,
			Size:         info.Size(),
			LastModified: info.ModTime(),
			FileType:     fileType,
		})
		result.FilesMatched++

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
			if ctx.CheckPause() {
				return taskerrors.ErrCancelled
			}
			fraction := float64(result.FilesMatched) / estimatedTotal
			if fraction > 0.99 {
				fraction = 0.99
			}
			ctx.ReportProgress(fraction*100, "Scanning: "+opts.Directory)
		}
		return nil
	})

	if errors.Is(walkErr, taskerrors.ErrCancelled) {
		return result, taskerrors.ErrCancelled
	}
	if walkErr != nil {
		return result, walkErr
	}

	if err := flush(); err != nil {
		return result, err
	}
	ctx.ReportProgress(100, "Scan complete")
	return result, nil
}
