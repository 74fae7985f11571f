// Package executors wires the concrete task-type bodies into an
// executor.Registry: scan, hash, rename, and cleanup carry full bodies;
// RegisterUnimplementedStubs can additionally bind scrape, batch_move
// and batch_copy to stub bodies that immediately return InvalidPayload;
// neither cmd/taskmaster nor cmd/taskworker calls it.
package executors

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kmkrofficial/taskqueue-core/internal/dirscan"
	"github.com/kmkrofficial/taskqueue-core/internal/executor"
	"github.com/kmkrofficial/taskqueue-core/internal/filedb"
	"github.com/kmkrofficial/taskqueue-core/internal/hashpipe"
	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
	"github.com/kmkrofficial/taskqueue-core/internal/taskstore"
)

// scanPayload is the recognized payload shape for the scan executor.
type scanPayload struct {
	Directory string   `json:"directory"`
	Recursive *bool    `json:"recursive"`
	FileTypes []string `json:"file_types"`
}

// hashPayload is the recognized payload shape for the hash executor.
type hashPayload struct {
	FileID string `json:"file_id"`
}

// renamePayload is the recognized payload shape for the rename
// executor: a list of [file_id, new_name] pairs.
type renamePayload struct {
	RenameItems [][2]string `json:"rename_items"`
}

// cleanupPayload is this core's one supplemental maintenance shape: a
// retention window in hours, defaulting to the configured history
// retention when absent.
type cleanupPayload struct {
	RetentionHours *int `json:"retention_hours"`
}

// RegisterScan binds the scan executor, backed by scanner against files.
func RegisterScan(reg *executor.Registry, scanner *dirscan.Scanner) {
	reg.Register(taskstore.TaskTypeScan, executor.ExecutorFunc(func(ctx *taskctx.Context, payload string) (executor.Result, error) {
		var p scanPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Directory == "" {
			return executor.Result{}, fmt.Errorf("%w: directory is required", taskerrors.ErrInvalidPayload)
		}

		recursive := true
		if p.Recursive != nil {
			recursive = *p.Recursive
		}

		filter := dirscan.DefaultTypeFilter()
		if len(p.FileTypes) > 0 {
			filter = make(map[dirscan.FileType]struct{}, len(p.FileTypes))
			for _, ft := range p.FileTypes {
				filter[dirscan.FileType(ft)] = struct{}{}
			}
		}

		result, err := scanner.Scan(ctx, dirscan.Options{
			Directory:  p.Directory,
			Recursive:  recursive,
			TypeFilter: filter,
		})
		if err != nil {
			if errors.Is(err, taskerrors.ErrCancelled) {
				return executor.Result{}, taskerrors.ErrCancelled
			}
			return executor.Result{}, fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, err)
		}

		resultJSON, _ := json.Marshal(map[string]int{"files_matched": result.FilesMatched, "files_walked": result.FilesWalked})
		return executor.Result{Payload: string(resultJSON)}, nil
	}))
}

// RegisterHash binds the hash executor, backed by pipe against files.
func RegisterHash(reg *executor.Registry, pipe *hashpipe.Pipeline) {
	reg.Register(taskstore.TaskTypeHash, executor.ExecutorFunc(func(ctx *taskctx.Context, payload string) (executor.Result, error) {
		var p hashPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil || p.FileID == "" {
			return executor.Result{}, fmt.Errorf("%w: file_id is required", taskerrors.ErrInvalidPayload)
		}

		if err := pipe.HashFile(ctx, p.FileID); err != nil {
			return executor.Result{}, err
		}
		return executor.Result{Payload: p.FileID}, nil
	}))
}

// RegisterRename binds the rename executor: per-item checkpointed
// renames against the file registry and the filesystem, checking
// check_pause between items so a pause/cancel lands within one rename.
func RegisterRename(reg *executor.Registry, files *filedb.Registry) {
	reg.Register(taskstore.TaskTypeRename, executor.ExecutorFunc(func(ctx *taskctx.Context, payload string) (executor.Result, error) {
		var p renamePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil || len(p.RenameItems) == 0 {
			return executor.Result{}, fmt.Errorf("%w: rename_items is required", taskerrors.ErrInvalidPayload)
		}

		renamed := 0
		for _, item := range p.RenameItems {
			if ctx.CheckPause() {
				return executor.Result{}, taskerrors.ErrCancelled
			}

			fileID, newName := item[0], item[1]
			f, err := files.ByID(fileID)
			if err != nil {
				return executor.Result{}, err
			}

			newPath := filepath.Join(filepath.Dir(f.Path), newName)
			if err := os.Rename(f.Path, newPath); err != nil {
				return executor.Result{}, fmt.Errorf("%w: %v", taskerrors.ErrIOFailure, err)
			}
			if err := files.Rename(fileID, newPath); err != nil {
				return executor.Result{}, err
			}

			renamed++
			ctx.ReportProgress(float64(renamed)/float64(len(p.RenameItems))*100, "Renaming: "+newName)
		}

		resultJSON, _ := json.Marshal(map[string]int{"renamed": renamed})
		return executor.Result{Payload: string(resultJSON)}, nil
	}))
}

// RegisterCleanup binds the cleanup executor: purges terminal task rows
// older than the retention window.
func RegisterCleanup(reg *executor.Registry, store *taskstore.Store, defaultRetention time.Duration) {
	reg.Register(taskstore.TaskTypeCleanup, executor.ExecutorFunc(func(ctx *taskctx.Context, payload string) (executor.Result, error) {
		retention := defaultRetention
		var p cleanupPayload
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &p); err == nil && p.RetentionHours != nil {
				retention = time.Duration(*p.RetentionHours) * time.Hour
			}
		}

		if ctx.CheckPause() {
			return executor.Result{}, taskerrors.ErrCancelled
		}

		removed, err := store.PurgeTerminalOlderThan(time.Now().Add(-retention))
		if err != nil {
			return executor.Result{}, err
		}

		resultJSON, _ := json.Marshal(map[string]int64{"purged": removed})
		ctx.ReportProgress(100, "Cleanup complete")
		return executor.Result{Payload: string(resultJSON)}, nil
	}))
}

// RegisterUnimplementedStubs registers scrape, batch_move and
// batch_copy as recognized payload shapes with no real body: calling
// Execute always yields InvalidPayload. A node that registers them
// advertises these types, so it claims such rows and fails them instead
// of leaving them pending for ExecutorMissing to apply.
func RegisterUnimplementedStubs(reg *executor.Registry) {
	stub := executor.ExecutorFunc(func(ctx *taskctx.Context, payload string) (executor.Result, error) {
		return executor.Result{}, fmt.Errorf("%w: executor body not implemented in this core", taskerrors.ErrInvalidPayload)
	})
	reg.Register(taskstore.TaskTypeScrape, stub)
	reg.Register(taskstore.TaskTypeBatchMove, stub)
	reg.Register(taskstore.TaskTypeBatchCopy, stub)
}
