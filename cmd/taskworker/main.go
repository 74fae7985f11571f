// Command taskworker connects to a taskmaster's distributed coordinator
// as a pull-mode worker: it advertises the executor types it has
// registered locally, claims dispatched tasks, and runs them against
// its own file registry and hash cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/kmkrofficial/taskqueue-core/internal/appconfig"
	"github.com/kmkrofficial/taskqueue-core/internal/coordinator"
	"github.com/kmkrofficial/taskqueue-core/internal/dirscan"
	"github.com/kmkrofficial/taskqueue-core/internal/executor"
	"github.com/kmkrofficial/taskqueue-core/internal/executors"
	"github.com/kmkrofficial/taskqueue-core/internal/filedb"
	"github.com/kmkrofficial/taskqueue-core/internal/hashcache"
	"github.com/kmkrofficial/taskqueue-core/internal/hashpipe"
	"github.com/kmkrofficial/taskqueue-core/internal/logging"
	"github.com/kmkrofficial/taskqueue-core/internal/taskstore"
)

func dataDir() string {
	if v := os.Getenv("TASKQUEUE_DATA_DIR"); v != "" {
		return v
	}
	appData, err := os.UserConfigDir()
	if err != nil {
		return "./worker-data"
	}
	return filepath.Join(appData, "taskqueue-worker")
}

func capabilities() []string {
	if v := os.Getenv("TASKQUEUE_WORKER_CAPABILITIES"); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return []string{taskstore.TaskTypeScan, taskstore.TaskTypeHash, taskstore.TaskTypeRename}
}

func main() {
	dir := dataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "failed to create data directory:", err)
		os.Exit(1)
	}

	logger, err := logging.New(dir, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}

	cfg := appconfig.FromEnv()

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "files.db")))
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	files, err := filedb.Open(db)
	if err != nil {
		logger.Error("failed to migrate file registry", "error", err)
		os.Exit(1)
	}

	hashCache, err := hashcache.New(cfg.HashCacheCapacity)
	if err != nil {
		logger.Error("failed to build hash cache", "error", err)
		os.Exit(1)
	}

	reg := executor.NewRegistry()
	executors.RegisterScan(reg, dirscan.New(files))
	executors.RegisterHash(reg, hashpipe.New(files, hashCache, cfg.ChunkSizeBytes))
	executors.RegisterRename(reg, files)

	masterURL := os.Getenv("TASKQUEUE_MASTER_URL")
	if masterURL == "" {
		masterURL = "ws://127.0.0.1:8420/v1/coordinator/ws"
	}
	hostname, _ := os.Hostname()

	advertised := capabilities()
	client := coordinator.NewClient(coordinator.ClientConfig{
		MasterURL:    masterURL,
		Hostname:     hostname,
		Capabilities: advertised,
	}, reg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("taskworker: connecting", "master_url", masterURL, "capabilities", advertised)
	client.Run(ctx)
	logger.Info("taskworker: shut down")
}
