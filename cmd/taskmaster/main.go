// Command taskmaster runs the task queue core as a master node: it owns
// the durable store, dispatches locally to whatever executors this node
// registers, and accepts worker connections over the distributed
// coordinator so other nodes can claim work this node does not run
// itself.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/kmkrofficial/taskqueue-core/internal/appconfig"
	"github.com/kmkrofficial/taskqueue-core/internal/broadcaster"
	"github.com/kmkrofficial/taskqueue-core/internal/coordinator"
	"github.com/kmkrofficial/taskqueue-core/internal/crontrigger"
	"github.com/kmkrofficial/taskqueue-core/internal/dirscan"
	"github.com/kmkrofficial/taskqueue-core/internal/estimator"
	"github.com/kmkrofficial/taskqueue-core/internal/executor"
	"github.com/kmkrofficial/taskqueue-core/internal/executors"
	"github.com/kmkrofficial/taskqueue-core/internal/filedb"
	"github.com/kmkrofficial/taskqueue-core/internal/hashcache"
	"github.com/kmkrofficial/taskqueue-core/internal/hashpipe"
	"github.com/kmkrofficial/taskqueue-core/internal/logging"
	"github.com/kmkrofficial/taskqueue-core/internal/taskqueue"
	"github.com/kmkrofficial/taskqueue-core/internal/taskstore"
	"github.com/kmkrofficial/taskqueue-core/internal/watchtrigger"
)

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func dataDir() string {
	if v := os.Getenv("TASKQUEUE_DATA_DIR"); v != "" {
		return v
	}
	appData, err := os.UserConfigDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(appData, "taskqueue-core")
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

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "taskqueue.db")))
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	store, err := taskstore.Open(db)
	if err != nil {
		logger.Error("failed to migrate task store", "error", err)
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
	executors.RegisterCleanup(reg, store, cfg.HistoryRetention)
	// scrape/batch_move/batch_copy are intentionally left unregistered:
	// registering even a failing body would advertise them in this
	// node's capabilities, so tryDispatch would claim and immediately
	// fail rows of those types instead of leaving them pending for a
	// worker that actually implements them.

	bus := broadcaster.New()
	estCfg := estimator.Config{
		MinUpdateInterval:       cfg.MinUpdateInterval,
		MaxUpdateInterval:       cfg.MaxUpdateInterval,
		ProgressChangeThreshold: cfg.ProgressChangeThreshold,
		HistoryRetention:        cfg.HistoryRetention,
	}
	queue := taskqueue.New(taskqueue.Config{MaxConcurrent: cfg.MaxConcurrent}, store, reg, bus, estCfg, logger)

	coordCfg := coordinator.DefaultServerConfig()
	coordServer := coordinator.NewServer(coordCfg, store, logger)

	cron := crontrigger.New(queue, logger)
	if err := cron.AddJob(crontrigger.Job{
		Name:        "nightly-cleanup",
		Spec:        "0 3 * * *",
		TaskType:    taskstore.TaskTypeCleanup,
		Description: "Scheduled terminal-task cleanup",
	}); err != nil {
		logger.Error("failed to register cleanup job", "error", err)
	}
	cron.Start()
	defer cron.Stop()

	var watchers []*watchtrigger.Watcher
	for _, dir := range splitNonEmpty(os.Getenv("TASKQUEUE_WATCH_DIRS"), ",") {
		watcher, err := watchtrigger.New(watchtrigger.Config{Directory: dir}, queue, logger)
		if err != nil {
			logger.Error("taskmaster: failed to watch directory", "directory", dir, "error", err)
			continue
		}
		watchers = append(watchers, watcher)
		go watcher.Run()
	}
	defer func() {
		for _, w := range watchers {
			w.Close()
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(coordCfg.HeartbeatTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				coordServer.ReapTimedOutWorkers()
			}
		}
	}()

	addr := os.Getenv("TASKQUEUE_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8420"
	}
	httpServer := &http.Server{Addr: addr, Handler: coordServer.Router()}

	go func() {
		logger.Info("taskmaster: coordinator listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("taskmaster: http server failed", "error", err)
		}
	}()

	logger.Info("taskmaster: started", "node_id", queue.NodeID(), "data_dir", dir)
	<-ctx.Done()
	logger.Info("taskmaster: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
