// Package watchtrigger is a filesystem notifier per enabled watch
// folder that debounces bursts of create/modify/other events and
// submits a scan task for the folder's root once things settle, built
// against github.com/fsnotify/fsnotify, the idiomatic Go notification
// library.
package watchtrigger

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Submitter is the narrow slice of internal/taskqueue.Queue the trigger
// needs: enqueue a task without depending on the queue's full API.
type Submitter interface {
	Submit(taskType, description, payload string) (string, error)
}

// Config configures one watched root.
type Config struct {
	Directory      string
	DebounceWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 5 * time.Second
	}
	return c
}

type scanPayload struct {
	Directory string `json:"directory"`
	Recursive bool   `json:"recursive"`
}

// Watcher owns one fsnotify watch on Config.Directory and submits scan
// tasks through a Submitter whenever the folder settles after a burst
// of changes.
type Watcher struct {
	cfg       Config
	submitter Submitter
	logger    *slog.Logger

	fsWatcher *fsnotify.Watcher

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a Watcher for cfg.Directory, recursively adding every
// subdirectory fsnotify needs watched individually.
func New(cfg Config, submitter Submitter, logger *slog.Logger) (*Watcher, error) {
	cfg = cfg.withDefaults()

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addRecursive(fsWatcher, cfg.Directory); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		cfg:       cfg,
		submitter: submitter,
		logger:    logger,
		fsWatcher: fsWatcher,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// Run blocks, debouncing fsnotify events and submitting scan tasks,
// until Close is called.
func (w *Watcher) Run() {
	defer close(w.done)

	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-w.stop:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.logger.Debug("watchtrigger: event", "directory", w.cfg.Directory, "op", event.Op.String(), "name", event.Name)
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.cfg.DebounceWindow)
				debounceC = debounceTimer.C
			} else {
				debounceTimer.Reset(w.cfg.DebounceWindow)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watchtrigger: fsnotify error", "directory", w.cfg.Directory, "error", err)
		case <-debounceC:
			// Drain any events that accumulated while we slept the
			// debounce window.
			w.drainPending()
			debounceTimer = nil
			debounceC = nil
			w.submitScan()
		}
	}
}

func (w *Watcher) drainPending() {
	for {
		select {
		case <-w.fsWatcher.Events:
		default:
			return
		}
	}
}

func (w *Watcher) submitScan() {
	payload, err := json.Marshal(scanPayload{Directory: w.cfg.Directory, Recursive: true})
	if err != nil {
		w.logger.Error("watchtrigger: failed to marshal scan payload", "error", err)
		return
	}

	taskID, err := w.submitter.Submit("scan", "Watch-folder scan: "+w.cfg.Directory, string(payload))
	if err != nil {
		w.logger.Error("watchtrigger: submit failed", "directory", w.cfg.Directory, "error", err)
		return
	}
	w.logger.Info("watchtrigger: submitted scan", "directory", w.cfg.Directory, "task_id", taskID)
}

// Close stops the watcher and releases the underlying fsnotify handle.
// Safe to call once; blocks until Run has returned.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stop:
		// Already closed.
	default:
		close(w.stop)
	}
	<-w.done
	return w.fsWatcher.Close()
}
