// Package taskqueue is the engine that submits, dispatches, and drives
// tasks to completion: concurrency-capped dispatch, status transitions,
// execution history, and stats. Its dispatch loop follows a
// queueWorker shape (concurrency snapshot under a lock, goroutine
// spawn with panic recovery, decrement-and-redispatch on completion)
// paired with a candidate-scan-then-claim pattern, generalized from
// a single hardcoded task type to the full task-type registry.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kmkrofficial/taskqueue-core/internal/broadcaster"
	"github.com/kmkrofficial/taskqueue-core/internal/estimator"
	"github.com/kmkrofficial/taskqueue-core/internal/executor"
	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
	"github.com/kmkrofficial/taskqueue-core/internal/taskstore"
)

// cancellationMarker is the substring an executor error's text carries
// to indicate the failure is actually a cooperative cancellation.
const cancellationMarker = "cancelled"

// maxExecutionHistory bounds the in-memory ExecutionRecord list; the
// oldest entries are evicted once this many have accumulated.
const maxExecutionHistory = 2000

// ExecutionRecord is produced by every dispatched execution.
type ExecutionRecord struct {
	TaskID      string
	TaskType    string
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt *time.Time
	Success     *bool
	Error       string
}

// Stats is the output of GetStats.
type Stats struct {
	QueueDepth            int
	CountsByTerminalStatus map[string]int
	CountsByType          map[string]int
	SuccessRateByType     map[string]float64
	AverageQueueWait      time.Duration
	AverageExecutionTime  time.Duration
	ThroughputPerMinute   float64
	ActiveCount           int
	MaxConcurrent         int
	ResourceUtilization   float64
}

// Config bundles the engine's environment-driven tunables.
type Config struct {
	MaxConcurrent int
	NodeID        string
}

// Queue is the task queue engine. It owns the concurrency cap, the live
// handle map, the execution history, and wires every dispatched
// execution to a taskctx.Context fed by an estimator.Estimator.
type Queue struct {
	store     *taskstore.Store
	executors *executor.Registry
	bus       *broadcaster.Broadcaster
	estimator *estimator.Estimator
	logger    *slog.Logger

	nodeID        string
	maxConcurrent int

	mu     sync.Mutex
	active int

	handles sync.Map // taskID -> *taskctx.Handle

	startedAt      time.Time
	processedCount atomic.Uint64

	histMu  sync.Mutex
	history []ExecutionRecord
}

// New builds a Queue. estCfg configures the embedded estimator; the
// Queue itself implements estimator.Sink so progress updates flow back
// through OnProgress.
func New(cfg Config, store *taskstore.Store, executors *executor.Registry, bus *broadcaster.Broadcaster, estCfg estimator.Config, logger *slog.Logger) *Queue {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		store:         store,
		executors:     executors,
		bus:           bus,
		logger:        logger,
		nodeID:        nodeID,
		maxConcurrent: cfg.MaxConcurrent,
		startedAt:     time.Now(),
	}
	q.estimator = estimator.New(estCfg, q)
	return q
}

// NodeID returns this queue's node identifier, advertised to the
// coordinator as the owning node for claimed rows.
func (q *Queue) NodeID() string { return q.nodeID }

// Submit persists a new pending row and attempts dispatch immediately.
func (q *Queue) Submit(taskType, description, payload string) (string, error) {
	task := &taskstore.Task{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		Description: description,
		Payload:     payload,
	}
	if err := q.store.Insert(task); err != nil {
		return "", err
	}
	q.logger.Info("task submitted", "task_id", task.ID, "task_type", taskType)
	q.tryDispatch()
	return task.ID, nil
}

// tryDispatch claims and launches as many pending tasks as current
// capacity allows. It is the scheduler tick invoked after Submit, after
// Resume, and after every execution completes.
func (q *Queue) tryDispatch() {
	for {
		q.mu.Lock()
		if q.active >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		q.active++
		q.mu.Unlock()

		caps := q.executors.Capabilities()
		task, err := q.store.ClaimPending(q.nodeID, caps)
		if err != nil {
			q.logger.Error("claim_pending failed", "error", err)
			q.releaseSlot()
			return
		}
		if task == nil {
			q.releaseSlot()
			return
		}

		go q.run(task)
	}
}

func (q *Queue) releaseSlot() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
}

// run executes one claimed task end to end: tracking, draining progress,
// terminal transition, history, and a redispatch tick on completion.
func (q *Queue) run(task *taskstore.Task) {
	record := ExecutionRecord{
		TaskID:    task.ID,
		TaskType:  task.TaskType,
		QueuedAt:  task.CreatedAt,
		StartedAt: time.Now(),
	}

	handle, goCtx := taskctx.NewHandle(context.Background(), task.ID, task.TaskType)
	q.handles.Store(task.ID, handle)
	taskContext := handle.NewContext(goCtx, q.estimator)
	defer func() {
		taskContext.Close()
		q.handles.Delete(task.ID)
	}()

	q.estimator.StartTask(task.ID, task.TaskType, estimator.StartOptions{
		TotalItems: deriveTotalItems(task.Payload),
	})

	result, execErr := q.safeExecute(task, taskContext)

	completedAt := time.Now()
	duration := completedAt.Sub(record.StartedAt).Seconds()
	record.CompletedAt = &completedAt

	success := execErr == nil
	record.Success = &success

	var terminalStatus string
	var resultPtr *string
	var errPtr *string

	switch {
	case execErr == nil:
		terminalStatus = taskstore.StatusCompleted
		if result.Payload != "" {
			resultPtr = &result.Payload
		}
	case errors.Is(execErr, taskerrors.ErrCancelled) || strings.Contains(strings.ToLower(execErr.Error()), cancellationMarker):
		terminalStatus = taskstore.StatusCancelled
		msg := execErr.Error()
		errPtr = &msg
	default:
		terminalStatus = taskstore.StatusFailed
		msg := execErr.Error()
		errPtr = &msg
		record.Error = msg
	}

	if err := q.store.Finalize(task.ID, terminalStatus, duration, resultPtr, errPtr); err != nil {
		// Store-update errors during transition are logged and do not
		// roll back in-memory terminal state.
		q.logger.Error("finalize failed", "task_id", task.ID, "error", err)
	}

	q.estimator.FinishTask(task.ID, success, time.Since(record.StartedAt))
	q.processedCount.Add(1)
	q.appendHistory(record)

	q.bus.Publish(broadcaster.Message{
		TaskID:   task.ID,
		TaskType: task.TaskType,
		Progress: progressFor(terminalStatus),
		Message:  terminalStatus,
	})

	q.releaseSlot()
	q.tryDispatch()
}

func progressFor(terminalStatus string) float64 {
	if terminalStatus == taskstore.StatusCompleted {
		return 100
	}
	return 0
}

// safeExecute runs the executor with panic recovery: a panicking
// executor becomes a failed task, never a crashed queue.
func (q *Queue) safeExecute(task *taskstore.Task, ctx *taskctx.Context) (result executor.Result, err error) {
	impl, ok := q.executors.Lookup(task.TaskType)
	if !ok {
		// Defensive only: tryDispatch claims exclusively from this
		// registry's advertised capabilities, so this should be
		// unreachable in practice.
		return executor.Result{}, fmt.Errorf("%w: %s", taskerrors.ErrExecutorMissing, task.TaskType)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return impl.Execute(ctx, task.Payload)
}

func (q *Queue) appendHistory(record ExecutionRecord) {
	q.histMu.Lock()
	defer q.histMu.Unlock()
	q.history = append(q.history, record)
	if len(q.history) > maxExecutionHistory {
		q.history = q.history[len(q.history)-maxExecutionHistory:]
	}
}

// ListExecutionHistory returns a page of the most recent execution
// records, newest first.
func (q *Queue) ListExecutionHistory(limit, offset int) []ExecutionRecord {
	q.histMu.Lock()
	defer q.histMu.Unlock()

	n := len(q.history)
	out := make([]ExecutionRecord, 0, limit)
	for i := n - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.history[i])
	}
	return out
}

// PruneExecutionHistory removes history entries completed before cutoff.
func (q *Queue) PruneExecutionHistory(cutoff time.Time) int {
	q.histMu.Lock()
	defer q.histMu.Unlock()

	kept := q.history[:0]
	pruned := 0
	for _, rec := range q.history {
		if rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	q.history = kept
	return pruned
}

// Pause transitions a task to paused and, if it is running locally,
// signals its handle.
func (q *Queue) Pause(id string) error {
	task, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if taskstore.IsTerminal(task.Status) {
		return taskerrors.ErrInvalidTransition
	}
	if err := q.store.UpdateLive(id, taskstore.StatusPaused, task.Progress, nil, nil, nil); err != nil {
		return err
	}
	if v, ok := q.handles.Load(id); ok {
		v.(*taskctx.Handle).Pause()
	}
	q.bus.Publish(broadcaster.Message{TaskID: id, TaskType: task.TaskType, Progress: task.Progress, Message: taskstore.StatusPaused})
	return nil
}

// Resume transitions a paused task back to pending so dispatch can
// reclaim it, and clears the local handle's paused flag if present.
func (q *Queue) Resume(id string) error {
	task, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if task.Status != taskstore.StatusPaused {
		return taskerrors.ErrInvalidTransition
	}
	if err := q.store.UpdateLive(id, taskstore.StatusPending, task.Progress, nil, nil, nil); err != nil {
		return err
	}
	if v, ok := q.handles.Load(id); ok {
		v.(*taskctx.Handle).Resume()
	}
	q.bus.Publish(broadcaster.Message{TaskID: id, TaskType: task.TaskType, Progress: task.Progress, Message: taskstore.StatusPending})
	q.tryDispatch()
	return nil
}

// Cancel writes the cancelled terminal state directly to the store and,
// if the task is running locally, signals its handle too. This is
// unconditional: cancellation does not wait for a locally-running
// executor to notice.
func (q *Queue) Cancel(id string) error {
	task, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if taskstore.IsTerminal(task.Status) {
		return taskerrors.ErrInvalidTransition
	}

	duration := 0.0
	if task.StartedAt != nil {
		duration = time.Since(*task.StartedAt).Seconds()
	}
	if err := q.store.Finalize(id, taskstore.StatusCancelled, duration, nil, nil); err != nil {
		return err
	}
	if v, ok := q.handles.Load(id); ok {
		v.(*taskctx.Handle).Cancel()
	}
	q.bus.Publish(broadcaster.Message{TaskID: id, TaskType: task.TaskType, Message: taskstore.StatusCancelled})
	return nil
}

// GetStatus reads a task's current row.
func (q *Queue) GetStatus(id string) (*taskstore.Task, error) {
	return q.store.Get(id)
}

// ListTasks returns up to limit recent rows, optionally filtered by status.
func (q *Queue) ListTasks(limit int, status string) ([]taskstore.Task, error) {
	return q.store.ListRecent(limit, status)
}

// ActiveCount returns the number of executions currently in flight on
// this node.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// GetStats composes the queue-depth/per-type/performance summary.
func (q *Queue) GetStats() (Stats, error) {
	all, err := q.store.ListRecent(0, "")
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		CountsByTerminalStatus: make(map[string]int),
		CountsByType:           make(map[string]int),
		SuccessRateByType:      make(map[string]float64),
		MaxConcurrent:          q.maxConcurrent,
	}

	successByType := make(map[string]int)
	totalByType := make(map[string]int)

	for _, t := range all {
		stats.CountsByType[t.TaskType]++
		totalByType[t.TaskType]++
		switch t.Status {
		case taskstore.StatusPending, taskstore.StatusRunning, taskstore.StatusPaused:
			stats.QueueDepth++
		case taskstore.StatusCompleted:
			stats.CountsByTerminalStatus[t.Status]++
			successByType[t.TaskType]++
		case taskstore.StatusFailed, taskstore.StatusCancelled:
			stats.CountsByTerminalStatus[t.Status]++
		}
	}
	for taskType, total := range totalByType {
		if total > 0 {
			stats.SuccessRateByType[taskType] = float64(successByType[taskType]) / float64(total)
		}
	}

	stats.ActiveCount = q.ActiveCount()
	if q.maxConcurrent > 0 {
		stats.ResourceUtilization = float64(stats.ActiveCount) / float64(q.maxConcurrent)
	}

	var queueWaitTotal, execTotal time.Duration
	var sampleCount int
	q.histMu.Lock()
	for _, rec := range q.history {
		queueWaitTotal += rec.StartedAt.Sub(rec.QueuedAt)
		if rec.CompletedAt != nil {
			execTotal += rec.CompletedAt.Sub(rec.StartedAt)
		}
		sampleCount++
	}
	q.histMu.Unlock()
	if sampleCount > 0 {
		stats.AverageQueueWait = queueWaitTotal / time.Duration(sampleCount)
		stats.AverageExecutionTime = execTotal / time.Duration(sampleCount)
	}

	uptimeMinutes := time.Since(q.startedAt).Minutes()
	if uptimeMinutes > 0 {
		stats.ThroughputPerMinute = float64(q.processedCount.Load()) / uptimeMinutes
	}

	return stats, nil
}

// OnProgress implements estimator.Sink: it writes the gated update
// through to the store and fans it to the broadcaster.
func (q *Queue) OnProgress(update estimator.Update) {
	message := update.Message
	if err := q.store.UpdateLive(update.TaskID, taskstore.StatusRunning, update.Overall, &message, nil, nil); err != nil {
		q.logger.Warn("progress write-through failed", "task_id", update.TaskID, "error", err)
	}
	q.bus.Publish(broadcaster.Message{
		TaskID:   update.TaskID,
		TaskType: update.TaskType,
		Progress: update.Overall,
		Message:  update.Message,
	})
}

// deriveTotalItems best-effort extracts a total-item count from a JSON
// payload's file_ids array length, when derivable. Returns 0 (unknown
// total) otherwise.
func deriveTotalItems(payload string) int64 {
	type fileIDsPayload struct {
		FileIDs []string `json:"file_ids"`
	}
	var p fileIDsPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return 0
	}
	return int64(len(p.FileIDs))
}
