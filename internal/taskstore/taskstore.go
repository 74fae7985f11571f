// Package taskstore is the durable record of every task: its status,
// payload, result, progress, and owning node. It is the single source
// of truth the queue engine (internal/taskqueue) reconciles in-memory
// state against, and the only package permitted to write task rows.
package taskstore

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
)

// Task types forming the closed set of built-in executors. Anything
// else is treated as an open custom(name) variant and stored verbatim.
const (
	TaskTypeScan      = "scan"
	TaskTypeHash      = "hash"
	TaskTypeScrape    = "scrape"
	TaskTypeRename    = "rename"
	TaskTypeBatchMove = "batch_move"
	TaskTypeBatchCopy = "batch_copy"
	TaskTypeCleanup   = "cleanup"
)

// Status values. Completed, Failed and Cancelled are absorbing: once a
// row reaches one of them no further field mutates save purge.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether status is one of the absorbing states.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// IsLive reports whether status is dispatchable (pending, running or paused).
func IsLive(status string) bool {
	return status == StatusPending || status == StatusRunning || status == StatusPaused
}

// Task is the persisted row for one unit of work.
type Task struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	TaskType     string     `gorm:"column:task_type;index" json:"task_type"`
	Status       string     `gorm:"column:status;index" json:"status"`
	Description  string     `gorm:"column:description" json:"description,omitempty"`
	Payload      string     `gorm:"column:payload" json:"payload,omitempty"`
	Result       string     `gorm:"column:result" json:"result,omitempty"`
	Progress     float64    `gorm:"column:progress" json:"progress"`
	NodeID       string     `gorm:"column:node_id;index" json:"node_id,omitempty"`
	Error        string     `gorm:"column:error" json:"error,omitempty"`
	DurationSecs float64    `gorm:"column:duration_secs" json:"duration_secs,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at" json:"updated_at"`
	StartedAt    *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

// TableName is explicit snake_case rather than GORM's pluralization guess.
func (Task) TableName() string {
	return "tasks"
}

// Store wraps a GORM handle scoped to the tasks table.
type Store struct {
	db *gorm.DB
}

// Open follows db_test.go's AutoMigrate-on-open pattern, generalized from
// a hand-built *Storage to the single Task model this core persists.
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Task{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Insert atomically appends a pending row.
func (s *Store) Insert(task *Task) error {
	now := time.Now().UTC()
	task.Status = StatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := s.db.Create(task).Error; err != nil {
		return errors.Join(taskerrors.ErrStoreFailure, err)
	}
	return nil
}

// ClaimPending atomically selects the oldest pending row whose type is
// in capabilities, flips it to running, and stamps node_id/started_at.
// Implemented as a SELECT of the oldest candidate followed by an UPDATE
// guarded by status = pending, both in one transaction, so the
// compare-and-set is atomic: no two callers can ever claim the same row.
func (s *Store) ClaimPending(nodeID string, capabilities []string) (*Task, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	var claimed *Task
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var candidate Task
		err := tx.
			Where("status = ? AND task_type IN ?", StatusPending, capabilities).
			Order("created_at ASC").
			Limit(1).
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&Task{}).
			Where("id = ? AND status = ?", candidate.ID, StatusPending).
			Updates(map[string]any{
				"status":     StatusRunning,
				"node_id":    nodeID,
				"started_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another claimant between SELECT and UPDATE.
			return nil
		}

		candidate.Status = StatusRunning
		candidate.NodeID = nodeID
		candidate.StartedAt = &now
		candidate.UpdatedAt = now
		claimed = &candidate
		return nil
	})
	if err != nil {
		return nil, errors.Join(taskerrors.ErrStoreFailure, err)
	}
	return claimed, nil
}

// UpdateLive is the write-through path for transitions within or into a
// non-terminal status. Rejects writes to absorbing rows.
func (s *Store) UpdateLive(id, status string, progress float64, message, result, taskErr *string) error {
	var existing Task
	if err := s.db.First(&existing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskerrors.ErrNotFound
		}
		return errors.Join(taskerrors.ErrStoreFailure, err)
	}
	if IsTerminal(existing.Status) {
		return taskerrors.ErrInvalidTransition
	}

	updates := map[string]any{
		"status":     status,
		"progress":   progress,
		"updated_at": time.Now().UTC(),
	}
	if message != nil {
		updates["description"] = *message
	}
	if result != nil {
		updates["result"] = *result
	}
	if taskErr != nil {
		updates["error"] = *taskErr
	}

	res := s.db.Model(&Task{}).Where("id = ? AND status NOT IN ?",
		id, []string{StatusCompleted, StatusFailed, StatusCancelled}).Updates(updates)
	if res.Error != nil {
		return errors.Join(taskerrors.ErrStoreFailure, res.Error)
	}
	if res.RowsAffected == 0 {
		return taskerrors.ErrInvalidTransition
	}
	return nil
}

// Finalize enters a terminal state and sets finished_at.
func (s *Store) Finalize(id, terminalStatus string, durationSecs float64, result, taskErr *string) error {
	var existing Task
	if err := s.db.First(&existing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskerrors.ErrNotFound
		}
		return errors.Join(taskerrors.ErrStoreFailure, err)
	}
	if IsTerminal(existing.Status) {
		return taskerrors.ErrInvalidTransition
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":        terminalStatus,
		"duration_secs": durationSecs,
		"finished_at":   now,
		"updated_at":    now,
	}
	if terminalStatus == StatusCompleted {
		updates["progress"] = float64(100)
	}
	if result != nil {
		updates["result"] = *result
	}
	if taskErr != nil {
		updates["error"] = *taskErr
	}

	res := s.db.Model(&Task{}).Where("id = ? AND status NOT IN ?",
		id, []string{StatusCompleted, StatusFailed, StatusCancelled}).Updates(updates)
	if res.Error != nil {
		return errors.Join(taskerrors.ErrStoreFailure, res.Error)
	}
	if res.RowsAffected == 0 {
		return taskerrors.ErrInvalidTransition
	}
	return nil
}

// Get returns the task row by id.
func (s *Store) Get(id string) (*Task, error) {
	var task Task
	if err := s.db.First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, taskerrors.ErrNotFound
		}
		return nil, errors.Join(taskerrors.ErrStoreFailure, err)
	}
	return &task, nil
}

// ListRecent returns up to limit rows ordered newest-first, optionally
// filtered by status.
func (s *Store) ListRecent(limit int, status string) ([]Task, error) {
	var tasks []Task
	q := s.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, errors.Join(taskerrors.ErrStoreFailure, err)
	}
	return tasks, nil
}

// PurgeTerminal removes every row in a terminal status.
func (s *Store) PurgeTerminal() (int64, error) {
	res := s.db.Unscoped().Where("status IN ?",
		[]string{StatusCompleted, StatusFailed, StatusCancelled}).Delete(&Task{})
	if res.Error != nil {
		return 0, errors.Join(taskerrors.ErrStoreFailure, res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeTerminalOlderThan removes terminal rows whose finished_at precedes
// cutoff, used by the cleanup executor and C11's maintenance trigger.
func (s *Store) PurgeTerminalOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Unscoped().
		Where("status IN ? AND finished_at < ?",
			[]string{StatusCompleted, StatusFailed, StatusCancelled}, cutoff).
		Delete(&Task{})
	if res.Error != nil {
		return 0, errors.Join(taskerrors.ErrStoreFailure, res.Error)
	}
	return res.RowsAffected, nil
}

// ReclaimOrphans transitions every running row owned by nodeID back to
// pending, used by the coordinator's heartbeat-timeout reaper.
func (s *Store) ReclaimOrphans(nodeID string) (int64, error) {
	now := time.Now().UTC()
	res := s.db.Model(&Task{}).
		Where("status = ? AND node_id = ?", StatusRunning, nodeID).
		Updates(map[string]any{
			"status":     StatusPending,
			"node_id":    "",
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, errors.Join(taskerrors.ErrStoreFailure, res.Error)
	}
	return res.RowsAffected, nil
}
