// Package crontrigger runs cron-spec maintenance-task triggers that
// call submit the same way a REST handler or watcher would, built on
// robfig/cron/v3 and generalized from two fixed start/stop-hour jobs
// into arbitrary named jobs that each submit one task type.
package crontrigger

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Submitter is the narrow slice of internal/taskqueue.Queue the trigger
// needs.
type Submitter interface {
	Submit(taskType, description, payload string) (string, error)
}

// Job is one scheduled submission: at Spec (a standard 5-field cron
// expression), submit a TaskType task with Description/Payload.
type Job struct {
	Name        string
	Spec        string
	TaskType    string
	Description string
	Payload     string
}

// Trigger owns a cron.Cron instance and the entry IDs of every
// registered job, so jobs can be swapped out as configuration changes.
type Trigger struct {
	submitter Submitter
	logger    *slog.Logger
	cron      *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a Trigger that submits through submitter.
func New(submitter Submitter, logger *slog.Logger) *Trigger {
	return &Trigger{
		submitter: submitter,
		logger:    logger,
		cron:      cron.New(),
		entries:   make(map[string]cron.EntryID),
	}
}

// Start begins running scheduled jobs in the background.
func (t *Trigger) Start() { t.cron.Start() }

// Stop halts the scheduler; running job callbacks are allowed to finish.
func (t *Trigger) Stop() { <-t.cron.Stop().Done() }

// AddJob registers or replaces (by Name) a scheduled submission.
func (t *Trigger) AddJob(job Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[job.Name]; ok {
		t.cron.Remove(existing)
		delete(t.entries, job.Name)
	}

	id, err := t.cron.AddFunc(job.Spec, func() {
		taskID, err := t.submitter.Submit(job.TaskType, job.Description, job.Payload)
		if err != nil {
			t.logger.Error("crontrigger: submit failed", "job", job.Name, "error", err)
			return
		}
		t.logger.Info("crontrigger: submitted", "job", job.Name, "task_id", taskID)
	})
	if err != nil {
		return err
	}
	t.entries[job.Name] = id
	return nil
}

// RemoveJob unregisters a previously added job by name.
func (t *Trigger) RemoveJob(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.entries[name]; ok {
		t.cron.Remove(id)
		delete(t.entries, name)
	}
}
