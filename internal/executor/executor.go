// Package executor is the static-after-startup mapping from task-type
// tag to the object that runs it. Generalized from a single engine
// wired to concrete, swappable collaborators (allocator, verifier,
// organizer) into an explicit registry so each task type's logic is
// independently testable.
package executor

import (
	"sync"

	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
)

// Result is what Execute returns on success: an optional opaque result
// string persisted to the task's result column.
type Result struct {
	Payload string
}

// Executor is any object that can run a task's payload. Execute must
// call ctx.CheckPause() at least once per outer iteration and return
// taskerrors.ErrCancelled (or an error wrapping it) when CheckPause
// reports cancellation.
type Executor interface {
	Execute(ctx *taskctx.Context, payload string) (Result, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx *taskctx.Context, payload string) (Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx *taskctx.Context, payload string) (Result, error) {
	return f(ctx, payload)
}

// Registry maps task-type tags to executors. A missing entry means this
// node does not run that type; dispatch is a no-op and the row stays
// pending for another worker (intentional in a distributed setup).
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds taskType to e. Registration is expected to happen at
// startup, before any dispatch; callers that register after tasks are
// already running will race queue lookups but Register itself is safe
// for concurrent use.
func (r *Registry) Register(taskType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[taskType] = e
}

// Lookup returns the executor bound to taskType, if any.
func (r *Registry) Lookup(taskType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[taskType]
	return e, ok
}

// Capabilities returns the task types this registry has executors for,
// the set advertised to the coordinator on worker registration.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]string, 0, len(r.executors))
	for taskType := range r.executors {
		caps = append(caps, taskType)
	}
	return caps
}
