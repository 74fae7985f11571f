// Package taskerrors defines the closed error taxonomy shared across the
// task queue core. Callers classify failures with errors.Is against the
// sentinels below rather than matching on message text.
package taskerrors

import "errors"

var (
	// ErrNotFound means a task id or file id referenced by an operation
	// does not exist in the store.
	ErrNotFound = errors.New("taskqueue: not found")

	// ErrInvalidTransition means a write was attempted against a task
	// row that has already reached an absorbing (terminal) status.
	ErrInvalidTransition = errors.New("taskqueue: invalid transition on terminal task")

	// ErrInvalidPayload means an executor could not parse its payload.
	ErrInvalidPayload = errors.New("taskqueue: invalid payload")

	// ErrExecutorMissing means this node has no executor registered for
	// the task's type. Dispatch is a no-op; the row stays pending for
	// another node to claim.
	ErrExecutorMissing = errors.New("taskqueue: no executor registered for task type")

	// ErrCancelled is the sentinel returned by an executor when
	// check_pause reports cancellation. The queue maps it to the
	// cancelled terminal state rather than failed.
	ErrCancelled = errors.New("taskqueue: cancelled")

	// ErrStoreFailure means the persistent store was unavailable for a
	// write. The engine logs and keeps going in memory.
	ErrStoreFailure = errors.New("taskqueue: store failure")

	// ErrIOFailure wraps filesystem errors surfaced by scan/hash/rename
	// executors.
	ErrIOFailure = errors.New("taskqueue: io failure")
)
