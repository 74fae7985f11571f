// Package taskctx is the live control block a dispatched execution sees:
// cooperative pause/cancel signaling plus progress reporting routed
// through the estimator. It generalizes a single
// activeDownloadInfo{Cancel context.CancelFunc} into a full
// pause/resume/cancel broadcast contract.
package taskctx

import (
	"context"
	"sync"
	"sync/atomic"
)

// Command is one of the three signals the queue broadcasts to a running
// task's context (and every duplicate of it).
type Command int

const (
	CommandPause Command = iota
	CommandResume
	CommandCancel
)

// ProgressReporter receives a fraction-complete report for a task and
// decides, per the estimator's update-gating policy, whether to emit a
// status update. Implemented by internal/estimator.Estimator; declared
// here (rather than imported from there) to keep taskctx free of a
// dependency on C3's internals.
type ProgressReporter interface {
	Report(taskID string, fraction float64, message string)
}

// broadcaster fans pause/resume/cancel commands out to every active
// subscription. Each Context (and every clone produced by Duplicate)
// holds its own subscription so no clone ever misses a command.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Command]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Command]struct{})}
}

func (b *broadcaster) subscribe() chan Command {
	ch := make(chan Command, 8)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) unsubscribe(ch chan Command) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *broadcaster) publish(cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- cmd:
		default:
			// Subscriber's buffer is full; it has not drained a prior
			// command yet. Cancel and the eventual resume still land
			// because CheckPause re-reads the shared flags first.
		}
	}
}

// Handle is the queue-owned live control block for one locally-running
// task. Contexts hold non-owning references to its flags and a
// subscription to its command channel.
type Handle struct {
	TaskID   string
	TaskType string

	isPaused    atomic.Bool
	isCancelled atomic.Bool

	bus        *broadcaster
	cancelFunc context.CancelFunc
}

// NewHandle creates the control block for a freshly dispatched task.
// parent is typically context.Background(); the returned Handle derives
// a cancelable context released when Cancel is called.
func NewHandle(parent context.Context, taskID, taskType string) (*Handle, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		TaskID:     taskID,
		TaskType:   taskType,
		bus:        newBroadcaster(),
		cancelFunc: cancel,
	}, ctx
}

// Pause marks the task paused and broadcasts Pause to every subscriber.
func (h *Handle) Pause() {
	h.isPaused.Store(true)
	h.bus.publish(CommandPause)
}

// Resume clears the paused flag and broadcasts Resume.
func (h *Handle) Resume() {
	h.isPaused.Store(false)
	h.bus.publish(CommandResume)
}

// Cancel marks the task cancelled, broadcasts Cancel, and releases the
// handle's derived context.
func (h *Handle) Cancel() {
	h.isCancelled.Store(true)
	h.bus.publish(CommandCancel)
	h.cancelFunc()
}

// IsPaused reports the current paused flag.
func (h *Handle) IsPaused() bool { return h.isPaused.Load() }

// IsCancelled reports the current cancelled flag.
func (h *Handle) IsCancelled() bool { return h.isCancelled.Load() }

// NewContext builds the root Context an executor receives for this
// handle, wired to reporter for progress routing.
func (h *Handle) NewContext(ctx context.Context, reporter ProgressReporter) *Context {
	return &Context{
		ctx:      ctx,
		handle:   h,
		sub:      h.bus.subscribe(),
		reporter: reporter,
	}
}

// Context is what an executor actually calls. It is cheap to Duplicate
// for parallel sub-work that must honor the same pause/cancel signals.
type Context struct {
	ctx      context.Context
	handle   *Handle
	sub      chan Command
	reporter ProgressReporter
}

// TaskID returns the owning task's id.
func (c *Context) TaskID() string { return c.handle.TaskID }

// TaskType returns the owning task's type tag.
func (c *Context) TaskType() string { return c.handle.TaskType }

// Done returns the derived context, cancelled when the task is cancelled.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// ReportProgress routes fraction (0-100) and an optional message through
// the estimator. Emissions are the estimator's concern: this call never
// blocks and never fails the caller.
func (c *Context) ReportProgress(fraction float64, message string) {
	if c.reporter == nil {
		return
	}
	c.reporter.Report(c.handle.TaskID, fraction, message)
}

// CheckPause is the cooperative suspension point executors must call
// at least once per outer iteration. It implements a three-step
// contract: report cancellation first, then block while paused
// re-checking both flags, then report cancellation once more on wake.
func (c *Context) CheckPause() bool {
	if c.handle.IsCancelled() {
		return true
	}
	if !c.handle.IsPaused() {
		return false
	}
	for cmd := range c.sub {
		switch cmd {
		case CommandCancel:
			c.handle.isCancelled.Store(true)
			return true
		case CommandResume, CommandPause:
			if c.handle.IsCancelled() {
				return true
			}
			if !c.handle.IsPaused() {
				return false
			}
		}
	}
	return true
}

// Duplicate returns an independent Context for parallel sub-work. The
// clone subscribes separately to the command bus so neither the
// original nor the clone can miss a pause/resume/cancel.
func (c *Context) Duplicate() *Context {
	return &Context{
		ctx:      c.ctx,
		handle:   c.handle,
		sub:      c.handle.bus.subscribe(),
		reporter: c.reporter,
	}
}

// Close releases this context's subscription. Callers that Duplicate
// short-lived sub-contexts should Close them when done to free the
// broadcaster's subscriber set; the root context returned by NewContext
// is closed by the queue when the execution ends.
func (c *Context) Close() {
	c.handle.bus.unsubscribe(c.sub)
}
