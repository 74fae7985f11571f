// Package estimator owns the policy for when and how a task's progress
// becomes visible: update gating, overall-progress composition across
// single- or multi-stage tasks, rate/ETA smoothing, and per-task-type
// historical prediction. The EMA smoothing applies the same
// alpha-weighted exponential moving average classically used to
// smooth round-trip-time samples, applied here to processing rate
// instead.
package estimator

import (
	"sync"
	"time"

	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
)

// historyLearningRate is the EMA weight applied to each completed run
// when updating a task type's PerformanceHistory.
const historyLearningRate = 0.1

// StageConfig names one stage of a multi-stage task and its share of
// overall progress. Weights across a task's stages should sum to 1.0;
// the estimator does not enforce this, it simply uses what it is given.
type StageConfig struct {
	Name   string
	Weight float64
}

// StartOptions configures a task's progress tracking at dispatch time.
type StartOptions struct {
	TotalItems int64         // 0 means unknown total; overall progress then tracks the executor-supplied stage fraction.
	Stages     []StageConfig // empty means single-stage.
}

// ProgressState is the in-memory record the estimator owns per live
// task.
type ProgressState struct {
	TaskID         string
	TaskType       string
	Stage          string
	StageFraction  float64
	Overall        float64
	Processed      int64
	Total          int64
	StartedAt      time.Time
	LastUpdate     time.Time
	CurrentRate    float64
	AverageRate    float64
	EstimatedETA   time.Duration
	ETAKnown       bool
	Metadata       map[string]any

	stages       []StageConfig
	currentStage int
	lastEmitAt   time.Time
	lastOverall  float64
	emittedOnce  bool
	rateSamples  int
}

// PerformanceHistory holds per-task-type EMAs updated on completion.
type PerformanceHistory struct {
	TaskType     string
	AvgDuration  time.Duration
	AvgRate      float64
	SuccessRatio float64
	SampleCount  int64
	LastUpdated  time.Time
}

// Update is what ReportProgress turns into when the gating policy
// decides to actually emit. A consumer (typically the task queue) reads
// these and writes them through to the store / broadcaster.
type Update struct {
	TaskID   string
	TaskType string
	Overall  float64 // 0-100
	Message  string
	ETA      time.Duration
	ETAKnown bool
}

// Sink receives gated updates. internal/taskqueue implements this to
// persist progress and fan it to internal/broadcaster.
type Sink interface {
	OnProgress(Update)
}

// Config is the subset of appconfig.Config the estimator consumes.
type Config struct {
	MinUpdateInterval       time.Duration
	MaxUpdateInterval       time.Duration
	ProgressChangeThreshold float64
	HistoryRetention        time.Duration
}

// Estimator tracks ProgressState per active task and PerformanceHistory
// per task type, and implements taskctx.ProgressReporter so task
// contexts can route report_progress calls through it directly.
type Estimator struct {
	cfg  Config
	sink Sink

	mu      sync.Mutex
	active  map[string]*ProgressState
	history map[string]*PerformanceHistory
}

var _ taskctx.ProgressReporter = (*Estimator)(nil)

// New builds an Estimator that gates emissions per cfg and forwards
// accepted updates to sink.
func New(cfg Config, sink Sink) *Estimator {
	return &Estimator{
		cfg:     cfg,
		sink:    sink,
		active:  make(map[string]*ProgressState),
		history: make(map[string]*PerformanceHistory),
	}
}

// StartTask begins tracking a task. If history has a prior sample for
// taskType, the initial ETA is seeded from its average duration.
func (e *Estimator) StartTask(taskID, taskType string, opts StartOptions) *ProgressState {
	now := time.Now()
	state := &ProgressState{
		TaskID:     taskID,
		TaskType:   taskType,
		Total:      opts.TotalItems,
		StartedAt:  now,
		LastUpdate: now,
		Metadata:   make(map[string]any),
		stages:     opts.Stages,
	}
	if len(opts.Stages) > 0 {
		state.Stage = opts.Stages[0].Name
	}

	e.mu.Lock()
	e.active[taskID] = state
	if hist, ok := e.history[taskType]; ok && hist.AvgDuration > 0 {
		state.EstimatedETA = hist.AvgDuration
		state.ETAKnown = true
	}
	e.mu.Unlock()

	return state
}

// Report implements taskctx.ProgressReporter. fraction is 0-100.
func (e *Estimator) Report(taskID string, fraction float64, message string) {
	e.mu.Lock()
	state, ok := e.active[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}

	state.StageFraction = fraction / 100
	state.Processed++
	overall := e.computeOverall(state)
	state.Overall = overall

	now := time.Now()
	elapsed := now.Sub(state.StartedAt).Seconds()
	if elapsed > 0 {
		state.CurrentRate = float64(state.Processed) / elapsed
		state.rateSamples++
		if state.rateSamples == 1 {
			state.AverageRate = state.CurrentRate
		} else {
			n := float64(state.rateSamples)
			state.AverageRate += (state.CurrentRate - state.AverageRate) / n
		}
	}
	if state.AverageRate > 0 {
		remaining := (1 - overall) / state.AverageRate
		if remaining < 0 {
			remaining = 0
		}
		state.EstimatedETA = time.Duration(remaining * float64(time.Second))
		state.ETAKnown = true
	}

	emit := e.shouldEmit(state, now, overall)
	if emit {
		state.lastEmitAt = now
		state.lastOverall = overall
		state.emittedOnce = true
	}
	state.LastUpdate = now

	eta := state.EstimatedETA
	etaKnown := state.ETAKnown
	taskType := state.TaskType
	e.mu.Unlock()

	if emit && e.sink != nil {
		e.sink.OnProgress(Update{
			TaskID:   taskID,
			TaskType: taskType,
			Overall:  overall * 100,
			Message:  message,
			ETA:      eta,
			ETAKnown: etaKnown,
		})
	}
}

// shouldEmit implements the update-gating policy. Caller holds e.mu.
func (e *Estimator) shouldEmit(state *ProgressState, now time.Time, overall float64) bool {
	if !state.emittedOnce {
		return true
	}
	since := now.Sub(state.lastEmitAt)
	minInterval := e.cfg.MinUpdateInterval
	maxInterval := e.cfg.MaxUpdateInterval
	threshold := e.cfg.ProgressChangeThreshold

	if since < minInterval {
		return false
	}
	if since >= maxInterval {
		return true
	}
	delta := overall - state.lastOverall
	if delta < 0 {
		delta = -delta
	}
	return delta >= threshold
}

// computeOverall implements the single-stage / multi-stage composition
// rule. Caller holds e.mu.
func (e *Estimator) computeOverall(state *ProgressState) float64 {
	if len(state.stages) == 0 {
		if state.Total > 0 {
			frac := float64(state.Processed) / float64(state.Total)
			if frac > 1 {
				frac = 1
			}
			return frac
		}
		return state.StageFraction
	}

	var sum float64
	for i, stage := range state.stages {
		switch {
		case i < state.currentStage:
			sum += stage.Weight
		case i == state.currentStage:
			sum += stage.Weight * state.StageFraction
		}
	}
	return sum
}

// AdvanceStage moves a multi-stage task's active stage forward, resetting
// the stage-local fraction to zero.
func (e *Estimator) AdvanceStage(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.active[taskID]
	if !ok || state.currentStage+1 >= len(state.stages) {
		return
	}
	state.currentStage++
	state.Stage = state.stages[state.currentStage].Name
	state.StageFraction = 0
}

// FinishTask removes a task from active tracking and, on success,
// folds its duration/rate into the task type's PerformanceHistory EMA.
func (e *Estimator) FinishTask(taskID string, success bool, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.active[taskID]
	if !ok {
		return
	}
	delete(e.active, taskID)

	hist, ok := e.history[state.TaskType]
	if !ok {
		hist = &PerformanceHistory{TaskType: state.TaskType}
		e.history[state.TaskType] = hist
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}

	if hist.SampleCount == 0 {
		hist.AvgDuration = duration
		hist.AvgRate = state.AverageRate
		hist.SuccessRatio = outcome
	} else {
		hist.AvgDuration = time.Duration(emaFloat(float64(hist.AvgDuration), float64(duration), historyLearningRate))
		hist.AvgRate = emaFloat(hist.AvgRate, state.AverageRate, historyLearningRate)
		hist.SuccessRatio = emaFloat(hist.SuccessRatio, outcome, historyLearningRate)
	}
	hist.SampleCount++
	hist.LastUpdated = time.Now()
}

func emaFloat(prev, sample, alpha float64) float64 {
	return prev + alpha*(sample-prev)
}

// State returns a snapshot of a task's current progress state, if active.
func (e *Estimator) State(taskID string) (ProgressState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.active[taskID]
	if !ok {
		return ProgressState{}, false
	}
	return *state, true
}

// History returns a snapshot of a task type's performance history, if any.
func (e *Estimator) History(taskType string) (PerformanceHistory, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist, ok := e.history[taskType]
	if !ok {
		return PerformanceHistory{}, false
	}
	return *hist, true
}

// PruneHistory removes task-type history entries older than the
// configured retention TTL (default 7 days).
func (e *Estimator) PruneHistory(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	retention := e.cfg.HistoryRetention
	pruned := 0
	for taskType, hist := range e.history {
		if now.Sub(hist.LastUpdated) > retention {
			delete(e.history, taskType)
			pruned++
		}
	}
	return pruned
}
