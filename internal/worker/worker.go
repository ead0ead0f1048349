// Package worker provides the fixed-size pool that bounds concurrent
// job runs across the whole orchestrator.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wizdata/scraperd/internal/logger"
)

// State represents the current state of a worker slot.
type State int32

const (
	// StateIdle means the worker is waiting for work.
	StateIdle State = iota

	// StateBusy means the worker is executing a run.
	StateBusy

	// StateStopped means the worker has stopped.
	StateStopped

	// percentageMultiplier converts ratio to percentage.
	percentageMultiplier = 100
)

// String returns the string representation of a worker state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run is one unit of work: a named job execution.
type Run struct {
	// Job is the owning job's name, for logs and stats.
	Job string
	// Fn performs the run. It must honor ctx cancellation.
	Fn func(ctx context.Context) error
}

// Worker is one slot in the pool.
type Worker struct {
	id         int
	state      atomic.Int32
	runTimeout time.Duration
	log        logger.Logger

	runsProcessed atomic.Int64
	runsSucceeded atomic.Int64
	runsFailed    atomic.Int64
	lastRunAt     atomic.Int64
	currentJob    atomic.Value
	runStartedAt  atomic.Int64
}

// NewWorker creates a worker slot.
func NewWorker(id int, runTimeout time.Duration, log logger.Logger) *Worker {
	w := &Worker{
		id:         id,
		runTimeout: runTimeout,
		log:        log,
	}
	w.state.Store(int32(StateIdle))
	w.currentJob.Store("")
	return w
}

// ID returns the worker ID.
func (w *Worker) ID() int { return w.id }

// State returns the current worker state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// IsIdle reports whether the worker is idle.
func (w *Worker) IsIdle() bool { return w.State() == StateIdle }

// IsBusy reports whether the worker is executing a run.
func (w *Worker) IsBusy() bool { return w.State() == StateBusy }

// reserve claims the worker for one run by moving it from idle to busy.
// The winner of the swap owns the slot until its run finishes.
func (w *Worker) reserve() bool {
	return w.state.CompareAndSwap(int32(StateIdle), int32(StateBusy))
}

// Process reserves the worker and executes one run.
func (w *Worker) Process(ctx context.Context, run Run) error {
	if !w.reserve() {
		return fmt.Errorf("worker %d: not idle, current state: %s", w.id, w.State())
	}
	return w.run(ctx, run)
}

// run executes one run under the worker's timeout. The worker must
// already be reserved.
func (w *Worker) run(ctx context.Context, run Run) error {
	defer func() {
		w.currentJob.Store("")
		w.runStartedAt.Store(0)
		w.state.Store(int32(StateIdle))
	}()

	if run.Fn == nil {
		return fmt.Errorf("worker %d: run has no function", w.id)
	}

	w.currentJob.Store(run.Job)
	w.runStartedAt.Store(time.Now().UnixNano())

	runCtx, cancel := context.WithTimeout(ctx, w.runTimeout)
	defer cancel()

	start := time.Now()
	err := run.Fn(runCtx)
	duration := time.Since(start)

	w.runsProcessed.Add(1)
	w.lastRunAt.Store(time.Now().UnixNano())

	if err != nil {
		w.runsFailed.Add(1)
		w.log.Debug("run failed",
			logger.Int("worker_id", w.id),
			logger.String("job", run.Job),
			logger.Duration("duration", duration),
			logger.Error(err),
		)
		return err
	}

	w.runsSucceeded.Add(1)
	w.log.Debug("run completed",
		logger.Int("worker_id", w.id),
		logger.String("job", run.Job),
		logger.Duration("duration", duration),
	)
	return nil
}

// Stats returns the worker's statistics snapshot.
func (w *Worker) Stats() WorkerStats {
	var lastRun time.Time
	if ts := w.lastRunAt.Load(); ts > 0 {
		lastRun = time.Unix(0, ts)
	}
	var startedAt time.Time
	if ts := w.runStartedAt.Load(); ts > 0 {
		startedAt = time.Unix(0, ts)
	}

	currentJob, _ := w.currentJob.Load().(string)

	return WorkerStats{
		ID:            w.id,
		State:         w.State(),
		RunsProcessed: w.runsProcessed.Load(),
		RunsSucceeded: w.runsSucceeded.Load(),
		RunsFailed:    w.runsFailed.Load(),
		LastRunAt:     lastRun,
		CurrentJob:    currentJob,
		RunStartedAt:  startedAt,
	}
}

// WorkerStats holds statistics for one worker slot.
type WorkerStats struct {
	ID            int
	State         State
	RunsProcessed int64
	RunsSucceeded int64
	RunsFailed    int64
	LastRunAt     time.Time
	CurrentJob    string
	RunStartedAt  time.Time
}

// SuccessRate returns the success rate as a percentage.
func (s WorkerStats) SuccessRate() float64 {
	if s.RunsProcessed == 0 {
		return 0
	}
	return float64(s.RunsSucceeded) / float64(s.RunsProcessed) * percentageMultiplier
}
