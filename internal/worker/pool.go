package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wizdata/scraperd/internal/logger"
)

// PoolState represents the current state of the pool.
type PoolState int32

const (
	// PoolStateStopped means the pool is not running.
	PoolStateStopped PoolState = iota

	// PoolStateRunning means the pool is accepting runs.
	PoolStateRunning

	// PoolStateDraining means the pool is shutting down gracefully.
	PoolStateDraining

	// poolPercentageMultiplier converts ratio to percentage.
	poolPercentageMultiplier = 100
)

// String returns the string representation of a pool state.
func (s PoolState) String() string {
	switch s {
	case PoolStateStopped:
		return "stopped"
	case PoolStateRunning:
		return "running"
	case PoolStateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ErrNotRunning is returned by Submit when the pool is stopped or
// draining.
var ErrNotRunning = errors.New("pool is not running")

// Pool bounds concurrent job runs with a fixed set of worker slots.
// Submit blocks while saturated, so waiting jobs are admitted in
// arrival order.
type Pool struct {
	config  Config
	workers []*Worker
	log     logger.Logger
	state   atomic.Int32
	sem     chan struct{}
	wg      sync.WaitGroup
	stopCh  chan struct{}
	mu      sync.RWMutex

	totalRuns      atomic.Int64
	totalSucceeded atomic.Int64
	totalFailed    atomic.Int64
}

// NewPool creates a worker pool.
func NewPool(cfg Config, log logger.Logger) (*Pool, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &Pool{
		config:  cfg,
		log:     log,
		workers: make([]*Worker, cfg.PoolSize),
		sem:     make(chan struct{}, cfg.PoolSize),
		stopCh:  make(chan struct{}),
	}
	for i := range cfg.PoolSize {
		p.workers[i] = NewWorker(i, cfg.RunTimeout, log)
	}
	p.state.Store(int32(PoolStateStopped))
	return p, nil
}

// Start marks the pool as accepting runs.
func (p *Pool) Start() error {
	if !p.state.CompareAndSwap(int32(PoolStateStopped), int32(PoolStateRunning)) {
		return errors.New("pool is already running")
	}
	p.log.Info("worker pool started", logger.Int("pool_size", p.config.PoolSize))
	return nil
}

// Stop drains in-flight runs and stops the pool.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PoolStateRunning), int32(PoolStateDraining)) {
		return ErrNotRunning
	}

	p.log.Info("worker pool draining")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.log.Warn("worker pool stop cancelled")
	case <-time.After(p.config.DrainTimeout):
		p.log.Warn("worker pool drain timeout exceeded")
	}

	p.state.Store(int32(PoolStateStopped))
	return nil
}

// Submit admits a run, blocking while every slot is busy. The result of
// the run is reported through the done callback, which may be nil.
func (p *Pool) Submit(ctx context.Context, run Run, done func(error)) error {
	if p.State() != PoolStateRunning {
		return ErrNotRunning
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrNotRunning
	}

	p.wg.Add(1)
	go p.execute(ctx, run, done)
	return nil
}

// TrySubmit admits a run only if a slot is free right now.
func (p *Pool) TrySubmit(ctx context.Context, run Run, done func(error)) (bool, error) {
	if p.State() != PoolStateRunning {
		return false, ErrNotRunning
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return false, nil
	}

	p.wg.Add(1)
	go p.execute(ctx, run, done)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, run Run, done func(error)) {
	defer func() {
		<-p.sem
		p.wg.Done()
	}()

	w := p.acquireWorker()
	if w == nil {
		// Slots and workers are sized identically, so a held slot
		// implies an idle worker.
		err := fmt.Errorf("no idle worker for job %s", run.Job)
		p.log.Error("worker acquisition failed", logger.String("job", run.Job))
		if done != nil {
			done(err)
		}
		return
	}

	err := w.run(ctx, run)

	p.totalRuns.Add(1)
	if err != nil {
		p.totalFailed.Add(1)
	} else {
		p.totalSucceeded.Add(1)
	}
	if done != nil {
		done(err)
	}
}

// acquireWorker reserves an idle worker slot. Reservation happens via
// the worker's own state swap, so two concurrent runs can never claim
// the same slot.
func (p *Pool) acquireWorker() *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, w := range p.workers {
		if w.reserve() {
			return w
		}
	}
	return nil
}

// State returns the current pool state.
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}

// IsRunning reports whether the pool accepts runs.
func (p *Pool) IsRunning() bool {
	return p.State() == PoolStateRunning
}

// Size returns the pool size.
func (p *Pool) Size() int {
	return p.config.PoolSize
}

// BusyCount returns the number of busy workers.
func (p *Pool) BusyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, w := range p.workers {
		if w.IsBusy() {
			count++
		}
	}
	return count
}

// IdleCount returns the number of idle workers.
func (p *Pool) IdleCount() int {
	return p.Size() - p.BusyCount()
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	workerStats := make([]WorkerStats, len(p.workers))
	for i, w := range p.workers {
		workerStats[i] = w.Stats()
	}
	p.mu.RUnlock()

	return PoolStats{
		State:         p.State(),
		PoolSize:      p.config.PoolSize,
		BusyWorkers:   p.BusyCount(),
		IdleWorkers:   p.IdleCount(),
		RunsProcessed: p.totalRuns.Load(),
		RunsSucceeded: p.totalSucceeded.Load(),
		RunsFailed:    p.totalFailed.Load(),
		Workers:       workerStats,
	}
}

// PoolStats holds statistics for the pool.
type PoolStats struct {
	State         PoolState
	PoolSize      int
	BusyWorkers   int
	IdleWorkers   int
	RunsProcessed int64
	RunsSucceeded int64
	RunsFailed    int64
	Workers       []WorkerStats
}

// SuccessRate returns the success rate as a percentage.
func (s PoolStats) SuccessRate() float64 {
	if s.RunsProcessed == 0 {
		return 0
	}
	return float64(s.RunsSucceeded) / float64(s.RunsProcessed) * poolPercentageMultiplier
}

// Utilization returns the pool utilization as a percentage.
func (s PoolStats) Utilization() float64 {
	if s.PoolSize == 0 {
		return 0
	}
	return float64(s.BusyWorkers) / float64(s.PoolSize) * poolPercentageMultiplier
}
