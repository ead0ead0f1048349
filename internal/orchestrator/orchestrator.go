// Package orchestrator owns the job registry and the per-job state
// machines. It is the single place that decides retry vs backoff vs
// disable; nothing below it retries on its own.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/metrics"
	"github.com/wizdata/scraperd/internal/proxy"
	"github.com/wizdata/scraperd/internal/quality"
	"github.com/wizdata/scraperd/internal/queue"
	"github.com/wizdata/scraperd/internal/worker"
)

var (
	// ErrNotFound is returned by control operations for unknown jobs.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyRunning is returned by RunNow when a run is in flight
	// or admitted. Manual runs are rejected, never queued.
	ErrAlreadyRunning = errors.New("job is already running")

	// ErrDisabled is returned by RunNow for a disabled job.
	ErrDisabled = errors.New("job is disabled")
)

// FatalConfigError marks a job definition that can never be scheduled,
// surfaced at registration rather than deferred to run time.
type FatalConfigError struct {
	Job    string
	Reason string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("job %s: %s", e.Job, e.Reason)
}

// RunHandle tracks a manually triggered run. Done yields the run error
// (nil on success) exactly once.
type RunHandle struct {
	Job  string
	Done <-chan error
}

// HealthStatus aggregates run outcomes per source.
type HealthStatus struct {
	Source        string    `json:"source"`
	Jobs          int       `json:"jobs"`
	Runs          int64     `json:"runs"`
	Successes     int64     `json:"successes"`
	SuccessRate   float64   `json:"success_rate"`
	LastSuccessAt time.Time `json:"last_success_at"`
}

// Stats is a full orchestrator snapshot for the control surface.
type Stats struct {
	Jobs    []JobDetail      `json:"jobs"`
	Pool    worker.PoolStats `json:"pool"`
	Proxies []proxy.Stats    `json:"proxies"`
}

// Orchestrator wires the pipeline together. Construct with New, add
// jobs with Register, then Start; all control-surface methods are safe
// for concurrent use.
type Orchestrator struct {
	mu      sync.RWMutex
	jobs    map[string]*job
	started bool

	registry *adapter.Registry
	proxies  *proxy.Manager
	gate     *quality.Gate
	queue    queue.Queue
	pool     *worker.Pool
	metrics  *metrics.Metrics
	log      logger.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(
	registry *adapter.Registry,
	proxies *proxy.Manager,
	gate *quality.Gate,
	q queue.Queue,
	pool *worker.Pool,
	m *metrics.Metrics,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		jobs:     make(map[string]*job),
		registry: registry,
		proxies:  proxies,
		gate:     gate,
		queue:    q,
		pool:     pool,
		metrics:  m,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Register adds a job. An unknown source or unusable cadence is a
// FatalConfigError: the job is rejected here, never scheduled.
func (o *Orchestrator) Register(cfg JobConfig) error {
	if cfg.Name == "" {
		return &FatalConfigError{Job: cfg.Name, Reason: "name is required"}
	}
	if !o.registry.Has(cfg.Source) {
		return &FatalConfigError{Job: cfg.Name, Reason: fmt.Sprintf("unknown source %q", cfg.Source)}
	}

	var schedule cron.Schedule
	if cfg.Cron != "" {
		parsed, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return &FatalConfigError{Job: cfg.Name, Reason: fmt.Sprintf("invalid cron expression %q: %v", cfg.Cron, err)}
		}
		schedule = parsed
	} else if cfg.Interval <= 0 {
		return &FatalConfigError{Job: cfg.Name, Reason: "interval must be positive when no cron expression is set"}
	}

	a, err := o.registry.Build(cfg.Source, cfg.Adapter)
	if err != nil {
		return &FatalConfigError{Job: cfg.Name, Reason: err.Error()}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, dup := o.jobs[cfg.Name]; dup {
		return &FatalConfigError{Job: cfg.Name, Reason: "duplicate job name"}
	}

	j := &job{
		name:     cfg.Name,
		source:   cfg.Source,
		interval: cfg.Interval,
		schedule: schedule,
		retry:    cfg.Retry.withDefaults(),
		adapter:  a,
		topic:    queue.Topic(cfg.Source, a.Class()),
		enabled:  cfg.Enabled,
		state:    StateIdle,
		wake:     make(chan struct{}, 1),
	}
	if !cfg.Enabled {
		j.state = StateDisabled
	}
	o.jobs[cfg.Name] = j

	if o.started {
		j.nextRunAt = j.firstRunAt(o.now())
		o.wg.Add(1)
		go o.runLoop(j)
	}

	o.log.Info("job registered",
		logger.String("job", j.name),
		logger.String("source", j.source),
		logger.Duration("interval", j.interval),
		logger.Bool("enabled", j.enabled),
	)
	return nil
}

// Start launches the worker pool and every job's scheduling loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.New("orchestrator already started")
	}
	if err := o.pool.Start(); err != nil {
		return err
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.started = true

	now := o.now()
	for _, j := range o.jobs {
		j.mu.Lock()
		j.nextRunAt = j.firstRunAt(now)
		j.mu.Unlock()
		o.wg.Add(1)
		go o.runLoop(j)
	}

	o.metrics.SetWorkerPool(o.pool.Size(), 0)
	o.log.Info("orchestrator started", logger.Int("jobs", len(o.jobs)))
	return nil
}

// Stop cancels future scheduling and drains in-flight runs.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()

	if err := o.pool.Stop(ctx); err != nil && !errors.Is(err, worker.ErrNotRunning) {
		return err
	}
	o.log.Info("orchestrator stopped")
	return nil
}

// runLoop drives one job's cadence. Runs within one job are strictly
// sequential: the loop blocks until the previous run's outcome is
// recorded before arming the next timer.
func (o *Orchestrator) runLoop(j *job) {
	defer o.wg.Done()

	for {
		j.mu.Lock()
		if !j.enabled {
			j.state = StateDisabled
			j.mu.Unlock()
			select {
			case <-o.ctx.Done():
				return
			case <-j.wake:
				continue
			}
		}
		next := j.nextRunAt
		j.mu.Unlock()

		wait := next.Sub(o.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-o.ctx.Done():
			timer.Stop()
			return
		case <-j.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		o.runScheduled(j)
	}
}

// runScheduled admits one scheduled run into the pool and waits for its
// outcome. A job that is already running coalesces the trigger.
func (o *Orchestrator) runScheduled(j *job) {
	j.mu.Lock()
	if !j.enabled || j.state == StateRunning || j.state == StateScheduled {
		j.mu.Unlock()
		// Coalesced: wait for the in-flight run (or a control call)
		// before re-evaluating, instead of spinning on a stale timer.
		select {
		case <-o.ctx.Done():
		case <-j.wake:
		}
		return
	}
	j.state = StateScheduled
	j.mu.Unlock()

	done := make(chan struct{})
	err := o.pool.Submit(o.ctx, worker.Run{
		Job: j.name,
		Fn:  func(ctx context.Context) error { return o.performRun(ctx, j) },
	}, func(error) { close(done) })
	if err != nil {
		j.mu.Lock()
		if j.state == StateScheduled {
			j.state = StateIdle
		}
		j.mu.Unlock()
		return
	}

	select {
	case <-done:
	case <-o.ctx.Done():
	}
}

// performRun executes one run and records its outcome.
func (o *Orchestrator) performRun(ctx context.Context, j *job) error {
	j.mu.Lock()
	j.state = StateRunning
	j.stats.Runs++
	j.stats.LastRunAt = o.now()
	j.mu.Unlock()

	o.metrics.RunStarted()
	o.metrics.SetWorkerPool(o.pool.Size(), o.pool.BusyCount())

	outcome := o.executeRun(ctx, j)

	o.metrics.RunFinished()
	o.metrics.RecordRun(j.name, outcome.kind.String(), outcome.latency.Seconds())

	o.recordOutcome(j, outcome)
	return outcome.err
}

// recordOutcome applies one run result to the job state machine.
func (o *Orchestrator) recordOutcome(j *job, out runOutcome) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := o.now()
	j.stats.LastLatency = out.latency
	j.stats.RecordsPublished += int64(out.published)
	j.stats.RecordsRejected += int64(out.rejected)
	if out.err != nil {
		j.stats.LastError = out.err.Error()
	} else {
		j.stats.LastError = ""
	}

	if !out.kind.failed() {
		j.stats.Successes++
		j.stats.LastSuccessAt = now
		j.consecFails = 0
	} else {
		j.stats.Failures++
		j.consecFails++
	}

	if !j.enabled {
		// Disabled mid-run: the outcome is recorded but no further
		// run is scheduled.
		j.state = StateDisabled
		o.wakeLocked(j)
		return
	}

	switch {
	case !out.kind.failed():
		j.state = StateIdle
		j.nextRunAt = j.nextAfter(now)

	case out.kind == outcomeProxyExhausted || j.consecFails >= j.retry.MaxAttempts:
		cooldown := j.retry.CircuitCooldown(j.consecFails)
		j.state = StateBackoff
		j.nextRunAt = now.Add(cooldown)
		o.metrics.RecordCircuitOpen(j.name)
		o.log.Warn("job circuit opened",
			logger.String("job", j.name),
			logger.String("outcome", out.kind.String()),
			logger.Int("consecutive_failures", j.consecFails),
			logger.Duration("cooldown", cooldown),
		)

	default:
		delay := o.retryDelay(j.retry, j.consecFails)
		if out.kind == outcomeRateLimit && out.retryAfter > delay {
			// Honor the advertised delay when it is longer than ours.
			delay = out.retryAfter
		}
		j.state = StateIdle
		j.nextRunAt = now.Add(delay)
		o.log.Debug("run failed, backing off",
			logger.String("job", j.name),
			logger.String("outcome", out.kind.String()),
			logger.Int("consecutive_failures", j.consecFails),
			logger.Duration("delay", delay),
		)
	}

	o.wakeLocked(j)
}

// retryDelay computes a jittered delay under the shared rng.
func (o *Orchestrator) retryDelay(policy RetryPolicy, failures int) time.Duration {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return policy.Delay(failures, o.rng)
}

// wakeLocked nudges the job's scheduling loop. Non-blocking: the wake
// channel is buffered and a pending nudge is equivalent.
func (o *Orchestrator) wakeLocked(j *job) {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// RunNow triggers an immediate run. A job with a run in flight (or
// already admitted) is rejected, not queued.
func (o *Orchestrator) RunNow(name string) (RunHandle, error) {
	o.mu.RLock()
	started := o.started
	ctx := o.ctx
	o.mu.RUnlock()
	if !started {
		return RunHandle{}, errors.New("orchestrator not started")
	}

	j := o.lookup(name)
	if j == nil {
		return RunHandle{}, ErrNotFound
	}

	j.mu.Lock()
	if !j.enabled {
		j.mu.Unlock()
		return RunHandle{}, ErrDisabled
	}
	if j.state == StateRunning || j.state == StateScheduled {
		j.mu.Unlock()
		return RunHandle{}, ErrAlreadyRunning
	}
	j.state = StateScheduled
	j.mu.Unlock()

	result := make(chan error, 1)
	err := o.pool.Submit(ctx, worker.Run{
		Job: j.name,
		Fn:  func(ctx context.Context) error { return o.performRun(ctx, j) },
	}, func(runErr error) { result <- runErr })
	if err != nil {
		j.mu.Lock()
		if j.state == StateScheduled {
			j.state = StateIdle
		}
		j.mu.Unlock()
		return RunHandle{}, err
	}

	o.log.Info("manual run triggered", logger.String("job", name))
	return RunHandle{Job: name, Done: result}, nil
}

// Enable resumes scheduling for a job. Idempotent.
func (o *Orchestrator) Enable(name string) error {
	j := o.lookup(name)
	if j == nil {
		return ErrNotFound
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.enabled {
		return nil
	}
	j.enabled = true
	j.state = StateIdle
	j.consecFails = 0
	j.nextRunAt = j.firstRunAt(o.now())
	o.wakeLocked(j)

	o.log.Info("job enabled", logger.String("job", name))
	return nil
}

// Disable cancels future scheduling for a job. An in-flight run is
// allowed to complete and record its outcome. Idempotent.
func (o *Orchestrator) Disable(name string) error {
	j := o.lookup(name)
	if j == nil {
		return ErrNotFound
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.enabled {
		return nil
	}
	j.enabled = false
	if j.state != StateRunning {
		j.state = StateDisabled
	}
	o.wakeLocked(j)

	o.log.Info("job disabled", logger.String("job", name))
	return nil
}

// ListJobs returns a summary of every job, sorted by name.
func (o *Orchestrator) ListJobs() []JobSummary {
	o.mu.RLock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.RUnlock()

	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		out = append(out, j.snapshotLocked().JobSummary)
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// GetJob returns scheduling and stats detail for one job.
func (o *Orchestrator) GetJob(name string) (JobDetail, error) {
	j := o.lookup(name)
	if j == nil {
		return JobDetail{}, ErrNotFound
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked(), nil
}

// Health aggregates run outcomes per source. Degraded sources show a
// lowered success rate without affecting this call's availability.
func (o *Orchestrator) Health() map[string]HealthStatus {
	o.mu.RLock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.RUnlock()

	health := make(map[string]HealthStatus)
	for _, j := range jobs {
		j.mu.Lock()
		status := health[j.source]
		status.Source = j.source
		status.Jobs++
		status.Runs += j.stats.Runs
		status.Successes += j.stats.Successes
		if j.stats.LastSuccessAt.After(status.LastSuccessAt) {
			status.LastSuccessAt = j.stats.LastSuccessAt
		}
		health[j.source] = status
		j.mu.Unlock()
	}

	for source, status := range health {
		if status.Runs > 0 {
			status.SuccessRate = float64(status.Successes) / float64(status.Runs)
		}
		health[source] = status
	}
	return health
}

// Stats returns a full orchestrator snapshot.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.RUnlock()

	details := make([]JobDetail, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		details = append(details, j.snapshotLocked())
		j.mu.Unlock()
	}
	sort.Slice(details, func(i, k int) bool { return details[i].Name < details[k].Name })

	return Stats{
		Jobs:    details,
		Pool:    o.pool.Stats(),
		Proxies: o.proxies.Stats(),
	}
}

func (o *Orchestrator) lookup(name string) *job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.jobs[name]
}
