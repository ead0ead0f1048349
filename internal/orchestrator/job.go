package orchestrator

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wizdata/scraperd/internal/adapter"
)

// JobState is the scheduling state of one job.
type JobState int32

const (
	// StateIdle means the job is waiting for its next timer.
	StateIdle JobState = iota

	// StateScheduled means a trigger fired and the job is waiting for
	// a worker slot.
	StateScheduled

	// StateRunning means a run is in flight.
	StateRunning

	// StateBackoff means the job's circuit is open: scheduled triggers
	// are suppressed until the cooldown elapses.
	StateBackoff

	// StateDisabled means an operator disabled the job. It never
	// leaves this state on its own.
	StateDisabled
)

// String returns the string representation of a job state.
func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// JobConfig is the registration-time definition of a job.
type JobConfig struct {
	// Name uniquely identifies the job.
	Name string `mapstructure:"name" yaml:"name"`
	// Source names the registered adapter.
	Source string `mapstructure:"source" yaml:"source"`
	// Interval is the polling cadence. Ignored when Cron is set.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Cron is an optional standard cron expression replacing Interval.
	Cron string `mapstructure:"cron" yaml:"cron"`
	// Enabled controls whether the job is scheduled at startup.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Retry tunes backoff for this job.
	Retry RetryPolicy `mapstructure:"retry" yaml:"retry"`
	// Adapter carries per-source construction options.
	Adapter adapter.Options `mapstructure:"adapter" yaml:"adapter"`
}

// JobStats accumulates run outcomes for one job.
type JobStats struct {
	Runs             int64
	Successes        int64
	Failures         int64
	RecordsPublished int64
	RecordsRejected  int64
	LastRunAt        time.Time
	LastSuccessAt    time.Time
	LastError        string
	LastLatency      time.Duration
}

// job is the orchestrator's internal per-job record. All mutable state
// is guarded by mu; transitions are serialized per job so at most one
// run can ever be in flight.
type job struct {
	mu sync.Mutex

	name     string
	source   string
	interval time.Duration
	schedule cron.Schedule // nil unless a cron expression is set
	retry    RetryPolicy
	adapter  adapter.Adapter
	topic    string

	state       JobState
	enabled     bool
	consecFails int
	nextRunAt   time.Time
	stats       JobStats
	wake        chan struct{} // nudges the scheduling loop after control calls
}

// snapshotLocked assumes j.mu is held.
func (j *job) snapshotLocked() JobDetail {
	return JobDetail{
		JobSummary: JobSummary{
			Name:      j.name,
			Source:    j.source,
			Interval:  j.interval,
			Enabled:   j.enabled,
			State:     j.state.String(),
			LastRunAt: j.stats.LastRunAt,
			LastError: j.stats.LastError,
		},
		NextRunAt:           j.nextRunAt,
		ConsecutiveFailures: j.consecFails,
		Stats:               j.stats,
	}
}

// JobSummary is the list-view of a job for the control surface.
type JobSummary struct {
	Name      string        `json:"name"`
	Source    string        `json:"source"`
	Interval  time.Duration `json:"interval"`
	Enabled   bool          `json:"enabled"`
	State     string        `json:"state"`
	LastRunAt time.Time     `json:"last_run_at"`
	LastError string        `json:"last_error,omitempty"`
}

// JobDetail extends the summary with scheduling and stats detail.
type JobDetail struct {
	JobSummary
	NextRunAt           time.Time `json:"next_run_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Stats               JobStats  `json:"stats"`
}

// nextAfter computes the next run time from a reference instant.
func (j *job) nextAfter(from time.Time) time.Time {
	if j.schedule != nil {
		return j.schedule.Next(from)
	}
	return from.Add(j.interval)
}

// firstRunAt seeds scheduling when a job joins the loop. Interval jobs
// run immediately; cron jobs wait for their next tick instead of firing
// off-schedule at startup.
func (j *job) firstRunAt(now time.Time) time.Time {
	if j.schedule != nil {
		return j.schedule.Next(now)
	}
	return now
}
