package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/metrics"
	"github.com/wizdata/scraperd/internal/proxy"
	"github.com/wizdata/scraperd/internal/quality"
	"github.com/wizdata/scraperd/internal/queue"
	"github.com/wizdata/scraperd/internal/queue/memq"
	"github.com/wizdata/scraperd/internal/worker"
)

// fakeAdapter is a scripted adapter for state machine tests.
type fakeAdapter struct {
	source string
	class  string

	fetchDelay time.Duration
	fetchErr   func(call int) error
	payload    map[string]any

	calls         atomic.Int32
	inFlight      atomic.Int32
	maxConcurrent atomic.Int32
}

func (f *fakeAdapter) Source() string { return f.source }
func (f *fakeAdapter) Class() string  { return f.class }

func (f *fakeAdapter) Fetch(ctx context.Context, _ *proxy.Identity) (domain.RawPayload, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.maxConcurrent.Load()
		if cur <= old || f.maxConcurrent.CompareAndSwap(old, cur) {
			break
		}
	}

	call := int(f.calls.Add(1))
	if f.fetchDelay > 0 {
		select {
		case <-time.After(f.fetchDelay):
		case <-ctx.Done():
			return domain.RawPayload{}, &domain.TransientNetworkError{Source: f.source, Err: ctx.Err()}
		}
	}
	if f.fetchErr != nil {
		if err := f.fetchErr(call); err != nil {
			return domain.RawPayload{}, err
		}
	}
	return domain.RawPayload{Body: []byte(`{}`), FetchedAt: time.Now().UTC()}, nil
}

func (f *fakeAdapter) Parse(domain.RawPayload) (domain.ParsedFields, error) {
	return domain.ParsedFields{{}}, nil
}

func (f *fakeAdapter) Normalize(domain.ParsedFields) ([]domain.Record, error) {
	payload := f.payload
	if payload == nil {
		payload = map[string]any{"price": 1.0}
	}
	return []domain.Record{{
		Source:        f.source,
		Symbol:        "x",
		Class:         f.class,
		Payload:       payload,
		CollectedAt:   time.Now().UTC(),
		SchemaVersion: domain.SchemaVersion,
	}}, nil
}

type harness struct {
	orch *Orchestrator
	q    *memq.Queue
}

func newHarness(t *testing.T, fake *fakeAdapter, rules map[string]quality.Rules) *harness {
	t.Helper()
	log := logger.Nop()

	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(fake.source, func(adapter.Options) (adapter.Adapter, error) {
		return fake, nil
	}))

	proxies, err := proxy.NewManager(proxy.Config{}, log)
	require.NoError(t, err)

	gate := quality.NewGate(rules, log)
	q := memq.New(queue.Config{}, log)

	pool, err := worker.NewPool(worker.Config{PoolSize: 4, RunTimeout: 2 * time.Second}, log)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	orch := New(reg, proxies, gate, q, pool, m, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
		_ = q.Close()
	})
	return &harness{orch: orch, q: q}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Minute}
}

func TestScheduledRunsPublishAcceptedRecords(t *testing.T) {
	fake := &fakeAdapter{source: "fake", class: "crypto_price"}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "fake-poller",
		Source:   "fake",
		Interval: 20 * time.Millisecond,
		Enabled:  true,
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	topic := queue.Topic("fake", "crypto_price")
	assert.Eventually(t, func() bool {
		return h.q.Depth(topic) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	detail, err := h.orch.GetJob("fake-poller")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, detail.Stats.Successes, int64(2))
	assert.Greater(t, detail.Stats.RecordsPublished, int64(0))
}

func TestFasterJobRunsMoreOften(t *testing.T) {
	fastAdapter := &fakeAdapter{source: "fast", class: "c"}
	h := newHarness(t, fastAdapter, nil)

	slowAdapter := &fakeAdapter{source: "slow", class: "c"}
	require.NoError(t, h.orch.registry.Register("slow", func(adapter.Options) (adapter.Adapter, error) {
		return slowAdapter, nil
	}))

	require.NoError(t, h.orch.Register(JobConfig{Name: "fast-job", Source: "fast", Interval: 30 * time.Millisecond, Enabled: true}))
	require.NoError(t, h.orch.Register(JobConfig{Name: "slow-job", Source: "slow", Interval: 50 * time.Millisecond, Enabled: true}))
	require.NoError(t, h.orch.Start(context.Background()))

	time.Sleep(160 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.orch.Stop(ctx))

	fastRuns := fastAdapter.calls.Load()
	slowRuns := slowAdapter.calls.Load()
	assert.GreaterOrEqual(t, fastRuns, int32(3), "30ms job should run at least 3 times in 160ms")
	assert.GreaterOrEqual(t, slowRuns, int32(2), "50ms job should run at least 2 times in 160ms")
	assert.Greater(t, fastRuns, slowRuns)
}

func TestTransientFailuresOpenCircuit(t *testing.T) {
	fake := &fakeAdapter{
		source: "flaky",
		class:  "c",
		fetchErr: func(int) error {
			return &domain.TransientNetworkError{Source: "flaky", Err: errors.New("connection reset")}
		},
	}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "flaky-job",
		Source:   "flaky",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
		Retry:    fastRetry(),
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	assert.Eventually(t, func() bool {
		detail, err := h.orch.GetJob("flaky-job")
		return err == nil && detail.State == StateBackoff.String()
	}, 2*time.Second, 5*time.Millisecond)

	// Third consecutive failure opened the circuit; the cooldown (at
	// least MaxDelay) suppresses further triggers.
	assert.Equal(t, int32(3), fake.calls.Load())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), fake.calls.Load())

	detail, err := h.orch.GetJob("flaky-job")
	require.NoError(t, err)
	assert.Equal(t, 3, detail.ConsecutiveFailures)
	assert.Contains(t, detail.LastError, "connection reset")
}

func TestNoOverlappingRuns(t *testing.T) {
	fake := &fakeAdapter{source: "busy", class: "c", fetchDelay: 15 * time.Millisecond}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "busy-job",
		Source:   "busy",
		Interval: 5 * time.Millisecond,
		Enabled:  true,
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	// Hammer RunNow while scheduled runs are in flight.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := h.orch.RunNow("busy-job")
		if err != nil {
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, int32(1), fake.maxConcurrent.Load(),
		"no two runs of the same job may overlap")
}

func TestRunNowWhileRunningRejected(t *testing.T) {
	fake := &fakeAdapter{source: "slowfetch", class: "c", fetchDelay: 80 * time.Millisecond}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "slow-job",
		Source:   "slowfetch",
		Interval: time.Hour,
		Enabled:  true,
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	// The initial scheduled run fires immediately and is in flight.
	assert.Eventually(t, func() bool {
		return fake.inFlight.Load() == 1
	}, time.Second, 2*time.Millisecond)

	_, err := h.orch.RunNow("slow-job")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// After the run completes a manual trigger is accepted.
	assert.Eventually(t, func() bool {
		_, runErr := h.orch.RunNow("slow-job")
		return runErr == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunHandleReportsOutcome(t *testing.T) {
	fake := &fakeAdapter{source: "once", class: "c"}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "once-job",
		Source:   "once",
		Interval: time.Hour,
		Enabled:  true,
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	var handle RunHandle
	assert.Eventually(t, func() bool {
		var err error
		handle, err = h.orch.RunNow("once-job")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case runErr := <-handle.Done:
		assert.NoError(t, runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("run handle never completed")
	}
}

func TestDisableMidRunCompletesOutcome(t *testing.T) {
	fake := &fakeAdapter{source: "stoppable", class: "c", fetchDelay: 40 * time.Millisecond}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "stoppable-job",
		Source:   "stoppable",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	// Wait until the first run is in flight, then disable.
	assert.Eventually(t, func() bool {
		return fake.inFlight.Load() == 1
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, h.orch.Disable("stoppable-job"))

	// The in-flight run completes and records its outcome.
	assert.Eventually(t, func() bool {
		detail, err := h.orch.GetJob("stoppable-job")
		return err == nil && detail.Stats.Runs == 1 && detail.State == StateDisabled.String()
	}, 2*time.Second, 5*time.Millisecond)

	// No further run is scheduled afterward.
	calls := fake.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, fake.calls.Load())

	_, err := h.orch.RunNow("stoppable-job")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestEnableResumesScheduling(t *testing.T) {
	fake := &fakeAdapter{source: "resumable", class: "c"}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "resumable-job",
		Source:   "resumable",
		Interval: 15 * time.Millisecond,
		Enabled:  false,
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fake.calls.Load(), "disabled job must not run")

	require.NoError(t, h.orch.Enable("resumable-job"))
	// Idempotent.
	require.NoError(t, h.orch.Enable("resumable-job"))

	assert.Eventually(t, func() bool {
		return fake.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRejectedRecordsNeverPublished(t *testing.T) {
	fake := &fakeAdapter{
		source:  "lowquality",
		class:   "c",
		payload: map[string]any{"other": 1.0}, // required "price" missing
	}
	rules := map[string]quality.Rules{
		"lowquality": {RequiredFields: []string{"price", "symbol", "volume"}},
	}
	h := newHarness(t, fake, rules)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "lowquality-job",
		Source:   "lowquality",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	assert.Eventually(t, func() bool {
		detail, err := h.orch.GetJob("lowquality-job")
		return err == nil && detail.Stats.RecordsRejected >= 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, h.q.Depth(queue.Topic("lowquality", "c")),
		"a record missing a required field must never reach the queue")
}

func TestRegisterUnknownSourceIsFatal(t *testing.T) {
	fake := &fakeAdapter{source: "known", class: "c"}
	h := newHarness(t, fake, nil)

	err := h.orch.Register(JobConfig{Name: "bad", Source: "unknown", Interval: time.Second})
	var fatal *FatalConfigError
	require.True(t, errors.As(err, &fatal))
	assert.Contains(t, fatal.Reason, "unknown source")
}

func TestRegisterValidation(t *testing.T) {
	fake := &fakeAdapter{source: "src", class: "c"}
	h := newHarness(t, fake, nil)

	var fatal *FatalConfigError

	err := h.orch.Register(JobConfig{Name: "no-cadence", Source: "src"})
	assert.True(t, errors.As(err, &fatal))

	err = h.orch.Register(JobConfig{Name: "bad-cron", Source: "src", Cron: "not a cron"})
	assert.True(t, errors.As(err, &fatal))

	require.NoError(t, h.orch.Register(JobConfig{Name: "dup", Source: "src", Interval: time.Second}))
	err = h.orch.Register(JobConfig{Name: "dup", Source: "src", Interval: time.Second})
	assert.True(t, errors.As(err, &fatal))

	require.NoError(t, h.orch.Register(JobConfig{Name: "cron-job", Source: "src", Cron: "*/5 * * * *"}))
}

func TestCronJobWaitsForScheduleAtStartup(t *testing.T) {
	fake := &fakeAdapter{source: "nightly", class: "c"}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:    "nightly-job",
		Source:  "nightly",
		Cron:    "0 3 * * *",
		Enabled: true,
	}))
	started := time.Now()
	require.NoError(t, h.orch.Start(context.Background()))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fake.calls.Load(), "cron job must not fire before its schedule")

	detail, err := h.orch.GetJob("nightly-job")
	require.NoError(t, err)
	assert.True(t, detail.NextRunAt.After(started), "next run must be the schedule's next tick")

	// Re-enabling keeps the cron seed on schedule too.
	require.NoError(t, h.orch.Disable("nightly-job"))
	require.NoError(t, h.orch.Enable("nightly-job"))

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fake.calls.Load())
	detail, err = h.orch.GetJob("nightly-job")
	require.NoError(t, err)
	assert.True(t, detail.NextRunAt.After(started))
}

func TestControlSurfaceUnknownJob(t *testing.T) {
	fake := &fakeAdapter{source: "src", class: "c"}
	h := newHarness(t, fake, nil)
	require.NoError(t, h.orch.Start(context.Background()))

	_, err := h.orch.GetJob("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.orch.RunNow("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.orch.Enable("nope"), ErrNotFound)
	assert.ErrorIs(t, h.orch.Disable("nope"), ErrNotFound)
}

func TestHealthAggregatesPerSource(t *testing.T) {
	fake := &fakeAdapter{source: "healthy", class: "c"}
	h := newHarness(t, fake, nil)

	require.NoError(t, h.orch.Register(JobConfig{
		Name:     "healthy-job",
		Source:   "healthy",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
	}))
	require.NoError(t, h.orch.Start(context.Background()))

	assert.Eventually(t, func() bool {
		health := h.orch.Health()
		status, ok := health["healthy"]
		return ok && status.Runs >= 2 && status.SuccessRate == 1.0 && !status.LastSuccessAt.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListJobsSorted(t *testing.T) {
	fake := &fakeAdapter{source: "src", class: "c"}
	h := newHarness(t, fake, nil)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, h.orch.Register(JobConfig{Name: name, Source: "src", Interval: time.Hour}))
	}

	jobs := h.orch.ListJobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "alpha", jobs[0].Name)
	assert.Equal(t, "mid", jobs[1].Name)
	assert.Equal(t, "zeta", jobs[2].Name)
	assert.Equal(t, StateDisabled.String(), jobs[0].State)
}
