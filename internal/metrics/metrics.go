// Package metrics provides Prometheus metrics for the scraper core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all scraper metrics.
	Namespace = "scraperd"
)

// Metrics holds all Prometheus metrics for the orchestrator core.
type Metrics struct {
	// Run metrics
	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	RunsInFlight       prometheus.Gauge

	// Record metrics
	RecordsPublished *prometheus.CounterVec
	RecordsRejected  *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec

	// Worker pool metrics
	WorkerPoolSize prometheus.Gauge
	WorkersBusy    prometheus.Gauge

	// Proxy pool metrics
	ProxyQuarantined prometheus.Gauge
	ProxyCheckouts   *prometheus.CounterVec

	// Circuit metrics
	CircuitOpens *prometheus.CounterVec
}

// New creates and registers all scraper metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "runs_total",
				Help:      "Total job runs by outcome",
			},
			[]string{"job", "outcome"},
		),
		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of job runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~3.4min
			},
			[]string{"job"},
		),
		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "runs_in_flight",
				Help:      "Number of runs currently executing",
			},
		),
		RecordsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "records_published_total",
				Help:      "Records accepted by the quality gate and published",
			},
			[]string{"source"},
		),
		RecordsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "records_rejected_total",
				Help:      "Records rejected by the quality gate",
			},
			[]string{"source"},
		),
		PublishFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "publish_failures_total",
				Help:      "Accepted records that could not be enqueued",
			},
			[]string{"source"},
		),
		WorkerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "worker_pool_size",
				Help:      "Total size of the worker pool",
			},
		),
		WorkersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "workers_busy",
				Help:      "Number of busy workers",
			},
		),
		ProxyQuarantined: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "proxy_quarantined",
				Help:      "Number of identities currently quarantined",
			},
		),
		ProxyCheckouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "proxy_checkouts_total",
				Help:      "Identity checkouts by result",
			},
			[]string{"result"},
		),
		CircuitOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "circuit_opens_total",
				Help:      "Times a job's circuit opened after repeated failures",
			},
			[]string{"job"},
		),
	}
}

// RecordRun records one completed job run.
func (m *Metrics) RecordRun(job, outcome string, durationSeconds float64) {
	m.RunsTotal.WithLabelValues(job, outcome).Inc()
	m.RunDurationSeconds.WithLabelValues(job).Observe(durationSeconds)
}

// RunStarted increments the in-flight gauge.
func (m *Metrics) RunStarted() { m.RunsInFlight.Inc() }

// RunFinished decrements the in-flight gauge.
func (m *Metrics) RunFinished() { m.RunsInFlight.Dec() }

// RecordPublished counts records published for a source.
func (m *Metrics) RecordPublished(source string, n int) {
	m.RecordsPublished.WithLabelValues(source).Add(float64(n))
}

// RecordRejected counts records rejected for a source.
func (m *Metrics) RecordRejected(source string, n int) {
	m.RecordsRejected.WithLabelValues(source).Add(float64(n))
}

// RecordPublishFailure counts a failed enqueue for a source.
func (m *Metrics) RecordPublishFailure(source string) {
	m.PublishFailures.WithLabelValues(source).Inc()
}

// SetWorkerPool sets the worker pool gauges.
func (m *Metrics) SetWorkerPool(size, busy int) {
	m.WorkerPoolSize.Set(float64(size))
	m.WorkersBusy.Set(float64(busy))
}

// SetProxyQuarantined sets the quarantined identity gauge.
func (m *Metrics) SetProxyQuarantined(n int) {
	m.ProxyQuarantined.Set(float64(n))
}

// RecordProxyCheckout counts a checkout attempt.
func (m *Metrics) RecordProxyCheckout(result string) {
	m.ProxyCheckouts.WithLabelValues(result).Inc()
}

// RecordCircuitOpen counts a circuit opening for a job.
func (m *Metrics) RecordCircuitOpen(job string) {
	m.CircuitOpens.WithLabelValues(job).Inc()
}
