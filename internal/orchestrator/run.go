package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/proxy"
)

// outcomeKind classifies a run result for the job state machine.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	// outcomePartial: records acquired but some could not be published.
	outcomePartial
	outcomeTransient
	outcomeRateLimit
	// outcomeSourceFault: parse or validation failure. Retrying
	// immediately will not help, so repeats open the circuit.
	outcomeSourceFault
	outcomeProxyExhausted
	outcomeTimeout
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomePartial:
		return "partial"
	case outcomeTransient:
		return "transient"
	case outcomeRateLimit:
		return "rate_limited"
	case outcomeSourceFault:
		return "source_fault"
	case outcomeProxyExhausted:
		return "proxy_exhausted"
	case outcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// failed reports whether the kind counts as a consecutive failure.
// Partial success publishes what it can and does not punish the source.
func (k outcomeKind) failed() bool {
	return k != outcomeSuccess && k != outcomePartial
}

// runOutcome is the typed result of one run. Adapter errors never
// escape past here: the state machine consumes kinds, not exceptions.
type runOutcome struct {
	kind       outcomeKind
	err        error
	retryAfter time.Duration
	published  int
	rejected   int
	latency    time.Duration
}

// executeRun drives one full pipeline pass: checkout identity, fetch,
// parse, normalize, score, publish.
func (o *Orchestrator) executeRun(ctx context.Context, j *job) runOutcome {
	start := o.now()

	identity, err := o.proxies.Checkout()
	if err != nil {
		o.metrics.RecordProxyCheckout("exhausted")
		o.log.Warn("proxy pool exhausted",
			logger.String("job", j.name),
			logger.Int("quarantined", o.proxies.QuarantinedCount()),
		)
		return runOutcome{kind: outcomeProxyExhausted, err: err}
	}
	o.metrics.RecordProxyCheckout("ok")

	raw, fetchErr := j.adapter.Fetch(ctx, identity)
	fetchLatency := o.now().Sub(start)

	if relErr := o.proxies.Release(identity, proxy.Outcome{
		Success: fetchErr == nil,
		Latency: fetchLatency,
	}); relErr != nil {
		o.log.Error("identity release failed",
			logger.String("identity", identity.ID),
			logger.Error(relErr),
		)
	}
	o.metrics.SetProxyQuarantined(o.proxies.QuarantinedCount())

	if fetchErr != nil {
		return classifyFetchError(fetchErr, fetchLatency)
	}

	fields, err := j.adapter.Parse(raw)
	if err != nil {
		return runOutcome{kind: outcomeSourceFault, err: err, latency: fetchLatency}
	}

	records, err := j.adapter.Normalize(fields)
	if err != nil {
		return runOutcome{kind: outcomeSourceFault, err: err, latency: fetchLatency}
	}

	published, rejected, pubErr := o.publishAccepted(j, records)
	latency := o.now().Sub(start)

	o.metrics.RecordPublished(j.source, published)
	o.metrics.RecordRejected(j.source, rejected)

	if pubErr != nil {
		// The acquired data is not re-fetched; the run is partially
		// successful.
		o.metrics.RecordPublishFailure(j.source)
		o.log.Warn("publish failed for some records",
			logger.String("job", j.name),
			logger.Int("published", published),
			logger.Error(pubErr),
		)
		return runOutcome{
			kind:      outcomePartial,
			err:       pubErr,
			published: published,
			rejected:  rejected,
			latency:   latency,
		}
	}

	return runOutcome{
		kind:      outcomeSuccess,
		published: published,
		rejected:  rejected,
		latency:   latency,
	}
}

// publishAccepted gates each record and publishes the accepted ones.
// The first publish failure is reported; remaining records are still
// attempted.
func (o *Orchestrator) publishAccepted(j *job, records []domain.Record) (published, rejected int, firstErr error) {
	for _, rec := range records {
		score := o.gate.Evaluate(rec)
		if !score.Accepted {
			rejected++
			continue
		}
		if _, err := o.queue.Publish(j.topic, rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		published++
	}
	return published, rejected, firstErr
}

func classifyFetchError(err error, latency time.Duration) runOutcome {
	if retryAfter, ok := domain.IsRateLimit(err); ok {
		return runOutcome{kind: outcomeRateLimit, err: err, retryAfter: retryAfter, latency: latency}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return runOutcome{kind: outcomeTimeout, err: err, latency: latency}
	}
	if domain.IsSourceFault(err) {
		return runOutcome{kind: outcomeSourceFault, err: err, latency: latency}
	}
	return runOutcome{kind: outcomeTransient, err: err, latency: latency}
}
