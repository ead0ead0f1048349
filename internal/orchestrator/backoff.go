package orchestrator

import (
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 10 * time.Minute

	// circuitCooldownCap bounds how long an open circuit suspends a
	// job.
	circuitCooldownCap = 30 * time.Minute
)

// RetryPolicy is a first-class backoff value object consumed by the job
// state machine. It replaces ad hoc retry loops: every delay decision
// flows through Delay or CircuitCooldown.
type RetryPolicy struct {
	// MaxAttempts is the consecutive-failure count at which the job's
	// circuit opens.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// BaseDelay seeds the exponential delay sequence.
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	// Multiplier grows the delay per consecutive failure.
	Multiplier float64 `mapstructure:"multiplier" yaml:"multiplier"`
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	// Jitter randomizes delays over [0, computed] (full jitter) so
	// failing jobs do not retry in lockstep.
	Jitter bool `mapstructure:"jitter" yaml:"jitter"`
}

// withDefaults fills unset fields.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Delay returns the wait before the next run after the given
// consecutive-failure count (1-based).
func (p RetryPolicy) Delay(failures int, rng *rand.Rand) time.Duration {
	if failures < 1 {
		failures = 1
	}

	delay := float64(p.BaseDelay)
	for i := 1; i < failures; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			break
		}
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter && rng != nil {
		delay = rng.Float64() * delay
	}
	return time.Duration(delay)
}

// CircuitCooldown returns how long the job stays in Backoff once its
// circuit opens. It keeps growing with the failure count past the
// threshold, capped.
func (p RetryPolicy) CircuitCooldown(failures int) time.Duration {
	cooldown := p.Delay(failures, nil)
	if cooldown < p.MaxDelay {
		cooldown = p.MaxDelay
	}
	if cooldown > circuitCooldownCap {
		cooldown = circuitCooldownCap
	}
	return cooldown
}
