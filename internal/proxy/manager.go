package proxy

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/wizdata/scraperd/internal/logger"
)

var (
	// ErrPoolExhausted is returned by Checkout when every identity is
	// quarantined or already in flight.
	ErrPoolExhausted = errors.New("proxy pool exhausted")

	// ErrUnknownIdentity is returned by Release for an identity the
	// manager does not own.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// ewmaAlpha is the smoothing factor for the rolling success-rate and
// latency scores. Higher values react faster to recent outcomes.
const ewmaAlpha = 0.2

// weightFloor keeps weighted rotation from starving an identity whose
// score has decayed to zero.
const weightFloor = 0.05

// Outcome records the result of one use of an identity.
type Outcome struct {
	Success bool
	Latency time.Duration
}

// Manager owns the identity pool. Checkout hands out at most one in-flight
// use per identity; Release records the outcome and drives quarantine.
type Manager struct {
	mu         sync.Mutex
	identities []*Identity
	byID       map[string]*Identity
	policy     Policy
	rrCursor   int
	cfg        Config
	rng        *rand.Rand
	now        func() time.Time
	log        logger.Logger
}

// NewManager creates a Manager from configuration.
func NewManager(cfg Config, log logger.Logger) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	idCfgs := cfg.Identities
	if len(idCfgs) == 0 {
		// No proxies configured: run with a single direct identity.
		idCfgs = []IdentityConfig{{ID: "direct"}}
	}

	m := &Manager{
		identities: make([]*Identity, 0, len(idCfgs)),
		byID:       make(map[string]*Identity, len(idCfgs)),
		policy:     cfg.RotationPolicy,
		cfg:        cfg,
		rng:        rng,
		now:        time.Now,
		log:        log,
	}

	for _, ic := range idCfgs {
		headers := ic.Headers
		if len(headers) == 0 {
			headers = StealthHeaders(rng)
		}
		id := &Identity{
			ID:          ic.ID,
			ProxyURL:    ic.URL,
			Headers:     headers,
			successRate: 1.0,
		}
		m.identities = append(m.identities, id)
		m.byID[id.ID] = id
	}

	log.Info("proxy pool initialized",
		logger.Int("identities", len(m.identities)),
		logger.String("policy", string(cfg.RotationPolicy)),
	)

	return m, nil
}

// Register adds an identity to the pool at runtime.
func (m *Manager) Register(cfg IdentityConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.ID == "" {
		return errors.New("identity id is required")
	}
	if _, dup := m.byID[cfg.ID]; dup {
		return errors.New("identity already registered")
	}

	headers := cfg.Headers
	if len(headers) == 0 {
		headers = StealthHeaders(m.rng)
	}
	id := &Identity{ID: cfg.ID, ProxyURL: cfg.URL, Headers: headers, successRate: 1.0}
	m.identities = append(m.identities, id)
	m.byID[id.ID] = id
	return nil
}

// Checkout selects an identity for one outbound request. Quarantine expiry
// is lazy: it is checked here, not by a timer.
func (m *Manager) Checkout() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	eligible := m.eligibleLocked(now)
	if len(eligible) == 0 {
		return nil, ErrPoolExhausted
	}

	var chosen *Identity
	switch m.policy {
	case PolicyRandom:
		chosen = eligible[m.rng.Intn(len(eligible))]
	case PolicyWeighted:
		chosen = m.pickWeightedLocked(eligible)
	default: // round-robin
		chosen = m.pickRoundRobinLocked(now)
	}

	chosen.inFlight = true
	chosen.lastUsedAt = now
	return chosen, nil
}

// Release returns an identity to the pool and records the outcome of its
// use. It must be called exactly once per successful Checkout.
func (m *Manager) Release(id *Identity, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.byID[id.ID]
	if !ok || owned != id {
		return ErrUnknownIdentity
	}

	owned.inFlight = false

	if outcome.Latency > 0 {
		if owned.avgLatency == 0 {
			owned.avgLatency = outcome.Latency
		} else {
			owned.avgLatency = time.Duration(ewmaAlpha*float64(outcome.Latency) + (1-ewmaAlpha)*float64(owned.avgLatency))
		}
	}

	if outcome.Success {
		owned.successRate = ewmaAlpha*1 + (1-ewmaAlpha)*owned.successRate
		owned.consecutiveFails = 0
		owned.quarantineCount = 0
		owned.lastSuccessAt = m.now()
		owned.totalSuccesses++
		return nil
	}

	owned.successRate = (1 - ewmaAlpha) * owned.successRate
	owned.consecutiveFails++
	owned.totalFailures++

	if owned.consecutiveFails >= m.cfg.FailureThreshold {
		m.quarantineLocked(owned)
	}
	return nil
}

// quarantineLocked puts an identity into an exponentially growing cooldown.
func (m *Manager) quarantineLocked(id *Identity) {
	cooldown := m.cfg.QuarantineBase << id.quarantineCount
	if cooldown > m.cfg.QuarantineMax || cooldown <= 0 {
		cooldown = m.cfg.QuarantineMax
	}
	id.quarantineCount++
	id.quarantinedUntil = m.now().Add(cooldown)
	id.consecutiveFails = 0

	m.log.Warn("identity quarantined",
		logger.String("identity", id.ID),
		logger.Duration("cooldown", cooldown),
		logger.Int("quarantine_count", id.quarantineCount),
	)
}

// eligibleLocked returns identities that are neither quarantined nor in
// flight, in pool order.
func (m *Manager) eligibleLocked(now time.Time) []*Identity {
	out := make([]*Identity, 0, len(m.identities))
	for _, id := range m.identities {
		if id.inFlight || id.quarantined(now) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// pickRoundRobinLocked advances a cursor over the pool, skipping
// quarantined and in-flight identities, so every healthy identity is
// visited once per full cycle.
func (m *Manager) pickRoundRobinLocked(now time.Time) *Identity {
	n := len(m.identities)
	for i := 0; i < n; i++ {
		id := m.identities[m.rrCursor%n]
		m.rrCursor = (m.rrCursor + 1) % n
		if id.inFlight || id.quarantined(now) {
			continue
		}
		return id
	}
	return nil // unreachable: caller checked eligibility
}

// pickWeightedLocked samples proportionally to the decayed success rate.
func (m *Manager) pickWeightedLocked(eligible []*Identity) *Identity {
	total := 0.0
	for _, id := range eligible {
		total += id.successRate + weightFloor
	}
	r := m.rng.Float64() * total
	for _, id := range eligible {
		r -= id.successRate + weightFloor
		if r <= 0 {
			return id
		}
	}
	return eligible[len(eligible)-1]
}

// Stats returns a snapshot of every identity's health.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Stats, len(m.identities))
	for i, id := range m.identities {
		out[i] = id.snapshot(now)
	}
	return out
}

// QuarantinedCount returns how many identities are currently quarantined.
func (m *Manager) QuarantinedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, id := range m.identities {
		if id.quarantined(now) {
			count++
		}
	}
	return count
}

// Size returns the pool size.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.identities)
}

// liftQuarantine clears an identity's quarantine after a successful probe.
func (m *Manager) liftQuarantine(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.byID[id]
	if !ok {
		return
	}
	owned.quarantinedUntil = time.Time{}
	owned.quarantineCount = 0
	owned.consecutiveFails = 0
}

// quarantinedSnapshot returns the identities currently quarantined.
func (m *Manager) quarantinedSnapshot() []*Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []*Identity
	for _, id := range m.identities {
		if id.quarantined(now) && !id.inFlight {
			out = append(out, id)
		}
	}
	return out
}

// RunHealthChecks periodically probes quarantined identities and lifts
// quarantine early on success. Blocks until ctx is cancelled. A zero
// interval disables the loop.
func (m *Manager) RunHealthChecks(ctx context.Context, probe Prober) {
	if m.cfg.HealthCheckInterval <= 0 {
		return
	}
	if probe == nil {
		probe = NewHTTPProber(m.cfg.ProbeURL, m.cfg.ProbeTimeout)
	}

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeQuarantined(ctx, probe)
		}
	}
}

func (m *Manager) probeQuarantined(ctx context.Context, probe Prober) {
	for _, id := range m.quarantinedSnapshot() {
		if err := probe.Probe(ctx, id); err != nil {
			m.log.Debug("health probe failed",
				logger.String("identity", id.ID),
				logger.Error(err),
			)
			continue
		}
		m.liftQuarantine(id.ID)
		m.log.Info("quarantine lifted after successful probe",
			logger.String("identity", id.ID),
		)
	}
}
