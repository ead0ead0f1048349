package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizdata/scraperd/internal/logger"
)

// fakeClock drives the manager's notion of time in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func poolConfig(policy Policy, ids ...string) Config {
	cfg := Config{
		RotationPolicy:   policy,
		FailureThreshold: 2,
		QuarantineBase:   30 * time.Second,
		QuarantineMax:    30 * time.Minute,
	}
	for _, id := range ids {
		cfg.Identities = append(cfg.Identities, IdentityConfig{
			ID:  id,
			URL: "http://" + id + ".proxy.example:8080",
		})
	}
	return cfg
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	m, err := NewManager(cfg, logger.Nop())
	require.NoError(t, err)

	clk := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m.now = clk.now
	return m, clk
}

// checkoutRelease runs one full use of whatever identity the policy
// picks and reports its ID.
func checkoutRelease(t *testing.T, m *Manager, success bool) string {
	t.Helper()
	id, err := m.Checkout()
	require.NoError(t, err)
	require.NoError(t, m.Release(id, Outcome{Success: success, Latency: 10 * time.Millisecond}))
	return id.ID
}

func TestRoundRobinVisitsEachIdentityOncePerCycle(t *testing.T) {
	m, _ := newTestManager(t, poolConfig(PolicyRoundRobin, "a", "b", "c"))

	var order []string
	for range 6 {
		order = append(order, checkoutRelease(t, m, true))
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestCheckoutExhaustsInFlightPool(t *testing.T) {
	m, _ := newTestManager(t, poolConfig(PolicyRoundRobin, "a", "b"))

	first, err := m.Checkout()
	require.NoError(t, err)
	second, err := m.Checkout()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = m.Checkout()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, m.Release(first, Outcome{Success: true}))
	again, err := m.Checkout()
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestQuarantineAfterConsecutiveFailures(t *testing.T) {
	m, _ := newTestManager(t, poolConfig(PolicyRoundRobin, "a", "b"))

	a := m.byID["a"]
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	assert.Equal(t, 0, m.QuarantinedCount())
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	assert.Equal(t, 1, m.QuarantinedCount())

	// Only the healthy identity is handed out while a cools down.
	for range 4 {
		assert.Equal(t, "b", checkoutRelease(t, m, true))
	}
}

func TestQuarantineExpiresLazilyAtCheckout(t *testing.T) {
	cfg := poolConfig(PolicyRoundRobin, "a", "b")
	m, clk := newTestManager(t, cfg)

	a := m.byID["a"]
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	require.Equal(t, 1, m.QuarantinedCount())

	clk.advance(cfg.QuarantineBase + time.Second)
	assert.Equal(t, 0, m.QuarantinedCount())

	seen := map[string]bool{}
	for range 2 {
		seen[checkoutRelease(t, m, true)] = true
	}
	assert.True(t, seen["a"], "identity should rejoin rotation after cooldown")
}

func TestRepeatQuarantineCooldownDoubles(t *testing.T) {
	cfg := poolConfig(PolicyRoundRobin, "a", "b")
	m, clk := newTestManager(t, cfg)
	a := m.byID["a"]

	require.NoError(t, m.Release(a, Outcome{Success: false}))
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	assert.Equal(t, clk.t.Add(cfg.QuarantineBase), a.quarantinedUntil)

	clk.advance(cfg.QuarantineBase + time.Second)
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	assert.Equal(t, clk.t.Add(2*cfg.QuarantineBase), a.quarantinedUntil)
}

func TestWeightedNeverSelectsQuarantined(t *testing.T) {
	m, _ := newTestManager(t, poolConfig(PolicyWeighted, "a", "b", "c"))

	c := m.byID["c"]
	require.NoError(t, m.Release(c, Outcome{Success: false}))
	require.NoError(t, m.Release(c, Outcome{Success: false}))
	require.Equal(t, 1, m.QuarantinedCount())

	for range 100 {
		id := checkoutRelease(t, m, true)
		assert.NotEqual(t, "c", id)
	}
}

func TestReleaseUpdatesHealthScores(t *testing.T) {
	m, _ := newTestManager(t, poolConfig(PolicyRoundRobin, "a"))
	a := m.byID["a"]

	require.NoError(t, m.Release(a, Outcome{Success: false, Latency: 100 * time.Millisecond}))
	assert.InDelta(t, 0.8, a.successRate, 1e-9)
	assert.Equal(t, 1, a.consecutiveFails)
	assert.Equal(t, 100*time.Millisecond, a.avgLatency)

	require.NoError(t, m.Release(a, Outcome{Success: true, Latency: 200 * time.Millisecond}))
	assert.InDelta(t, 0.84, a.successRate, 1e-9)
	assert.Equal(t, 0, a.consecutiveFails)
	assert.Equal(t, 120*time.Millisecond, a.avgLatency)
	assert.Equal(t, int64(1), a.totalSuccesses)
	assert.Equal(t, int64(1), a.totalFailures)
}

func TestReleaseUnknownIdentity(t *testing.T) {
	m, _ := newTestManager(t, poolConfig(PolicyRoundRobin, "a"))

	err := m.Release(&Identity{ID: "ghost"}, Outcome{Success: true})
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	// Same ID but a foreign instance is rejected too.
	err = m.Release(&Identity{ID: "a"}, Outcome{Success: true})
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestProbeSuccessLiftsQuarantineEarly(t *testing.T) {
	cfg := poolConfig(PolicyRoundRobin, "a", "b")
	m, _ := newTestManager(t, cfg)

	a := m.byID["a"]
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	require.Equal(t, 1, m.QuarantinedCount())

	m.probeQuarantined(context.Background(), ProbeFunc(func(context.Context, *Identity) error {
		return nil
	}))
	assert.Equal(t, 0, m.QuarantinedCount())
	assert.Equal(t, 0, a.quarantineCount)

	seen := map[string]bool{}
	for range 2 {
		seen[checkoutRelease(t, m, true)] = true
	}
	assert.True(t, seen["a"], "identity should rejoin rotation after probe lift")
}

func TestProbeFailureKeepsQuarantine(t *testing.T) {
	m, _ := newTestManager(t, poolConfig(PolicyRoundRobin, "a", "b"))

	a := m.byID["a"]
	require.NoError(t, m.Release(a, Outcome{Success: false}))
	require.NoError(t, m.Release(a, Outcome{Success: false}))

	m.probeQuarantined(context.Background(), ProbeFunc(func(context.Context, *Identity) error {
		return errors.New("connect timeout")
	}))
	assert.Equal(t, 1, m.QuarantinedCount())
}

func TestDirectIdentityWhenNoneConfigured(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	assert.Equal(t, 1, m.Size())
	id, err := m.Checkout()
	require.NoError(t, err)
	assert.Equal(t, "direct", id.ID)
	assert.True(t, id.Direct())
	assert.NotEmpty(t, id.Headers)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m, _ := newTestManager(t, poolConfig(PolicyRoundRobin, "a"))

	require.NoError(t, m.Register(IdentityConfig{ID: "b", URL: "http://b.proxy.example:8080"}))
	assert.Error(t, m.Register(IdentityConfig{ID: "b"}))
	assert.Error(t, m.Register(IdentityConfig{}))
	assert.Equal(t, 2, m.Size())
}
