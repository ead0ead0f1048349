package proxy

import (
	"errors"
	"fmt"
	"time"
)

// Policy selects how the next identity is chosen at checkout.
type Policy string

const (
	// PolicyRoundRobin visits every healthy identity once per cycle.
	PolicyRoundRobin Policy = "round_robin"
	// PolicyRandom picks uniformly among non-quarantined identities.
	PolicyRandom Policy = "random"
	// PolicyWeighted picks with probability proportional to the decayed
	// success-rate score.
	PolicyWeighted Policy = "weighted"
)

// IsValid reports whether the policy is a known rotation policy.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyRoundRobin, PolicyRandom, PolicyWeighted:
		return true
	default:
		return false
	}
}

// IdentityConfig declares one identity in the pool.
type IdentityConfig struct {
	// ID is the stable identifier. Required.
	ID string `mapstructure:"id" yaml:"id"`
	// URL is the proxy endpoint; empty means direct.
	URL string `mapstructure:"url" yaml:"url"`
	// Headers overrides the generated stealth header set when non-empty.
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Config holds configuration for the identity Manager.
type Config struct {
	// Identities defines the pool. An empty pool gets a single direct
	// identity so the scraper still works without proxies.
	Identities []IdentityConfig `mapstructure:"identities" yaml:"identities"`
	// RotationPolicy selects the checkout policy.
	RotationPolicy Policy `mapstructure:"rotation_policy" yaml:"rotation_policy"`
	// FailureThreshold is the consecutive-failure count that quarantines
	// an identity.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// QuarantineBase is the first quarantine cooldown; each repeat doubles
	// it up to QuarantineMax.
	QuarantineBase time.Duration `mapstructure:"quarantine_base" yaml:"quarantine_base"`
	// QuarantineMax caps the quarantine cooldown.
	QuarantineMax time.Duration `mapstructure:"quarantine_max" yaml:"quarantine_max"`
	// HealthCheckInterval is how often quarantined identities are probed.
	// Zero disables the probe loop; quarantine then only expires lazily.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	// ProbeURL is the lightweight endpoint used by health probes.
	ProbeURL string `mapstructure:"probe_url" yaml:"probe_url"`
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// Defaults.
const (
	DefaultFailureThreshold = 3
	DefaultQuarantineBase   = 30 * time.Second
	DefaultQuarantineMax    = 30 * time.Minute
	DefaultProbeTimeout     = 10 * time.Second
	DefaultProbeURL         = "https://httpbin.org/ip"
)

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.RotationPolicy == "" {
		c.RotationPolicy = PolicyRoundRobin
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.QuarantineBase <= 0 {
		c.QuarantineBase = DefaultQuarantineBase
	}
	if c.QuarantineMax <= 0 {
		c.QuarantineMax = DefaultQuarantineMax
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeURL == "" {
		c.ProbeURL = DefaultProbeURL
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.RotationPolicy.IsValid() {
		return fmt.Errorf("unknown rotation policy %q", c.RotationPolicy)
	}
	seen := make(map[string]struct{}, len(c.Identities))
	for i, id := range c.Identities {
		if id.ID == "" {
			return fmt.Errorf("identity %d: id is required", i)
		}
		if _, dup := seen[id.ID]; dup {
			return fmt.Errorf("duplicate identity id %q", id.ID)
		}
		seen[id.ID] = struct{}{}
	}
	if c.QuarantineMax < c.QuarantineBase {
		return errors.New("quarantine_max must be >= quarantine_base")
	}
	return nil
}
