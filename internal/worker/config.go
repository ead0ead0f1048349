package worker

import (
	"errors"
	"time"
)

// Default pool settings.
const (
	DefaultPoolSize     = 5
	DefaultRunTimeout   = 2 * time.Minute
	DefaultDrainTimeout = 30 * time.Second
)

// Config holds worker pool configuration.
type Config struct {
	// PoolSize is the number of concurrent run slots shared by all
	// jobs.
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
	// RunTimeout bounds one job run. Exceeding it counts as a failure
	// and frees the slot.
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	// DrainTimeout bounds how long Stop waits for in-flight runs.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.PoolSize <= 0 {
		return errors.New("pool size must be positive")
	}
	if c.RunTimeout <= 0 {
		return errors.New("run timeout must be positive")
	}
	return nil
}
