// Package config loads and validates the process configuration from a
// YAML file, environment variables and an optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/orchestrator"
	"github.com/wizdata/scraperd/internal/proxy"
	"github.com/wizdata/scraperd/internal/quality"
	"github.com/wizdata/scraperd/internal/queue"
	"github.com/wizdata/scraperd/internal/worker"
)

// AppConfig identifies the process.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig tunes the admin HTTP server.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// Config is the full process configuration.
type Config struct {
	App     AppConfig                `mapstructure:"app"`
	Logger  logger.Config            `mapstructure:"logger"`
	Server  ServerConfig             `mapstructure:"server"`
	Worker  worker.Config            `mapstructure:"worker"`
	Proxy   proxy.Config             `mapstructure:"proxy"`
	Queue   queue.Config             `mapstructure:"queue"`
	Quality map[string]quality.Rules `mapstructure:"quality"`
	Jobs    []orchestrator.JobConfig `mapstructure:"jobs"`
}

// Load reads configuration. path names an explicit config file; empty
// means search ./config.yaml and ./config/config.yaml. A missing file
// is fine when env vars and defaults suffice.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvPrefix("scraperd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		_ = v.ReadInConfig()
	}

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app", map[string]any{
		"name":        "scraperd",
		"environment": "production",
		"debug":       false,
	})
	v.SetDefault("logger", map[string]any{
		"level":        "info",
		"development":  false,
		"output_paths": []string{"stdout"},
	})
	v.SetDefault("server", map[string]any{
		"address": ":8080",
	})
	v.SetDefault("worker", map[string]any{
		"pool_size":     worker.DefaultPoolSize,
		"run_timeout":   "2m",
		"drain_timeout": "30s",
	})
	v.SetDefault("queue", map[string]any{
		"backend":               queue.BackendMemory,
		"max_delivery_attempts": queue.DefaultMaxDeliveryAttempts,
		"capacity":              queue.DefaultCapacity,
	})
}

func bindEnvVars(v *viper.Viper) error {
	binds := map[string][]string{
		"app.environment":      {"APP_ENV"},
		"app.debug":            {"APP_DEBUG"},
		"logger.level":         {"LOG_LEVEL"},
		"server.address":       {"SERVER_ADDRESS"},
		"queue.backend":        {"QUEUE_BACKEND"},
		"queue.redis.addr":     {"REDIS_ADDR"},
		"queue.redis.password": {"REDIS_PASSWORD"},
	}
	for key, envs := range binds {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// setDefaults fills nested defaults after unmarshalling.
func (c *Config) setDefaults() {
	c.Logger.SetDefaults()
	c.Worker.SetDefaults()
	c.Proxy.SetDefaults()
	c.Queue.SetDefaults()
	if c.App.Debug {
		c.Logger.Level = "debug"
	}
	if c.App.Environment == "development" {
		c.Logger.Development = true
	}
}

// Validate checks the loaded configuration. Job definitions are checked
// structurally here; source existence is enforced at registration.
func (c *Config) Validate() error {
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy config: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job %d: name is required", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("job %s: duplicate name", job.Name)
		}
		seen[job.Name] = true
		if job.Source == "" {
			return fmt.Errorf("job %s: source is required", job.Name)
		}
		if job.Cron == "" && job.Interval <= 0 {
			return fmt.Errorf("job %s: interval or cron is required", job.Name)
		}
	}
	return nil
}
