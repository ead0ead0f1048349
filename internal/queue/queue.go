// Package queue defines the topic-addressed, at-least-once delivery
// contract for accepted records. Two implementations exist: redisq
// (Redis Streams, durable, cross-process) and memq (in-process bounded
// channels). Producers and consumers only see this package's types.
package queue

import (
	"fmt"
	"time"

	"github.com/wizdata/scraperd/internal/domain"
)

// Topic returns the topic name for a source and entity class, e.g.
// raw.coingecko.crypto_price.
func Topic(source, class string) string {
	return "raw." + source + "." + class
}

// Message is the delivery envelope around one record. Attempt starts at
// 1 on first delivery and increments on each redelivery.
type Message struct {
	ID         string        `json:"id"`
	Topic      string        `json:"topic"`
	Record     domain.Record `json:"record"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Attempt    int           `json:"attempt"`
}

// Receipt confirms that a published record was accepted for delivery.
// For the broker-backed queue this confirms enqueue, not consumption.
type Receipt struct {
	MessageID string
	Topic     string
}

// Handler consumes one message. A non-nil error triggers redelivery up
// to the queue's attempt limit; after that the message is dropped and
// logged as a delivery failure.
type Handler func(msg Message) error

// Queue is the publish/subscribe contract shared by both backends.
type Queue interface {
	// Publish enqueues a record on a topic.
	Publish(topic string, rec domain.Record) (Receipt, error)
	// Subscribe registers a handler for a topic. Delivery starts
	// immediately and continues until Close.
	Subscribe(topic string, handler Handler) error
	// Close stops delivery and releases backend resources. In-flight
	// handler calls complete first.
	Close() error
}

// PublishError indicates a record could not be enqueued. The record is
// not re-fetched: re-fetching would duplicate acquisition.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Config selects and tunes the queue backend.
type Config struct {
	// Backend is "redis" or "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// MaxDeliveryAttempts bounds redelivery after handler failures.
	MaxDeliveryAttempts int `mapstructure:"max_delivery_attempts" yaml:"max_delivery_attempts"`
	// Capacity bounds each in-process topic channel (memory backend).
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	// Redis configures the broker-backed backend.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// Prefix namespaces stream keys, default "scraperd".
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// Group is the consumer group name, default "scraperd".
	Group string `mapstructure:"group" yaml:"group"`
}

// Backend names.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Defaults.
const (
	DefaultMaxDeliveryAttempts = 3
	DefaultCapacity            = 1024
)

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "scraperd"
	}
	if c.Redis.Group == "" {
		c.Redis.Group = "scraperd"
	}
}

// Validate checks backend selection.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("queue backend %q requires redis.addr", c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown queue backend %q", c.Backend)
	}
	return nil
}
