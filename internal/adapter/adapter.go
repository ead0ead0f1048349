// Package adapter defines the three-stage source adapter contract
// (fetch, parse, normalize) and the registry that maps source names to
// adapter factories.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/proxy"
)

// Adapter is one external data source. Implementations must not retry
// internally: retry and backoff are owned by the orchestrator so that
// backoff state stays centralized.
type Adapter interface {
	// Source returns the registered source name.
	Source() string
	// Class returns the entity class of the records this adapter
	// produces, used for topic addressing (raw.<source>.<class>).
	Class() string
	// Fetch performs the network call through the given identity.
	Fetch(ctx context.Context, id *proxy.Identity) (domain.RawPayload, error)
	// Parse extracts field maps from the raw payload.
	Parse(raw domain.RawPayload) (domain.ParsedFields, error)
	// Normalize converts parsed fields into records.
	Normalize(fields domain.ParsedFields) ([]domain.Record, error)
}

// Options carries per-source construction settings from configuration.
type Options struct {
	// BaseURL overrides the adapter's default endpoint.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// APIKey is the vendor API key, when the source needs one.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// Symbols restricts which entities the adapter fetches.
	Symbols []string `mapstructure:"symbols" yaml:"symbols"`
	// Timeout bounds a single fetch.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Factory builds an adapter instance from options.
type Factory func(opts Options) (Adapter, error)

// Registry maps source names to adapter factories. Sources register at
// startup; lookups at run time are read-only.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a source name.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("source name is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for source %q is nil", name)
	}
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("source %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Has reports whether a source name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Build constructs an adapter for the named source.
func (r *Registry) Build(name string, opts Options) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return factory(opts)
}

// Names returns the registered source names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
