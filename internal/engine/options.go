package engine

import (
	"time"

	"github.com/Iron-Ham/keyforge/internal/config"
	"github.com/Iron-Ham/keyforge/internal/coordinator"
	"github.com/Iron-Ham/keyforge/internal/estimator"
	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/logging"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/resource"
	"github.com/Iron-Ham/keyforge/internal/store"
	"github.com/Iron-Ham/keyforge/internal/strategy"
)

// Config holds the engine tunables and those of the components it creates.
type Config struct {
	Coordinator coordinator.Config
	Strategy    strategy.Config
	Estimator   estimator.Config

	// BatchSize is the number of candidates per task.
	BatchSize int
	// MonitorInterval is the realtime check period of a running phase.
	// Zero disables the checks.
	MonitorInterval time.Duration
	// WatchPreferences reloads the preferences file while the engine runs.
	WatchPreferences bool
	// EventBuffer is the capacity of the observer queue.
	EventBuffer int
}

// DefaultConfig returns the defaults of every component.
func DefaultConfig() Config {
	return Config{
		Coordinator:     coordinator.DefaultConfig(),
		Strategy:        strategy.DefaultConfig(),
		Estimator:       estimator.DefaultConfig(),
		BatchSize:       1000,
		MonitorInterval: 5 * time.Second,
		EventBuffer:     1024,
	}
}

// ConfigFrom converts the application config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Coordinator:      coordinator.ConfigFrom(c.Coordinator),
		Strategy:         strategy.ConfigFrom(c.Strategy),
		Estimator:        estimator.ConfigFrom(c.Estimator),
		BatchSize:        c.Engine.BatchSize,
		MonitorInterval:  c.Engine.MonitorInterval(),
		WatchPreferences: c.Strategy.WatchPreferences,
		EventBuffer:      c.Coordinator.EventBuffer,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	c.MonitorInterval = max(0, c.MonitorInterval)
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// engineOptions holds optional collaborators for an Engine.
type engineOptions struct {
	store    *store.Store
	logger   *logging.Logger
	bus      *event.Bus
	registry *phase.Registry
	sampler  resource.Sampler
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithStore persists preferences, success patterns and estimator state.
// Without a store everything is kept in memory.
func WithStore(s *store.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *logging.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithBus sets the event bus. If nil, a new bus is created.
func WithBus(b *event.Bus) Option {
	return func(o *engineOptions) { o.bus = b }
}

// WithRegistry sets the phase executor registry. If nil, an empty registry
// is created and executors can be added through Engine.Registry.
func WithRegistry(r *phase.Registry) Option {
	return func(o *engineOptions) { o.registry = r }
}

// WithSampler sets the live usage sampler of the resource manager.
func WithSampler(s resource.Sampler) Option {
	return func(o *engineOptions) { o.sampler = s }
}
