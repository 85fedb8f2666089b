package coordinator

import (
	"context"
	"runtime"
	"time"

	"github.com/Iron-Ham/keyforge/internal/config"
	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/logging"
	"github.com/Iron-Ham/keyforge/internal/worker"
)

// Config holds the coordinator tunables. A zero interval disables the
// corresponding periodic loop.
type Config struct {
	MinWorkers           int
	MaxWorkers           int
	MaxQueueSize         int // global backlog capacity
	StealThreshold       int // queue length gap that triggers stealing
	MaxAttempts          int
	IdleTimeout          time.Duration
	BalanceInterval      time.Duration
	ScaleCheckInterval   time.Duration
	ScaleCooldown        time.Duration // minimum gap between pool size changes
	CleanupInterval      time.Duration
	RecordRetention      time.Duration
	TaskTimeout          time.Duration // 0 means no timeout
	RetryBackoff         time.Duration // delay is attempts * RetryBackoff
	EnableStealing       bool
	EnableDynamicScaling bool
}

// DefaultConfig returns defaults sized to the host CPU count.
func DefaultConfig() Config {
	cpus := runtime.NumCPU()
	return Config{
		MinWorkers:           max(1, cpus/2),
		MaxWorkers:           max(1, cpus),
		MaxQueueSize:         10000,
		StealThreshold:       5,
		MaxAttempts:          3,
		IdleTimeout:          30 * time.Second,
		BalanceInterval:      time.Second,
		ScaleCheckInterval:   5 * time.Second,
		CleanupInterval:      time.Minute,
		RecordRetention:      time.Hour,
		TaskTimeout:          time.Minute,
		RetryBackoff:         time.Second,
		EnableStealing:       true,
		EnableDynamicScaling: true,
	}
}

// ConfigFrom converts the coordinator section of the application config.
func ConfigFrom(c config.CoordinatorConfig) Config {
	return Config{
		MinWorkers:           c.MinWorkers,
		MaxWorkers:           c.MaxWorkers,
		MaxQueueSize:         c.MaxQueueSize,
		StealThreshold:       c.StealThreshold,
		MaxAttempts:          c.MaxAttempts,
		IdleTimeout:          c.IdleTimeout(),
		BalanceInterval:      c.BalanceInterval(),
		ScaleCheckInterval:   c.ScaleCheckInterval(),
		ScaleCooldown:        c.ScaleCooldown(),
		CleanupInterval:      c.CleanupInterval(),
		RecordRetention:      c.RecordRetention(),
		TaskTimeout:          c.TaskTimeout(),
		RetryBackoff:         c.RetryBackoff(),
		EnableStealing:       c.EnableStealing,
		EnableDynamicScaling: c.EnableDynamicScaling,
	}
}

func (c Config) normalized() Config {
	c.MinWorkers = max(0, c.MinWorkers)
	c.MaxWorkers = max(1, c.MinWorkers, c.MaxWorkers)
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	c.StealThreshold = max(1, c.StealThreshold)
	c.MaxAttempts = max(1, c.MaxAttempts)
	if c.RecordRetention <= 0 {
		c.RecordRetention = time.Hour
	}
	return c
}

// Handle is the coordinator's view of a running worker.
type Handle interface {
	ID() string
	Start(ctx context.Context)
	Send(msg worker.Message) bool
	Terminate()
	Wait()
}

// WorkerFactory builds a worker that reports to out.
type WorkerFactory func(id string, epoch uint64, out chan<- worker.Message) Handle

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus publishes coordinator events on bus.
func WithBus(bus *event.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithAllocator makes every task execution hold a resource grant.
func WithAllocator(a worker.Allocator) Option {
	return func(c *Coordinator) { c.alloc = a }
}

// WithWorkerFactory replaces the default goroutine worker.
func WithWorkerFactory(f WorkerFactory) Option {
	return func(c *Coordinator) { c.factory = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}
