package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/keyforge/internal/coordinator"
	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/estimator"
	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/logging"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/resource"
	"github.com/Iron-Ham/keyforge/internal/strategy"
	"github.com/Iron-Ham/keyforge/internal/target"
)

const instrumentationName = "github.com/Iron-Ham/keyforge/internal/engine"

// Engine runs recovery sessions on top of the scheduler components.
type Engine struct {
	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	// runMu serializes sessions; phases of one session already use the
	// whole pool.
	runMu sync.Mutex

	cfg        Config
	hw         resource.HardwareConfig
	watch      bool
	bus        *event.Bus
	events     *event.Queue
	registry   *phase.Registry
	resources  *resource.Manager
	estimator  *estimator.Estimator
	strategies *strategy.Manager
	coord      *coordinator.Coordinator
	scopes     *scopes
	logger     *logging.Logger
}

// New creates an engine for the given hardware. Components are created but
// nothing runs until Start.
func New(cfg Config, hw resource.HardwareConfig, opts ...Option) *Engine {
	cfg = cfg.normalized()
	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger).WithComponent("engine")
	if o.bus == nil {
		o.bus = event.NewBus(event.WithLogger(logger))
	}
	if o.registry == nil {
		o.registry = phase.NewRegistry()
	}

	resOpts := []resource.Option{resource.WithLogger(o.logger)}
	if o.sampler != nil {
		resOpts = append(resOpts, resource.WithSampler(o.sampler))
	}
	resources := resource.NewManager(hw, resOpts...)

	estOpts := []estimator.Option{estimator.WithLogger(o.logger)}
	stratOpts := []strategy.Option{strategy.WithLogger(o.logger)}
	if o.store != nil {
		estOpts = append(estOpts, estimator.WithStore(o.store))
		stratOpts = append(stratOpts, strategy.WithStore(o.store))
	}
	est := estimator.New(cfg.Estimator, estOpts...)
	stratOpts = append(stratOpts, strategy.WithEstimator(est))

	e := &Engine{
		cfg:        cfg,
		hw:         hw,
		watch:      cfg.WatchPreferences && o.store != nil,
		bus:        o.bus,
		events:     event.NewQueue(cfg.EventBuffer),
		registry:   o.registry,
		resources:  resources,
		estimator:  est,
		strategies: strategy.NewManager(cfg.Strategy, stratOpts...),
		scopes:     newScopes(),
		logger:     logger,
	}
	e.events.Attach(e.bus)
	e.coord = coordinator.New(gatedExecutors{registry: e.registry, scopes: e.scopes}, cfg.Coordinator,
		coordinator.WithBus(e.bus),
		coordinator.WithLogger(o.logger),
		coordinator.WithAllocator(resources),
	)
	return e
}

// Start starts the coordinator and, when configured with a store, the
// preferences watcher. An engine cannot be restarted once stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.NewSchedulerError("cannot restart a stopped engine", errors.ErrCoordinatorStopped)
	}
	if e.started {
		return errors.NewSchedulerError("engine already started", nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := e.coord.Start(ctx); err != nil {
		cancel()
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if e.watch {
		g.Go(func() error { return e.strategies.Watch(gctx) })
	}
	e.cancel = cancel
	e.group = g
	e.started = true
	e.logger.Info("engine started",
		"platform", e.hw.Platform,
		"cpus", e.hw.CPU.Count,
		"gpus", len(e.hw.GPUs),
		"watch_preferences", e.watch)
	return nil
}

// Stop stops the coordinator and the watcher, releases every outstanding
// resource grant and closes the event queue. It is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	wasStarted := e.started
	e.started = false
	cancel, g := e.cancel, e.group
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.coord.Stop()
	if g != nil {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("preferences watcher stopped with error", "error", err.Error())
		}
	}
	if n := e.resources.ReleaseAll(); n > 0 {
		e.logger.Warn("released outstanding resource grants", "count", n)
	}
	e.events.Close()
	if wasStarted {
		e.logger.Info("engine stopped")
	}
}

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

// Hardware returns the hardware the engine plans for.
func (e *Engine) Hardware() resource.HardwareConfig { return e.hw }

// Registry returns the phase executor registry.
func (e *Engine) Registry() *phase.Registry { return e.registry }

// Resources returns the resource manager.
func (e *Engine) Resources() *resource.Manager { return e.resources }

// Estimator returns the success probability estimator.
func (e *Engine) Estimator() *estimator.Estimator { return e.estimator }

// Strategies returns the strategy manager.
func (e *Engine) Strategies() *strategy.Manager { return e.strategies }

// Coordinator returns the task coordinator.
func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coord }

// Bus returns the event bus shared with the coordinator.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Events returns the bounded queue that collects every published event.
// The oldest events are dropped when nobody drains it.
func (e *Engine) Events() *event.Queue { return e.events }

// Plan is the strategy chosen for a target with its recommendation.
type Plan struct {
	Target         target.Target           `json:"target"`
	Strategy       strategy.Strategy       `json:"strategy"`
	Recommendation strategy.Recommendation `json:"recommendation"`
}

// Plan selects and adapts a strategy for t and estimates its chances
// without running anything.
func (e *Engine) Plan(t target.Target, o strategy.Overrides) (Plan, error) {
	s, err := e.strategies.AdjustStrategy(t, e.hw, o)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Target:         t,
		Strategy:       s,
		Recommendation: e.strategies.EstimateStrategy(t, s, e.hw),
	}, nil
}

// Compare estimates every base strategy for t.
func (e *Engine) Compare(t target.Target) strategy.Comparison {
	return e.strategies.CompareStrategies(t, e.hw)
}

// scopes maps the scope IDs of running phases to their contexts. A task
// whose scope is gone or canceled belongs to a phase that already ended.
type scopes struct {
	mu   sync.Mutex
	next uint64
	ctxs map[uint64]context.Context
}

func newScopes() *scopes {
	return &scopes{ctxs: make(map[uint64]context.Context)}
}

func (s *scopes) open(ctx context.Context) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.ctxs[s.next] = ctx
	return s.next
}

func (s *scopes) close(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ctxs, id)
}

func (s *scopes) lookup(id uint64) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.ctxs[id]
	return ctx, ok
}

// scopedData tags a payload with the phase it was submitted for.
type scopedData struct {
	scope uint64
	data  any
}

// gatedExecutors resolves executors from the registry and ties scoped
// executions to their phase context.
type gatedExecutors struct {
	registry *phase.Registry
	scopes   *scopes
}

func (g gatedExecutors) Lookup(phaseType string) (phase.Executor, error) {
	exec, err := g.registry.Lookup(phaseType)
	if err != nil {
		return nil, err
	}
	return phase.ExecutorFunc(func(ctx context.Context, p phase.Payload) (phase.Result, error) {
		sd, ok := p.Data.(scopedData)
		if !ok {
			return exec.Execute(ctx, p)
		}
		pctx, ok := g.scopes.lookup(sd.scope)
		if !ok || pctx.Err() != nil {
			return phase.Result{PhaseType: p.PhaseType}, nil
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(pctx, cancel)
		defer stop()

		p.Data = sd.data
		res, err := exec.Execute(ctx, p)
		if err != nil && pctx.Err() != nil {
			// the phase ended while this task ran; retrying is pointless
			return phase.Result{PhaseType: p.PhaseType, Attempts: res.Attempts}, nil
		}
		return res, err
	}), nil
}
