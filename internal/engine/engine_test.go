package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/keyforge/internal/config"
	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/resource"
	"github.com/Iron-Ham/keyforge/internal/store"
	"github.com/Iron-Ham/keyforge/internal/strategy"
	"github.com/Iron-Ham/keyforge/internal/target"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSampler struct {
	free uint64
	cpu  float64
}

func (s fakeSampler) Memory() (resource.MemoryInfo, error) {
	return resource.MemoryInfo{Total: 16 * resource.GiB, Free: s.free}, nil
}

func (s fakeSampler) CPUUsage(context.Context, time.Duration) (float64, error) {
	return s.cpu, nil
}

func (s fakeSampler) TempFree(string) (uint64, error) { return 100 * resource.GiB, nil }

func testHardware() resource.HardwareConfig {
	return resource.HardwareConfig{
		Platform: "linux",
		Arch:     "amd64",
		CPU:      resource.CPUInfo{Count: 4},
		Memory:   resource.MemoryInfo{Total: 16 * resource.GiB, Free: 12 * resource.GiB},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Coordinator.MinWorkers = 2
	cfg.Coordinator.MaxWorkers = 2
	cfg.Coordinator.MaxAttempts = 2
	cfg.Coordinator.RetryBackoff = time.Millisecond
	cfg.Coordinator.TaskTimeout = 0
	cfg.Coordinator.BalanceInterval = 0
	cfg.Coordinator.ScaleCheckInterval = 0
	cfg.Coordinator.CleanupInterval = 0
	cfg.BatchSize = 2
	cfg.MonitorInterval = 0
	return cfg
}

func startEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithSampler(fakeSampler{free: 12 * resource.GiB, cpu: 0.1})}, opts...)
	e := New(cfg, testHardware(), opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

// plan registers a custom strategy running phases in the given order.
func plan(t *testing.T, e *Engine, d strategy.Definition) strategy.Overrides {
	t.Helper()
	s, err := e.Strategies().CreateCustomStrategy("test plan", d)
	require.NoError(t, err)
	return strategy.Overrides{Mode: s.Name()}
}

func twoPhases() strategy.Definition {
	return strategy.Definition{
		Phases:  []string{phase.Dictionary, phase.Keyboard},
		Weights: map[string]float64{phase.Dictionary: 0.6, phase.Keyboard: 0.4},
	}
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// blocking waits for cancellation.
var blocking = phase.ExecutorFunc(func(ctx context.Context, _ phase.Payload) (phase.Result, error) {
	<-ctx.Done()
	return phase.Result{}, ctx.Err()
})

func TestConfigFrom(t *testing.T) {
	c := config.Default()
	got := ConfigFrom(c)
	assert.Equal(t, c.Engine.BatchSize, got.BatchSize)
	assert.Equal(t, 5*time.Second, got.MonitorInterval)
	assert.Equal(t, c.Coordinator.EventBuffer, got.EventBuffer)
	assert.Equal(t, c.Strategy.WatchPreferences, got.WatchPreferences)
	assert.Equal(t, c.Strategy.DefaultMode, got.Strategy.DefaultMode)
}

func TestLifecycle(t *testing.T) {
	e := New(testConfig(), testHardware())

	_, err := e.Run(context.Background(), Job{Target: target.New("a.zip", 10, time.Time{})})
	assert.True(t, errors.Is(err, errors.ErrCoordinatorStopped), "Run before Start: %v", err)

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Running())
	assert.Error(t, e.Start(context.Background()), "second Start")

	e.Stop()
	e.Stop()
	assert.False(t, e.Running())

	err = e.Start(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCoordinatorStopped), "Start after Stop: %v", err)
	_, err = e.Run(context.Background(), Job{Target: target.New("a.zip", 10, time.Time{})})
	assert.True(t, errors.Is(err, errors.ErrCoordinatorStopped), "Run after Stop: %v", err)
}

func TestRun_RequiresTarget(t *testing.T) {
	e := startEngine(t, testConfig())
	_, err := e.Run(runCtx(t), Job{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput), "got %v", err)
}

func TestRun_UnknownMode(t *testing.T) {
	e := startEngine(t, testConfig())
	_, err := e.Run(runCtx(t), Job{
		Target:    target.New("a.zip", 10, time.Time{}),
		Overrides: strategy.Overrides{Mode: "NOPE"},
	})
	assert.True(t, errors.Is(err, errors.ErrStrategyNotFound), "got %v", err)
}

func TestRun_FindsPassword(t *testing.T) {
	e := startEngine(t, testConfig())
	e.Registry().Register(phase.Dictionary, phase.NewCandidateList(phase.EqualMatcher))
	e.Registry().Register(phase.Keyboard, phase.NewCandidateList(phase.EqualMatcher))

	out, err := e.Run(runCtx(t), Job{
		Target: target.New("/home/me/photos/holiday.zip", 4096, time.Time{}),
		Secret: "secret",
		Sources: map[string][]string{
			phase.Dictionary: {"a", "b", "c", "d", "e"},
			phase.Keyboard:   {"qwerty", "secret", "asdf"},
		},
		Overrides: plan(t, e, twoPhases()),
	})
	require.NoError(t, err)

	assert.True(t, out.Found)
	assert.Equal(t, "secret", out.Password)
	assert.Equal(t, phase.Keyboard, out.Phase)
	assert.Equal(t, "TEST_PLAN", out.Strategy)
	assert.False(t, out.TimedOut)
	require.Len(t, out.Phases, 2)

	dict := out.Phases[0]
	assert.Equal(t, phase.Dictionary, dict.Phase)
	assert.Equal(t, StatusExhausted, dict.Status)
	assert.Equal(t, 3, dict.Tasks)
	assert.EqualValues(t, 5, dict.Attempts)
	require.NotNil(t, dict.Outlook)
	assert.Greater(t, dict.Outlook.RemainingPhasesProbability, 0.0)

	kb := out.Phases[1]
	assert.Equal(t, StatusFound, kb.Status)
	assert.Equal(t, 2, kb.Tasks)
	assert.Greater(t, dict.Weight, kb.Weight)
	assert.GreaterOrEqual(t, out.Attempts, int64(6))

	assert.Equal(t, strategy.PhaseCount{Attempts: 1, Successes: 1}, e.Strategies().PhaseCount(phase.Keyboard))
	assert.Equal(t, strategy.PhaseCount{Attempts: 1}, e.Strategies().PhaseCount(phase.Dictionary))
	assert.Positive(t, e.Events().Len())
}

func TestRun_ReportsUnrunnablePhases(t *testing.T) {
	e := startEngine(t, testConfig())
	e.Registry().Register(phase.Dictionary, phase.NewCandidateList(phase.EqualMatcher))

	out, err := e.Run(runCtx(t), Job{
		Target:    target.New("a.zip", 10, time.Time{}),
		Secret:    "x",
		Overrides: plan(t, e, twoPhases()),
	})
	require.NoError(t, err)
	assert.False(t, out.Found)
	require.Len(t, out.Phases, 2)
	assert.Equal(t, StatusNoCandidates, out.Phases[0].Status)
	assert.Equal(t, StatusNoExecutor, out.Phases[1].Status)
	assert.Nil(t, out.Phases[0].Outlook)
	assert.Equal(t, strategy.PhaseCount{}, e.Strategies().PhaseCount(phase.Dictionary))
}

func TestRun_PhaseTimeoutMovesOn(t *testing.T) {
	e := startEngine(t, testConfig())
	e.Registry().Register(phase.Dictionary, blocking)
	e.Registry().Register(phase.Keyboard, phase.NewCandidateList(phase.EqualMatcher))

	d := twoPhases()
	d.Timeouts = map[string]time.Duration{phase.Dictionary: 50 * time.Millisecond}
	out, err := e.Run(runCtx(t), Job{
		Target: target.New("a.zip", 10, time.Time{}),
		Secret: "asdf",
		Sources: map[string][]string{
			phase.Dictionary: {"a", "b", "c"},
			phase.Keyboard:   {"qwerty", "asdf"},
		},
		Overrides: plan(t, e, d),
	})
	require.NoError(t, err)
	require.Len(t, out.Phases, 2)
	assert.Equal(t, StatusTimedOut, out.Phases[0].Status)
	assert.Equal(t, 50*time.Millisecond, out.Phases[0].Timeout)
	assert.GreaterOrEqual(t, out.Phases[0].Elapsed, 50*time.Millisecond)
	assert.Equal(t, StatusFound, out.Phases[1].Status)
	assert.Equal(t, "asdf", out.Password)
}

func TestRun_TotalTimeLimit(t *testing.T) {
	e := startEngine(t, testConfig())
	e.Registry().Register(phase.Dictionary, blocking)
	e.Registry().Register(phase.Keyboard, phase.NewCandidateList(phase.EqualMatcher))

	d := twoPhases()
	d.MaxTotalTime = 50 * time.Millisecond
	out, err := e.Run(runCtx(t), Job{
		Target: target.New("a.zip", 10, time.Time{}),
		Sources: map[string][]string{
			phase.Dictionary: {"a"},
			phase.Keyboard:   {"b"},
		},
		Overrides: plan(t, e, d),
	})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	require.Len(t, out.Phases, 1)
	assert.Equal(t, StatusTimedOut, out.Phases[0].Status)
}

func TestRun_Canceled(t *testing.T) {
	e := startEngine(t, testConfig())
	e.Registry().Register(phase.Dictionary, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	out, err := e.Run(ctx, Job{
		Target:    target.New("a.zip", 10, time.Time{}),
		Sources:   map[string][]string{phase.Dictionary: {"a", "b"}},
		Overrides: plan(t, e, twoPhases()),
	})
	assert.True(t, errors.Is(err, errors.ErrCanceled), "got %v", err)
	require.Len(t, out.Phases, 1)
	assert.Equal(t, StatusCanceled, out.Phases[0].Status)
	assert.Equal(t, strategy.PhaseCount{}, e.Strategies().PhaseCount(phase.Dictionary))
}

func TestRun_RetriesFailedTasks(t *testing.T) {
	e := startEngine(t, testConfig())
	var failedOnce atomic.Bool
	list := phase.NewCandidateList(phase.EqualMatcher)
	e.Registry().Register(phase.Dictionary, phase.ExecutorFunc(func(ctx context.Context, p phase.Payload) (phase.Result, error) {
		if failedOnce.CompareAndSwap(false, true) {
			return phase.Result{}, errors.New("transient")
		}
		return list.Execute(ctx, p)
	}))
	e.Registry().Register(phase.Keyboard, phase.ExecutorFunc(func(context.Context, phase.Payload) (phase.Result, error) {
		return phase.Result{}, errors.New("broken")
	}))

	out, err := e.Run(runCtx(t), Job{
		Target: target.New("a.zip", 10, time.Time{}),
		Secret: "nope",
		Sources: map[string][]string{
			phase.Dictionary: {"a", "b", "c"},
			phase.Keyboard:   {"d", "e", "f"},
		},
		Overrides: plan(t, e, twoPhases()),
	})
	require.NoError(t, err)
	require.Len(t, out.Phases, 2)

	assert.Equal(t, StatusExhausted, out.Phases[0].Status)
	assert.Zero(t, out.Phases[0].FailedTasks)
	assert.EqualValues(t, 3, out.Phases[0].Attempts)

	assert.Equal(t, StatusExhausted, out.Phases[1].Status)
	assert.Equal(t, 2, out.Phases[1].FailedTasks)
	assert.Equal(t, out.Phases[1].Tasks, out.Phases[1].FailedTasks)
}

func TestRun_ReducesBatchUnderMemoryPressure(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	e := startEngine(t, cfg, WithSampler(fakeSampler{free: resource.GiB, cpu: 0.1}))

	list := phase.NewCandidateList(phase.EqualMatcher)
	e.Registry().Register(phase.Dictionary, phase.ExecutorFunc(func(ctx context.Context, p phase.Payload) (phase.Result, error) {
		select {
		case <-ctx.Done():
			return phase.Result{}, ctx.Err()
		case <-time.After(80 * time.Millisecond):
		}
		return list.Execute(ctx, p)
	}))
	e.Registry().Register(phase.Keyboard, list)

	out, err := e.Run(runCtx(t), Job{
		Target: target.New("a.zip", 10, time.Time{}),
		Secret: "nope",
		Sources: map[string][]string{
			phase.Dictionary: {"a", "b", "c", "d"},
			phase.Keyboard:   {"e", "f", "g", "h"},
		},
		Overrides: plan(t, e, twoPhases()),
	})
	require.NoError(t, err)
	require.Len(t, out.Phases, 2)

	dict := out.Phases[0]
	assert.Equal(t, 2, dict.BatchSize)
	assert.Equal(t, 2, dict.Tasks)
	require.Len(t, dict.Adjustments, 1)
	assert.Equal(t, strategy.ActionReduceBatch, dict.Adjustments[0].Action)

	kb := out.Phases[1]
	assert.Equal(t, 1, kb.BatchSize)
	assert.Equal(t, 4, kb.Tasks)

	stats, ok := e.Strategies().PerformanceStats(phase.Dictionary)
	require.True(t, ok)
	assert.Positive(t, stats.Count)
}

func TestRun_StaleTasksDoNotLeakIntoNextPhase(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.MinWorkers = 1
	cfg.Coordinator.MaxWorkers = 1
	cfg.BatchSize = 1
	e := startEngine(t, cfg)
	e.Registry().Register(phase.Dictionary, phase.NewCandidateList(phase.EqualMatcher))
	e.Registry().Register(phase.Keyboard, phase.NewCandidateList(phase.EqualMatcher))

	// The password is in the first batch, so the other dictionary tasks are
	// still queued when the phase ends.
	out, err := e.Run(runCtx(t), Job{
		Target: target.New("a.zip", 10, time.Time{}),
		Secret: "a",
		Sources: map[string][]string{
			phase.Dictionary: {"a", "b", "c", "d", "e", "f"},
		},
		Overrides: plan(t, e, twoPhases()),
	})
	require.NoError(t, err)
	assert.True(t, out.Found)
	require.Len(t, out.Phases, 1)

	require.Eventually(t, func() bool {
		st := e.Coordinator().Status()
		queued := st.BacklogSize
		for _, w := range st.Workers {
			queued += w.QueueLength
		}
		return queued == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPlanAndCompare(t *testing.T) {
	e := New(testConfig(), testHardware())
	defer e.Stop()
	tgt := target.New("/home/me/documents/report.docx", 1<<20, time.Time{})

	p, err := e.Plan(tgt, strategy.Overrides{Mode: strategy.SpeedPriority})
	require.NoError(t, err)
	assert.Equal(t, strategy.SpeedPriority, p.Strategy.Name())
	assert.Equal(t, strategy.SpeedPriority, p.Recommendation.Strategy)
	assert.Equal(t, tgt, p.Target)

	_, err = e.Plan(tgt, strategy.Overrides{Mode: "NOPE"})
	assert.True(t, errors.Is(err, errors.ErrStrategyNotFound))

	cmp := e.Compare(tgt)
	assert.NotEmpty(t, cmp.Recommended.Strategy)
	assert.Len(t, cmp.Alternatives, len(strategy.EnhancedModes())-1)
}

func TestWatchPreferences(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.WatchPreferences = true
	e := startEngine(t, cfg, WithStore(st))

	writer := strategy.NewManager(strategy.DefaultConfig(), strategy.WithStore(st))
	require.Eventually(t, func() bool {
		if err := writer.SetDefaultMode(strategy.SpeedPriority); err != nil {
			return false
		}
		return e.Strategies().Preferences().DefaultMode == strategy.SpeedPriority
	}, 5*time.Second, 100*time.Millisecond)
}

func TestEventsQueueCollectsCoordinatorEvents(t *testing.T) {
	e := startEngine(t, testConfig())
	e.Registry().Register(phase.Dictionary, phase.NewCandidateList(phase.EqualMatcher))

	_, err := e.Run(runCtx(t), Job{
		Target:    target.New("a.zip", 10, time.Time{}),
		Secret:    "b",
		Sources:   map[string][]string{phase.Dictionary: {"a", "b"}},
		Overrides: plan(t, e, twoPhases()),
	})
	require.NoError(t, err)

	types := map[string]bool{}
	for _, ev := range e.Events().Drain() {
		types[ev.EventType()] = true
	}
	assert.True(t, types[event.TypeCoordinatorStarted])
	assert.True(t, types[event.TypeTaskSubmitted])
	assert.True(t, types[event.TypeTaskCompleted])
}
