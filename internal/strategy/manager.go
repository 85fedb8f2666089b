package strategy

import (
	"math"
	"sync"
	"time"

	"github.com/Iron-Ham/keyforge/internal/config"
	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/estimator"
	"github.com/Iron-Ham/keyforge/internal/logging"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/resource"
	"github.com/Iron-Ham/keyforge/internal/store"
	"github.com/Iron-Ham/keyforge/internal/target"
)

// Store keys of the manager's documents.
const (
	PreferencesKey = "user-preferences"
	PatternsKey    = "success-patterns"
)

const lowMemory = 4 * resource.GiB

// Config holds the manager tunables.
type Config struct {
	DefaultMode    string
	PatternsPerKey int
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{DefaultMode: BalancedAdaptive, PatternsPerKey: 10}
}

// ConfigFrom converts the strategy section of the application config.
func ConfigFrom(c config.StrategyConfig) Config {
	return Config{DefaultMode: c.DefaultMode, PatternsPerKey: c.PatternsPerKey}.normalized()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.DefaultMode == "" {
		c.DefaultMode = d.DefaultMode
	}
	if c.PatternsPerKey <= 0 {
		c.PatternsPerKey = d.PatternsPerKey
	}
	return c
}

// Overrides are per-call choices that take precedence over the stored
// preferences.
type Overrides struct {
	// Mode names a base, enhanced or custom strategy, or AUTO. Empty uses
	// the preferred default mode.
	Mode string
	// PreferGPU overrides the stored GPU preference when set.
	PreferGPU *bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore loads and persists preferences and success patterns in s.
func WithStore(s *store.Store) Option {
	return func(m *Manager) {
		m.prefsDoc = store.NewDocument(s, PreferencesKey, func() Preferences {
			return defaultPreferences(m.cfg.DefaultMode)
		})
		m.patternsDoc = store.NewDocument(s, PatternsKey, emptyPatternBook)
	}
}

// WithEstimator routes outcome learning and probability estimates to e.
func WithEstimator(e *estimator.Estimator) Option {
	return func(m *Manager) { m.estimator = e }
}

// WithClassifier replaces ClassifyTarget for AUTO mode.
func WithClassifier(c Classifier) Option {
	return func(m *Manager) { m.classify = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager builds plans and remembers what worked. It is safe for
// concurrent use.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	prefs    Preferences
	patterns PatternBook
	perf     []PerformanceSample

	prefsDoc    *store.Document[Preferences]
	patternsDoc *store.Document[PatternBook]
	estimator   *estimator.Estimator
	classify    Classifier
	logger      *logging.Logger
	now         func() time.Time
}

// NewManager creates a manager and loads its persisted documents. Without
// WithEstimator it estimates with an in-memory estimator.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.normalized(),
		classify: ClassifyTarget,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).WithComponent("strategy")
	if m.estimator == nil {
		m.estimator = estimator.New(estimator.DefaultConfig(), estimator.WithClock(m.now))
	}

	m.prefs = defaultPreferences(m.cfg.DefaultMode)
	m.patterns = emptyPatternBook()
	if m.prefsDoc != nil {
		m.prefs = m.prefsDoc.Load().normalized()
	}
	if m.patternsDoc != nil {
		m.patterns = m.patternsDoc.Load().normalized()
		m.logger.Debug("success patterns loaded", "groups", len(m.patterns.Patterns))
	}
	return m
}

// Estimator returns the estimator used for comparisons and learning.
func (m *Manager) Estimator() *estimator.Estimator { return m.estimator }

// Lookup resolves a strategy name: custom strategies first, then enhanced
// modes, then base strategies.
func (m *Manager) Lookup(name string) (Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(name)
}

func (m *Manager) lookupLocked(name string) (Strategy, error) {
	return lookupIn(m.prefs, name)
}

func lookupIn(prefs Preferences, name string) (Strategy, error) {
	if d, ok := prefs.CustomStrategies[CustomKey(name)]; ok {
		s, err := New(d)
		if err != nil {
			return Strategy{}, errors.NewStrategyError("invalid custom strategy", err).WithStrategy(name)
		}
		return s, nil
	}
	if s, ok := enhancedStrategies[name]; ok {
		return s, nil
	}
	if s, ok := baseStrategies[name]; ok {
		return s, nil
	}
	return Strategy{}, errors.NewStrategyError("unknown strategy", errors.ErrStrategyNotFound).WithStrategy(name)
}

// AdjustStrategy builds the plan for one target:
//
//  1. resolve the mode (AUTO classifies the target) to a strategy
//  2. drop phases the user disabled
//  3. reweight for the hardware
//  4. boost phases that succeeded on similar targets
//  5. derive timeouts from the target and hardware when the strategy asks
//
// The result lists phases by descending weight.
func (m *Manager) AdjustStrategy(t target.Target, hw resource.HardwareConfig, o Overrides) (Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mode := o.Mode
	if mode == "" {
		mode = m.prefs.DefaultMode
	}
	var base Strategy
	if mode == Auto {
		base = baseStrategies[SelectBaseStrategy(m.classify(t))]
	} else {
		var err error
		if base, err = m.lookupLocked(mode); err != nil {
			return Strategy{}, err
		}
	}

	s := m.filterPhasesLocked(base)
	if len(s.def.Phases) == 0 {
		return Strategy{}, errors.NewStrategyError("all phases are disabled", errors.ErrNoPhases).WithStrategy(base.Name())
	}

	useGPU := hw.HasGPU() && m.prefs.PreferGPU
	if o.PreferGPU != nil {
		useGPU = hw.HasGPU() && *o.PreferGPU
	}
	s = optimizeForHardware(s, hw, useGPU)

	key := estimator.ExtractFeatures(t, m.now()).Key()
	s = applySuccessPatterns(s, m.patterns.similar(key))

	if s.AdaptiveTimeouts() {
		s = withAdaptiveTimeouts(s, t, hw, useGPU)
	}
	s = s.derive(ranked)

	m.logger.Debug("strategy adjusted",
		"mode", mode,
		"strategy", s.Name(),
		"phases", s.def.Phases,
		"target", t.Name())
	return s, nil
}

func (m *Manager) filterPhasesLocked(s Strategy) Strategy {
	return s.derive(func(d *Definition) {
		for _, p := range d.Phases {
			if !m.prefs.phaseEnabled(p) {
				d.Weights[p] = 0
			}
		}
	})
}

func optimizeForHardware(s Strategy, hw resource.HardwareConfig, useGPU bool) Strategy {
	return s.derive(func(d *Definition) {
		scale := func(p string, f float64) {
			if _, ok := d.Weights[p]; ok {
				d.Weights[p] *= f
			}
		}
		if useGPU {
			scale(phase.ShortBrute, 1.5)
			scale(phase.Mask, 1.3)
			scale(phase.Hybrid, 1.2)
			scale(phase.CPU, 0.7)
		} else {
			scale(phase.AI, 1.3)
			scale(phase.Dictionary, 1.2)
			scale(phase.CPU, 1.5)
		}
		if hw.Memory.Total > 0 && hw.Memory.Total < lowMemory {
			scale(phase.Dictionary, 0.8)
			scale(phase.Rule, 0.7)
			for p, t := range d.Timeouts {
				d.Timeouts[p] = scaleDuration(t, 0.8)
			}
		}
		if hw.CPU.Count > 0 && hw.CPU.Count <= 2 {
			scale(phase.CPU, 0.6)
		}
	})
}

// applySuccessPatterns multiplies phases that succeeded on similar targets
// by 1.5 and every other phase by 0.8.
func applySuccessPatterns(s Strategy, similar []SuccessPattern) Strategy {
	if len(similar) == 0 {
		return s
	}
	succeeded := make(map[string]bool)
	for _, p := range similar {
		succeeded[p.Phase] = true
	}
	return s.derive(func(d *Definition) {
		for _, p := range d.Phases {
			if succeeded[p] {
				d.Weights[p] *= 1.5
			} else {
				d.Weights[p] *= 0.8
			}
		}
	})
}

var baseTimeouts = map[string]time.Duration{
	phase.AI:         seconds(600),
	phase.Top10K:     seconds(180),
	phase.Keyboard:   seconds(300),
	phase.ShortBrute: seconds(1200),
	phase.Dictionary: seconds(1800),
	phase.Rule:       seconds(3600),
	phase.Mask:       seconds(7200),
	phase.Hybrid:     seconds(3600),
	phase.CPU:        seconds(7200),
}

// AdaptiveTimeout returns the derived time limit of one phase, and false
// for phases without a base limit.
func AdaptiveTimeout(p string, t target.Target, hw resource.HardwareConfig, useGPU bool) (time.Duration, bool) {
	d, ok := baseTimeouts[p]
	if !ok {
		return 0, false
	}
	if t.SizeKnown() {
		switch size := uint64(t.Size); {
		case size > 100*resource.MiB:
			d = scaleDuration(d, 1.5)
		case size < resource.MiB:
			d = scaleDuration(d, 0.7)
		}
	}
	if useGPU {
		switch p {
		case phase.ShortBrute:
			d = scaleDuration(d, 0.6)
		case phase.Mask:
			d = scaleDuration(d, 0.7)
		case phase.Hybrid:
			d = scaleDuration(d, 0.8)
		}
	}
	if hw.CPU.Count >= 8 {
		switch p {
		case phase.Dictionary, phase.Rule:
			d = scaleDuration(d, 0.8)
		case phase.CPU:
			d = scaleDuration(d, 0.7)
		}
	}
	return d, true
}

func withAdaptiveTimeouts(s Strategy, t target.Target, hw resource.HardwareConfig, useGPU bool) Strategy {
	return s.derive(func(d *Definition) {
		for _, p := range d.Phases {
			if to, ok := AdaptiveTimeout(p, t, hw, useGPU); ok {
				d.Timeouts[p] = to
			}
		}
	})
}

// scaleDuration multiplies d and rounds to whole seconds.
func scaleDuration(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Round(float64(d/time.Second)*f)) * time.Second
}

// RecordOutcome learns from one finished phase. Every outcome counts as an
// attempt of the phase; a success also stores a pattern under the target's
// feature key, keeping the most recent ones. The outcome is forwarded to
// the estimator.
func (m *Manager) RecordOutcome(t target.Target, s Strategy, res phase.Result, elapsed time.Duration, phaseType string) {
	m.estimator.RecordOutcome(t, s.Name(), res, elapsed, phaseType)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.patterns.count(phaseType, res.Found)
	if res.Found {
		key := estimator.ExtractFeatures(t, now).Key()
		m.patterns.add(SuccessPattern{
			Key:       key,
			Target:    t.Name(),
			Size:      t.Size,
			Type:      t.Ext(),
			Phase:     phaseType,
			Attempts:  res.Attempts,
			Elapsed:   elapsed,
			Strategy:  s.Name(),
			Timestamp: now,
		}, m.cfg.PatternsPerKey)
		m.logger.Info("success pattern recorded", "phase", phaseType, "key", key.String())
	}
	m.savePatternsLocked()
}

func (m *Manager) savePatternsLocked() {
	if m.patternsDoc == nil {
		return
	}
	if err := m.patternsDoc.Save(m.patterns); err != nil {
		m.logger.Warn("failed to save success patterns", "error", err.Error())
	}
}

// PhaseCount returns how often a phase was attempted and succeeded.
func (m *Manager) PhaseCount(p string) PhaseCount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.patterns.Phases[p]
}

// SimilarPatterns returns stored successes on targets similar to t, newest
// first.
func (m *Manager) SimilarPatterns(t target.Target) []SuccessPattern {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.patterns.similar(estimator.ExtractFeatures(t, m.now()).Key())
}
