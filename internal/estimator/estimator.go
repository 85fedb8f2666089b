// Package estimator learns how likely a recovery attempt is to succeed.
//
// It keeps three kinds of statistics, all persisted in one store document:
// per-phase success counters, exponential moving averages of outcome per
// feature value, and a capped history of outcomes grouped by feature key.
// Estimates start from a fixed prior adjusted by feature heuristics and
// move toward the observed success rate of similar targets once enough of
// them have been recorded.
package estimator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/keyforge/internal/config"
	"github.com/Iron-Ham/keyforge/internal/logging"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/resource"
	"github.com/Iron-Ham/keyforge/internal/store"
	"github.com/Iron-Ham/keyforge/internal/target"
)

// DocumentKey is the store key of the estimator statistics.
const DocumentKey = "probability-data"

// Strategy names with their own probability and time multipliers.
const (
	SpeedPriority        = "SPEED_PRIORITY"
	ThoroughnessPriority = "THOROUGHNESS_PRIORITY"
	BalancedAdaptive     = "BALANCED_ADAPTIVE"
)

// Probability bounds. The final estimate lies strictly inside (0.01, 0.99).
const (
	minBase    = 0.01
	maxBase    = 0.95
	minOverall = 0.011
	maxOverall = 0.989
	minPhase   = 0.001
	maxPhase   = 0.999

	remainingDefault = 0.3
	fallbackRate     = 0.2
	maxSimilar       = 50
)

// DefaultPhaseRates seed the per-phase counters before any outcome is seen.
var DefaultPhaseRates = map[string]float64{
	phase.AI:                0.25,
	phase.Top10K:            0.35,
	phase.Keyboard:          0.20,
	phase.ShortBrute:        0.15,
	phase.Dictionary:        0.30,
	phase.Rule:              0.25,
	phase.Mask:              0.20,
	phase.Hybrid:            0.15,
	phase.CPU:               0.10,
	phase.BKCrack:           0.05,
	phase.DateRange:         0.15,
	phase.KeyboardWalk:      0.12,
	phase.SocialEngineering: 0.18,
}

// Config holds the estimator tunables.
type Config struct {
	Prior               float64 // base probability before feature multipliers
	MinSampleSize       int
	TimeDecayFactor     float64 // per-day weight of a historical record
	FeatureLearningRate float64
	MaxRecordsPerKey    int
	PhaseRateCap        int // counters are halved once attempts exceed it
	PriorSamples        int // virtual trials seeding each known phase
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		Prior:               0.3,
		MinSampleSize:       5,
		TimeDecayFactor:     0.95,
		FeatureLearningRate: 0.1,
		MaxRecordsPerKey:    100,
		PhaseRateCap:        1000,
		PriorSamples:        10,
	}
}

// ConfigFrom converts the estimator section of the application config.
func ConfigFrom(c config.EstimatorConfig) Config {
	cfg := DefaultConfig()
	cfg.MinSampleSize = c.MinSampleSize
	cfg.TimeDecayFactor = c.TimeDecayFactor
	cfg.FeatureLearningRate = c.FeatureLearningRate
	cfg.MaxRecordsPerKey = c.MaxRecordsPerKey
	cfg.PhaseRateCap = c.PhaseRateCap
	cfg.PriorSamples = c.PriorSamples
	return cfg.normalized()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Prior <= 0 || c.Prior >= 1 {
		c.Prior = d.Prior
	}
	c.MinSampleSize = max(1, c.MinSampleSize)
	if c.TimeDecayFactor <= 0 || c.TimeDecayFactor > 1 {
		c.TimeDecayFactor = d.TimeDecayFactor
	}
	if c.FeatureLearningRate <= 0 || c.FeatureLearningRate > 1 {
		c.FeatureLearningRate = d.FeatureLearningRate
	}
	if c.MaxRecordsPerKey <= 0 {
		c.MaxRecordsPerKey = d.MaxRecordsPerKey
	}
	if c.PhaseRateCap <= 0 {
		c.PhaseRateCap = d.PhaseRateCap
	}
	c.PriorSamples = max(0, c.PriorSamples)
	return c
}

// PhaseRate counts attempts and successes of one phase.
type PhaseRate struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// Rate returns successes/attempts, 0 without attempts.
func (r PhaseRate) Rate() float64 {
	if r.Attempts == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.Attempts)
}

// Record is one recorded outcome.
type Record struct {
	Key             Key           `json:"key"`
	Strategy        string        `json:"strategy"`
	Success         bool          `json:"success"`
	Elapsed         time.Duration `json:"elapsed"`
	SuccessfulPhase string        `json:"successful_phase,omitempty"`
	Attempts        int64         `json:"attempts"`
	Timestamp       time.Time     `json:"timestamp"`
}

// FeatureWeight is the moving average of outcomes for one feature value.
type FeatureWeight struct {
	Weight  float64 `json:"weight"`
	Samples int     `json:"samples"`
}

// State is the persisted statistics document.
type State struct {
	Records        map[string][]Record      `json:"records"`
	FeatureWeights map[string]FeatureWeight `json:"feature_weights"`
	PhaseRates     map[string]PhaseRate     `json:"phase_rates"`
	LastUpdated    time.Time                `json:"last_updated"`
}

func emptyState() State {
	return State{
		Records:        make(map[string][]Record),
		FeatureWeights: make(map[string]FeatureWeight),
		PhaseRates:     make(map[string]PhaseRate),
	}
}

// Strategy is the part of a plan the estimator reads.
type Strategy interface {
	Name() string
	Phases() []string
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithStore loads and persists statistics in s.
func WithStore(s *store.Store) Option {
	return func(e *Estimator) {
		e.doc = store.NewDocument(s, DocumentKey, emptyState)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

// Estimator is safe for concurrent use.
type Estimator struct {
	mu     sync.RWMutex
	cfg    Config
	state  State
	doc    *store.Document[State]
	logger *logging.Logger
	now    func() time.Time
}

// New creates an estimator, seeds the phase priors and loads persisted
// statistics over them.
func New(cfg Config, opts ...Option) *Estimator {
	e := &Estimator{
		cfg:   cfg.normalized(),
		state: emptyState(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger).WithComponent("estimator")

	if n := e.cfg.PriorSamples; n > 0 {
		for p, rate := range DefaultPhaseRates {
			e.state.PhaseRates[p] = PhaseRate{Attempts: n, Successes: int(math.Round(rate * float64(n)))}
		}
	}

	if e.doc != nil {
		loaded := e.doc.Load()
		for k, recs := range loaded.Records {
			e.state.Records[k] = recs
		}
		for k, w := range loaded.FeatureWeights {
			e.state.FeatureWeights[k] = w
		}
		for p, r := range loaded.PhaseRates {
			e.state.PhaseRates[p] = r
		}
		e.state.LastUpdated = loaded.LastUpdated
		e.logger.Debug("statistics loaded",
			"keys", len(e.state.Records),
			"weights", len(e.state.FeatureWeights),
			"phases", len(e.state.PhaseRates))
	}
	return e
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Features extracts the features of t at the estimator's current time.
func (e *Estimator) Features(t target.Target) Features {
	return ExtractFeatures(t, e.now())
}

// Estimate is the predicted outcome of running a strategy on a target.
type Estimate struct {
	OverallProbability float64            `json:"overall_probability"`
	Confidence         float64            `json:"confidence"`
	PhaseProbabilities map[string]float64 `json:"phase_probabilities"`
	EstimatedTime      time.Duration      `json:"estimated_time"`
	Features           Features           `json:"features"`
	Reasoning          []string           `json:"reasoning"`
}

// Estimate predicts the success probability and duration of running s on
// t with hardware hw.
func (e *Estimator) Estimate(t target.Target, s Strategy, hw resource.HardwareConfig) Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	f := ExtractFeatures(t, now)
	similar := e.similarLocked(f.Key())

	base := e.baseProbability(f, similar, now)
	p := base * strategyMultiplier(s.Name()) * hardwareMultiplier(hw)

	return Estimate{
		OverallProbability: clamp(p, minOverall, maxOverall),
		Confidence:         e.confidence(similar, now),
		PhaseProbabilities: e.phaseProbabilitiesLocked(f, s.Phases()),
		EstimatedTime:      estimateTime(f, s.Name(), hw),
		Features:           f,
		Reasoning:          e.reasoning(f, s.Name(), similar, now),
	}
}

func (e *Estimator) baseProbability(f Features, similar []Record, now time.Time) float64 {
	p := e.cfg.Prior

	switch f.Size {
	case SizeSmall:
		p *= 1.2
	case SizeLarge:
		p *= 0.8
	case SizeVeryLarge:
		p *= 0.6
	}
	switch f.Type {
	case TypeDocument:
		p *= 1.3
	case Unknown:
		p *= 0.9
	}
	if f.Name.IsPersonal {
		p *= 1.4
	}
	if f.Name.IsWork {
		p *= 1.1
	}
	if f.Name.HasDate {
		p *= 1.2
	}
	if f.Name.IsBackup {
		p *= 0.9
	}
	if f.Path.HasPersonalPath {
		p *= 1.3
	}
	if f.Path.HasWorkPath {
		p *= 1.1
	}
	if f.Age.Category == AgeOld {
		p *= 1.2
	}
	if f.Age.RecentlyModified {
		p *= 0.9
	}

	if len(similar) >= e.cfg.MinSampleSize {
		p = e.historicalRate(similar, now)*0.7 + p*0.3
	}
	return clamp(p, minBase, maxBase)
}

func strategyMultiplier(name string) float64 {
	switch name {
	case SpeedPriority:
		return 0.7
	case ThoroughnessPriority:
		return 1.4
	default:
		return 1.0
	}
}

func hardwareMultiplier(hw resource.HardwareConfig) float64 {
	m := 1.0
	if hw.HasGPU() {
		m *= 1.2
	}
	if cores := hw.CPU.Count; cores > 0 {
		m *= math.Min(1.3, 1+float64(cores-2)*0.05)
	}
	if total := hw.Memory.Total; total > 0 {
		switch {
		case total >= 16*resource.GiB:
			m *= 1.1
		case total < 4*resource.GiB:
			m *= 0.9
		}
	}
	return m
}

func (e *Estimator) phaseProbabilitiesLocked(f Features, phases []string) map[string]float64 {
	out := make(map[string]float64, len(phases))
	for _, p := range phases {
		out[p] = clamp(adjustPhase(p, e.phaseRateLocked(p), f), minPhase, maxPhase)
	}
	return out
}

// phaseRateLocked is the observed rate of a phase, or its default when it
// has never been attempted.
func (e *Estimator) phaseRateLocked(p string) float64 {
	if r, ok := e.state.PhaseRates[p]; ok && r.Attempts > 0 {
		return r.Rate()
	}
	if rate, ok := DefaultPhaseRates[p]; ok {
		return rate
	}
	return fallbackRate
}

func adjustPhase(p string, rate float64, f Features) float64 {
	switch p {
	case phase.AI:
		if f.Name.IsPersonal {
			rate *= 1.3
		}
		if f.Name.HasNumbers {
			rate *= 1.2
		}
	case phase.Dictionary, phase.Top10K:
		if f.Name.IsPersonal {
			rate *= 1.4
		}
		if f.Path.HasPersonalPath {
			rate *= 1.2
		}
	case phase.Keyboard:
		if f.Name.IsPersonal {
			rate *= 1.3
		}
		if f.Age.Category == AgeOld {
			rate *= 1.2
		}
	case phase.DateRange:
		if f.Name.HasDate {
			rate *= 2.0
		}
		if f.Name.IsWork {
			rate *= 1.5
		}
	case phase.ShortBrute, phase.CPU:
		if f.Size == SizeSmall {
			rate *= 1.2
		}
		if f.Name.Length > 0 && f.Name.Length < 10 {
			rate *= 1.1
		}
	}
	return rate
}

func estimateTime(f Features, strategyName string, hw resource.HardwareConfig) time.Duration {
	secs := 3600.0
	switch strategyName {
	case SpeedPriority:
		secs *= 0.5
	case ThoroughnessPriority:
		secs *= 3.0
	}
	if f.Size == SizeLarge || f.Size == SizeVeryLarge {
		secs *= 1.5
	}
	if f.Name.IsPersonal {
		secs *= 0.7
	}
	if hw.HasGPU() {
		secs *= 0.6
	}
	if hw.CPU.Count >= 8 {
		secs *= 0.8
	}
	return time.Duration(math.Max(300, secs) * float64(time.Second))
}

// confidence grows with the number and freshness of similar records.
func (e *Estimator) confidence(similar []Record, now time.Time) float64 {
	switch {
	case len(similar) == 0:
		return 0.3
	case len(similar) < e.cfg.MinSampleSize:
		return 0.5
	}
	var age time.Duration
	for _, r := range similar {
		age += now.Sub(r.Timestamp)
	}
	avgAge := age / time.Duration(len(similar))
	sample := math.Min(1, float64(len(similar))/20)
	fresh := math.Exp(-float64(avgAge) / float64(30*day))
	return clamp(sample*0.6+fresh*0.4, 0.3, 0.95)
}

// similarLocked returns up to 50 records whose keys share at least two
// components with k, newest first.
func (e *Estimator) similarLocked(k Key) []Record {
	var out []Record
	for _, recs := range e.state.Records {
		if len(recs) == 0 || recs[0].Key.Matches(k) < 2 {
			continue
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > maxSimilar {
		out = out[:maxSimilar]
	}
	return out
}

// historicalRate is the success rate of records weighted by
// TimeDecayFactor per day of age.
func (e *Estimator) historicalRate(records []Record, now time.Time) float64 {
	var total, successes float64
	for _, r := range records {
		days := now.Sub(r.Timestamp).Hours() / 24
		w := math.Pow(e.cfg.TimeDecayFactor, math.Max(0, days))
		total += w
		if r.Success {
			successes += w
		}
	}
	if total == 0 {
		return remainingDefault
	}
	return successes / total
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
