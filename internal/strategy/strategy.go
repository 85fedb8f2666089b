// Package strategy decides which search phases to run against a target, in
// what order, with what share of the effort and under what time limits.
//
// A plan starts from a named strategy: one of the base strategies picked by
// classifying the target (personal, work or generic), one of the enhanced
// modes (speed, thoroughness, balanced), or a user-defined custom strategy.
// [Manager.AdjustStrategy] then filters it by the user's phase settings,
// reweights it for the hardware, boosts phases that succeeded on similar
// targets and, when asked, derives per-phase timeouts. Every step produces a
// new [Strategy]; a Strategy is never modified after construction.
package strategy

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/phase"
)

// Base strategy names, chosen by the classifier.
const (
	Personal = "PERSONAL"
	Work     = "WORK"
	Generic  = "GENERIC"
)

// Enhanced mode names.
const (
	SpeedPriority        = "SPEED_PRIORITY"
	ThoroughnessPriority = "THOROUGHNESS_PRIORITY"
	BalancedAdaptive     = "BALANCED_ADAPTIVE"
)

// Auto selects a base strategy by classifying the target.
const Auto = "AUTO"

// Definition is the serializable form of a strategy. Timeouts and
// MaxTotalTime of zero mean no limit.
type Definition struct {
	Name             string                   `json:"name" yaml:"name"`
	Description      string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Phases           []string                 `json:"phases" yaml:"phases"`
	Weights          map[string]float64       `json:"weights,omitempty" yaml:"weights,omitempty"`
	Timeouts         map[string]time.Duration `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	SkipSlowPhases   bool                     `json:"skip_slow_phases,omitempty" yaml:"skip_slow_phases,omitempty"`
	MaxTotalTime     time.Duration            `json:"max_total_time,omitempty" yaml:"max_total_time,omitempty"`
	AdaptiveTimeouts bool                     `json:"adaptive_timeouts,omitempty" yaml:"adaptive_timeouts,omitempty"`
	Characteristics  []string                 `json:"characteristics,omitempty" yaml:"characteristics,omitempty"`
}

// Strategy is an immutable weighted phase plan. Accessors return copies.
type Strategy struct {
	def Definition
}

// New validates d and builds a strategy from it. Phases are deduplicated,
// weights of unlisted phases are ignored, a definition without any positive
// weight gets equal weights, and weights are normalized to sum to 1. Phases
// left with a zero weight are dropped.
func New(d Definition) (Strategy, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return Strategy{}, errors.NewValidationError("strategy name is required").WithField("name")
	}

	var phases []string
	seen := make(map[string]bool, len(d.Phases))
	for _, p := range d.Phases {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		phases = append(phases, p)
	}
	if len(phases) == 0 {
		return Strategy{}, errors.NewStrategyError("no phases", errors.ErrNoPhases).WithStrategy(d.Name)
	}

	weights := make(map[string]float64, len(phases))
	total := 0.0
	for _, p := range phases {
		w := d.Weights[p]
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return Strategy{}, errors.NewValidationError("weight must be a non-negative number").
				WithField("weights." + p).WithValue(w)
		}
		weights[p] = w
		total += w
	}
	if total == 0 {
		for _, p := range phases {
			weights[p] = 1
		}
	}

	timeouts := make(map[string]time.Duration)
	for _, p := range phases {
		if t := d.Timeouts[p]; t > 0 {
			timeouts[p] = t
		}
	}

	out := d
	out.Phases = phases
	out.Weights = weights
	out.Timeouts = timeouts
	out.MaxTotalTime = max(0, d.MaxTotalTime)
	out.Characteristics = append([]string(nil), d.Characteristics...)
	normalize(&out)
	if len(out.Phases) == 0 {
		return Strategy{}, errors.NewStrategyError("no phases", errors.ErrNoPhases).WithStrategy(d.Name)
	}
	return Strategy{def: out}, nil
}

func mustNew(d Definition) Strategy {
	s, err := New(d)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the strategy name.
func (s Strategy) Name() string { return s.def.Name }

// Description returns the human description.
func (s Strategy) Description() string { return s.def.Description }

// Phases returns the phases in execution order.
func (s Strategy) Phases() []string { return append([]string(nil), s.def.Phases...) }

// Weight returns the share of one phase, 0 when absent.
func (s Strategy) Weight(p string) float64 { return s.def.Weights[p] }

// Timeout returns the time limit of one phase, 0 when unlimited.
func (s Strategy) Timeout(p string) time.Duration { return s.def.Timeouts[p] }

// Weights returns a copy of the phase weights.
func (s Strategy) Weights() map[string]float64 { return copyMap(s.def.Weights) }

// Timeouts returns a copy of the phase time limits.
func (s Strategy) Timeouts() map[string]time.Duration { return copyMap(s.def.Timeouts) }

// SkipSlowPhases reports whether slow phases may be skipped.
func (s Strategy) SkipSlowPhases() bool { return s.def.SkipSlowPhases }

// MaxTotalTime returns the overall time limit, 0 when unlimited.
func (s Strategy) MaxTotalTime() time.Duration { return s.def.MaxTotalTime }

// AdaptiveTimeouts reports whether timeouts are derived per target.
func (s Strategy) AdaptiveTimeouts() bool { return s.def.AdaptiveTimeouts }

// Characteristics returns short descriptive tags.
func (s Strategy) Characteristics() []string { return append([]string(nil), s.def.Characteristics...) }

// IsZero reports whether s was never built.
func (s Strategy) IsZero() bool { return s.def.Name == "" }

// Definition returns a deep copy of the underlying definition.
func (s Strategy) Definition() Definition {
	d := s.def
	d.Phases = s.Phases()
	d.Weights = s.Weights()
	d.Timeouts = s.Timeouts()
	d.Characteristics = s.Characteristics()
	return d
}

// MarshalJSON renders the definition.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.def)
}

// MarshalYAML renders the definition.
func (s Strategy) MarshalYAML() (any, error) {
	return s.def, nil
}

// derive returns a strategy built from a copy of s's definition after edit
// mutates it, with weights renormalized.
func (s Strategy) derive(edit func(*Definition)) Strategy {
	d := s.Definition()
	edit(&d)
	normalize(&d)
	return Strategy{def: d}
}

// normalize scales weights to sum to 1, drops phases whose weight is not
// positive together with their timeouts, and keeps the phase order.
func normalize(d *Definition) {
	total := 0.0
	for _, p := range d.Phases {
		if w := d.Weights[p]; w > 0 {
			total += w
		}
	}
	phases := d.Phases[:0:0]
	for _, p := range d.Phases {
		w := d.Weights[p]
		if w <= 0 || total == 0 {
			delete(d.Weights, p)
			delete(d.Timeouts, p)
			continue
		}
		d.Weights[p] = w / total
		phases = append(phases, p)
	}
	for p := range d.Weights {
		if !contains(phases, p) {
			delete(d.Weights, p)
		}
	}
	for p := range d.Timeouts {
		if !contains(phases, p) {
			delete(d.Timeouts, p)
		}
	}
	d.Phases = phases
}

// ranked orders phases by descending weight, keeping the definition order
// between equal weights.
func ranked(d *Definition) {
	sort.SliceStable(d.Phases, func(i, j int) bool {
		return d.Weights[d.Phases[i]] > d.Weights[d.Phases[j]]
	})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

var baseStrategies = map[string]Strategy{
	Personal: mustNew(Definition{
		Name:            Personal,
		Description:     "Personal files such as photos, videos and private documents",
		Phases:          []string{phase.Dictionary, phase.Keyboard, phase.Rule, phase.Mask},
		Weights:         map[string]float64{phase.Dictionary: 0.40, phase.Keyboard: 0.30, phase.Rule: 0.20, phase.Mask: 0.10},
		Characteristics: []string{"simple passwords", "keyboard patterns", "common words"},
	}),
	Work: mustNew(Definition{
		Name:            Work,
		Description:     "Work files such as projects, reports and contracts",
		Phases:          []string{phase.Rule, phase.Mask, phase.Hybrid, phase.Dictionary},
		Weights:         map[string]float64{phase.Rule: 0.35, phase.Mask: 0.30, phase.Hybrid: 0.25, phase.Dictionary: 0.10},
		Characteristics: []string{"rule-based passwords", "fixed formats", "dates and version numbers"},
	}),
	Generic: mustNew(Definition{
		Name:        Generic,
		Description: "Files of unknown kind",
		Phases:      []string{phase.Dictionary, phase.Rule, phase.Keyboard, phase.Mask, phase.Hybrid, phase.Bruteforce},
		Weights: map[string]float64{
			phase.Dictionary: 0.25, phase.Rule: 0.25, phase.Keyboard: 0.15,
			phase.Mask: 0.15, phase.Hybrid: 0.10, phase.Bruteforce: 0.10,
		},
		Characteristics: []string{"broad coverage", "balanced"},
	}),
}

var enhancedStrategies = map[string]Strategy{
	SpeedPriority: mustNew(Definition{
		Name:        SpeedPriority,
		Description: "Skip slow phases and focus on fast attacks",
		Phases:      []string{phase.AI, phase.Top10K, phase.Keyboard, phase.ShortBrute},
		Weights:     map[string]float64{phase.AI: 0.30, phase.Top10K: 0.35, phase.Keyboard: 0.25, phase.ShortBrute: 0.10},
		Timeouts: map[string]time.Duration{
			phase.AI: seconds(300), phase.Top10K: seconds(60), phase.Keyboard: seconds(120), phase.ShortBrute: seconds(600),
		},
		SkipSlowPhases:  true,
		MaxTotalTime:    seconds(1800),
		Characteristics: []string{"fast", "high hit rate", "time limited"},
	}),
	ThoroughnessPriority: mustNew(Definition{
		Name:        ThoroughnessPriority,
		Description: "Exhaustive search without phase time limits",
		Phases: []string{
			phase.AI, phase.Top10K, phase.Keyboard, phase.ShortBrute, phase.Dictionary,
			phase.Rule, phase.Mask, phase.Hybrid, phase.CPU,
		},
		Weights: map[string]float64{
			phase.AI: 0.15, phase.Top10K: 0.15, phase.Keyboard: 0.10, phase.ShortBrute: 0.15, phase.Dictionary: 0.15,
			phase.Rule: 0.10, phase.Mask: 0.10, phase.Hybrid: 0.05, phase.CPU: 0.05,
		},
		Characteristics: []string{"exhaustive", "no time limit", "maximum coverage"},
	}),
	BalancedAdaptive: mustNew(Definition{
		Name:        BalancedAdaptive,
		Description: "Balanced plan with timeouts adapted to the target and hardware",
		Phases: []string{
			phase.AI, phase.Top10K, phase.Keyboard, phase.ShortBrute, phase.Dictionary, phase.Rule, phase.Mask,
		},
		Weights: map[string]float64{
			phase.AI: 0.20, phase.Top10K: 0.20, phase.Keyboard: 0.15, phase.ShortBrute: 0.15,
			phase.Dictionary: 0.15, phase.Rule: 0.10, phase.Mask: 0.05,
		},
		Timeouts: map[string]time.Duration{
			phase.AI: seconds(600), phase.Top10K: seconds(180), phase.Keyboard: seconds(300), phase.ShortBrute: seconds(1200),
			phase.Dictionary: seconds(1800), phase.Rule: seconds(3600), phase.Mask: seconds(7200),
		},
		MaxTotalTime:     seconds(14400),
		AdaptiveTimeouts: true,
		Characteristics:  []string{"balanced", "adaptive", "performance tuned"},
	}),
}

// BaseStrategy returns one of PERSONAL, WORK or GENERIC.
func BaseStrategy(name string) (Strategy, bool) {
	s, ok := baseStrategies[name]
	return s, ok
}

// EnhancedStrategy returns one of the enhanced modes.
func EnhancedStrategy(name string) (Strategy, bool) {
	s, ok := enhancedStrategies[name]
	return s, ok
}

// EnhancedModes lists the enhanced mode names from fastest to most thorough.
func EnhancedModes() []string {
	return []string{SpeedPriority, BalancedAdaptive, ThoroughnessPriority}
}

// CustomKey derives the lookup key of a custom strategy name: whitespace
// runs become underscores and letters are upper-cased.
func CustomKey(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), "_"))
}
