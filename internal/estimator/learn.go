package estimator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/target"
)

// RealtimeInput describes a phase that is currently running.
type RealtimeInput struct {
	Phase    string
	Elapsed  time.Duration
	Attempts int64
	// Efficiency is the execution efficiency. It is only used when
	// EfficiencyMeasured is set.
	Efficiency         float64
	EfficiencyMeasured bool
	RemainingPhases []string
}

// Realtime is an updated outlook for a running session.
type Realtime struct {
	CurrentPhaseProbability     float64 `json:"current_phase_probability"`
	RemainingPhasesProbability  float64 `json:"remaining_phases_probability"`
	OverallRemainingProbability float64 `json:"overall_remaining_probability"`
	TimeFactor                  float64 `json:"time_factor"`
	EfficiencyFactor            float64 `json:"efficiency_factor"`
	AttemptsFactor              float64 `json:"attempts_factor"`
}

const (
	realtimeTimeScale     = 10 * time.Minute
	realtimeAttemptsScale = 1e6
)

// UpdateRealtime decays the running phase's historical rate by elapsed
// time, efficiency and attempts so far. The result never increases with
// elapsed time or attempts and never decreases with efficiency. An
// unmeasured efficiency leaves the rate as is; a measured one scales it by
// its square root, so a measured zero drives the phase to the floor.
func (e *Estimator) UpdateRealtime(in RealtimeInput) Realtime {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r := Realtime{
		TimeFactor:       math.Exp(-float64(max(0, in.Elapsed)) / float64(realtimeTimeScale)),
		EfficiencyFactor: 1,
		AttemptsFactor:   math.Exp(-float64(max(0, in.Attempts)) / realtimeAttemptsScale),
	}
	if in.EfficiencyMeasured {
		r.EfficiencyFactor = math.Sqrt(max(0, in.Efficiency))
	}

	rate := e.phaseRateLocked(in.Phase)
	r.CurrentPhaseProbability = clamp(rate*r.TimeFactor*r.EfficiencyFactor*r.AttemptsFactor, minPhase, maxPhase)

	r.RemainingPhasesProbability = remainingDefault
	if len(in.RemainingPhases) > 0 {
		miss := 1.0
		for _, p := range in.RemainingPhases {
			miss *= 1 - e.phaseRateLocked(p)
		}
		r.RemainingPhasesProbability = 1 - miss
	}
	r.OverallRemainingProbability = math.Max(minPhase, 0.7*r.CurrentPhaseProbability+0.3*r.RemainingPhasesProbability)
	return r
}

// RecordOutcome learns from one phase result: the phase counter, the
// feature weights and the history of the target's feature key. The
// statistics are then persisted; a failed save is logged and the in-memory
// state kept.
func (e *Estimator) RecordOutcome(t target.Target, strategyName string, res phase.Result, elapsed time.Duration, phaseType string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	f := ExtractFeatures(t, now)
	key := f.Key()

	rec := Record{
		Key:       key,
		Strategy:  strategyName,
		Success:   res.Found,
		Elapsed:   elapsed,
		Attempts:  res.Attempts,
		Timestamp: now,
	}
	if res.Found {
		rec.SuccessfulPhase = phaseType
	}
	recs := append(e.state.Records[key.String()], rec)
	if over := len(recs) - e.cfg.MaxRecordsPerKey; over > 0 {
		recs = append(recs[:0:0], recs[over:]...)
	}
	e.state.Records[key.String()] = recs

	e.updatePhaseRateLocked(phaseType, res.Found)
	e.updateWeightsLocked(f, res.Found)
	e.state.LastUpdated = now

	e.logger.Debug("outcome recorded",
		"phase", phaseType,
		"found", res.Found,
		"key", key.String())
	e.persistLocked()
}

// updatePhaseRateLocked counts an attempt, halving both counters once
// attempts pass the cap so recent outcomes keep their influence.
func (e *Estimator) updatePhaseRateLocked(p string, success bool) {
	r := e.state.PhaseRates[p]
	r.Attempts++
	if success {
		r.Successes++
	}
	if r.Attempts > e.cfg.PhaseRateCap {
		r.Attempts /= 2
		r.Successes /= 2
	}
	e.state.PhaseRates[p] = r
}

func (e *Estimator) updateWeightsLocked(f Features, success bool) {
	goal := 0.0
	if success {
		goal = 1
	}
	lr := e.cfg.FeatureLearningRate
	for _, k := range f.weightKeys() {
		w, ok := e.state.FeatureWeights[k]
		if !ok {
			w = FeatureWeight{Weight: 0.5}
		}
		w.Weight = w.Weight*(1-lr) + goal*lr
		w.Samples++
		e.state.FeatureWeights[k] = w
	}
}

// persistLocked saves under the write lock so saves land in mutation order.
func (e *Estimator) persistLocked() {
	if e.doc == nil {
		return
	}
	if err := e.doc.Save(e.state); err != nil {
		e.logger.Warn("failed to save statistics", "error", err.Error())
	}
}

// Save writes the current statistics to the store.
func (e *Estimator) Save() error {
	if e.doc == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Save(e.state)
}

// PhaseRate returns the counters of one phase.
func (e *Estimator) PhaseRate(p string) (PhaseRate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.state.PhaseRates[p]
	return r, ok
}

// FeatureWeight returns the learned weight of one feature value key, as
// produced for the features of a recorded target.
func (e *Estimator) FeatureWeight(key string) (FeatureWeight, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.state.FeatureWeights[key]
	return w, ok
}

// PhaseStat is the per-phase part of Statistics.
type PhaseStat struct {
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	Rate      float64 `json:"rate"`
}

// Statistics summarizes what the estimator has learned.
type Statistics struct {
	TotalRecords       int                  `json:"total_records"`
	TotalSuccesses     int                  `json:"total_successes"`
	OverallSuccessRate float64              `json:"overall_success_rate"`
	Phases             map[string]PhaseStat `json:"phases"`
	FeatureWeightCount int                  `json:"feature_weight_count"`
	LastUpdated        time.Time            `json:"last_updated,omitzero"`
}

// Statistics returns totals over all recorded outcomes.
func (e *Estimator) Statistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Statistics{
		Phases:             make(map[string]PhaseStat, len(e.state.PhaseRates)),
		FeatureWeightCount: len(e.state.FeatureWeights),
		LastUpdated:        e.state.LastUpdated,
	}
	for _, recs := range e.state.Records {
		s.TotalRecords += len(recs)
		for _, r := range recs {
			if r.Success {
				s.TotalSuccesses++
			}
		}
	}
	if s.TotalRecords > 0 {
		s.OverallSuccessRate = float64(s.TotalSuccesses) / float64(s.TotalRecords)
	}
	for p, r := range e.state.PhaseRates {
		s.Phases[p] = PhaseStat{Attempts: r.Attempts, Successes: r.Successes, Rate: r.Rate()}
	}
	return s
}

// PhaseNames returns the phases with counters, sorted.
func (s Statistics) PhaseNames() []string {
	names := make([]string, 0, len(s.Phases))
	for p := range s.Phases {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

func (e *Estimator) reasoning(f Features, strategyName string, similar []Record, now time.Time) []string {
	var reasons []string
	if f.Name.IsPersonal {
		reasons = append(reasons, "personal files usually have simpler passwords")
	}
	if f.Name.HasDate {
		reasons = append(reasons, "the file name contains a date that may be part of the password")
	}
	if f.Size == SizeSmall {
		reasons = append(reasons, "small files are fast to test")
	}
	switch strategyName {
	case SpeedPriority:
		reasons = append(reasons, "speed priority focuses on fast attacks")
	case ThoroughnessPriority:
		reasons = append(reasons, "thoroughness priority covers more of the search space")
	}
	if len(similar) >= e.cfg.MinSampleSize {
		reasons = append(reasons, fmt.Sprintf("%d similar cases with a historical success rate of %.1f%%",
			len(similar), e.historicalRate(similar, now)*100))
	}
	return reasons
}
