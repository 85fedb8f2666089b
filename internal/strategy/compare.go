package strategy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/keyforge/internal/estimator"
	"github.com/Iron-Ham/keyforge/internal/resource"
	"github.com/Iron-Ham/keyforge/internal/target"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Difficulty buckets.
const (
	DifficultyEasy     = "easy"
	DifficultyMedium   = "medium"
	DifficultyHard     = "hard"
	DifficultyVeryHard = "very_hard"
)

// Risk summarizes how likely a plan is to disappoint.
type Risk struct {
	Level   string   `json:"level"`
	Factors []string `json:"factors,omitempty"`
	Advice  string   `json:"advice"`
}

// Recommendation is an estimate plus the guidance derived from it.
type Recommendation struct {
	Strategy string             `json:"strategy"`
	Estimate estimator.Estimate `json:"estimate"`
	// TimeLimit is the suggested budget; 0 means run to completion.
	TimeLimit  time.Duration `json:"time_limit"`
	Risk       Risk          `json:"risk"`
	Difficulty string        `json:"difficulty"`
}

// Recommend derives a time limit, risk and difficulty from an estimate of
// running s.
func Recommend(est estimator.Estimate, s Strategy) Recommendation {
	return Recommendation{
		Strategy:   s.Name(),
		Estimate:   est,
		TimeLimit:  timeLimit(est, s.Name()),
		Risk:       assessRisk(est, s.Name()),
		Difficulty: Difficulty(est.OverallProbability),
	}
}

// EstimateStrategy estimates running s on t and recommends accordingly.
func (m *Manager) EstimateStrategy(t target.Target, s Strategy, hw resource.HardwareConfig) Recommendation {
	return Recommend(m.estimator.Estimate(t, s, hw), s)
}

func timeLimit(est estimator.Estimate, name string) time.Duration {
	p := est.OverallProbability
	switch {
	case p > 0.7:
		return min(est.EstimatedTime, 30*time.Minute)
	case p > 0.3:
		return est.EstimatedTime
	case name == ThoroughnessPriority:
		return 0
	default:
		return 2 * est.EstimatedTime
	}
}

func assessRisk(est estimator.Estimate, name string) Risk {
	r := Risk{Level: RiskMedium}
	p := est.OverallProbability
	switch {
	case p < 0.2:
		r.Level = RiskHigh
		r.Factors = append(r.Factors, "low success probability")
	case p > 0.7:
		r.Level = RiskLow
		r.Factors = append(r.Factors, "high success probability")
	}
	if est.Confidence < 0.5 {
		if r.Level == RiskLow {
			r.Level = RiskMedium
		}
		r.Factors = append(r.Factors, "little history to base the estimate on")
	}
	if est.EstimatedTime > 2*time.Hour {
		if r.Level == RiskLow {
			r.Level = RiskMedium
		}
		r.Factors = append(r.Factors, "long expected run time")
	}
	if name == SpeedPriority && p < 0.4 {
		r.Factors = append(r.Factors, "speed priority may skip the password")
	}

	switch r.Level {
	case RiskLow:
		r.Advice = "keep the current strategy"
	case RiskHigh:
		r.Advice = "switch to thoroughness priority or another recovery method"
	default:
		r.Advice = "monitor progress and switch to thoroughness priority if needed"
	}
	return r
}

// Difficulty buckets a success probability.
func Difficulty(p float64) string {
	switch {
	case p > 0.7:
		return DifficultyEasy
	case p > 0.4:
		return DifficultyMedium
	case p > 0.2:
		return DifficultyHard
	default:
		return DifficultyVeryHard
	}
}

// Candidate is one strategy in a comparison.
type Candidate struct {
	Strategy        string        `json:"strategy"`
	Description     string        `json:"description"`
	Probability     float64       `json:"probability"`
	Confidence      float64       `json:"confidence"`
	EstimatedTime   time.Duration `json:"estimated_time"`
	Score           float64       `json:"score"`
	Risk            Risk          `json:"risk"`
	Characteristics []string      `json:"characteristics,omitempty"`
}

// Comparison ranks the enhanced modes for one target.
type Comparison struct {
	Recommended  Candidate   `json:"recommended"`
	Alternatives []Candidate `json:"alternatives"`
	Difficulty   string      `json:"difficulty"`
	KeyFactors   []string    `json:"key_factors,omitempty"`
}

// CompareStrategies estimates every enhanced mode on t and ranks them by
// probability times confidence minus a tenth per expected hour.
func (m *Manager) CompareStrategies(t target.Target, hw resource.HardwareConfig) Comparison {
	var cands []Candidate
	for _, name := range EnhancedModes() {
		s := enhancedStrategies[name]
		rec := m.EstimateStrategy(t, s, hw)
		est := rec.Estimate
		cands = append(cands, Candidate{
			Strategy:        name,
			Description:     s.Description(),
			Probability:     est.OverallProbability,
			Confidence:      est.Confidence,
			EstimatedTime:   est.EstimatedTime,
			Score:           est.OverallProbability*est.Confidence - est.EstimatedTime.Hours()*0.1,
			Risk:            rec.Risk,
			Characteristics: s.Characteristics(),
		})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })

	m.logger.Debug("strategies compared", "target", t.Name(), "recommended", cands[0].Strategy)
	return Comparison{
		Recommended:  cands[0],
		Alternatives: cands[1:],
		Difficulty:   Difficulty(cands[0].Probability),
		KeyFactors:   KeyFactors(t),
	}
}

var yearPattern = regexp.MustCompile(`\d{4}`)

// KeyFactors lists the traits of t that drive the estimate.
func KeyFactors(t target.Target) []string {
	name := strings.ToLower(t.Name())
	var out []string
	if strings.Contains(name, "personal") || strings.Contains(name, "photo") {
		out = append(out, "personal file, the password may be simple")
	}
	if strings.Contains(name, "work") || strings.Contains(name, "project") {
		out = append(out, "work file, the password may follow a rule")
	}
	if yearPattern.MatchString(name) {
		out = append(out, "contains a year, the password may be a date")
	}
	if strings.Contains(name, "backup") || strings.Contains(name, "archive") {
		out = append(out, "backup file, the password may be stronger")
	}
	if t.SizeKnown() {
		switch size := uint64(t.Size); {
		case size < resource.MiB:
			out = append(out, "small file, candidates test quickly")
		case size > 100*resource.MiB:
			out = append(out, fmt.Sprintf("large file (%d MiB), candidates test slowly", size/resource.MiB))
		}
	}
	return out
}

// Realtime thresholds.
const (
	lowEfficiency      = 0.1
	minElapsedForSkip  = 30 * time.Second
	memoryPressure     = 0.85
	highCPUUsage       = 0.9
	temperatureLimit   = 80.0
	performanceHistory = 1000
	reduceBatchFactor  = 0.5
	throttleFactor     = 0.8
	thermalFactor      = 0.6
)

// Action is what a running phase should do next.
type Action string

const (
	ActionContinue    Action = "continue"
	ActionSkip        Action = "skip"
	ActionReduceBatch Action = "reduce_batch_size"
	ActionThrottleCPU Action = "throttle_cpu"
)

// Snapshot is the observed state of a running phase.
type Snapshot struct {
	Phase               string
	Elapsed             time.Duration
	Efficiency          float64 // not measured when <= 0
	CandidatesPerSecond float64
	MemoryUsage         float64 // fraction of memory in use
	CPUUsage            float64 // fraction, negative when unknown
	Temperature         float64 // hottest device in Celsius, 0 when unknown
}

// WithUsage fills the resource fields of s from a resource sample.
func (s Snapshot) WithUsage(a resource.Available) Snapshot {
	if a.Memory.Total > 0 {
		s.MemoryUsage = float64(a.Memory.Used) / float64(a.Memory.Total)
	}
	s.CPUUsage = a.CPU.Usage
	for _, d := range a.GPU.Devices {
		s.Temperature = max(s.Temperature, d.Temperature)
	}
	return s
}

// Adjustment is the advice for a running phase. Factor scales the batch
// size or the CPU share, depending on Action.
type Adjustment struct {
	Action Action  `json:"action"`
	Factor float64 `json:"factor,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// RealtimeAdjustments advises a running phase and records the sample in the
// performance history. Later checks take precedence: low efficiency, then
// memory pressure, then CPU usage, then temperature. A phase is only
// skipped once it has run for more than 30 seconds.
func (m *Manager) RealtimeAdjustments(s Snapshot) Adjustment {
	adj := Adjustment{Action: ActionContinue}
	if s.Efficiency > 0 && s.Efficiency < lowEfficiency && s.Elapsed > minElapsedForSkip {
		adj = Adjustment{Action: ActionSkip, Reason: fmt.Sprintf("low efficiency (%.3f)", s.Efficiency)}
	}
	if s.MemoryUsage > memoryPressure {
		adj = Adjustment{Action: ActionReduceBatch, Factor: reduceBatchFactor,
			Reason: fmt.Sprintf("high memory usage (%.1f%%)", s.MemoryUsage*100)}
	}
	if s.CPUUsage > highCPUUsage {
		adj = Adjustment{Action: ActionThrottleCPU, Factor: throttleFactor,
			Reason: fmt.Sprintf("high CPU usage (%.1f%%)", s.CPUUsage*100)}
	}
	if s.Temperature > temperatureLimit {
		adj = Adjustment{Action: ActionThrottleCPU, Factor: thermalFactor,
			Reason: fmt.Sprintf("high temperature (%.0f C)", s.Temperature)}
	}
	if adj.Action != ActionContinue {
		m.logger.Info("realtime adjustment", "phase", s.Phase, "action", string(adj.Action), "reason", adj.Reason)
	}

	m.mu.Lock()
	m.perf = append(m.perf, PerformanceSample{
		Phase:               s.Phase,
		Efficiency:          s.Efficiency,
		CandidatesPerSecond: s.CandidatesPerSecond,
		Elapsed:             s.Elapsed,
		Timestamp:           m.now(),
	})
	if over := len(m.perf) - performanceHistory; over > 0 {
		m.perf = append(m.perf[:0:0], m.perf[over:]...)
	}
	m.mu.Unlock()
	return adj
}

// PerformanceSample is one recorded realtime observation.
type PerformanceSample struct {
	Phase               string
	Efficiency          float64
	CandidatesPerSecond float64
	Elapsed             time.Duration
	Timestamp           time.Time
}

// PerformanceStats aggregates the performance history.
type PerformanceStats struct {
	Phase         string  `json:"phase,omitempty"`
	Count         int     `json:"count"`
	AvgEfficiency float64 `json:"avg_efficiency"`
	MinEfficiency float64 `json:"min_efficiency"`
	MaxEfficiency float64 `json:"max_efficiency"`
	AvgSpeed      float64 `json:"avg_speed"`
	MinSpeed      float64 `json:"min_speed"`
	MaxSpeed      float64 `json:"max_speed"`
}

// PerformanceStats aggregates the samples of one phase, or of all phases
// when p is empty. It reports false when there are none.
func (m *Manager) PerformanceStats(p string) (PerformanceStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := PerformanceStats{Phase: p}
	for _, s := range m.perf {
		if p != "" && s.Phase != p {
			continue
		}
		if st.Count == 0 {
			st.MinEfficiency, st.MaxEfficiency = s.Efficiency, s.Efficiency
			st.MinSpeed, st.MaxSpeed = s.CandidatesPerSecond, s.CandidatesPerSecond
		}
		st.Count++
		st.AvgEfficiency += s.Efficiency
		st.AvgSpeed += s.CandidatesPerSecond
		st.MinEfficiency = min(st.MinEfficiency, s.Efficiency)
		st.MaxEfficiency = max(st.MaxEfficiency, s.Efficiency)
		st.MinSpeed = min(st.MinSpeed, s.CandidatesPerSecond)
		st.MaxSpeed = max(st.MaxSpeed, s.CandidatesPerSecond)
	}
	if st.Count == 0 {
		return st, false
	}
	st.AvgEfficiency /= float64(st.Count)
	st.AvgSpeed /= float64(st.Count)
	return st, true
}
