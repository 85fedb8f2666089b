package strategy

import (
	"sort"
	"time"

	"github.com/Iron-Ham/keyforge/internal/estimator"
)

// SuccessPattern remembers which phase recovered a target.
type SuccessPattern struct {
	Key       estimator.Key `json:"key"`
	Target    string        `json:"target"`
	Size      int64         `json:"size"`
	Type      string        `json:"type"`
	Phase     string        `json:"phase"`
	Attempts  int64         `json:"attempts"`
	Elapsed   time.Duration `json:"elapsed"`
	Strategy  string        `json:"strategy"`
	Timestamp time.Time     `json:"timestamp"`
}

// PhaseCount counts attempts and successes of one phase.
type PhaseCount struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// PatternBook is the persisted success history.
type PatternBook struct {
	Patterns map[string][]SuccessPattern `json:"patterns"`
	Phases   map[string]PhaseCount       `json:"phases"`
}

func emptyPatternBook() PatternBook {
	return PatternBook{
		Patterns: make(map[string][]SuccessPattern),
		Phases:   make(map[string]PhaseCount),
	}
}

func (b PatternBook) normalized() PatternBook {
	if b.Patterns == nil {
		b.Patterns = make(map[string][]SuccessPattern)
	}
	if b.Phases == nil {
		b.Phases = make(map[string]PhaseCount)
	}
	return b
}

func (b *PatternBook) count(p string, success bool) {
	c := b.Phases[p]
	c.Attempts++
	if success {
		c.Successes++
	}
	b.Phases[p] = c
}

// add appends sp under its key and evicts the oldest beyond limit.
func (b *PatternBook) add(sp SuccessPattern, limit int) {
	k := sp.Key.String()
	list := append(b.Patterns[k], sp)
	if over := len(list) - limit; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	b.Patterns[k] = list
}

// similar returns patterns whose key shares at least two components with
// k, newest first.
func (b PatternBook) similar(k estimator.Key) []SuccessPattern {
	var out []SuccessPattern
	for _, list := range b.Patterns {
		for _, sp := range list {
			if sp.Key.Matches(k) >= 2 {
				out = append(out, sp)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
