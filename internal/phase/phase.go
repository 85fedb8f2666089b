// Package phase defines the unit of search work the coordinator schedules.
//
// A phase type (dictionary, mask, rule, ...) maps to an [Executor] through a
// [Registry]. The scheduler treats payloads and results as opaque; only the
// executor registered for a phase type interprets them. The package ships
// one generic executor, [CandidateList], which tests every candidate of a
// batch with a [Matcher].
package phase

import (
	"context"
	"sort"
	"sync"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/target"
)

// Known phase types. Strategies may name others as long as an executor is
// registered for them.
const (
	Dictionary        = "dictionary"
	Keyboard          = "keyboard"
	Rule              = "rule"
	Mask              = "mask"
	Hybrid            = "hybrid"
	Bruteforce        = "bruteforce"
	ShortBrute        = "short_brute"
	DateRange         = "date_range"
	AI                = "ai"
	CPU               = "cpu"
	BKCrack           = "bkcrack"
	Combination       = "combination"
	Top10K            = "top10k"
	KeyboardWalk      = "keyboard_walk"
	SocialEngineering = "social_engineering"
)

// Payload is the input of one phase execution.
type Payload struct {
	PhaseType string        `json:"phase_type"`
	Target    target.Target `json:"target"`
	Data      any           `json:"data,omitempty"`
}

// Result is what an executor reports back.
type Result struct {
	Found     bool   `json:"found"`
	Password  string `json:"password,omitempty"`
	Attempts  int64  `json:"attempts"`
	PhaseType string `json:"phase_type"`
}

// Executor runs one phase. Implementations must return promptly once ctx
// is done.
type Executor interface {
	Execute(ctx context.Context, p Payload) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, p Payload) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, p Payload) (Result, error) {
	return f(ctx, p)
}

// Registry maps phase types to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds phaseType to exec, replacing any previous binding.
func (r *Registry) Register(phaseType string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[phaseType] = exec
}

// Lookup returns the executor for phaseType. The error matches
// errors.ErrUnknownPhase when nothing is registered.
func (r *Registry) Lookup(phaseType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[phaseType]
	if !ok {
		return nil, errors.NewNotFoundError("phase executor", phaseType).WithCause(errors.ErrUnknownPhase)
	}
	return exec, nil
}

// Has reports whether phaseType has an executor.
func (r *Registry) Has(phaseType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[phaseType]
	return ok
}

// Types returns the registered phase types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
