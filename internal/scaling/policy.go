package scaling

import (
	"fmt"
	"sync"
	"time"
)

// Default policy values.
const (
	defaultMinWorkers  = 1
	defaultMaxWorkers  = 8
	defaultIdleTimeout = 30 * time.Second
)

// Option configures a Policy.
type Option func(*Policy)

// WithMinWorkers sets the minimum pool size.
func WithMinWorkers(n int) Option {
	return func(p *Policy) { p.minWorkers = n }
}

// WithMaxWorkers sets the maximum pool size.
func WithMaxWorkers(n int) Option {
	return func(p *Policy) { p.maxWorkers = n }
}

// WithIdleTimeout sets how long a worker must sit idle with an empty queue
// before it may be removed.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Policy) { p.idleTimeout = d }
}

// WithCooldownPeriod sets the minimum time between two non-none decisions.
// The default is zero: the coordinator's scale check interval already
// paces scale-downs.
func WithCooldownPeriod(d time.Duration) Option {
	return func(p *Policy) { p.cooldownPeriod = d }
}

// Policy defines the rules for elastic pool sizing.
// It is safe for concurrent use.
type Policy struct {
	mu               sync.Mutex
	minWorkers       int
	maxWorkers       int
	idleTimeout      time.Duration
	cooldownPeriod   time.Duration
	lastDecisionTime time.Time
}

// NewPolicy creates a Policy with the given options.
// Unset options use defaults. Max is raised to Min when smaller.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		minWorkers:  defaultMinWorkers,
		maxWorkers:  defaultMaxWorkers,
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.minWorkers = max(0, p.minWorkers)
	p.maxWorkers = max(p.minWorkers, p.maxWorkers)
	return p
}

// MinWorkers returns the lower pool bound.
func (p *Policy) MinWorkers() int { return p.minWorkers }

// MaxWorkers returns the upper pool bound.
func (p *Policy) MaxWorkers() int { return p.maxWorkers }

// IdleTimeout returns the idle time required before a scale-down.
func (p *Policy) IdleTimeout() time.Duration { return p.idleTimeout }

func (p *Policy) coolingDown(now time.Time) bool {
	return p.cooldownPeriod > 0 &&
		!p.lastDecisionTime.IsZero() &&
		now.Sub(p.lastDecisionTime) < p.cooldownPeriod
}

// EvaluateScaleUp is called when a task found no worker able to take it.
// It recommends one more worker while the pool is below its maximum.
func (p *Policy) EvaluateScaleUp(currentWorkers int, now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.coolingDown(now) {
		return Decision{Action: ActionNone, Reason: "cooldown period active"}
	}
	if currentWorkers >= p.maxWorkers {
		return Decision{
			Action: ActionNone,
			Reason: fmt.Sprintf("pool at maximum (%d)", p.maxWorkers),
		}
	}

	p.lastDecisionTime = now
	return Decision{
		Action: ActionScaleUp,
		Delta:  1,
		Reason: fmt.Sprintf("no worker can accept work with %d/%d workers", currentWorkers, p.maxWorkers),
	}
}

// EvaluateScaleDown picks at most one worker to remove: the one idle the
// longest among those idle with an empty queue for more than the idle
// timeout. The pool never drops below its minimum.
func (p *Policy) EvaluateScaleDown(loads []WorkerLoad, now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.coolingDown(now) {
		return Decision{Action: ActionNone, Reason: "cooldown period active"}
	}
	if len(loads)-1 < p.minWorkers {
		return Decision{
			Action: ActionNone,
			Reason: fmt.Sprintf("pool at minimum (%d)", p.minWorkers),
		}
	}

	var victim *WorkerLoad
	for i := range loads {
		w := &loads[i]
		if w.Busy || w.QueueLength > 0 || w.IdleSince.IsZero() {
			continue
		}
		if now.Sub(w.IdleSince) <= p.idleTimeout {
			continue
		}
		if victim == nil || w.IdleSince.Before(victim.IdleSince) ||
			(w.IdleSince.Equal(victim.IdleSince) && w.ID < victim.ID) {
			victim = w
		}
	}
	if victim == nil {
		return Decision{Action: ActionNone, Reason: "no worker idle beyond timeout"}
	}

	p.lastDecisionTime = now
	return Decision{
		Action:   ActionScaleDown,
		Delta:    -1,
		WorkerID: victim.ID,
		Reason:   fmt.Sprintf("worker %s idle for %v (timeout: %v)", victim.ID, now.Sub(victim.IdleSince).Round(time.Millisecond), p.idleTimeout),
	}
}
