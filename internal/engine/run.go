package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/keyforge/internal/coordinator"
	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/estimator"
	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/strategy"
	"github.com/Iron-Ham/keyforge/internal/target"
)

// Job describes one recovery session.
type Job struct {
	Target target.Target
	// Secret is handed to the executors with every batch, typically the
	// digest the candidates are matched against.
	Secret string
	// Sources holds the candidates of each phase type. Phases without
	// candidates are reported and skipped.
	Sources   map[string][]string
	Overrides strategy.Overrides
}

// PhaseStatus is how a phase ended.
type PhaseStatus string

const (
	StatusFound        PhaseStatus = "found"
	StatusExhausted    PhaseStatus = "exhausted"
	StatusTimedOut     PhaseStatus = "timed_out"
	StatusSkipped      PhaseStatus = "skipped"
	StatusNoCandidates PhaseStatus = "no_candidates"
	StatusNoExecutor   PhaseStatus = "no_executor"
	StatusCanceled     PhaseStatus = "canceled"
)

// PhaseReport summarizes one phase of a session.
type PhaseReport struct {
	Phase       string                `json:"phase"`
	Status      PhaseStatus           `json:"status"`
	Weight      float64               `json:"weight"`
	Timeout     time.Duration         `json:"timeout"`
	BatchSize   int                   `json:"batch_size"`
	Tasks       int                   `json:"tasks"`
	FailedTasks int                   `json:"failed_tasks"`
	Attempts    int64                 `json:"attempts"`
	Efficiency  float64               `json:"efficiency,omitempty"`
	Elapsed     time.Duration         `json:"elapsed"`
	Adjustments []strategy.Adjustment `json:"adjustments,omitempty"`
	Outlook     *estimator.Realtime   `json:"outlook,omitempty"`
}

// Outcome is the result of a session.
type Outcome struct {
	Target         target.Target           `json:"target"`
	Strategy       string                  `json:"strategy"`
	Recommendation strategy.Recommendation `json:"recommendation"`
	Found          bool                    `json:"found"`
	Password       string                  `json:"password,omitempty"`
	Phase          string                  `json:"phase,omitempty"`
	Attempts       int64                   `json:"attempts"`
	Elapsed        time.Duration           `json:"elapsed"`
	// TimedOut is set when the strategy's total time limit ended the
	// session.
	TimedOut bool          `json:"timed_out,omitempty"`
	Phases   []PhaseReport `json:"phases"`
}

// Run executes a session: it plans a strategy for the job's target, then
// runs its phases in order until one finds the password or all are done.
// Sessions are serialized. Canceling ctx stops the session and returns the
// partial outcome with an error wrapping errors.ErrCanceled.
func (e *Engine) Run(ctx context.Context, job Job) (Outcome, error) {
	if !e.Running() {
		return Outcome{}, errors.NewSchedulerError("engine is not running", errors.ErrCoordinatorStopped)
	}
	if job.Target.Path == "" {
		return Outcome{}, errors.NewValidationError("target path is required").WithField("target")
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()

	s, err := e.strategies.AdjustStrategy(job.Target, e.hw, job.Overrides)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		Target:         job.Target,
		Strategy:       s.Name(),
		Recommendation: e.strategies.EstimateStrategy(job.Target, s, e.hw),
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("target", job.Target.Path),
		attribute.String("strategy", s.Name()),
	))
	defer span.End()

	runCtx := ctx
	if limit := s.MaxTotalTime(); limit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	logger := e.logger.With("target", job.Target.Path, "strategy", s.Name())
	logger.Info("session started",
		"phases", len(s.Phases()),
		"probability", out.Recommendation.Estimate.OverallProbability)

	start := time.Now()
	batch := e.cfg.BatchSize
	phases := s.Phases()
	for i, p := range phases {
		if runCtx.Err() != nil {
			break
		}
		rep, res, err := e.runPhase(runCtx, job, s, p, batch)
		if err != nil {
			out.Phases = append(out.Phases, rep)
			out.Elapsed = time.Since(start)
			span.SetStatus(codes.Error, err.Error())
			return out, err
		}
		if rep.Tasks > 0 && rep.Status != StatusCanceled {
			e.strategies.RecordOutcome(job.Target, s, res, rep.Elapsed, p)
			// efficiency is zero only when it could not be measured
			outlook := e.estimator.UpdateRealtime(estimator.RealtimeInput{
				Phase:              p,
				Elapsed:            rep.Elapsed,
				Attempts:           rep.Attempts,
				Efficiency:         rep.Efficiency,
				EfficiencyMeasured: rep.Efficiency > 0,
				RemainingPhases:    phases[i+1:],
			})
			rep.Outlook = &outlook
		}
		for _, adj := range rep.Adjustments {
			if adj.Action == strategy.ActionReduceBatch && adj.Factor > 0 {
				batch = max(1, int(float64(batch)*adj.Factor))
				break
			}
		}
		out.Phases = append(out.Phases, rep)
		out.Attempts += rep.Attempts

		if rep.Status == StatusFound {
			out.Found = true
			out.Password = res.Password
			out.Phase = p
			break
		}
	}
	out.Elapsed = time.Since(start)
	span.SetAttributes(attribute.Bool("found", out.Found), attribute.Int64("attempts", out.Attempts))

	if ctx.Err() != nil {
		logger.Info("session canceled", "elapsed_ms", out.Elapsed.Milliseconds())
		span.SetStatus(codes.Error, "canceled")
		return out, errors.NewSchedulerError("session canceled", errors.ErrCanceled)
	}
	out.TimedOut = runCtx.Err() != nil && !out.Found
	logger.Info("session finished",
		"found", out.Found,
		"phase", out.Phase,
		"attempts", out.Attempts,
		"timed_out", out.TimedOut,
		"elapsed_ms", out.Elapsed.Milliseconds())
	return out, nil
}

// runPhase splits the phase's candidates into tasks, submits them and
// waits until they finish, one finds the password, the phase times out or
// the monitor skips it. Outstanding tasks of an ended phase are abandoned
// by the executor gate.
func (e *Engine) runPhase(ctx context.Context, job Job, s strategy.Strategy, p string, batch int) (PhaseReport, phase.Result, error) {
	rep := PhaseReport{Phase: p, Weight: s.Weight(p), Timeout: s.Timeout(p), BatchSize: batch}
	res := phase.Result{PhaseType: p}
	logger := e.logger.WithPhase(p)

	if !e.registry.Has(p) {
		rep.Status = StatusNoExecutor
		logger.Debug("no executor registered; phase skipped")
		return rep, res, nil
	}
	candidates := job.Sources[p]
	if len(candidates) == 0 {
		rep.Status = StatusNoCandidates
		logger.Debug("no candidates; phase skipped")
		return rep, res, nil
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "engine.phase", trace.WithAttributes(
		attribute.String("phase", p),
		attribute.Int("batch_size", batch),
	))
	defer span.End()

	pctx := ctx
	if rep.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		pctx, cancelTimeout = context.WithTimeout(ctx, rep.Timeout)
		defer cancelTimeout()
	}
	pctx, cancel := context.WithCancel(pctx)
	defer cancel()

	scope := e.scopes.open(pctx)
	defer e.scopes.close(scope)

	batches := phase.Split(candidates, batch)
	ids := make([]string, len(batches))
	specs := make([]coordinator.TaskSpec, len(batches))
	for i, b := range batches {
		ids[i] = uuid.NewString()
		specs[i] = coordinator.TaskSpec{
			PhaseType: p,
			Payload: phase.Payload{
				PhaseType: p,
				Target:    job.Target,
				Data:      scopedData{scope: scope, data: phase.Batch{Candidates: b, Secret: job.Secret}},
			},
			Options: []coordinator.SubmitOption{coordinator.WithTaskID(ids[i])},
		}
	}

	tr := newTracker(ids)
	completedID := e.bus.Subscribe(event.TypeTaskCompleted, tr.handle)
	failedID := e.bus.Subscribe(event.TypeTaskFailed, tr.handle)
	defer e.bus.Unsubscribe(completedID)
	defer e.bus.Unsubscribe(failedID)

	start := time.Now()
	submitted, err := e.coord.SubmitBatch(specs)
	rep.Tasks = len(submitted)
	if err != nil {
		tr.forget(ids[len(submitted):])
		if len(submitted) == 0 {
			rep.Status = StatusCanceled
			span.SetStatus(codes.Error, err.Error())
			return rep, res, err
		}
		logger.Warn("phase partially submitted", "submitted", len(submitted), "batches", len(batches), "error", err.Error())
	}
	logger.Info("phase started", "tasks", rep.Tasks, "candidates", len(candidates), "timeout", rep.Timeout.String())

	monDone := make(chan monitorResult, 1)
	go func() {
		monDone <- e.monitor(pctx, cancel, p, rep.Timeout, start, tr)
	}()

	select {
	case <-tr.done:
	case <-pctx.Done():
	}
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()
	mon := <-monDone

	snap := tr.snapshot()
	rep.Elapsed = time.Since(start)
	rep.FailedTasks = snap.failed
	rep.Attempts = snap.attempts
	rep.Adjustments = mon.adjustments
	rep.Efficiency = efficiency(snap, rep.Timeout, rep.Elapsed)
	res.Attempts = snap.attempts

	switch {
	case snap.found:
		rep.Status = StatusFound
		res.Found = true
		res.Password = snap.password
	case mon.skipped:
		rep.Status = StatusSkipped
	case snap.finished():
		rep.Status = StatusExhausted
	case ctx.Err() != nil:
		// the session ended: the caller canceled or the total limit passed
		rep.Status = StatusCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			rep.Status = StatusTimedOut
		}
	case timedOut:
		rep.Status = StatusTimedOut
	default:
		rep.Status = StatusCanceled
	}

	span.SetAttributes(attribute.String("status", string(rep.Status)), attribute.Int64("attempts", rep.Attempts))
	logger.Info("phase finished",
		"status", string(rep.Status),
		"tasks", rep.Tasks,
		"failed_tasks", rep.FailedTasks,
		"attempts", rep.Attempts,
		"elapsed_ms", rep.Elapsed.Milliseconds())
	return rep, res, nil
}

type monitorResult struct {
	adjustments []strategy.Adjustment
	skipped     bool
}

// monitor samples a running phase every MonitorInterval and applies the
// realtime advice: a skip cancels the phase, a batch reduction is applied
// once to later phases, and CPU throttling is recorded.
func (e *Engine) monitor(ctx context.Context, cancel context.CancelFunc, p string, timeout time.Duration, start time.Time, tr *tracker) monitorResult {
	var out monitorResult
	if e.cfg.MonitorInterval <= 0 {
		return out
	}
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	reduced := false
	for {
		select {
		case <-ctx.Done():
			return out
		case <-ticker.C:
		}

		snap := tr.snapshot()
		elapsed := time.Since(start)
		s := strategy.Snapshot{
			Phase:      p,
			Elapsed:    elapsed,
			Efficiency: efficiency(snap, timeout, elapsed),
		}
		if secs := elapsed.Seconds(); secs > 0 {
			s.CandidatesPerSecond = float64(snap.attempts) / secs
		}
		s = s.WithUsage(e.resources.AvailableResources(ctx))
		if ctx.Err() != nil {
			return out
		}

		adj := e.strategies.RealtimeAdjustments(s)
		switch adj.Action {
		case strategy.ActionSkip:
			out.adjustments = append(out.adjustments, adj)
			out.skipped = true
			cancel()
			return out
		case strategy.ActionReduceBatch:
			if !reduced {
				reduced = true
				out.adjustments = append(out.adjustments, adj)
			}
		case strategy.ActionThrottleCPU:
			out.adjustments = append(out.adjustments, adj)
		}
	}
}

// efficiency compares task progress with the share of the time limit
// spent. It is 0, meaning unmeasured, without a time limit or before the
// first task finished.
func efficiency(snap trackerSnapshot, timeout, elapsed time.Duration) float64 {
	if timeout <= 0 || elapsed <= 0 || snap.total == 0 || snap.completed+snap.failed == 0 {
		return 0
	}
	progress := float64(snap.completed+snap.failed) / float64(snap.total)
	return progress / (float64(elapsed) / float64(timeout))
}

// tracker follows the tasks of one phase through the bus events.
type tracker struct {
	mu        sync.Mutex
	pending   map[string]struct{}
	total     int
	completed int
	failed    int
	attempts  int64
	found     bool
	password  string
	done      chan struct{}
	closed    bool
}

type trackerSnapshot struct {
	total     int
	completed int
	failed    int
	attempts  int64
	found     bool
	password  string
}

func (s trackerSnapshot) finished() bool {
	return s.completed+s.failed >= s.total
}

func newTracker(ids []string) *tracker {
	t := &tracker{
		pending: make(map[string]struct{}, len(ids)),
		total:   len(ids),
		done:    make(chan struct{}),
	}
	for _, id := range ids {
		t.pending[id] = struct{}{}
	}
	t.checkLocked()
	return t
}

func (t *tracker) handle(ev event.Event) {
	switch ev := ev.(type) {
	case event.TaskCompletedEvent:
		res, _ := ev.Result.(phase.Result)
		t.finish(ev.TaskID, res, false)
	case event.TaskFailedEvent:
		if ev.Final {
			t.finish(ev.TaskID, phase.Result{}, true)
		}
	}
}

func (t *tracker) finish(id string, res phase.Result, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return
	}
	delete(t.pending, id)
	t.attempts += res.Attempts
	if failed {
		t.failed++
	} else {
		t.completed++
	}
	if res.Found && !t.found {
		t.found = true
		t.password = res.Password
	}
	t.checkLocked()
}

// forget drops tasks that were never submitted.
func (t *tracker) forget(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if _, ok := t.pending[id]; ok {
			delete(t.pending, id)
			t.total--
		}
	}
	t.checkLocked()
}

func (t *tracker) checkLocked() {
	if !t.closed && (t.found || len(t.pending) == 0) {
		t.closed = true
		close(t.done)
	}
}

func (t *tracker) snapshot() trackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return trackerSnapshot{
		total:     t.total,
		completed: t.completed,
		failed:    t.failed,
		attempts:  t.attempts,
		found:     t.found,
		password:  t.password,
	}
}
