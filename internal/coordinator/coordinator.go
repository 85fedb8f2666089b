// Package coordinator schedules search tasks over a pool of workers.
//
// Tasks enter a global backlog and are pushed to per-worker queues: an idle
// worker first, otherwise the shortest queue, unless every queue has reached
// twice the steal threshold, in which case the pool grows by one worker or
// the task waits in the backlog. A worker's queue head is the task it is
// executing. Periodic loops steal work from the longest queue for the
// shortest, retire workers that stayed idle too long, and purge old
// results.
//
// All queue state is guarded by a single mutex. Events are collected while
// the mutex is held and published after it is released, so bus handlers
// may call back into the coordinator.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/logging"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/retry"
	"github.com/Iron-Ham/keyforge/internal/scaling"
	"github.com/Iron-Ham/keyforge/internal/worker"
)

const inboundSize = 256

// Task is one unit of scheduled work. It is owned by exactly one queue at
// a time: the backlog, a worker queue, or a pending retry timer.
type Task struct {
	ID          string
	PhaseType   string
	Payload     phase.Payload
	SubmittedAt time.Time
	Attempts    int
	MaxAttempts int
	Timeout     time.Duration
}

// TaskSpec describes a task for SubmitBatch.
type TaskSpec struct {
	PhaseType string
	Payload   phase.Payload
	Options   []SubmitOption
}

// SubmitOption customizes a submitted task.
type SubmitOption func(*Task)

// WithMaxAttempts overrides the configured attempt limit for one task.
func WithMaxAttempts(n int) SubmitOption {
	return func(t *Task) { t.MaxAttempts = max(1, n) }
}

// WithTimeout overrides the configured execution timeout for one task.
func WithTimeout(d time.Duration) SubmitOption {
	return func(t *Task) { t.Timeout = d }
}

// WithTaskID sets the task ID instead of generating one.
func WithTaskID(id string) SubmitOption {
	return func(t *Task) { t.ID = id }
}

// WorkerState is the lifecycle state of a worker.
type WorkerState string

const (
	// StateIdle is a freshly created worker that has not reported ready.
	StateIdle WorkerState = "idle"
	// StateReady is a worker waiting for work.
	StateReady WorkerState = "ready"
	// StateBusy is a worker executing its queue head.
	StateBusy WorkerState = "busy"
)

// Stats are the coordinator's per-worker counters.
type Stats struct {
	TasksCompleted       int           `json:"tasks_completed"`
	TasksAssigned        int           `json:"tasks_assigned"`
	TasksFailed          int           `json:"tasks_failed"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastActivity         time.Time     `json:"last_activity"`
	IsIdle               bool          `json:"is_idle"`
	PerformanceScore     float64       `json:"performance_score"`
}

// WorkerStatus is a snapshot of one worker.
type WorkerStatus struct {
	ID          string      `json:"id"`
	State       WorkerState `json:"state"`
	QueueLength int         `json:"queue_length"`
	Stats       Stats       `json:"stats"`
}

// TaskRecord is the final outcome of a task.
type TaskRecord struct {
	TaskID        string        `json:"task_id"`
	PhaseType     string        `json:"phase_type"`
	WorkerID      string        `json:"worker_id"`
	Succeeded     bool          `json:"succeeded"`
	Result        phase.Result  `json:"result"`
	Err           error         `json:"-"`
	Attempts      int           `json:"attempts"`
	ExecutionTime time.Duration `json:"execution_time"`
	FinishedAt    time.Time     `json:"finished_at"`
}

type workerEntry struct {
	h         Handle
	epoch     uint64
	state     WorkerState
	queue     []*Task // head is in flight while busy
	stats     Stats
	idleSince time.Time
	dead      bool // Send failed; waiting for the fault report or a restart
}

func (e *workerEntry) available() bool {
	return !e.dead && e.state != StateBusy && len(e.queue) == 0
}

// Coordinator is the work-stealing scheduler. It is safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	cfg       Config
	executors worker.Executors
	alloc     worker.Allocator
	factory   WorkerFactory
	policy    *scaling.Policy
	retries   *retry.Manager
	bus       *event.Bus
	logger    *logging.Logger
	now       func() time.Time
	metrics   *instruments

	workers    map[string]*workerEntry
	order      []string // worker IDs in creation order
	nextWorker int
	epoch      uint64
	retired    []Handle
	backlog    []*Task
	timers     map[string]*time.Timer
	records    map[string]*TaskRecord
	inbound    chan worker.Message
	pending    []event.Event

	counters counters

	running   bool
	stopped   bool
	startedAt time.Time
	workerCtx context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

type counters struct {
	submitted   int
	completed   int
	failed      int
	retried     int
	stealEvents int
	stolenTasks int
	scaleUps    int
	scaleDowns  int
	restarts    int
	totalExec   time.Duration
}

// New creates a coordinator. Workers execute phases resolved through
// executors.
func New(executors worker.Executors, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.normalized()
	c := &Coordinator{
		cfg:       cfg,
		executors: executors,
		retries:   retry.NewManager(cfg.RetryBackoff),
		now:       time.Now,
		workers:   make(map[string]*workerEntry),
		timers:    make(map[string]*time.Timer),
		records:   make(map[string]*TaskRecord),
		inbound:   make(chan worker.Message, inboundSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).WithComponent("coordinator")
	if c.bus == nil {
		c.bus = event.NewBus(event.WithLogger(c.logger))
	}
	if c.factory == nil {
		c.factory = c.defaultFactory
	}
	c.policy = scaling.NewPolicy(
		scaling.WithMinWorkers(cfg.MinWorkers),
		scaling.WithMaxWorkers(cfg.MaxWorkers),
		scaling.WithIdleTimeout(cfg.IdleTimeout),
		scaling.WithCooldownPeriod(cfg.ScaleCooldown),
	)
	c.metrics = newInstruments(c.logger)
	return c
}

func (c *Coordinator) defaultFactory(id string, epoch uint64, out chan<- worker.Message) Handle {
	opts := []worker.Option{worker.WithLogger(c.logger)}
	if c.alloc != nil {
		opts = append(opts, worker.WithAllocator(c.alloc))
	}
	return worker.New(id, epoch, out, c.executors, opts...)
}

// Bus returns the event bus the coordinator publishes on.
func (c *Coordinator) Bus() *event.Bus { return c.bus }

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Start spawns MinWorkers workers and the scheduling loop. Tasks submitted
// before Start are distributed now.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.NewSchedulerError("cannot restart a stopped coordinator", errors.ErrCoordinatorStopped)
	}
	if c.running {
		c.mu.Unlock()
		return errors.NewSchedulerError("coordinator already started", nil)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.workerCtx = loopCtx
	c.running = true
	c.startedAt = c.now()
	c.loopDone = make(chan struct{})

	for range c.cfg.MinWorkers {
		c.spawnLocked()
	}
	c.emit(event.NewCoordinatorStartedEvent(len(c.workers)))
	c.distributeLocked()
	c.logger.Info("coordinator started",
		"workers", len(c.workers),
		"min_workers", c.cfg.MinWorkers,
		"max_workers", c.cfg.MaxWorkers)
	c.unlockAndFlush()

	go c.loop(loopCtx)
	return nil
}

// Stop cancels the loops and retry timers, terminates all workers (canceling
// in-flight executions) and abandons every outstanding task. It is
// idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	wasRunning := c.running
	c.running = false
	cancel := c.cancel
	loopDone := c.loopDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	}

	c.mu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	abandoned := len(c.backlog)
	c.backlog = nil
	handles := c.retired
	c.retired = nil
	for _, id := range c.order {
		e := c.workers[id]
		abandoned += len(e.queue)
		e.h.Terminate()
		handles = append(handles, e.h)
	}
	c.workers = make(map[string]*workerEntry)
	c.order = nil
	if wasRunning {
		c.emit(event.NewCoordinatorStoppedEvent(abandoned))
	}
	c.logger.Info("coordinator stopped", "abandoned", abandoned)
	c.unlockAndFlush()

	for _, h := range handles {
		h.Wait()
	}
}

// Submit queues a task and returns its ID. It fails with a
// *errors.QueueFullError when the backlog is at capacity.
func (c *Coordinator) Submit(phaseType string, payload phase.Payload, opts ...SubmitOption) (string, error) {
	c.mu.Lock()
	id, err := c.submitLocked(phaseType, payload, opts)
	if err == nil {
		c.distributeLocked()
	}
	c.unlockAndFlush()
	return id, err
}

// SubmitBatch submits tasks in order. On error it returns the IDs submitted
// before the failing one.
func (c *Coordinator) SubmitBatch(specs []TaskSpec) ([]string, error) {
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		id, err := c.Submit(s.PhaseType, s.Payload, s.Options...)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Coordinator) submitLocked(phaseType string, payload phase.Payload, opts []SubmitOption) (string, error) {
	if c.stopped {
		return "", errors.NewSchedulerError("submit after stop", errors.ErrCoordinatorStopped).WithPhase(phaseType)
	}
	if len(c.backlog) >= c.cfg.MaxQueueSize {
		return "", errors.NewQueueFullError(len(c.backlog), c.cfg.MaxQueueSize)
	}

	if payload.PhaseType == "" {
		payload.PhaseType = phaseType
	}
	task := &Task{
		ID:          uuid.NewString(),
		PhaseType:   phaseType,
		Payload:     payload,
		SubmittedAt: c.now(),
		MaxAttempts: c.cfg.MaxAttempts,
		Timeout:     c.cfg.TaskTimeout,
	}
	for _, opt := range opts {
		opt(task)
	}
	c.retries.Track(task.ID, task.MaxAttempts)

	c.backlog = append(c.backlog, task)
	c.counters.submitted++
	c.metrics.submitted(phaseType)
	c.emit(event.NewTaskSubmittedEvent(task.ID, phaseType))
	return task.ID, nil
}

// Result returns the final record of a completed or permanently failed
// task. Records are kept for RecordRetention.
func (c *Coordinator) Result(taskID string) (TaskRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[taskID]
	if !ok {
		return TaskRecord{}, false
	}
	return *r, true
}

// RestartWorker replaces a worker with a fresh one under the same ID. Its
// queued tasks, including the one in flight, go back to the front of the
// backlog.
func (c *Coordinator) RestartWorker(id string) error {
	c.mu.Lock()
	e, ok := c.workers[id]
	if !ok || !c.running {
		c.mu.Unlock()
		return errors.NewNotFoundError("worker", id).WithCause(errors.ErrWorkerNotFound)
	}
	c.restartLocked(id, e, e.queue, "manual restart")
	c.distributeLocked()
	c.unlockAndFlush()
	return nil
}

// spawnLocked creates and starts a worker with a new ID.
func (c *Coordinator) spawnLocked() string {
	c.nextWorker++
	id := fmt.Sprintf("worker-%d", c.nextWorker)
	c.startWorkerLocked(id)
	c.order = append(c.order, id)
	return id
}

// startWorkerLocked creates a worker incarnation for id.
func (c *Coordinator) startWorkerLocked(id string) {
	c.epoch++
	h := c.factory(id, c.epoch, c.inbound)
	c.workers[id] = &workerEntry{
		h:         h,
		epoch:     c.epoch,
		state:     StateIdle,
		idleSince: c.now(),
		stats:     Stats{IsIdle: true, PerformanceScore: 1, LastActivity: c.now()},
	}
	h.Start(c.workerCtx)
}

// restartLocked retires the worker's current incarnation, puts requeue at
// the front of the backlog and starts a replacement under the same ID.
func (c *Coordinator) restartLocked(id string, e *workerEntry, requeue []*Task, reason string) {
	e.h.Terminate()
	c.retired = append(c.retired, e.h)

	c.backlog = append(append(make([]*Task, 0, len(requeue)+len(c.backlog)), requeue...), c.backlog...)
	c.startWorkerLocked(id)
	c.counters.restarts++

	c.logger.Warn("worker restarted", "worker_id", id, "requeued", len(requeue), "reason", reason)
	c.emit(event.NewWorkerRestartedEvent(id, len(requeue), reason))
}

// emit queues an event for publication once the mutex is released.
func (c *Coordinator) emit(e event.Event) {
	c.pending = append(c.pending, e)
}

// unlockAndFlush releases the mutex and publishes queued events.
func (c *Coordinator) unlockAndFlush() {
	events := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, e := range events {
		c.bus.Publish(e)
	}
}
