package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier (e.g. "task.completed").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeCoordinatorStarted = "coordinator.started"
	TypeCoordinatorStopped = "coordinator.stopped"
	TypeTaskSubmitted      = "task.submitted"
	TypeTaskCompleted      = "task.completed"
	TypeTaskFailed         = "task.failed"
	TypeWorkerStealing     = "worker.stealing"
	TypePoolScaleUp        = "pool.scale_up"
	TypePoolScaleDown      = "pool.scale_down"
	TypeWorkerRestarted    = "worker.restarted"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Coordinator Lifecycle Events
// -----------------------------------------------------------------------------

// CoordinatorStartedEvent is emitted once the initial worker pool is running.
type CoordinatorStartedEvent struct {
	baseEvent
	Workers int // Initial pool size
}

// NewCoordinatorStartedEvent creates a CoordinatorStartedEvent.
func NewCoordinatorStartedEvent(workers int) CoordinatorStartedEvent {
	return CoordinatorStartedEvent{
		baseEvent: newBaseEvent(TypeCoordinatorStarted),
		Workers:   workers,
	}
}

// CoordinatorStoppedEvent is emitted after all workers have been terminated.
type CoordinatorStoppedEvent struct {
	baseEvent
	Abandoned int // Tasks still queued or in flight when the coordinator stopped
}

// NewCoordinatorStoppedEvent creates a CoordinatorStoppedEvent.
func NewCoordinatorStoppedEvent(abandoned int) CoordinatorStoppedEvent {
	return CoordinatorStoppedEvent{
		baseEvent: newBaseEvent(TypeCoordinatorStopped),
		Abandoned: abandoned,
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskSubmittedEvent is emitted when a task enters the backlog.
type TaskSubmittedEvent struct {
	baseEvent
	TaskID    string
	PhaseType string
}

// NewTaskSubmittedEvent creates a TaskSubmittedEvent.
func NewTaskSubmittedEvent(taskID, phaseType string) TaskSubmittedEvent {
	return TaskSubmittedEvent{
		baseEvent: newBaseEvent(TypeTaskSubmitted),
		TaskID:    taskID,
		PhaseType: phaseType,
	}
}

// TaskCompletedEvent is emitted when a worker finishes a task successfully.
type TaskCompletedEvent struct {
	baseEvent
	TaskID        string
	PhaseType     string
	WorkerID      string
	ExecutionTime time.Duration
	Result        any // Executor-specific result
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(taskID, phaseType, workerID string, exec time.Duration, result any) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent:     newBaseEvent(TypeTaskCompleted),
		TaskID:        taskID,
		PhaseType:     phaseType,
		WorkerID:      workerID,
		ExecutionTime: exec,
		Result:        result,
	}
}

// TaskFailedEvent is emitted for every failed attempt. Final is true exactly
// once per task, when no retries remain.
type TaskFailedEvent struct {
	baseEvent
	TaskID    string
	PhaseType string
	WorkerID  string
	Attempt   int
	Err       error
	Final     bool
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID, phaseType, workerID string, attempt int, err error, final bool) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent(TypeTaskFailed),
		TaskID:    taskID,
		PhaseType: phaseType,
		WorkerID:  workerID,
		Attempt:   attempt,
		Err:       err,
		Final:     final,
	}
}

// -----------------------------------------------------------------------------
// Pool Events
// -----------------------------------------------------------------------------

// WorkerStealingEvent is emitted when tasks move between worker queues.
type WorkerStealingEvent struct {
	baseEvent
	FromWorker string
	ToWorker   string
	Count      int
}

// NewWorkerStealingEvent creates a WorkerStealingEvent.
func NewWorkerStealingEvent(from, to string, count int) WorkerStealingEvent {
	return WorkerStealingEvent{
		baseEvent:  newBaseEvent(TypeWorkerStealing),
		FromWorker: from,
		ToWorker:   to,
		Count:      count,
	}
}

// PoolScaleUpEvent is emitted when a worker is added to the pool.
type PoolScaleUpEvent struct {
	baseEvent
	WorkerID string
	PoolSize int // Size after the change
}

// NewPoolScaleUpEvent creates a PoolScaleUpEvent.
func NewPoolScaleUpEvent(workerID string, poolSize int) PoolScaleUpEvent {
	return PoolScaleUpEvent{
		baseEvent: newBaseEvent(TypePoolScaleUp),
		WorkerID:  workerID,
		PoolSize:  poolSize,
	}
}

// PoolScaleDownEvent is emitted when an idle worker is removed.
type PoolScaleDownEvent struct {
	baseEvent
	WorkerID string
	PoolSize int // Size after the change
}

// NewPoolScaleDownEvent creates a PoolScaleDownEvent.
func NewPoolScaleDownEvent(workerID string, poolSize int) PoolScaleDownEvent {
	return PoolScaleDownEvent{
		baseEvent: newBaseEvent(TypePoolScaleDown),
		WorkerID:  workerID,
		PoolSize:  poolSize,
	}
}

// WorkerRestartedEvent is emitted after a faulted worker is replaced.
type WorkerRestartedEvent struct {
	baseEvent
	WorkerID string
	Requeued int // Tasks moved back to the backlog
	Reason   string
}

// NewWorkerRestartedEvent creates a WorkerRestartedEvent.
func NewWorkerRestartedEvent(workerID string, requeued int, reason string) WorkerRestartedEvent {
	return WorkerRestartedEvent{
		baseEvent: newBaseEvent(TypeWorkerRestarted),
		WorkerID:  workerID,
		Requeued:  requeued,
		Reason:    reason,
	}
}
