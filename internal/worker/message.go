package worker

import (
	"time"

	"github.com/Iron-Ham/keyforge/internal/phase"
)

// Kind identifies a message between the coordinator and a worker.
type Kind string

const (
	// KindExecuteTask asks a worker to run Message.Task (coordinator -> worker).
	KindExecuteTask Kind = "execute_task"
	// KindTerminate asks a worker to exit after its current task (coordinator -> worker).
	KindTerminate Kind = "terminate"

	// KindWorkerReady is sent once when the worker goroutine starts.
	KindWorkerReady Kind = "worker_ready"
	// KindTaskCompleted carries a successful Result.
	KindTaskCompleted Kind = "task_completed"
	// KindTaskFailed carries Err for a failed attempt.
	KindTaskFailed Kind = "task_failed"
	// KindPerformanceUpdate carries the worker's Stats after each task.
	KindPerformanceUpdate Kind = "performance_update"
	// KindWorkerExited reports a worker fault. The worker goroutine is gone
	// and TaskID, if set, names the task that was in flight.
	KindWorkerExited Kind = "worker_exited"
)

// Task is the part of a scheduled task a worker needs.
type Task struct {
	ID      string
	Payload phase.Payload
}

// Stats is the worker's own view of its performance.
type Stats struct {
	TasksCompleted       int
	TasksFailed          int
	AverageExecutionTime time.Duration
	LastActivity         time.Time
}

// Message is exchanged over the worker inbox and the coordinator's inbound
// channel. Epoch distinguishes incarnations of a worker that share an ID, so
// late messages from a replaced worker can be discarded.
type Message struct {
	Kind          Kind
	WorkerID      string
	Epoch         uint64
	TaskID        string
	Task          *Task
	Timeout       time.Duration
	Result        phase.Result
	Err           error
	ExecutionTime time.Duration
	Stats         Stats
}
