package scaling

import "time"

// Action represents a scaling decision action.
type Action string

const (
	// ActionScaleUp indicates a worker should be added.
	ActionScaleUp Action = "scale_up"

	// ActionScaleDown indicates a worker should be removed.
	ActionScaleDown Action = "scale_down"

	// ActionNone indicates no scaling change is needed.
	ActionNone Action = "none"
)

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}

// Decision is the result of evaluating the scaling policy against the
// current pool.
type Decision struct {
	// Action is the recommended scaling action.
	Action Action

	// Delta is +1 for a scale-up, -1 for a scale-down, 0 otherwise.
	Delta int

	// WorkerID names the worker to remove on a scale-down.
	WorkerID string

	// Reason is a human-readable explanation of the decision.
	Reason string
}

// WorkerLoad is a point-in-time view of one worker.
type WorkerLoad struct {
	ID          string
	QueueLength int       // includes the in-flight task
	Busy        bool      // executing a task
	IdleSince   time.Time // last time the worker finished or was created
}
