// Package retry tracks failed attempts per task and decides whether a task
// goes back to the backlog or fails for good.
//
// The permanent-failure decision is made exactly once per task: after a
// [Manager.RecordFailure] returns an [Outcome] with Final set, further
// failures reported for that task are marked Duplicate and must not be
// surfaced again.
package retry

import (
	"sync"
	"time"
)

// TaskState tracks attempts for one task.
type TaskState struct {
	TaskID      string `json:"task_id"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Crashes     int    `json:"crashes,omitempty"` // worker faults while this task was in flight
	LastError   string `json:"last_error,omitempty"`
	Final       bool   `json:"final,omitempty"`
	Succeeded   bool   `json:"succeeded,omitempty"`
}

// Outcome is the decision for one reported failure.
type Outcome struct {
	Attempt   int           // attempts so far, including this one
	Retry     bool          // re-enter the backlog after Delay
	Delay     time.Duration // attempt * base backoff
	Final     bool          // first report that exhausted the attempts
	Duplicate bool          // the task had already failed permanently
}

// Manager manages retry state for tasks.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu      sync.RWMutex
	states  map[string]*TaskState
	backoff time.Duration
}

// NewManager creates a retry manager whose delay grows linearly with the
// attempt number: attempt * backoff.
func NewManager(backoff time.Duration) *Manager {
	return &Manager{
		states:  make(map[string]*TaskState),
		backoff: backoff,
	}
}

// Track returns or creates the state for a task. maxAttempts is only used
// on creation and is raised to at least 1.
func (m *Manager) Track(taskID string, maxAttempts int) TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.track(taskID, maxAttempts)
}

func (m *Manager) track(taskID string, maxAttempts int) *TaskState {
	state, exists := m.states[taskID]
	if !exists {
		state = &TaskState{
			TaskID:      taskID,
			MaxAttempts: max(1, maxAttempts),
		}
		m.states[taskID] = state
	}
	return state
}

// State returns a copy of the state for a task.
func (m *Manager) State(taskID string) (TaskState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[taskID]
	if !ok {
		return TaskState{}, false
	}
	return *state, true
}

// Backoff returns the delay before the given attempt is retried.
func (m *Manager) Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * m.backoff
}

// RecordFailure counts a failed attempt. Unknown tasks are tracked with
// maxAttempts.
func (m *Manager) RecordFailure(taskID string, maxAttempts int, err error) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.track(taskID, maxAttempts)
	if state.Final {
		return Outcome{Attempt: state.Attempts, Duplicate: true}
	}

	state.Attempts++
	if err != nil {
		state.LastError = err.Error()
	}
	if state.Attempts < state.MaxAttempts {
		return Outcome{
			Attempt: state.Attempts,
			Retry:   true,
			Delay:   m.Backoff(state.Attempts),
		}
	}
	state.Final = true
	return Outcome{Attempt: state.Attempts, Final: true}
}

// RecordCrash counts a worker fault that happened while the task was in
// flight. It reports true when the task has now crashed its worker
// MaxAttempts times and should be failed instead of requeued.
func (m *Manager) RecordCrash(taskID string, maxAttempts int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.track(taskID, maxAttempts)
	state.Crashes++
	if state.Final || state.Crashes < state.MaxAttempts {
		return false
	}
	state.Final = true
	return true
}

// RecordSuccess marks the task as succeeded; it will never be retried.
func (m *Manager) RecordSuccess(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.states[taskID]; ok {
		state.Succeeded = true
	}
}

// ShouldRetry returns whether a tracked task may still be retried.
func (m *Manager) ShouldRetry(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[taskID]
	if !exists {
		return false
	}
	return state.Attempts < state.MaxAttempts && !state.Succeeded && !state.Final
}

// Forget drops the state of a task.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, taskID)
}

// Reset drops all state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*TaskState)
}

// Len returns the number of tracked tasks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
