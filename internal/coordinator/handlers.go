package coordinator

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/worker"
)

// handleMessage applies one worker report. Reports from a replaced
// incarnation, or about a task that is no longer the worker's queue head,
// are dropped.
func (c *Coordinator) handleMessage(msg worker.Message) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	e, ok := c.workers[msg.WorkerID]
	if !ok || e.epoch != msg.Epoch {
		c.logger.Debug("stale worker message", "worker_id", msg.WorkerID, "kind", string(msg.Kind))
		return
	}

	switch msg.Kind {
	case worker.KindWorkerReady:
		if e.state == StateIdle {
			e.state = StateReady
		}
		e.stats.LastActivity = c.now()
	case worker.KindTaskCompleted:
		if task := c.popInFlightLocked(e, msg.TaskID); task != nil {
			c.completeLocked(msg.WorkerID, e, task, msg)
			c.nextLocked(e)
		}
	case worker.KindTaskFailed:
		if task := c.popInFlightLocked(e, msg.TaskID); task != nil {
			c.failLocked(msg.WorkerID, e, task, msg.Err, msg.ExecutionTime)
			c.nextLocked(e)
		}
	case worker.KindPerformanceUpdate:
		if !msg.Stats.LastActivity.IsZero() {
			e.stats.LastActivity = msg.Stats.LastActivity
		}
	case worker.KindWorkerExited:
		c.faultLocked(msg.WorkerID, e, msg)
	default:
		c.logger.Warn("unexpected worker message", "worker_id", msg.WorkerID, "kind", string(msg.Kind))
		return
	}
	c.distributeLocked()
}

// popInFlightLocked removes and returns the queue head when it is the task
// the worker reported on.
func (c *Coordinator) popInFlightLocked(e *workerEntry, taskID string) *Task {
	if e.state != StateBusy || len(e.queue) == 0 || e.queue[0].ID != taskID {
		c.logger.Debug("report for task not in flight", "task_id", taskID)
		return nil
	}
	task := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return task
}

func (c *Coordinator) completeLocked(workerID string, e *workerEntry, task *Task, msg worker.Message) {
	now := c.now()
	task.Attempts++

	e.stats.TasksCompleted++
	e.stats.AverageExecutionTime = (e.stats.AverageExecutionTime + msg.ExecutionTime) / 2
	e.stats.PerformanceScore = performanceScore(e.stats)

	c.records[task.ID] = &TaskRecord{
		TaskID:        task.ID,
		PhaseType:     task.PhaseType,
		WorkerID:      workerID,
		Succeeded:     true,
		Result:        msg.Result,
		Attempts:      task.Attempts,
		ExecutionTime: msg.ExecutionTime,
		FinishedAt:    now,
	}
	c.retries.RecordSuccess(task.ID)
	c.counters.completed++
	c.counters.totalExec += msg.ExecutionTime
	c.metrics.completed(task, workerID, msg.Result.Found, msg.ExecutionTime, now)

	c.logger.Debug("task completed",
		"task_id", task.ID,
		"worker_id", workerID,
		"found", msg.Result.Found,
		"duration_ms", msg.ExecutionTime.Milliseconds())
	c.emit(event.NewTaskCompletedEvent(task.ID, task.PhaseType, workerID, msg.ExecutionTime, msg.Result))
}

// failLocked counts a failed attempt. The task either re-enters the backlog
// after a backoff or is recorded as permanently failed.
func (c *Coordinator) failLocked(workerID string, e *workerEntry, task *Task, err error, elapsed time.Duration) {
	if err == nil {
		err = errors.ErrTaskFailed
	}
	e.stats.TasksFailed++
	e.stats.PerformanceScore = performanceScore(e.stats)

	out := c.retries.RecordFailure(task.ID, task.MaxAttempts, err)
	task.Attempts = out.Attempt
	if out.Duplicate {
		return
	}
	c.metrics.failed(task.PhaseType, out.Final)
	c.emit(event.NewTaskFailedEvent(task.ID, task.PhaseType, workerID, out.Attempt, err, out.Final))

	if out.Retry {
		c.counters.retried++
		c.logger.Debug("task retry scheduled",
			"task_id", task.ID,
			"attempt", out.Attempt,
			"delay_ms", out.Delay.Milliseconds(),
			"error", err.Error())
		c.scheduleRetryLocked(task, out.Delay)
		return
	}

	c.counters.failed++
	final := errors.NewSchedulerError("task failed permanently", err).
		WithTaskID(task.ID).
		WithWorkerID(workerID).
		WithPhase(task.PhaseType).
		WithAttempt(out.Attempt).
		WithRetryable(false)
	c.records[task.ID] = &TaskRecord{
		TaskID:        task.ID,
		PhaseType:     task.PhaseType,
		WorkerID:      workerID,
		Err:           final,
		Attempts:      out.Attempt,
		ExecutionTime: elapsed,
		FinishedAt:    c.now(),
	}
	c.logger.Failure("task failed permanently", final,
		"task_id", task.ID,
		"worker_id", workerID,
		"attempts", out.Attempt)
}

// scheduleRetryLocked puts task back on the backlog after delay. Retries
// bypass the backlog capacity: the task was already admitted.
func (c *Coordinator) scheduleRetryLocked(task *Task, delay time.Duration) {
	c.timers[task.ID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, task.ID)
		if c.stopped || !c.retries.ShouldRetry(task.ID) {
			c.mu.Unlock()
			return
		}
		c.backlog = append(c.backlog, task)
		c.distributeLocked()
		c.unlockAndFlush()
	})
}

// faultLocked handles a worker that died mid-task. Its queue returns to the
// front of the backlog and a replacement starts under the same ID. A task
// that keeps crashing workers is failed instead of requeued.
func (c *Coordinator) faultLocked(workerID string, e *workerEntry, msg worker.Message) {
	requeue := e.queue
	e.queue = nil
	if len(requeue) > 0 && requeue[0].ID == msg.TaskID {
		head := requeue[0]
		if c.retries.RecordCrash(head.ID, head.MaxAttempts) {
			requeue = requeue[1:]
			state, _ := c.retries.State(head.ID)
			err := errors.NewSchedulerError(
				fmt.Sprintf("task crashed its worker %d times", state.Crashes), errors.ErrWorkerCrashed).
				WithTaskID(head.ID).
				WithWorkerID(workerID).
				WithPhase(head.PhaseType).
				WithRetryable(false)
			head.Attempts = state.Crashes
			c.counters.failed++
			c.metrics.failed(head.PhaseType, true)
			c.records[head.ID] = &TaskRecord{
				TaskID:        head.ID,
				PhaseType:     head.PhaseType,
				WorkerID:      workerID,
				Err:           err,
				Attempts:      state.Crashes,
				ExecutionTime: msg.ExecutionTime,
				FinishedAt:    c.now(),
			}
			c.logger.Error("task crashed its worker too often", "task_id", head.ID, "crashes", state.Crashes)
			c.emit(event.NewTaskFailedEvent(head.ID, head.PhaseType, workerID, state.Crashes, err, true))
		}
	}
	c.restartLocked(workerID, e, requeue, "fault")
}

// performanceScore is the worker's success ratio, 1 before any outcome.
func performanceScore(s Stats) float64 {
	total := s.TasksCompleted + s.TasksFailed
	if total == 0 {
		return 1
	}
	return float64(s.TasksCompleted) / float64(total)
}
