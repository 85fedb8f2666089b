package coordinator

import (
	"context"
	"time"

	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/scaling"
	"github.com/Iron-Ham/keyforge/internal/worker"
)

// loop owns the inbound channel and the periodic checks.
func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.loopDone)

	balance := newTicker(c.cfg.BalanceInterval, c.cfg.EnableStealing)
	defer balance.stop()
	scale := newTicker(c.cfg.ScaleCheckInterval, c.cfg.EnableDynamicScaling)
	defer scale.stop()
	cleanup := newTicker(c.cfg.CleanupInterval, true)
	defer cleanup.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbound:
			c.handleMessage(msg)
		case <-balance.c:
			c.rebalance()
		case <-scale.c:
			c.scaleCheck()
		case <-cleanup.c:
			c.cleanup()
		}
	}
}

// ticker wraps time.Ticker; a disabled ticker has a nil channel that never
// fires.
type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTicker(d time.Duration, enabled bool) ticker {
	if !enabled || d <= 0 {
		return ticker{}
	}
	t := time.NewTicker(d)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

// distributeLocked moves backlog tasks to worker queues until the backlog is
// empty or no worker can take more and the pool cannot grow.
func (c *Coordinator) distributeLocked() {
	if !c.running {
		return
	}
	for len(c.backlog) > 0 {
		e := c.selectWorkerLocked()
		if e == nil {
			if !c.scaleUpLocked() {
				return
			}
			continue
		}
		task := c.backlog[0]
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		c.assignLocked(e, task)
	}
}

// selectWorkerLocked picks an idle worker, else the one with the shortest
// queue, else nil when every queue has reached twice the steal threshold.
func (c *Coordinator) selectWorkerLocked() *workerEntry {
	var best *workerEntry
	for _, id := range c.order {
		e := c.workers[id]
		if e.dead {
			continue
		}
		if e.available() {
			return e
		}
		if best == nil || len(e.queue) < len(best.queue) {
			best = e
		}
	}
	if best == nil || len(best.queue) >= c.cfg.StealThreshold*2 {
		return nil
	}
	return best
}

func (c *Coordinator) scaleUpLocked() bool {
	d := c.policy.EvaluateScaleUp(len(c.workers), c.now())
	if d.Action != scaling.ActionScaleUp {
		return false
	}
	id := c.spawnLocked()
	c.counters.scaleUps++
	c.logger.Info("pool scaled up", "worker_id", id, "pool_size", len(c.workers), "reason", d.Reason)
	c.emit(event.NewPoolScaleUpEvent(id, len(c.workers)))
	return true
}

// assignLocked appends task to the worker queue and starts it when the
// worker is free.
func (c *Coordinator) assignLocked(e *workerEntry, task *Task) {
	e.queue = append(e.queue, task)
	e.stats.TasksAssigned++
	if e.state != StateBusy {
		c.dispatchLocked(e)
	}
}

// dispatchLocked sends the queue head to the worker.
func (c *Coordinator) dispatchLocked(e *workerEntry) {
	if len(e.queue) == 0 || e.dead {
		return
	}
	task := e.queue[0]
	ok := e.h.Send(worker.Message{
		Kind:    worker.KindExecuteTask,
		TaskID:  task.ID,
		Task:    &worker.Task{ID: task.ID, Payload: task.Payload},
		Timeout: task.Timeout,
	})
	if !ok {
		// The worker is gone or wedged. Hand its work back; a fault report
		// or a restart revives it.
		e.dead = true
		c.backlog = append(append(make([]*Task, 0, len(e.queue)+len(c.backlog)), e.queue...), c.backlog...)
		e.queue = nil
		e.state = StateIdle
		c.logger.Warn("worker rejected task", "worker_id", e.h.ID(), "task_id", task.ID)
		return
	}
	e.state = StateBusy
	e.stats.IsIdle = false
}

// nextLocked hands a worker that just finished its next task: its own
// queue first, then the backlog.
func (c *Coordinator) nextLocked(e *workerEntry) {
	now := c.now()
	e.stats.LastActivity = now
	if len(e.queue) == 0 && len(c.backlog) > 0 {
		task := c.backlog[0]
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		e.queue = append(e.queue, task)
		e.stats.TasksAssigned++
	}
	if len(e.queue) > 0 {
		c.dispatchLocked(e)
		return
	}
	e.state = StateReady
	e.stats.IsIdle = true
	e.idleSince = now
}

// rebalance moves half of the longest queue's tail to the shortest queue
// when their lengths differ by at least the steal threshold.
func (c *Coordinator) rebalance() {
	c.mu.Lock()
	defer c.unlockAndFlush()
	if !c.running {
		return
	}

	var busiest, idlest *workerEntry
	var busiestID, idlestID string
	for _, id := range c.order {
		e := c.workers[id]
		if e.dead {
			continue
		}
		if busiest == nil || len(e.queue) > len(busiest.queue) {
			busiest, busiestID = e, id
		}
		if idlest == nil || len(e.queue) < len(idlest.queue) {
			idlest, idlestID = e, id
		}
	}
	if busiest == nil || busiest == idlest {
		return
	}
	if len(busiest.queue)-len(idlest.queue) < c.cfg.StealThreshold {
		return
	}

	n := len(busiest.queue) / 2
	if n == 0 {
		return
	}
	cut := len(busiest.queue) - n
	stolen := make([]*Task, n)
	copy(stolen, busiest.queue[cut:])
	clear(busiest.queue[cut:])
	busiest.queue = busiest.queue[:cut]
	busiest.stats.TasksAssigned -= n

	wasFree := idlest.state != StateBusy
	idlest.queue = append(idlest.queue, stolen...)
	idlest.stats.TasksAssigned += n
	if wasFree {
		c.dispatchLocked(idlest)
	}

	c.counters.stealEvents++
	c.counters.stolenTasks += n
	c.metrics.stolen(n)
	c.logger.Debug("work stolen", "from", busiestID, "to", idlestID, "count", n)
	c.emit(event.NewWorkerStealingEvent(busiestID, idlestID, n))
}

// scaleCheck retires at most one worker that has been idle with an empty
// queue for longer than the idle timeout.
func (c *Coordinator) scaleCheck() {
	c.mu.Lock()
	defer c.unlockAndFlush()
	if !c.running {
		return
	}

	loads := make([]scaling.WorkerLoad, 0, len(c.order))
	for _, id := range c.order {
		e := c.workers[id]
		loads = append(loads, scaling.WorkerLoad{
			ID:          id,
			QueueLength: len(e.queue),
			Busy:        e.state == StateBusy || e.dead,
			IdleSince:   e.idleSince,
		})
	}

	d := c.policy.EvaluateScaleDown(loads, c.now())
	if d.Action != scaling.ActionScaleDown {
		return
	}
	e := c.workers[d.WorkerID]
	e.h.Terminate()
	c.retired = append(c.retired, e.h)
	delete(c.workers, d.WorkerID)
	for i, id := range c.order {
		if id == d.WorkerID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	c.counters.scaleDowns++
	c.logger.Info("pool scaled down", "worker_id", d.WorkerID, "pool_size", len(c.workers), "reason", d.Reason)
	c.emit(event.NewPoolScaleDownEvent(d.WorkerID, len(c.workers)))
}

// cleanup purges task records older than the retention period.
func (c *Coordinator) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.RecordRetention)
	purged := 0
	for id, r := range c.records {
		if r.FinishedAt.Before(cutoff) {
			delete(c.records, id)
			c.retries.Forget(id)
			purged++
		}
	}
	if purged > 0 {
		c.logger.Debug("task records purged", "count", purged)
	}
}
