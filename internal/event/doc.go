// Package event provides the scheduler's pub-sub event bus and typed events.
//
// The coordinator publishes lifecycle, task, and pool events on a [Bus].
// Components inside the process subscribe directly; handlers run
// synchronously on the publishing goroutine. External observers attach a
// bounded [Queue] instead, which never blocks the publisher: when it is full
// the oldest event is evicted and counted in [Queue.Dropped].
//
// # Event Types
//
//   - coordinator.started, coordinator.stopped
//   - task.submitted, task.completed, task.failed (Final marks the permanent failure)
//   - worker.stealing, worker.restarted
//   - pool.scale_up, pool.scale_down
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//	bus.Subscribe(event.TypeTaskFailed, func(e event.Event) {
//	    if f := e.(event.TaskFailedEvent); f.Final {
//	        logger.Warn("task failed permanently", "task_id", f.TaskID)
//	    }
//	})
//
//	q := event.NewQueue(1024)
//	q.Attach(bus)
//	for {
//	    e, err := q.Pop(ctx)
//	    if err != nil {
//	        break
//	    }
//	    render(e)
//	}
package event
