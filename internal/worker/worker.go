// Package worker runs search phases on behalf of the coordinator.
//
// Each [Worker] is one goroutine with a small buffered inbox. It executes
// one task at a time and reports every outcome on the coordinator's inbound
// channel. A panic inside an executor is a worker fault: the worker reports
// [KindWorkerExited] and its goroutine ends, leaving the coordinator to
// requeue the task and start a replacement.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/logging"
	"github.com/Iron-Ham/keyforge/internal/phase"
)

const inboxSize = 4

// Executors resolves a phase type to its executor.
type Executors interface {
	Lookup(phaseType string) (phase.Executor, error)
}

// Allocator grants resources for one execution. The returned function
// releases them and must be safe to call once.
type Allocator interface {
	Acquire(phaseType string) (release func())
}

// Option configures a Worker.
type Option func(*Worker)

// WithAllocator makes every execution hold a resource grant.
func WithAllocator(a Allocator) Option {
	return func(w *Worker) { w.alloc = a }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// Worker executes tasks sent to its inbox.
type Worker struct {
	id        string
	epoch     uint64
	inbox     chan Message
	out       chan<- Message
	executors Executors
	alloc     Allocator
	logger    *logging.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	// owned by the run goroutine
	stats Stats
}

// New creates a worker that reports to out. Call Start to run it.
func New(id string, epoch uint64, out chan<- Message, executors Executors, opts ...Option) *Worker {
	w := &Worker{
		id:        id,
		epoch:     epoch,
		inbox:     make(chan Message, inboxSize),
		out:       out,
		executors: executors,
		done:      make(chan struct{}),
		cancel:    func() {},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrNop(w.logger).WithWorker(id)
	return w
}

// ID returns the worker ID.
func (w *Worker) ID() string { return w.id }

// Epoch returns the incarnation number given at construction.
func (w *Worker) Epoch() uint64 { return w.epoch }

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Start launches the worker goroutine. Later calls do nothing.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		go w.run(ctx)
	})
}

// Send queues msg in the worker inbox without blocking. It reports false
// when the inbox is full or the worker has exited.
func (w *Worker) Send(msg Message) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.inbox <- msg:
		return true
	default:
		return false
	}
}

// Stop cancels the worker, including any in-flight execution, and waits
// for the goroutine to exit. Messages it had not yet delivered are dropped.
func (w *Worker) Stop() {
	w.Terminate()
	w.Wait()
}

// Terminate cancels the worker without waiting.
func (w *Worker) Terminate() {
	w.stopOnce.Do(func() {
		// never started: nothing else will close done
		w.startOnce.Do(func() { close(w.done) })
		w.cancel()
	})
}

// Wait blocks until the worker goroutine has exited.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.stats.LastActivity = time.Now()
	w.emit(ctx, Message{Kind: KindWorkerReady, Stats: w.stats})

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.inbox:
			switch msg.Kind {
			case KindTerminate:
				w.logger.Debug("worker terminating")
				return
			case KindExecuteTask:
				if !w.execute(ctx, msg) {
					return
				}
			default:
				w.logger.Warn("unexpected message", "kind", string(msg.Kind))
			}
		}
	}
}

// execute runs one task and reports it. It returns false when the worker
// must exit: on a fault or when ctx was canceled.
func (w *Worker) execute(ctx context.Context, msg Message) bool {
	task := msg.Task
	if task == nil {
		w.logger.Warn("execute message without task")
		return true
	}
	logger := w.logger.WithTask(task.ID).WithPhase(task.Payload.PhaseType)

	start := time.Now()
	res, err, fault := w.runTask(ctx, task, msg.Timeout)
	elapsed := time.Since(start)

	if fault != nil {
		logger.Error("worker fault", "error", fault.Error())
		w.emit(ctx, Message{Kind: KindWorkerExited, TaskID: task.ID, Err: fault, ExecutionTime: elapsed})
		return false
	}
	if ctx.Err() != nil {
		// stopped by the coordinator; the outcome is no longer wanted
		return false
	}

	if w.stats.AverageExecutionTime == 0 {
		w.stats.AverageExecutionTime = elapsed
	} else {
		w.stats.AverageExecutionTime = (w.stats.AverageExecutionTime + elapsed) / 2
	}
	w.stats.LastActivity = time.Now()

	reply := Message{TaskID: task.ID, Result: res, ExecutionTime: elapsed}
	if err != nil {
		w.stats.TasksFailed++
		reply.Kind = KindTaskFailed
		reply.Err = err
		logger.Debug("task failed", "error", err.Error(), "duration_ms", elapsed.Milliseconds())
	} else {
		w.stats.TasksCompleted++
		reply.Kind = KindTaskCompleted
		logger.Debug("task completed", "found", res.Found, "duration_ms", elapsed.Milliseconds())
	}
	reply.Stats = w.stats
	w.emit(ctx, reply)
	w.emit(ctx, Message{Kind: KindPerformanceUpdate, Stats: w.stats})
	return true
}

// outcome is what one executor call produced.
type outcome struct {
	res   phase.Result
	err   error
	fault error
}

// runTask looks up the executor and runs it under an optional timeout and
// resource grant. The executor runs on its own goroutine and races the
// timeout: once the deadline passes the task fails with a TimeoutError even
// if the executor ignores its context or returns a result later. The grant
// is held until the executor actually returns. A recovered panic is
// returned as fault.
func (w *Worker) runTask(ctx context.Context, task *Task, timeout time.Duration) (res phase.Result, err error, fault error) {
	exec, err := w.executors.Lookup(task.Payload.PhaseType)
	if err != nil {
		return phase.Result{}, err, nil
	}

	release := func() {}
	if w.alloc != nil {
		release = w.alloc.Acquire(task.Payload.PhaseType)
	}

	taskCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{fault: errors.NewSchedulerError(fmt.Sprintf("executor panic: %v", r), errors.ErrWorkerCrashed).
					WithTaskID(task.ID).
					WithWorkerID(w.id).
					WithPhase(task.Payload.PhaseType)}
			}
			release()
			done <- o
		}()
		o.res, o.err = exec.Execute(taskCtx, task.Payload)
	}()

	var o outcome
	select {
	case o = <-done:
		if o.fault != nil {
			return phase.Result{}, nil, o.fault
		}
	case <-taskCtx.Done():
		o.err = taskCtx.Err()
		w.logger.WithTask(task.ID).Debug("executor still running after its context ended")
	}

	if ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		cause := o.err
		if cause == nil {
			cause = taskCtx.Err()
		}
		return phase.Result{}, errors.NewTimeoutError("task "+task.ID, timeout).WithCause(cause), nil
	}
	return o.res, o.err, nil
}

// emit delivers msg to the coordinator unless ctx is done first.
func (w *Worker) emit(ctx context.Context, msg Message) {
	msg.WorkerID = w.id
	msg.Epoch = w.epoch
	select {
	case w.out <- msg:
	case <-ctx.Done():
	}
}
