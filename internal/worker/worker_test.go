package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/phase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingAllocator struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (a *countingAllocator) Acquire(string) func() {
	a.acquired.Add(1)
	return func() { a.released.Add(1) }
}

func newRegistry() *phase.Registry {
	r := phase.NewRegistry()
	r.Register("ok", phase.ExecutorFunc(func(ctx context.Context, p phase.Payload) (phase.Result, error) {
		return phase.Result{Found: true, Password: "pw", PhaseType: p.PhaseType}, nil
	}))
	r.Register("fail", phase.ExecutorFunc(func(ctx context.Context, p phase.Payload) (phase.Result, error) {
		return phase.Result{}, errors.New("no luck")
	}))
	r.Register("block", phase.ExecutorFunc(func(ctx context.Context, p phase.Payload) (phase.Result, error) {
		<-ctx.Done()
		return phase.Result{}, ctx.Err()
	}))
	r.Register("panic", phase.ExecutorFunc(func(ctx context.Context, p phase.Payload) (phase.Result, error) {
		panic("corrupt state")
	}))
	return r
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker message")
		return Message{}
	}
}

func startWorker(t *testing.T, opts ...Option) (*Worker, chan Message) {
	t.Helper()
	out := make(chan Message, 16)
	w := New("worker-1", 7, out, newRegistry(), opts...)
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	ready := receive(t, out)
	if ready.Kind != KindWorkerReady || ready.WorkerID != "worker-1" || ready.Epoch != 7 {
		t.Fatalf("first message = %+v, want worker_ready from worker-1 epoch 7", ready)
	}
	return w, out
}

func execute(phaseType string, timeout time.Duration) Message {
	return Message{
		Kind:    KindExecuteTask,
		Task:    &Task{ID: "task-1", Payload: phase.Payload{PhaseType: phaseType}},
		Timeout: timeout,
	}
}

func TestWorker_CompletesTask(t *testing.T) {
	alloc := &countingAllocator{}
	w, out := startWorker(t, WithAllocator(alloc))

	if !w.Send(execute("ok", 0)) {
		t.Fatal("Send() = false")
	}

	done := receive(t, out)
	if done.Kind != KindTaskCompleted {
		t.Fatalf("Kind = %q, want task_completed (err: %v)", done.Kind, done.Err)
	}
	if done.TaskID != "task-1" || !done.Result.Found || done.Result.Password != "pw" {
		t.Errorf("completion = %+v", done)
	}
	if done.Stats.TasksCompleted != 1 {
		t.Errorf("Stats.TasksCompleted = %d, want 1", done.Stats.TasksCompleted)
	}

	perf := receive(t, out)
	if perf.Kind != KindPerformanceUpdate {
		t.Errorf("Kind = %q, want performance_update", perf.Kind)
	}

	if alloc.acquired.Load() != 1 || alloc.released.Load() != 1 {
		t.Errorf("allocator acquired=%d released=%d, want 1/1", alloc.acquired.Load(), alloc.released.Load())
	}
}

func TestWorker_ReportsFailures(t *testing.T) {
	tests := []struct {
		name      string
		phaseType string
		timeout   time.Duration
		wantErr   error
	}{
		{"executor error", "fail", 0, nil},
		{"unknown phase", "nope", 0, errors.ErrUnknownPhase},
		{"timeout", "block", 20 * time.Millisecond, errors.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := startWorker(t)
			w.Send(execute(tt.phaseType, tt.timeout))

			msg := receive(t, out)
			if msg.Kind != KindTaskFailed {
				t.Fatalf("Kind = %q, want task_failed", msg.Kind)
			}
			if msg.Err == nil {
				t.Fatal("Err = nil")
			}
			if tt.wantErr != nil && !errors.Is(msg.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", msg.Err, tt.wantErr)
			}
			if msg.Stats.TasksFailed != 1 {
				t.Errorf("Stats.TasksFailed = %d, want 1", msg.Stats.TasksFailed)
			}
		})
	}
}

func TestWorker_TimeoutBeatsExecutorIgnoringContext(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"late success", nil},
		{"late error", errors.New("gave up")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := make(chan struct{})
			r := phase.NewRegistry()
			r.Register("stubborn", phase.ExecutorFunc(func(context.Context, phase.Payload) (phase.Result, error) {
				<-gate
				return phase.Result{Found: true, Password: "late"}, tt.err
			}))
			alloc := &countingAllocator{}
			out := make(chan Message, 16)
			w := New("worker-1", 1, out, r, WithAllocator(alloc))
			w.Start(context.Background())
			t.Cleanup(w.Stop)
			t.Cleanup(func() { close(gate) })
			receive(t, out) // worker_ready

			start := time.Now()
			w.Send(execute("stubborn", 20*time.Millisecond))

			msg := receive(t, out)
			if msg.Kind != KindTaskFailed {
				t.Fatalf("Kind = %q, want task_failed", msg.Kind)
			}
			if !errors.Is(msg.Err, errors.ErrTimeout) {
				t.Errorf("Err = %v, want ErrTimeout", msg.Err)
			}
			if msg.Result.Found {
				t.Error("Result.Found = true for a timed-out task")
			}
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("failure reported after %v, want near the 20ms timeout", elapsed)
			}
			if alloc.released.Load() != 0 {
				t.Error("grant released while the executor is still running")
			}
		})
	}
}

func TestWorker_LateSuccessAfterDeadlineFails(t *testing.T) {
	r := phase.NewRegistry()
	r.Register("slow", phase.ExecutorFunc(func(ctx context.Context, p phase.Payload) (phase.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return phase.Result{Found: true}, nil
	}))
	out := make(chan Message, 16)
	w := New("worker-1", 1, out, r)
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	receive(t, out) // worker_ready

	w.Send(execute("slow", 10*time.Millisecond))
	msg := receive(t, out)
	if msg.Kind != KindTaskFailed || !errors.Is(msg.Err, errors.ErrTimeout) {
		t.Fatalf("got %q err=%v, want task_failed with ErrTimeout", msg.Kind, msg.Err)
	}
}

func TestWorker_PanicIsAFault(t *testing.T) {
	alloc := &countingAllocator{}
	w, out := startWorker(t, WithAllocator(alloc))
	w.Send(execute("panic", 0))

	msg := receive(t, out)
	if msg.Kind != KindWorkerExited {
		t.Fatalf("Kind = %q, want worker_exited", msg.Kind)
	}
	if msg.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", msg.TaskID)
	}
	if !errors.Is(msg.Err, errors.ErrWorkerCrashed) {
		t.Errorf("Err = %v, want ErrWorkerCrashed", msg.Err)
	}

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker goroutine did not exit after fault")
	}
	if w.Send(execute("ok", 0)) {
		t.Error("Send() to exited worker = true")
	}
	if alloc.released.Load() != 1 {
		t.Errorf("grant not released after panic: released=%d", alloc.released.Load())
	}
}

func TestWorker_StopCancelsInFlight(t *testing.T) {
	w, _ := startWorker(t)
	w.Send(execute("block", 0))

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not cancel the in-flight execution")
	}
}

func TestWorker_TerminateMessage(t *testing.T) {
	w, _ := startWorker(t)
	w.Send(Message{Kind: KindTerminate})

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on terminate")
	}
}

func TestWorker_StopWithoutStart(t *testing.T) {
	w := New("worker-1", 1, make(chan Message), newRegistry())
	w.Stop()
	w.Stop()
	w.Start(context.Background())

	select {
	case <-w.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
}
