package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/event"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHandle records what the coordinator sends and never reports back on
// its own; tests drive the coordinator through handleMessage.
type fakeHandle struct {
	id    string
	epoch uint64

	mu         sync.Mutex
	sent       []worker.Message
	reject     bool
	terminated bool
	done       chan struct{}
	once       sync.Once
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) Start(context.Context) {}
func (h *fakeHandle) Wait()                 { <-h.done }
func (h *fakeHandle) Terminate() {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

func (h *fakeHandle) Send(msg worker.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject {
		return false
	}
	h.sent = append(h.sent, msg)
	return true
}

func (h *fakeHandle) sentTaskIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.sent))
	for _, m := range h.sent {
		ids = append(ids, m.TaskID)
	}
	return ids
}

type fakePool struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle // latest incarnation per ID
	created int
}

func newFakePool() *fakePool {
	return &fakePool{handles: make(map[string]*fakeHandle)}
}

func (p *fakePool) factory(id string, epoch uint64, _ chan<- worker.Message) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &fakeHandle{id: id, epoch: epoch, done: make(chan struct{})}
	p.handles[id] = h
	p.created++
	return h
}

func (p *fakePool) get(id string) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[id]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// eventLog collects published events by type.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) record(e event.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ string) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, e := range l.events {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

func quietConfig() Config {
	return Config{
		MinWorkers:     1,
		MaxWorkers:     1,
		MaxQueueSize:   100,
		StealThreshold: 5,
		MaxAttempts:    3,
		IdleTimeout:    30 * time.Second,
		EnableStealing: true,
	}
}

func startFake(t *testing.T, cfg Config, opts ...Option) (*Coordinator, *fakePool, *eventLog) {
	t.Helper()
	pool := newFakePool()
	log := &eventLog{}
	bus := event.NewBus()
	bus.SubscribeAll(log.record)

	opts = append([]Option{WithWorkerFactory(pool.factory), WithBus(bus)}, opts...)
	c := New(phase.NewRegistry(), cfg, opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c, pool, log
}

func submitN(t *testing.T, c *Coordinator, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := range n {
		id, err := c.Submit(phase.Dictionary, phase.Payload{}, WithTaskID(fmt.Sprintf("task-%02d", i+1)))
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func report(c *Coordinator, h *fakeHandle, kind worker.Kind, taskID string) {
	c.handleMessage(worker.Message{
		Kind:          kind,
		WorkerID:      h.id,
		Epoch:         h.epoch,
		TaskID:        taskID,
		ExecutionTime: 10 * time.Millisecond,
		Err:           errors.New("attempt failed"),
	})
}

func queueLengths(c *Coordinator) map[string]int {
	out := make(map[string]int)
	for _, w := range c.Status().Workers {
		out[w.ID] = w.QueueLength
	}
	return out
}

func TestCoordinator_FillsQueueUpToTwiceStealThreshold(t *testing.T) {
	c, pool, _ := startFake(t, quietConfig())

	submitN(t, c, 12)

	st := c.Status()
	if len(st.Workers) != 1 {
		t.Fatalf("workers = %d, want 1", len(st.Workers))
	}
	if st.Workers[0].QueueLength != 10 {
		t.Errorf("queue length = %d, want 10", st.Workers[0].QueueLength)
	}
	if st.BacklogSize != 2 {
		t.Errorf("backlog = %d, want 2", st.BacklogSize)
	}
	if st.Workers[0].State != StateBusy {
		t.Errorf("state = %q, want busy", st.Workers[0].State)
	}
	if got := pool.get("worker-1").sentTaskIDs(); len(got) != 1 || got[0] != "task-01" {
		t.Errorf("dispatched = %v, want only the queue head", got)
	}
}

func TestCoordinator_RebalanceStealsHalfOfTheTail(t *testing.T) {
	c, pool, log := startFake(t, quietConfig())
	submitN(t, c, 10)

	if lb := c.Metrics().LoadBalance; lb != 1 {
		t.Errorf("LoadBalance with one worker = %v, want 1", lb)
	}

	c.mu.Lock()
	c.spawnLocked()
	c.mu.Unlock()

	if lb := c.Metrics().LoadBalance; lb != 0 {
		t.Errorf("LoadBalance before stealing = %v, want 0", lb)
	}

	c.rebalance()

	lengths := queueLengths(c)
	if lengths["worker-1"] != 5 || lengths["worker-2"] != 5 {
		t.Fatalf("queue lengths = %v, want 5/5", lengths)
	}
	if got := pool.get("worker-2").sentTaskIDs(); len(got) != 1 || got[0] != "task-06" {
		t.Errorf("thief dispatched %v, want [task-06]", got)
	}

	steals := log.ofType(event.TypeWorkerStealing)
	if len(steals) != 1 {
		t.Fatalf("stealing events = %d, want 1", len(steals))
	}
	se := steals[0].(event.WorkerStealingEvent)
	if se.FromWorker != "worker-1" || se.ToWorker != "worker-2" || se.Count != 5 {
		t.Errorf("stealing event = %+v", se)
	}

	m := c.Metrics()
	if m.StealEvents != 1 || m.StolenTasks != 5 || m.LoadBalance != 1 {
		t.Errorf("Metrics() = %+v", m)
	}

	// balanced queues are left alone
	c.rebalance()
	if got := c.Metrics().StealEvents; got != 1 {
		t.Errorf("StealEvents after balanced rebalance = %d, want 1", got)
	}
}

func TestCoordinator_RebalanceSkipsSingleTaskQueue(t *testing.T) {
	cfg := quietConfig()
	cfg.StealThreshold = 1
	c, _, log := startFake(t, cfg)
	submitN(t, c, 1)

	c.mu.Lock()
	c.spawnLocked()
	c.mu.Unlock()

	c.rebalance()

	lengths := queueLengths(c)
	if lengths["worker-1"] != 1 || lengths["worker-2"] != 0 {
		t.Errorf("queue lengths = %v, want 1/0", lengths)
	}
	if n := len(log.ofType(event.TypeWorkerStealing)); n != 0 {
		t.Errorf("stealing events = %d, want 0", n)
	}
	if m := c.Metrics(); m.StealEvents != 0 || m.StolenTasks != 0 {
		t.Errorf("StealEvents = %d, StolenTasks = %d, want 0/0", m.StealEvents, m.StolenTasks)
	}
}

func TestCoordinator_CompletionHandsOutNextTask(t *testing.T) {
	c, pool, log := startFake(t, quietConfig())
	ids := submitN(t, c, 2)
	h := pool.get("worker-1")

	report(c, h, worker.KindTaskCompleted, ids[0])

	if got := h.sentTaskIDs(); len(got) != 2 || got[1] != ids[1] {
		t.Fatalf("dispatched = %v, want second task next", got)
	}
	rec, ok := c.Result(ids[0])
	if !ok || !rec.Succeeded || rec.WorkerID != "worker-1" || rec.Attempts != 1 {
		t.Errorf("Result(%s) = %+v, %v", ids[0], rec, ok)
	}

	report(c, h, worker.KindTaskCompleted, ids[1])

	w := c.Status().Workers[0]
	if w.State != StateReady || !w.Stats.IsIdle || w.QueueLength != 0 {
		t.Errorf("worker after draining = %+v", w)
	}
	if w.Stats.TasksCompleted != 2 {
		t.Errorf("TasksCompleted = %d, want 2", w.Stats.TasksCompleted)
	}
	// (0+10)/2 then (5+10)/2
	if want := 7500 * time.Microsecond; w.Stats.AverageExecutionTime != want {
		t.Errorf("AverageExecutionTime = %v, want %v", w.Stats.AverageExecutionTime, want)
	}
	if n := len(log.ofType(event.TypeTaskCompleted)); n != 2 {
		t.Errorf("completed events = %d, want 2", n)
	}
	if m := c.Metrics(); m.AverageLatency != 10*time.Millisecond {
		t.Errorf("AverageLatency = %v, want 10ms", m.AverageLatency)
	}
}

func TestCoordinator_DropsStaleReports(t *testing.T) {
	c, pool, _ := startFake(t, quietConfig())
	ids := submitN(t, c, 2)
	h := pool.get("worker-1")

	tests := []struct {
		name string
		msg  worker.Message
	}{
		{"old epoch", worker.Message{Kind: worker.KindTaskCompleted, WorkerID: h.id, Epoch: h.epoch + 10, TaskID: ids[0]}},
		{"unknown worker", worker.Message{Kind: worker.KindTaskCompleted, WorkerID: "worker-9", Epoch: h.epoch, TaskID: ids[0]}},
		{"not the queue head", worker.Message{Kind: worker.KindTaskCompleted, WorkerID: h.id, Epoch: h.epoch, TaskID: ids[1]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.handleMessage(tt.msg)
			if st := c.Status(); st.Completed != 0 || st.Workers[0].QueueLength != 2 {
				t.Errorf("stale report changed state: %+v", st)
			}
		})
	}
}

func TestCoordinator_FailureRetriesThenFailsOnce(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxAttempts = 2
	c, pool, log := startFake(t, cfg)
	ids := submitN(t, c, 1)
	h := pool.get("worker-1")

	report(c, h, worker.KindTaskFailed, ids[0])

	// zero backoff: the retry timer fires almost immediately
	deadline := time.Now().Add(5 * time.Second)
	for len(h.sentTaskIDs()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("task was not retried")
		}
		time.Sleep(time.Millisecond)
	}

	report(c, h, worker.KindTaskFailed, ids[0])

	failed := log.ofType(event.TypeTaskFailed)
	if len(failed) != 2 {
		t.Fatalf("failed events = %d, want 2", len(failed))
	}
	first, last := failed[0].(event.TaskFailedEvent), failed[1].(event.TaskFailedEvent)
	if first.Final || first.Attempt != 1 {
		t.Errorf("first failure = %+v, want retryable attempt 1", first)
	}
	if !last.Final || last.Attempt != 2 {
		t.Errorf("last failure = %+v, want final attempt 2", last)
	}

	rec, ok := c.Result(ids[0])
	if !ok || rec.Succeeded || rec.Err == nil {
		t.Fatalf("Result() = %+v, %v, want a failure record", rec, ok)
	}
	var schedErr *errors.SchedulerError
	if !errors.As(rec.Err, &schedErr) || schedErr.Attempt != 2 || schedErr.TaskID != ids[0] {
		t.Errorf("record error = %v, want a scheduler error for attempt 2", rec.Err)
	}
	if errors.IsRetryable(rec.Err) {
		t.Error("permanent failure should not be retryable")
	}
	if st := c.Status(); st.Failed != 1 || st.Retrying != 0 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestCoordinator_QueueFull(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxQueueSize = 2
	c := New(phase.NewRegistry(), cfg, WithWorkerFactory(newFakePool().factory))
	defer c.Stop()

	submitN(t, c, 2)
	_, err := c.Submit(phase.Dictionary, phase.Payload{})
	if !errors.Is(err, errors.ErrQueueFull) {
		t.Fatalf("Submit() error = %v, want ErrQueueFull", err)
	}
	var qf *errors.QueueFullError
	if !errors.As(err, &qf) {
		t.Errorf("error %T is not a *QueueFullError", err)
	}
}

func TestCoordinator_SubmitBatchStopsAtFirstError(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxQueueSize = 2
	c := New(phase.NewRegistry(), cfg, WithWorkerFactory(newFakePool().factory))
	defer c.Stop()

	specs := make([]TaskSpec, 3)
	for i := range specs {
		specs[i] = TaskSpec{PhaseType: phase.Rule}
	}
	ids, err := c.SubmitBatch(specs)
	if err == nil {
		t.Fatal("SubmitBatch() error = nil, want queue full")
	}
	if len(ids) != 2 {
		t.Errorf("SubmitBatch() returned %d IDs, want 2", len(ids))
	}
}

func TestCoordinator_SubmitBeforeStartIsDistributedOnStart(t *testing.T) {
	pool := newFakePool()
	c := New(phase.NewRegistry(), quietConfig(), WithWorkerFactory(pool.factory))
	defer c.Stop()

	ids := submitN(t, c, 3)
	if st := c.Status(); st.BacklogSize != 3 || len(st.Workers) != 0 {
		t.Fatalf("Status() before Start = %+v", st)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := pool.get("worker-1").sentTaskIDs(); len(got) != 1 || got[0] != ids[0] {
		t.Errorf("dispatched = %v, want [%s]", got, ids[0])
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil")
	}
}

func TestCoordinator_StopIsIdempotent(t *testing.T) {
	c, pool, log := startFake(t, quietConfig())
	submitN(t, c, 3)

	c.Stop()
	c.Stop()

	if !pool.get("worker-1").terminated {
		t.Error("worker not terminated")
	}
	stopped := log.ofType(event.TypeCoordinatorStopped)
	if len(stopped) != 1 {
		t.Fatalf("stopped events = %d, want 1", len(stopped))
	}
	if got := stopped[0].(event.CoordinatorStoppedEvent).Abandoned; got != 3 {
		t.Errorf("Abandoned = %d, want 3", got)
	}

	if _, err := c.Submit(phase.Dictionary, phase.Payload{}); !errors.Is(err, errors.ErrCoordinatorStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrCoordinatorStopped", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, errors.ErrCoordinatorStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrCoordinatorStopped", err)
	}
}

func TestCoordinator_WorkerFaultRequeuesAndRestarts(t *testing.T) {
	c, pool, log := startFake(t, quietConfig())
	ids := submitN(t, c, 3)
	old := pool.get("worker-1")

	report(c, old, worker.KindWorkerExited, ids[0])

	if !old.terminated {
		t.Error("faulted incarnation not terminated")
	}
	fresh := pool.get("worker-1")
	if fresh == old || fresh.epoch <= old.epoch {
		t.Fatalf("worker not replaced: old epoch %d, new epoch %d", old.epoch, fresh.epoch)
	}
	if got := fresh.sentTaskIDs(); len(got) != 1 || got[0] != ids[0] {
		t.Errorf("replacement dispatched %v, want the crashed task first", got)
	}
	if q := queueLengths(c)["worker-1"]; q != 3 {
		t.Errorf("queue length = %d, want 3", q)
	}

	restarted := log.ofType(event.TypeWorkerRestarted)
	if len(restarted) != 1 {
		t.Fatalf("restart events = %d, want 1", len(restarted))
	}
	if re := restarted[0].(event.WorkerRestartedEvent); re.Requeued != 3 || re.Reason != "fault" {
		t.Errorf("restart event = %+v", re)
	}

	// the old incarnation's late report is ignored
	report(c, old, worker.KindTaskCompleted, ids[0])
	if st := c.Status(); st.Completed != 0 {
		t.Errorf("Completed = %d after stale report, want 0", st.Completed)
	}
}

func TestCoordinator_PoisonTaskFailsAfterRepeatedCrashes(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxAttempts = 2
	c, pool, log := startFake(t, cfg)
	ids := submitN(t, c, 2)

	report(c, pool.get("worker-1"), worker.KindWorkerExited, ids[0])
	report(c, pool.get("worker-1"), worker.KindWorkerExited, ids[0])

	rec, ok := c.Result(ids[0])
	if !ok || rec.Succeeded || !errors.Is(rec.Err, errors.ErrWorkerCrashed) {
		t.Fatalf("Result() = %+v, %v, want crash failure", rec, ok)
	}
	failed := log.ofType(event.TypeTaskFailed)
	if len(failed) != 1 || !failed[0].(event.TaskFailedEvent).Final {
		t.Errorf("failed events = %+v, want one final", failed)
	}
	got := pool.get("worker-1").sentTaskIDs()
	if len(got) != 1 || got[0] != ids[1] {
		t.Errorf("replacement dispatched %v, want [%s]", got, ids[1])
	}
}

func TestCoordinator_RejectedSendRequeues(t *testing.T) {
	pool := newFakePool()
	cfg := quietConfig()
	cfg.MaxWorkers = 2
	c := New(phase.NewRegistry(), cfg, WithWorkerFactory(func(id string, epoch uint64, out chan<- worker.Message) Handle {
		h := pool.factory(id, epoch, out).(*fakeHandle)
		h.reject = id == "worker-1"
		return h
	}))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	ids := submitN(t, c, 1)

	if got := pool.get("worker-2").sentTaskIDs(); len(got) != 1 || got[0] != ids[0] {
		t.Errorf("worker-2 dispatched %v, want [%s]", got, ids[0])
	}
	if err := c.RestartWorker("worker-1"); err != nil {
		t.Errorf("RestartWorker() error = %v", err)
	}
	if err := c.RestartWorker("worker-7"); !errors.Is(err, errors.ErrWorkerNotFound) {
		t.Errorf("RestartWorker(unknown) error = %v, want ErrWorkerNotFound", err)
	}
}

func TestCoordinator_ScalesUpWhenQueuesAreFull(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxWorkers = 2
	cfg.StealThreshold = 1
	c, _, log := startFake(t, cfg)

	submitN(t, c, 5)

	st := c.Status()
	if len(st.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(st.Workers))
	}
	if st.BacklogSize != 1 {
		t.Errorf("backlog = %d, want 1", st.BacklogSize)
	}
	ups := log.ofType(event.TypePoolScaleUp)
	if len(ups) != 1 || ups[0].(event.PoolScaleUpEvent).PoolSize != 2 {
		t.Errorf("scale up events = %+v", ups)
	}
}

func TestCoordinator_ScaleCooldownSpacesScaleUps(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := quietConfig()
	cfg.MaxWorkers = 3
	cfg.StealThreshold = 1
	cfg.ScaleCooldown = time.Minute
	c, _, log := startFake(t, cfg, WithClock(clock.now))

	submitN(t, c, 7)
	if n := len(c.Status().Workers); n != 2 {
		t.Fatalf("workers during cooldown = %d, want 2", n)
	}

	clock.advance(2 * time.Minute)
	if _, err := c.Submit(phase.Dictionary, phase.Payload{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if n := len(c.Status().Workers); n != 3 {
		t.Errorf("workers after cooldown = %d, want 3", n)
	}
	if ups := log.ofType(event.TypePoolScaleUp); len(ups) != 2 {
		t.Errorf("scale up events = %d, want 2", len(ups))
	}
}

func TestCoordinator_ScaleDownRetiresIdleWorkers(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := quietConfig()
	cfg.MaxWorkers = 3
	cfg.IdleTimeout = time.Minute
	c, pool, log := startFake(t, cfg, WithClock(clock.now))

	c.mu.Lock()
	c.spawnLocked()
	c.spawnLocked()
	c.mu.Unlock()

	c.scaleCheck()
	if n := len(c.Status().Workers); n != 3 {
		t.Fatalf("workers before idle timeout = %d, want 3", n)
	}

	clock.advance(2 * time.Minute)
	c.scaleCheck()
	c.scaleCheck()
	c.scaleCheck()

	st := c.Status()
	if len(st.Workers) != 1 {
		t.Fatalf("workers = %d, want MinWorkers 1", len(st.Workers))
	}
	if st.Workers[0].ID != "worker-3" {
		t.Errorf("survivor = %s, want worker-3", st.Workers[0].ID)
	}
	if !pool.get("worker-1").terminated || !pool.get("worker-2").terminated {
		t.Error("retired workers not terminated")
	}
	if n := len(log.ofType(event.TypePoolScaleDown)); n != 2 {
		t.Errorf("scale down events = %d, want 2", n)
	}
}

func TestCoordinator_CleanupPurgesOldRecords(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, pool, _ := startFake(t, quietConfig(), WithClock(clock.now))
	ids := submitN(t, c, 1)
	report(c, pool.get("worker-1"), worker.KindTaskCompleted, ids[0])

	c.cleanup()
	if _, ok := c.Result(ids[0]); !ok {
		t.Fatal("fresh record purged")
	}

	clock.advance(2 * time.Hour)
	c.cleanup()
	if _, ok := c.Result(ids[0]); ok {
		t.Error("record older than retention kept")
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestCoordinator_EndToEndCandidateSearch(t *testing.T) {
	reg := phase.NewRegistry()
	reg.Register(phase.Dictionary, phase.NewCandidateList(phase.SHA256Matcher))

	cfg := quietConfig()
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 4
	cfg.BalanceInterval = 5 * time.Millisecond

	found := make(chan phase.Result, 8)
	bus := event.NewBus()
	bus.Subscribe(event.TypeTaskCompleted, func(e event.Event) {
		if res, ok := e.(event.TaskCompletedEvent).Result.(phase.Result); ok && res.Found {
			found <- res
		}
	})

	c := New(reg, cfg, WithBus(bus))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	secret := sha256Hex("hunter2")
	words := []string{"password", "letmein", "qwerty", "dragon", "monkey", "hunter2", "shadow", "master"}
	for _, chunk := range phase.Split(words, 2) {
		payload := phase.Payload{Data: phase.Batch{Candidates: chunk, Secret: secret}}
		if _, err := c.Submit(phase.Dictionary, payload); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	select {
	case res := <-found:
		if res.Password != "hunter2" {
			t.Errorf("Password = %q, want hunter2", res.Password)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("password not found")
	}
}

func TestCoordinator_RetryDroppedOnceTaskSettled(t *testing.T) {
	cfg := quietConfig()
	cfg.RetryBackoff = 20 * time.Millisecond
	c, pool, _ := startFake(t, cfg)
	ids := submitN(t, c, 1)
	h := pool.get("worker-1")

	report(c, h, worker.KindTaskFailed, ids[0])
	if st := c.Status(); st.Retrying != 1 {
		t.Fatalf("Retrying = %d, want 1", st.Retrying)
	}
	c.retries.RecordSuccess(ids[0])

	deadline := time.Now().Add(5 * time.Second)
	for c.Status().Retrying != 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry timer never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := h.sentTaskIDs(); len(got) != 1 {
		t.Errorf("dispatched = %v, want the settled task not to run again", got)
	}
	if st := c.Status(); st.BacklogSize != 0 {
		t.Errorf("backlog = %d, want 0", st.BacklogSize)
	}
}

func TestCoordinator_RealWorkersRetryFailingPhase(t *testing.T) {
	reg := phase.NewRegistry()
	reg.Register("flaky", phase.ExecutorFunc(func(context.Context, phase.Payload) (phase.Result, error) {
		return phase.Result{}, errors.New("no luck")
	}))

	cfg := quietConfig()
	cfg.RetryBackoff = time.Millisecond

	final := make(chan event.TaskFailedEvent, 4)
	var mu sync.Mutex
	attempts := 0
	bus := event.NewBus()
	bus.Subscribe(event.TypeTaskFailed, func(e event.Event) {
		fe := e.(event.TaskFailedEvent)
		mu.Lock()
		attempts++
		mu.Unlock()
		if fe.Final {
			final <- fe
		}
	})

	c := New(reg, cfg, WithBus(bus))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	id, err := c.Submit("flaky", phase.Payload{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case fe := <-final:
		if fe.TaskID != id || fe.Attempt != 3 {
			t.Errorf("final failure = %+v", fe)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no final failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("failure events = %d, want 3", attempts)
	}
}
