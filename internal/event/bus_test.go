package event

import (
	"sync"
	"testing"
)

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var got Event
	id := bus.Subscribe(TypeTaskSubmitted, func(e Event) {
		got = e
	})
	if id == "" {
		t.Fatal("Subscribe should return a non-empty ID")
	}

	bus.Publish(NewTaskSubmittedEvent("task-1", "dictionary"))

	submitted, ok := got.(TaskSubmittedEvent)
	if !ok {
		t.Fatalf("handler received %T, want TaskSubmittedEvent", got)
	}
	if submitted.TaskID != "task-1" || submitted.PhaseType != "dictionary" {
		t.Errorf("event = %+v, want task-1/dictionary", submitted)
	}
	if submitted.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(TypePoolScaleUp, func(e Event) {
		t.Error("handler should not be called for a different event type")
	})
	bus.Publish(NewPoolScaleDownEvent("worker-1", 1))
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe(TypeWorkerStealing, func(e Event) { order = append(order, "specific-1") })
	bus.Subscribe(TypeWorkerStealing, func(e Event) { order = append(order, "specific-2") })

	bus.Publish(NewWorkerStealingEvent("worker-1", "worker-2", 5))

	want := []string{"specific-1", "specific-2", "wildcard"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := make(map[string]int)
	id1 := bus.Subscribe(TypeTaskCompleted, func(e Event) { calls["first"]++ })
	bus.Subscribe(TypeTaskCompleted, func(e Event) { calls["second"]++ })

	if !bus.Unsubscribe(id1) {
		t.Error("Unsubscribe should return true for an existing subscription")
	}
	if bus.Unsubscribe(id1) {
		t.Error("Unsubscribe should return false the second time")
	}

	bus.Publish(NewTaskCompletedEvent("t", "mask", "worker-1", 0, nil))

	if calls["first"] != 0 {
		t.Error("unsubscribed handler should not be called")
	}
	if calls["second"] != 1 {
		t.Error("remaining handler should still be called")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(TypePoolScaleUp, func(e Event) {})
	bus.Subscribe(TypePoolScaleDown, func(e Event) {})
	bus.SubscribeAll(func(e Event) {})

	if bus.SubscriptionCount() != 3 {
		t.Errorf("SubscriptionCount() = %d, want 3", bus.SubscriptionCount())
	}
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe(TypeTaskFailed, func(e Event) {
		calls++
		panic("handler panic")
	})
	bus.Subscribe(TypeTaskFailed, func(e Event) {
		calls++
	})

	bus.Publish(NewTaskFailedEvent("t", "rule", "worker-1", 1, nil, false))

	if calls != 2 {
		t.Errorf("got %d calls, want 2 despite the panic", calls)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	calls := 0
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			bus.Publish(NewTaskSubmittedEvent("t", "ai"))
		})
	}
	wg.Wait()

	if calls != 100 {
		t.Errorf("got %d calls, want 100", calls)
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus()

	ids := make(map[string]bool)
	for range 100 {
		id := bus.Subscribe(TypeTaskSubmitted, func(e Event) {})
		if ids[id] {
			t.Errorf("duplicate subscription ID: %s", id)
		}
		ids[id] = true
	}
}
