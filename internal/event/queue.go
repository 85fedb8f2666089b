package event

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once a closed queue has been drained.
var ErrQueueClosed = errors.New("event queue closed")

// Queue is a bounded FIFO of events for observers that consume at their own
// pace. When full, Push evicts the oldest event and counts it as dropped, so
// publishers never block on a slow observer.
type Queue struct {
	mu       sync.Mutex
	buf      []Event
	head     int
	size     int
	dropped  uint64
	closed   bool
	notEmpty chan struct{}
}

// NewQueue creates a queue holding at most capacity events (minimum 1).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:      make([]Event, capacity),
		notEmpty: make(chan struct{}, 1),
	}
}

// Attach subscribes the queue to every event on bus and returns the
// subscription ID.
func (q *Queue) Attach(bus *Bus) string {
	return bus.SubscribeAll(q.Push)
}

// Push appends e, evicting the oldest event when the queue is full.
// Pushing to a closed queue is a no-op.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
	}
	q.buf[(q.head+q.size)%capacity] = e
	q.size++

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// TryPop removes and returns the oldest event without blocking.
func (q *Queue) TryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (Event, bool) {
	if q.size == 0 {
		return nil, false
	}
	e := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return e, true
}

// Pop blocks until an event is available, the queue is closed, or ctx is
// done. A closed queue still yields its remaining events before returning
// ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		e, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return e, nil
		}
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain removes and returns all buffered events, oldest first.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Event, 0, q.size)
	for {
		e, ok := q.popLocked()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many events were evicted because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting events and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notEmpty)
}
