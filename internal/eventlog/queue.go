package eventlog

import (
	"sync"

	"github.com/roach88/fedlog/internal/ir"
)

// eventQueue is a thread-safe FIFO of committed events for one
// subscriber.
//
// The queue is unbounded so that a slow subscriber never blocks the
// log's write path and never loses a notification.
//
// The queue uses a channel for signaling to enable context-aware waiting
// (prevents goroutine hangs on context cancellation).
type eventQueue struct {
	mu     sync.Mutex
	events []ir.Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]ir.Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e ir.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
// ok is false when the queue is empty.
// done is true when the queue is closed and drained.
func (q *eventQueue) TryDequeue() (e ir.Event, ok bool, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return ir.Event{}, false, q.closed
	}

	e = q.events[0]
	// Release the slot's payload for GC.
	q.events[0] = ir.Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true, false
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes waiters. Queued events can
// still be drained.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
