package eventlog

import (
	"context"
	"errors"

	"github.com/roach88/fedlog/internal/ir"
)

// ErrSubscriptionClosed is returned by Next after Close once the queue
// is drained.
var ErrSubscriptionClosed = errors.New("eventlog: subscription closed")

// Subscription delivers every event committed to the log after the
// subscription was created, local and merged, in commit order.
type Subscription struct {
	log *Log
	q   *eventQueue
}

// Subscribe registers a new subscriber. Callers must Close it.
func (l *Log) Subscribe() *Subscription {
	s := &Subscription{log: l, q: newEventQueue()}

	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.closed {
		s.q.Close()
		return s
	}
	l.subs[s] = struct{}{}
	return s
}

// Next blocks until an event is available, the context ends, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (ir.Event, error) {
	for {
		ev, ok, done := s.q.TryDequeue()
		if ok {
			return ev, nil
		}
		if done {
			return ir.Event{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return ir.Event{}, ctx.Err()
		case <-s.q.Wait():
		}
	}
}

// Pending returns the number of undelivered events.
func (s *Subscription) Pending() int {
	return s.q.Len()
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.log.subMu.Lock()
	delete(s.log.subs, s)
	s.log.subMu.Unlock()
	s.q.Close()
}

func (l *Log) publish(ev ir.Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for s := range l.subs {
		s.q.Enqueue(ev)
	}
}
