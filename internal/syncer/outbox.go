package syncer

import (
	"context"
	"sync"

	"github.com/roach88/fedlog/internal/ir"
)

// maxOutbox bounds the events queued for one peer. The oldest are
// dropped first; the peer's next pull from us fetches them.
const maxOutbox = 4 * maxPushBatch

// outbox queues local events for one peer. Each peer has its own
// worker so a slow or unreachable peer delays only its own pushes.
type outbox struct {
	mu      sync.Mutex
	peer    ir.Peer
	events  []ir.Event
	dropped int
	wake    chan struct{}
	cancel  context.CancelFunc
}

func newOutbox(p ir.Peer, cancel context.CancelFunc) *outbox {
	return &outbox{peer: p, wake: make(chan struct{}, 1), cancel: cancel}
}

// add queues events and wakes the worker. p refreshes the endpoint.
func (o *outbox) add(p ir.Peer, events []ir.Event) {
	o.mu.Lock()
	o.peer = p
	o.events = append(o.events, events...)
	if over := len(o.events) - maxOutbox; over > 0 {
		o.events = append(o.events[:0:0], o.events[over:]...)
		o.dropped += over
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// take removes up to n queued events.
func (o *outbox) take(n int) (ir.Peer, []ir.Event, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := min(n, len(o.events))
	batch := o.events[:k:k]
	o.events = o.events[k:]
	dropped := o.dropped
	o.dropped = 0
	return o.peer, batch, dropped
}

// dispatch queues events on the outbox of every active peer, starting
// workers as needed and stopping those of peers no longer active.
func (e *Engine) dispatch(ctx context.Context, events []ir.Event) {
	active, err := e.registry.Active(ctx)
	if err != nil {
		e.logger.Error("list peers for push", "error", err)
		return
	}

	keep := make(map[ir.PublicKey]bool, len(active))
	for _, p := range active {
		keep[p.PublicKey] = true
		if ob := e.outboxFor(ctx, p); ob != nil {
			ob.add(p, events)
		}
	}

	e.mu.Lock()
	for key, ob := range e.outboxes {
		if !keep[key] {
			ob.cancel()
			delete(e.outboxes, key)
		}
	}
	e.mu.Unlock()
}

// outboxFor returns p's outbox, starting its worker on first use. It
// returns nil once the engine is shut down.
func (e *Engine) outboxFor(ctx context.Context, p ir.Peer) *outbox {
	e.mu.Lock()
	if ob, ok := e.outboxes[p.PublicKey]; ok {
		e.mu.Unlock()
		return ob
	}
	wctx, cancel := context.WithCancel(ctx)
	ob := newOutbox(p, cancel)
	e.outboxes[p.PublicKey] = ob
	e.mu.Unlock()

	if !e.goBackground(func() { e.drain(wctx, ob) }) {
		cancel()
		e.stopOutbox(p.PublicKey)
		return nil
	}
	return ob
}

func (e *Engine) stopOutbox(key ir.PublicKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ob, ok := e.outboxes[key]; ok {
		ob.cancel()
		delete(e.outboxes, key)
	}
}

// drain pushes ob's events in batches until ctx ends.
func (e *Engine) drain(ctx context.Context, ob *outbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ob.wake:
		}

		for ctx.Err() == nil {
			p, batch, dropped := ob.take(maxPushBatch)
			if dropped > 0 {
				e.logger.Warn("push queue overflow", "peer", p.PublicKey.Short(), "dropped", dropped)
			}
			if len(batch) == 0 {
				break
			}
			head, err := e.log.Head(ctx)
			if err != nil {
				e.logger.Error("read head for push", "error", err)
				break
			}
			e.pushOne(ctx, p, e.pushRequest(batch, head))
		}
	}
}
