package syncer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/wire"
)

// maxFanout bounds concurrent pushes.
const maxFanout = 8

// PushOutcome is the result of pushing a batch to one peer.
type PushOutcome struct {
	Peer     ir.PublicKey
	Response wire.PushResponse
	Attempts int
	Err      error
}

// PushEvents sends events to every active peer concurrently. Failures
// are recorded in peer health and returned per peer; pull repairs any
// gap on the next cycle.
func (e *Engine) PushEvents(ctx context.Context, events []ir.Event) []PushOutcome {
	return e.pushTo(ctx, events, ir.PublicKey{})
}

// PushEvent sends one event to every active peer.
func (e *Engine) PushEvent(ctx context.Context, ev ir.Event) []PushOutcome {
	return e.PushEvents(ctx, []ir.Event{ev})
}

// pushTo pushes events to every active peer except exclude.
func (e *Engine) pushTo(ctx context.Context, events []ir.Event, exclude ir.PublicKey) []PushOutcome {
	if len(events) == 0 {
		return nil
	}
	active, err := e.registry.Active(ctx)
	if err != nil {
		e.logger.Error("list peers for push", "error", err)
		return nil
	}
	targets := active[:0]
	for _, p := range active {
		if p.PublicKey != exclude {
			targets = append(targets, p)
		}
	}

	head, err := e.log.Head(ctx)
	if err != nil {
		e.logger.Error("read head for push", "error", err)
		return nil
	}
	req := e.pushRequest(events, head)

	outcomes := make([]PushOutcome, len(targets))
	var g errgroup.Group
	g.SetLimit(maxFanout)
	for i, p := range targets {
		g.Go(func() error {
			outcomes[i] = e.pushOne(ctx, p, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// pushRequest builds a signed push of events.
func (e *Engine) pushRequest(events []ir.Event, head int64) wire.PushRequest {
	req := wire.PushRequest{Sender: e.self.PublicKey(), Events: events, SenderHeadSeq: head}
	req.Signature = e.self.Sign(ir.PushMessage(req.Sender, head, req.EventIDs()))
	return req
}

// pushOne delivers req to p, retrying transient failures with
// exponential backoff.
func (e *Engine) pushOne(ctx context.Context, p ir.Peer, req wire.PushRequest) PushOutcome {
	out := PushOutcome{Peer: p.PublicKey}
	attempts := max(e.cfg.PushAttempts, 1)
	backoff := timeout(e.cfg.PushBackoff, DefaultConfig().PushBackoff)

	for out.Attempts < attempts {
		out.Attempts++
		actx, cancel := context.WithTimeout(ctx, timeout(e.cfg.PushTimeout, DefaultConfig().PushTimeout))
		resp, err := e.client.PushEvents(actx, p.Endpoint, req)
		cancel()
		if err == nil {
			out.Response = resp
			out.Err = nil
			break
		}
		out.Err = transportErr(p.PublicKey, p.Endpoint, "push", err)
		if !IsTransient(out.Err) || out.Attempts == attempts {
			break
		}
		select {
		case <-ctx.Done():
			out.Err = transportErr(p.PublicKey, p.Endpoint, "push", ctx.Err())
			return e.recordPush(p, out)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return e.recordPush(p, out)
}

func (e *Engine) recordPush(p ir.Peer, out PushOutcome) PushOutcome {
	if out.Err != nil {
		e.health.failure(p.PublicKey, out.Err)
		e.logger.Warn("push failed", "peer", p.PublicKey.Short(), "attempts", out.Attempts, "error", out.Err)
		return out
	}
	e.health.success(p.PublicKey, out.Response.ReceiverHeadSeq)
	e.health.rejected(p.PublicKey, len(out.Response.Rejected))
	for _, r := range out.Response.Rejected {
		e.logger.Warn("peer rejected pushed event", "peer", p.PublicKey.Short(), "event_id", r.EventID, "reason", r.Reason)
	}
	e.logger.Debug("push delivered",
		"peer", p.PublicKey.Short(),
		"received", out.Response.ReceivedCount,
		"duplicates", out.Response.Duplicates,
	)
	return out
}

// relay forwards merged events to every active peer but their sender.
func (e *Engine) relay(events []ir.Event, sender ir.PublicKey) {
	e.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*timeout(e.cfg.PushTimeout, DefaultConfig().PushTimeout))
		defer cancel()
		e.pushTo(ctx, events, sender)
	})
}
