package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/hlc"
	"github.com/roach88/fedlog/internal/identity"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/wire"
)

// HandleRegister answers an inbound registration.
//
// The challenge signature is checked before the policy gate. When the
// peer is admitted as pending, our half of the mutual handshake is
// started in the background; the response does not wait for it.
func (e *Engine) HandleRegister(ctx context.Context, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	resp := wire.RegisterResponse{
		PeerPubkey:      e.self.PublicKey(),
		PeerEndpoint:    e.cfg.Endpoint,
		PeerDisplayName: e.cfg.DisplayName,
		PeerTier:        e.cfg.Tier,
	}

	switch {
	case req.Nonce == "" || !identity.Verify(req.PublicKey, ir.ChallengeMessage(req.Nonce, req.PublicKey), req.Signature):
		resp.Reason = wire.ReasonBadChallenge
	case req.PublicKey == e.self.PublicKey():
		resp.Reason = wire.ReasonBadChallenge
	case req.Endpoint == "":
		resp.Reason = wire.ReasonMalformed
	}
	if resp.Reason != "" {
		e.logger.Warn("registration refused", "peer", req.PublicKey.Short(), "reason", resp.Reason)
		return resp, nil
	}

	res, err := e.registry.Register(ctx, peers.Candidate{
		PublicKey:   req.PublicKey,
		DisplayName: req.DisplayName,
		Endpoint:    req.Endpoint,
		Tier:        req.ClaimedTier,
	})
	if err != nil {
		return wire.RegisterResponse{}, err
	}
	if !res.Accepted {
		resp.Reason = string(res.Reason)
		if res.Reason == peers.ReasonAlreadyRegistered {
			// Proves we hold the caller active, so a caller still
			// waiting on its half can finish it.
			resp.Signature = e.self.Sign(ir.ChallengeMessage(req.Nonce, e.self.PublicKey()))
		}
		return resp, nil
	}

	resp.Accepted = true
	resp.Pending = res.Pending
	resp.Signature = e.self.Sign(ir.ChallengeMessage(req.Nonce, e.self.PublicKey()))

	if res.Pending {
		e.completeMutual(req.Endpoint)
	}
	return resp, nil
}

// completeMutual registers us with endpoint in the background unless a
// registration with it is already running.
func (e *Engine) completeMutual(endpoint string) {
	if !e.claim(endpoint, true) {
		return
	}
	started := e.goBackground(func() {
		defer e.release(endpoint)
		res, err := e.registerWith(context.Background(), endpoint)
		switch {
		case err != nil:
			e.logger.Warn("mutual registration failed", "endpoint", endpoint, "error", err)
		case !res.Accepted:
			e.logger.Warn("mutual registration rejected", "endpoint", endpoint, "reason", string(res.Reason))
		}
	})
	if !started {
		e.release(endpoint)
	}
}

// HandlePush merges a pushed batch. Events from a sender that is not an
// active peer, or whose envelope signature does not verify, are all
// rejected as unknown_peer. The error is non-nil only when the local
// log has halted.
func (e *Engine) HandlePush(ctx context.Context, req wire.PushRequest) (wire.PushResponse, error) {
	resp := wire.PushResponse{Rejected: []wire.Rejection{}}

	active, err := e.registry.IsActive(ctx, req.Sender)
	if err != nil {
		return resp, err
	}
	if active && !identity.Verify(req.Sender, ir.PushMessage(req.Sender, req.SenderHeadSeq, req.EventIDs()), req.Signature) {
		e.logger.Warn("push envelope signature invalid", "sender", req.Sender.Short())
		active = false
	}
	if !active {
		for _, ev := range req.Events {
			resp.Rejected = append(resp.Rejected, wire.Rejection{EventID: ev.ID, Reason: wire.ReasonUnknownPeer})
		}
		e.logger.Warn("push from unknown peer", "sender", req.Sender.Short(), "events", len(req.Events))
		resp.ReceiverHeadSeq, err = e.log.Head(ctx)
		return resp, err
	}

	var relay []ir.Event
	for _, ev := range req.Events {
		m, err := e.log.TryMerge(ctx, ev)
		if err != nil {
			return resp, err
		}
		switch m.Result {
		case eventlog.Inserted:
			resp.ReceivedCount++
			relay = append(relay, m.Event)
		case eventlog.DuplicateIgnored:
			resp.Duplicates++
		default:
			resp.Rejected = append(resp.Rejected, rejectionFor(m))
		}
	}

	e.health.success(req.Sender, req.SenderHeadSeq)
	e.health.rejected(req.Sender, len(resp.Rejected))
	if err := e.registry.Touch(ctx, req.Sender); err != nil && !errors.Is(err, peers.ErrNotFound) {
		return resp, err
	}

	if e.cfg.Relay && len(relay) > 0 {
		e.relay(relay, req.Sender)
	}

	resp.ReceiverHeadSeq, err = e.log.Head(ctx)
	return resp, err
}

// rejectionFor maps a rejected merge onto a wire reason.
func rejectionFor(m eventlog.Merge) wire.Rejection {
	r := wire.Rejection{EventID: m.Event.ID}
	switch {
	case errors.Is(m.Cause, hlc.ErrClockSkew):
		r.Reason = wire.ReasonClockSkew
	case errors.Is(m.Cause, eventlog.ErrIDMismatch):
		r.Reason = wire.ReasonIDMismatch
	case errors.Is(m.Cause, eventlog.ErrMalformed):
		r.Reason = wire.ReasonMalformed
	default:
		r.Reason = wire.ReasonBadSignature
	}
	if m.Cause != nil {
		r.Detail = m.Cause.Error()
	}
	return r
}

// HandlePull serves one page of the local log. Pull is not restricted
// to registered peers: events are signed and public within the
// federation.
func (e *Engine) HandlePull(ctx context.Context, req wire.PullRequest) (wire.PullResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = wire.DefaultPullLimit
	}
	limit = min(limit, wire.MaxPullLimit)

	events, err := e.log.EventsSince(ctx, req.SinceSeq, limit+1)
	if err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: %w", err)
	}
	head, err := e.log.Head(ctx)
	if err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: %w", err)
	}

	resp := wire.PullResponse{Events: events, HeadSeq: head}
	if len(events) > limit {
		resp.Events = events[:limit]
		resp.HasMore = true
	}
	return resp, nil
}

// Identity describes this instance.
func (e *Engine) Identity(ctx context.Context) (wire.IdentityResponse, error) {
	head, err := e.log.Head(ctx)
	if err != nil {
		return wire.IdentityResponse{}, err
	}
	pub := e.self.PublicKey()
	return wire.IdentityResponse{
		PublicKey:       pub,
		NodeID:          pub.NodeID(),
		Fingerprint:     e.self.Fingerprint(),
		DisplayName:     e.cfg.DisplayName,
		Endpoint:        e.cfg.Endpoint,
		Tier:            e.cfg.Tier,
		ProtocolVersion: ir.ProtocolVersion,
		Version:         ir.Version,
		HeadSeq:         head,
	}, nil
}

// Status reports every peer's cursor, lag and reachability.
func (e *Engine) Status(ctx context.Context) (wire.StatusResponse, error) {
	head, err := e.log.Head(ctx)
	if err != nil {
		return wire.StatusResponse{}, err
	}
	count, err := e.log.Count(ctx)
	if err != nil {
		return wire.StatusResponse{}, err
	}
	all, err := e.registry.List(ctx)
	if err != nil {
		return wire.StatusResponse{}, err
	}

	resp := wire.StatusResponse{
		PublicKey:  e.self.PublicKey(),
		HeadSeq:    head,
		EventCount: count,
		PeerCount:  len(all),
		Peers:      make([]wire.PeerStatus, 0, len(all)),
	}
	if halted := e.log.Err(); halted != nil {
		resp.Halted = halted.Error()
	}

	for _, p := range all {
		if p.Active() {
			resp.ActivePeers++
		}
		h := e.health.get(p.PublicKey)
		ps := wire.PeerStatus{
			PublicKey:           p.PublicKey,
			DisplayName:         p.DisplayName,
			Endpoint:            p.Endpoint,
			Status:              p.Status,
			Tier:                p.Tier,
			LastKnownSeq:        p.LastKnownSeq,
			PeerHeadSeq:         max(h.PeerHead, p.LastKnownSeq),
			Reachable:           h.Reachable,
			LastError:           h.LastError,
			ConsecutiveFailures: h.Failures,
			Rejections:          h.Rejections,
			Streaming:           h.Streaming,
		}
		ps.Lag = ps.PeerHeadSeq - p.LastKnownSeq
		resp.Peers = append(resp.Peers, ps)
	}
	return resp, nil
}

// StreamSink receives frames for one outbound stream.
type StreamSink interface {
	Send(msg wire.StreamMessage) error
}

// ServeStream sends every event after sinceSeq to sink, then each new
// event as it commits, until ctx ends or Send fails. A heartbeat is sent
// after each idle HeartbeatInterval.
//
// The subscription is opened before the backlog is read so no event
// committed in between is missed; events already sent from the backlog
// are skipped when they reappear on the subscription.
func (e *Engine) ServeStream(ctx context.Context, sinceSeq int64, sink StreamSink) error {
	sub := e.log.Subscribe()
	defer sub.Close()

	last := sinceSeq
	for {
		page, err := e.log.EventsSince(ctx, last, wire.MaxPullLimit)
		if err != nil {
			return fmt.Errorf("stream backlog: %w", err)
		}
		for i := range page {
			if err := sink.Send(wire.StreamMessage{Type: wire.StreamEvent, Event: &page[i], HeadSeq: page[i].LocalSeq}); err != nil {
				return err
			}
			last = page[i].LocalSeq
		}
		if len(page) < wire.MaxPullLimit {
			break
		}
	}

	heartbeat := e.cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultConfig().HeartbeatInterval
	}
	for {
		waitCtx, cancel := context.WithTimeout(ctx, heartbeat)
		ev, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := sink.Send(wire.StreamMessage{Type: wire.StreamHeartbeat, HeadSeq: last}); err != nil {
				return err
			}
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}

		if ev.LocalSeq <= last {
			continue
		}
		if err := sink.Send(wire.StreamMessage{Type: wire.StreamEvent, Event: &ev, HeadSeq: ev.LocalSeq}); err != nil {
			return err
		}
		last = ev.LocalSeq
	}
}

// timeout returns d, or fallback when d is not positive.
func timeout(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
