package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/wire"
)

// ErrStreamIdle is returned by Stream when the peer sent nothing, not
// even a heartbeat, for StreamIdleTimeout.
var ErrStreamIdle = errors.New("syncer: stream idle")

// Stream opens one stream from the peer starting at its current cursor
// and merges events as they arrive. It returns when ctx ends, the
// stream drops, or the stream goes idle. Unless ctx ended, a single
// pull runs before returning to cover anything the stream missed.
func (e *Engine) Stream(ctx context.Context, peer ir.PublicKey) error {
	p, err := e.registry.Get(ctx, peer)
	if err != nil {
		return err
	}

	s, err := e.client.StreamEvents(ctx, p.Endpoint, p.LastKnownSeq)
	if err != nil {
		err = transportErr(p.PublicKey, p.Endpoint, "stream", err)
		e.health.failure(p.PublicKey, err)
		return err
	}
	e.health.setStreaming(p.PublicKey, true)
	e.logger.Debug("stream opened", "peer", p.PublicKey.Short(), "since", p.LastKnownSeq)

	idle := timeout(e.cfg.StreamIdleTimeout, DefaultConfig().StreamIdleTimeout)
	var idled atomic.Bool
	watchdog := time.AfterFunc(idle, func() {
		idled.Store(true)
		s.Close()
	})
	stopOnCancel := context.AfterFunc(ctx, func() { s.Close() })

	recvErr := e.consume(ctx, p, s, watchdog, idle)

	watchdog.Stop()
	stopOnCancel()
	s.Close()
	e.health.setStreaming(p.PublicKey, false)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(recvErr, eventlog.ErrHalted) || errors.Is(recvErr, eventlog.ErrStorage) {
		return recvErr
	}

	if idled.Load() {
		recvErr = ErrStreamIdle
	}
	recvErr = transportErr(p.PublicKey, p.Endpoint, "stream", recvErr)
	e.health.failure(p.PublicKey, recvErr)
	e.logger.Warn("stream ended", "peer", p.PublicKey.Short(), "error", recvErr)

	if current, err := e.registry.Get(ctx, peer); err == nil && current.Active() {
		if _, err := e.PullPeer(ctx, current); err != nil && !IsTransient(err) {
			return err
		}
	}
	return recvErr
}

// consume merges stream frames until Recv fails or the log halts.
func (e *Engine) consume(ctx context.Context, p ir.Peer, s wire.EventStream, watchdog *time.Timer, idle time.Duration) error {
	cursor := newCursorTracker(p.LastKnownSeq)
	for {
		msg, err := s.Recv()
		if err != nil {
			return err
		}
		watchdog.Reset(idle)

		switch msg.Type {
		case wire.StreamHeartbeat:
			e.health.success(p.PublicKey, msg.HeadSeq)
			continue
		case wire.StreamEvent:
		default:
			e.logger.Debug("ignoring stream frame", "peer", p.PublicKey.Short(), "type", msg.Type)
			continue
		}
		if msg.Event == nil {
			continue
		}

		seq := msg.Event.LocalSeq
		m, err := e.log.TryMerge(ctx, *msg.Event)
		if err != nil {
			return err
		}
		cursor.observe(seq, m)
		if m.Rejected() {
			e.health.rejected(p.PublicKey, 1)
		}
		if _, err := e.registry.UpdateCursor(ctx, p.PublicKey, cursor.value()); err != nil {
			return err
		}
		e.health.success(p.PublicKey, msg.HeadSeq)
	}
}

// streamLoop keeps a stream open to peer until ctx ends or the peer is
// no longer active.
func (e *Engine) streamLoop(ctx context.Context, peer ir.PublicKey) {
	retry := timeout(e.cfg.StreamRetry, DefaultConfig().StreamRetry)
	for {
		err := e.Stream(ctx, peer)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, peers.ErrNotFound) || errors.Is(err, eventlog.ErrHalted) || errors.Is(err, eventlog.ErrStorage) {
			return
		}
		if p, err := e.registry.Get(ctx, peer); err != nil || !p.Active() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// ensureStreams starts a stream loop for every active peer that lacks
// one.
func (e *Engine) ensureStreams(ctx context.Context) error {
	active, err := e.registry.Active(ctx)
	if err != nil {
		return err
	}
	for _, p := range active {
		key := p.PublicKey

		if e.streaming(key) {
			continue
		}

		sctx, cancel := context.WithCancel(ctx)
		h := &streamHandle{cancel: cancel}
		e.mu.Lock()
		e.streams[key] = h
		e.mu.Unlock()

		started := e.goBackground(func() {
			defer e.dropStream(key, h)
			e.streamLoop(sctx, key)
		})
		if !started {
			e.dropStream(key, h)
		}
	}
	return nil
}

type streamHandle struct {
	cancel context.CancelFunc
}

// stopStream cancels the stream loop for key, if any.
func (e *Engine) stopStream(key ir.PublicKey) {
	e.mu.Lock()
	h, ok := e.streams[key]
	delete(e.streams, key)
	e.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// dropStream cancels h and forgets it unless a newer loop replaced it.
func (e *Engine) dropStream(key ir.PublicKey, h *streamHandle) {
	e.mu.Lock()
	if e.streams[key] == h {
		delete(e.streams, key)
	}
	e.mu.Unlock()
	h.cancel()
}

// streaming reports whether a stream loop runs for key.
func (e *Engine) streaming(key ir.PublicKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.streams[key]
	return ok
}
