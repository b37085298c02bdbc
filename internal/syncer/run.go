package syncer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/ir"
)

// maxPushBatch bounds how many queued local events one push carries.
const maxPushBatch = 256

// Run pushes local events as they are appended and pulls from every
// active peer on PullInterval, keeping streams open when enabled. It
// blocks until ctx ends or the local log fails, then waits for
// background work to finish.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pushLoop(gctx) })
	g.Go(func() error { return e.pullLoop(gctx) })
	err := g.Wait()

	e.mu.Lock()
	e.closed = true
	for key, h := range e.streams {
		h.cancel()
		delete(e.streams, key)
	}
	for key, ob := range e.outboxes {
		ob.cancel()
		delete(e.outboxes, key)
	}
	e.mu.Unlock()
	e.bg.Wait()

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// pushLoop hands every locally originated event to the outbox of each
// active peer. Each outbox has its own worker, so one slow peer never
// holds back delivery to the others.
func (e *Engine) pushLoop(ctx context.Context) error {
	sub := e.log.Subscribe()
	defer sub.Close()

	self := e.self.PublicKey()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, eventlog.ErrSubscriptionClosed) {
				return nil
			}
			return err
		}

		batch := []ir.Event{}
		if ev.Origin == self {
			batch = append(batch, ev)
		}
		for sub.Pending() > 0 && len(batch) < maxPushBatch {
			next, err := sub.Next(ctx)
			if err != nil {
				break
			}
			if next.Origin == self {
				batch = append(batch, next)
			}
		}
		if len(batch) > 0 {
			e.dispatch(ctx, batch)
		}
	}
}

// pullLoop runs one sync cycle immediately and then every PullInterval.
func (e *Engine) pullLoop(ctx context.Context) error {
	interval := timeout(e.cfg.PullInterval, DefaultConfig().PullInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.cycle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cycle expires stale pending peers, pulls from every active peer and
// tops up streams. Only a local log failure is returned.
func (e *Engine) cycle(ctx context.Context) error {
	expired, err := e.registry.ExpirePending(ctx, timeout(e.cfg.PendingTTL, DefaultConfig().PendingTTL))
	if err != nil {
		e.logger.Error("expire pending peers", "error", err)
	}
	for _, p := range expired {
		e.health.forget(p.PublicKey)
		e.logger.Info("pending peer expired", "peer", p.PublicKey.Short(), "endpoint", p.Endpoint)
	}

	if _, err := e.PullAll(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, eventlog.ErrHalted) || errors.Is(err, eventlog.ErrStorage) {
			return err
		}
		e.logger.Error("pull cycle", "error", err)
	}

	if e.cfg.Stream {
		if err := e.ensureStreams(ctx); err != nil {
			e.logger.Error("start streams", "error", err)
		}
	}
	return nil
}
