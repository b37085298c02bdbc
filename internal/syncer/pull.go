package syncer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/wire"
)

// PullStats summarizes one pull from a peer.
type PullStats struct {
	Peer       ir.PublicKey
	Pages      int
	Accepted   int
	Duplicates int
	Rejected   int
	Cursor     int64 // peer's last_known_seq after the pull
	PeerHead   int64
}

// cursorTracker computes how far a peer's cursor may advance. Events
// rejected for clock skew may become acceptable later, so the cursor
// stops just before the first one.
type cursorTracker struct {
	highest int64
	ceiling int64 // -1 when unbounded
}

func newCursorTracker(start int64) *cursorTracker {
	return &cursorTracker{highest: start, ceiling: -1}
}

func (c *cursorTracker) observe(seq int64, m eventlog.Merge) {
	if m.Result == eventlog.RejectedClockSkew && c.ceiling < 0 {
		c.ceiling = seq - 1
	}
	c.highest = max(c.highest, seq)
}

func (c *cursorTracker) value() int64 {
	if c.ceiling >= 0 {
		return min(c.highest, c.ceiling)
	}
	return c.highest
}

// tally counts a merge into s.
func (s *PullStats) tally(m eventlog.Merge) {
	switch {
	case m.Result == eventlog.Inserted:
		s.Accepted++
	case m.Result == eventlog.DuplicateIgnored:
		s.Duplicates++
	default:
		s.Rejected++
	}
}

// PullPeer fetches every event the peer has after our cursor, page by
// page until the peer reports no more, merges them, then advances the
// cursor.
func (e *Engine) PullPeer(ctx context.Context, p ir.Peer) (PullStats, error) {
	stats := PullStats{Peer: p.PublicKey, Cursor: p.LastKnownSeq}
	cursor := newCursorTracker(p.LastKnownSeq)
	limit := e.cfg.PullLimit
	if limit <= 0 {
		limit = wire.DefaultPullLimit
	}

	since := p.LastKnownSeq
	for {
		pctx, cancel := context.WithTimeout(ctx, timeout(e.cfg.PullTimeout, DefaultConfig().PullTimeout))
		resp, err := e.client.PullEvents(pctx, p.Endpoint, wire.PullRequest{SinceSeq: since, Limit: limit})
		cancel()
		if err != nil {
			err = transportErr(p.PublicKey, p.Endpoint, "pull", err)
			e.health.failure(p.PublicKey, err)
			e.logger.Warn("pull failed", "peer", p.PublicKey.Short(), "pages", stats.Pages, "error", err)
			// Keep what earlier pages merged so the next pull resumes there.
			if progress := cursor.value(); progress > p.LastKnownSeq {
				if _, uerr := e.registry.UpdateCursor(ctx, p.PublicKey, progress); uerr != nil {
					return stats, fmt.Errorf("pull: %w", uerr)
				}
				stats.Cursor = progress
			}
			return stats, err
		}
		stats.Pages++
		stats.PeerHead = max(stats.PeerHead, resp.HeadSeq)

		for _, ev := range resp.Events {
			seq := ev.LocalSeq
			m, err := e.log.TryMerge(ctx, ev)
			if err != nil {
				return stats, err
			}
			stats.tally(m)
			cursor.observe(seq, m)
		}

		// A page that makes no progress ends the pull even if the peer
		// claims more.
		if !resp.HasMore || len(resp.Events) == 0 || cursor.highest <= since {
			break
		}
		since = cursor.highest
	}

	if _, err := e.registry.UpdateCursor(ctx, p.PublicKey, cursor.value()); err != nil {
		return stats, err
	}
	stats.Cursor = max(p.LastKnownSeq, cursor.value())
	if err := e.registry.Touch(ctx, p.PublicKey); err != nil && !errors.Is(err, peers.ErrNotFound) {
		return stats, fmt.Errorf("pull: %w", err)
	}
	e.health.success(p.PublicKey, stats.PeerHead)
	e.health.rejected(p.PublicKey, stats.Rejected)

	e.logger.Info("pull completed",
		"peer", p.PublicKey.Short(),
		"accepted", stats.Accepted,
		"duplicates", stats.Duplicates,
		"rejected", stats.Rejected,
		"cursor", stats.Cursor,
	)
	return stats, nil
}

// PullAll pulls from every active peer concurrently. Transport
// failures are logged and recorded in health; the returned error is
// non-nil only when the local log failed.
func (e *Engine) PullAll(ctx context.Context) ([]PullStats, error) {
	active, err := e.registry.Active(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]PullStats, len(active))
	var g errgroup.Group
	g.SetLimit(maxFanout)
	for i, p := range active {
		g.Go(func() error {
			stats, err := e.PullPeer(ctx, p)
			results[i] = stats
			if err != nil && !IsTransient(err) && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return results, g.Wait()
}
