package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/policy"
	"github.com/roach88/fedlog/internal/testutil"
	"github.com/roach88/fedlog/internal/wire"
)

// addActive stores name as an active peer of n at mem://name.
func addActive(t *testing.T, n *node, name string) ir.PublicKey {
	t.Helper()
	key := testutil.NamedIdentity(name).PublicKey()
	res, err := n.Registry().Register(t.Context(), peers.Candidate{
		PublicKey: key,
		Endpoint:  "mem://" + name,
		Tier:      ir.TierDeviceBound,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.False(t, res.Pending)
	return key
}

func receive(t *testing.T, ch <-chan ir.Event) ir.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
		return ir.Event{}
	}
}

func TestDispatch_SlowPeerDoesNotDelayOthers(t *testing.T) {
	net := NewMemNetwork()
	release := make(chan struct{})
	delivered := make(chan ir.Event, 8)
	var slowCalls atomic.Int32

	client := &stubClient{
		push: func(ctx context.Context, endpoint string, req wire.PushRequest) (wire.PushResponse, error) {
			if endpoint == "mem://slow" {
				slowCalls.Add(1)
				select {
				case <-release:
				case <-ctx.Done():
				}
				return wire.PushResponse{}, errors.New("connection dropped")
			}
			for _, ev := range req.Events {
				delivered <- ev
			}
			return wire.PushResponse{ReceivedCount: len(req.Events)}, nil
		},
	}
	open := policy.Default()
	open.RequireMutual = false
	a := newNode(t, net, "alpha", withPolicy(open), withClient(client), withConfig(func(c *Config) {
		c.PushTimeout = time.Minute
	}))
	addActive(t, a, "slow")
	addActive(t, a, "fast")

	ctx, cancel := context.WithCancel(t.Context())
	defer func() {
		close(release)
		cancel()
		a.Quiesce()
	}()

	first := a.append(t, "first")
	a.dispatch(ctx, []ir.Event{first})
	assert.Equal(t, first.ID, receive(t, delivered).ID)
	require.Eventually(t, func() bool { return slowCalls.Load() == 1 }, waitFor, tick)

	// slow is still blocked on first; fast gets the next event anyway.
	second := a.append(t, "second")
	a.dispatch(ctx, []ir.Event{second})
	assert.Equal(t, second.ID, receive(t, delivered).ID)
	assert.Equal(t, int32(1), slowCalls.Load())
}

func TestDispatch_StopsRemovedPeer(t *testing.T) {
	net := NewMemNetwork()
	delivered := make(chan ir.Event, 8)
	client := &stubClient{
		push: func(_ context.Context, _ string, req wire.PushRequest) (wire.PushResponse, error) {
			for _, ev := range req.Events {
				delivered <- ev
			}
			return wire.PushResponse{ReceivedCount: len(req.Events)}, nil
		},
	}
	open := policy.Default()
	open.RequireMutual = false
	a := newNode(t, net, "alpha", withPolicy(open), withClient(client))
	key := addActive(t, a, "beta")

	ctx, cancel := context.WithCancel(t.Context())
	defer func() {
		cancel()
		a.Quiesce()
	}()

	a.dispatch(ctx, []ir.Event{a.append(t, "one")})
	receive(t, delivered)

	require.NoError(t, a.RemovePeer(ctx, key))
	a.mu.Lock()
	assert.Empty(t, a.outboxes)
	a.mu.Unlock()

	a.dispatch(ctx, []ir.Event{a.append(t, "two")})
	select {
	case ev := <-delivered:
		t.Fatalf("event %s pushed to a removed peer", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutbox_DropsOldestWhenFull(t *testing.T) {
	ob := newOutbox(ir.Peer{}, func() {})
	events := make([]ir.Event, maxOutbox+3)
	for i := range events {
		events[i] = ir.Event{ID: string(rune('a' + i%26)), LocalSeq: int64(i + 1)}
	}
	ob.add(ir.Peer{}, events)

	_, batch, dropped := ob.take(maxPushBatch)
	assert.Equal(t, 3, dropped)
	require.Len(t, batch, maxPushBatch)
	assert.Equal(t, int64(4), batch[0].LocalSeq)

	_, _, dropped = ob.take(maxPushBatch)
	assert.Zero(t, dropped)
}
