package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/policy"
	"github.com/roach88/fedlog/internal/testutil"
	"github.com/roach88/fedlog/internal/wire"
)

func TestPushThenPull_EndToEnd(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	b := newNode(t, net, "beta")
	mutual(t, a, b)
	ctx := t.Context()

	e1 := a.append(t, "from alpha")
	outcomes := a.PushEvent(ctx, e1)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, 1, outcomes[0].Response.ReceivedCount)
	assert.True(t, b.has(t, e1.ID))

	e2 := b.append(t, "from beta")
	stats, err := a.PullPeer(ctx, a.peer(t, b))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, 1, stats.Duplicates, "alpha's own event comes back as a duplicate")
	assert.Equal(t, int64(2), stats.Cursor)
	assert.True(t, a.has(t, e2.ID))
	assert.Equal(t, int64(2), a.peer(t, b).LastKnownSeq)

	// Nothing new: the cursor does not move and nothing is refetched.
	stats, err = a.PullPeer(ctx, a.peer(t, b))
	require.NoError(t, err)
	assert.Zero(t, stats.Accepted+stats.Duplicates)
	assert.Equal(t, int64(2), a.peer(t, b).LastKnownSeq)

	assert.Equal(t, a.ids(t), b.ids(t))
}

func TestPush_Duplicates(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	b := newNode(t, net, "beta")
	mutual(t, a, b)

	e := a.append(t, "twice")
	a.PushEvent(t.Context(), e)
	out := a.PushEvent(t.Context(), e)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].Response.ReceivedCount)
	assert.Equal(t, 1, out[0].Response.Duplicates)
	assert.Equal(t, int64(1), b.count(t))
}

func TestHandlePush_UnknownSender(t *testing.T) {
	net := NewMemNetwork()
	b := newNode(t, net, "beta")
	c := newNode(t, net, "gamma")

	ev := c.append(t, "unsolicited")
	resp, err := b.HandlePush(t.Context(), wire.PushRequest{Sender: c.Self(), Events: []ir.Event{ev}})
	require.NoError(t, err)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, wire.ReasonUnknownPeer, resp.Rejected[0].Reason)
	assert.Equal(t, ev.ID, resp.Rejected[0].EventID)
	assert.Zero(t, b.count(t))
}

func TestHandlePush_ImpersonatedSender(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	b := newNode(t, net, "beta")
	mutual(t, a, b)
	c := newNode(t, net, "gamma")
	ev := c.append(t, "claims to come from alpha")

	unsigned := wire.PushRequest{Sender: a.Self(), Events: []ir.Event{ev}, SenderHeadSeq: 1}
	signedByOther := c.pushRequest([]ir.Event{ev}, 1)
	signedByOther.Sender = a.Self()
	altered := a.pushRequest([]ir.Event{ev}, 1)
	altered.SenderHeadSeq = 2

	for name, req := range map[string]wire.PushRequest{
		"unsigned":        unsigned,
		"signed by other": signedByOther,
		"altered head":    altered,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := b.HandlePush(t.Context(), req)
			require.NoError(t, err)
			require.Len(t, resp.Rejected, 1)
			assert.Equal(t, wire.ReasonUnknownPeer, resp.Rejected[0].Reason)
			assert.False(t, b.has(t, ev.ID))
		})
	}

	resp, err := b.HandlePush(t.Context(), a.pushRequest([]ir.Event{ev}, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ReceivedCount)
}

func TestHandlePush_RejectionReasons(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	b := newNode(t, net, "beta")
	mutual(t, a, b)

	ahead := testutil.NewFakeWallClock(testutil.Epoch.Add(2 * time.Minute))
	c := newNode(t, net, "gamma", withWall(ahead))

	good := a.append(t, "good")

	tampered := a.append(t, "original")
	tampered.Payload = message("alpha", "edited")

	forged := a.append(t, "forged")
	forged.Signature = testutil.NamedIdentity("mallory").Sign([]byte("anything"))

	skewed := c.append(t, "from the future")

	resp, err := b.HandlePush(t.Context(), a.pushRequest([]ir.Event{good, tampered, forged, skewed}, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ReceivedCount)

	reasons := map[string]string{}
	for _, r := range resp.Rejected {
		reasons[r.EventID] = r.Reason
	}
	assert.Equal(t, map[string]string{
		tampered.ID: wire.ReasonIDMismatch,
		forged.ID:   wire.ReasonBadSignature,
		skewed.ID:   wire.ReasonClockSkew,
	}, reasons)

	assert.True(t, b.has(t, good.ID))
	assert.Equal(t, int64(1), b.count(t))

	status, err := b.Status(t.Context())
	require.NoError(t, err)
	require.Len(t, status.Peers, 1)
	assert.Equal(t, 3, status.Peers[0].Rejections)
}

func TestPush_RetriesTransientFailures(t *testing.T) {
	net := NewMemNetwork()
	b := newNode(t, net, "beta")

	var mu sync.Mutex
	calls := 0
	client := &stubClient{
		Client: net.Client("mem://alpha"),
		push: func(ctx context.Context, endpoint string, req wire.PushRequest) (wire.PushResponse, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return wire.PushResponse{}, errors.New("connection reset")
			}
			return net.Client("mem://alpha").PushEvents(ctx, endpoint, req)
		},
	}
	a := newNode(t, net, "alpha", withClient(client), withConfig(func(c *Config) { c.PushAttempts = 3 }))
	mutual(t, a, b)

	out := a.PushEvent(t.Context(), a.append(t, "eventually"))
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	assert.Equal(t, 3, out[0].Attempts)
	assert.Equal(t, int64(1), b.count(t))
}

func TestPush_FailureRecordedInStatus(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha", withConfig(func(c *Config) { c.PushAttempts = 2 }))
	b := newNode(t, net, "beta")
	mutual(t, a, b)

	net.Cut(a.endpoint, b.endpoint)
	out := a.PushEvent(t.Context(), a.append(t, "lost"))
	require.Len(t, out, 1)
	assert.ErrorIs(t, out[0].Err, ErrUnreachable)
	assert.Equal(t, 2, out[0].Attempts)

	status, err := a.Status(t.Context())
	require.NoError(t, err)
	require.Len(t, status.Peers, 1)
	ps := status.Peers[0]
	assert.False(t, ps.Reachable)
	assert.Equal(t, 1, ps.ConsecutiveFailures)
	assert.Contains(t, ps.LastError, "unreachable")
	assert.Zero(t, ps.Rejections, "timeouts are not rejections")
	assert.Equal(t, int64(1), status.HeadSeq)
}

func TestPartitionRecovery(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	b := newNode(t, net, "beta")
	c := newNode(t, net, "gamma")
	mutual(t, a, b)
	mutual(t, b, c)
	mutual(t, a, c)
	ctx := t.Context()

	net.Cut(a.endpoint, c.endpoint)

	e := a.append(t, "during partition")
	out := a.PushEvent(ctx, e)
	require.Len(t, out, 2)
	assert.True(t, b.has(t, e.ID))
	assert.False(t, c.has(t, e.ID))

	// gamma learns alpha's event through beta.
	_, err := c.PullPeer(ctx, c.peer(t, b))
	require.NoError(t, err)
	assert.True(t, c.has(t, e.ID))

	ec := c.append(t, "gamma during partition")
	_, err = c.PullPeer(ctx, c.peer(t, a))
	require.Error(t, err)

	net.Restore(a.endpoint, c.endpoint)
	for _, n := range []*node{a, b, c} {
		_, err := n.PullAll(ctx)
		require.NoError(t, err)
	}
	assert.True(t, a.has(t, ec.ID))
	assert.Equal(t, a.ids(t), b.ids(t))
	assert.Equal(t, b.ids(t), c.ids(t))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	for _, ps := range status.Peers {
		assert.True(t, ps.Reachable, ps.DisplayName)
		assert.Zero(t, ps.Lag, ps.DisplayName)
	}
}

func TestPull_Pagination(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha", withConfig(func(c *Config) { c.PullLimit = 100 }))
	b := newNode(t, net, "beta")
	mutual(t, a, b)

	for i := range 250 {
		b.append(t, fmt.Sprintf("m%03d", i))
	}

	stats, err := a.PullPeer(t.Context(), a.peer(t, b))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, 250, stats.Accepted)
	assert.Equal(t, int64(250), stats.Cursor)
	assert.Equal(t, int64(250), stats.PeerHead)
	assert.Equal(t, int64(250), a.count(t))
}

func TestHandlePull_LimitsAndHasMore(t *testing.T) {
	net := NewMemNetwork()
	b := newNode(t, net, "beta")
	for i := range 5 {
		b.append(t, fmt.Sprintf("m%d", i))
	}
	ctx := t.Context()

	resp, err := b.HandlePull(ctx, wire.PullRequest{SinceSeq: 0, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Events, 2)
	assert.True(t, resp.HasMore)
	assert.Equal(t, int64(5), resp.HeadSeq)

	resp, err = b.HandlePull(ctx, wire.PullRequest{SinceSeq: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, resp.Events, 2)
	assert.False(t, resp.HasMore)
	assert.Equal(t, int64(4), resp.Events[0].LocalSeq)

	resp, err = b.HandlePull(ctx, wire.PullRequest{SinceSeq: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.Events)
	assert.NotNil(t, resp.Events)
	assert.False(t, resp.HasMore)
}

func TestPull_ClockSkewHoldsCursor(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	ahead := testutil.NewFakeWallClock(testutil.Epoch.Add(2 * time.Minute))
	b := newNode(t, net, "beta", withWall(ahead))
	mutual(t, a, b)

	b.append(t, "early one")
	b.append(t, "early two")

	stats, err := a.PullPeer(t.Context(), a.peer(t, b))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rejected)
	assert.Zero(t, a.peer(t, b).LastKnownSeq, "skewed events are retried on the next pull")

	a.wall.Advance(2 * time.Minute)
	stats, err = a.PullPeer(t.Context(), a.peer(t, b))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, int64(2), a.peer(t, b).LastKnownSeq)
}

func TestRemovePeer_StopsSync(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	b := newNode(t, net, "beta")
	mutual(t, a, b)

	require.NoError(t, b.RemovePeer(t.Context(), a.Self()))

	out := a.PushEvent(t.Context(), a.append(t, "after removal"))
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	require.Len(t, out[0].Response.Rejected, 1)
	assert.Equal(t, wire.ReasonUnknownPeer, out[0].Response.Rejected[0].Reason)
	assert.Zero(t, b.count(t))

	status, err := a.Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, status.Peers[0].Rejections)
}

func TestRelay_ForwardsToOtherPeers(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	b := newNode(t, net, "beta", withConfig(func(c *Config) { c.Relay = true }))
	c := newNode(t, net, "gamma")
	mutual(t, a, b)
	mutual(t, b, c)

	e := a.append(t, "relayed")
	a.PushEvent(t.Context(), e)
	b.Quiesce()

	assert.True(t, c.has(t, e.ID))
}

func TestIdentity(t *testing.T) {
	net := NewMemNetwork()
	a := newNode(t, net, "alpha")
	a.append(t, "one")

	resp, err := net.Client("mem://x").GetIdentity(t.Context(), a.endpoint)
	require.NoError(t, err)
	assert.Equal(t, a.Self(), resp.PublicKey)
	assert.Equal(t, a.Self().NodeID(), resp.NodeID)
	assert.Equal(t, a.id.Fingerprint(), resp.Fingerprint)
	assert.Equal(t, "alpha", resp.DisplayName)
	assert.Equal(t, ir.ProtocolVersion, resp.ProtocolVersion)
	assert.Equal(t, int64(1), resp.HeadSeq)
}

func TestPull_FailedPageKeepsEarlierProgress(t *testing.T) {
	net := NewMemNetwork()
	b := newNode(t, net, "beta")
	for i := range 4 {
		b.append(t, fmt.Sprintf("backlog %d", i))
	}

	var sinces []int64
	failing := true
	client := &stubClient{
		pull: func(ctx context.Context, _ string, req wire.PullRequest) (wire.PullResponse, error) {
			sinces = append(sinces, req.SinceSeq)
			if failing && req.SinceSeq >= 2 {
				return wire.PullResponse{}, errors.New("connection reset")
			}
			return b.HandlePull(ctx, req)
		},
	}
	open := policy.Default()
	open.RequireMutual = false
	a := newNode(t, net, "alpha", withPolicy(open), withClient(client), withConfig(func(c *Config) { c.PullLimit = 2 }))
	addActive(t, a, "beta")

	stats, err := a.PullPeer(t.Context(), a.peer(t, b))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int64(2), stats.Cursor)
	assert.Equal(t, int64(2), a.peer(t, b).LastKnownSeq)
	assert.Equal(t, int64(2), a.count(t))

	failing = false
	stats, err = a.PullPeer(t.Context(), a.peer(t, b))
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Cursor)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, []int64{0, 2, 2}, sinces)
	assert.Equal(t, b.ids(t), a.ids(t))
}
