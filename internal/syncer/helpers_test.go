package syncer

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/hlc"
	"github.com/roach88/fedlog/internal/identity"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/policy"
	"github.com/roach88/fedlog/internal/store"
	"github.com/roach88/fedlog/internal/testutil"
	"github.com/roach88/fedlog/internal/wire"
)

type node struct {
	*Engine
	name     string
	endpoint string
	id       *identity.Identity
	wall     *testutil.FakeWallClock
}

type nodeConfig struct {
	policy policy.TrustPolicy
	cfg    Config
	wall   *testutil.FakeWallClock
	client Client
}

type nodeOption func(*nodeConfig)

func withPolicy(p policy.TrustPolicy) nodeOption {
	return func(c *nodeConfig) { c.policy = p }
}

func withConfig(fn func(*Config)) nodeOption {
	return func(c *nodeConfig) { fn(&c.cfg) }
}

func withWall(w *testutil.FakeWallClock) nodeOption {
	return func(c *nodeConfig) { c.wall = w }
}

func withClient(cl Client) nodeOption {
	return func(c *nodeConfig) { c.client = cl }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newNode builds an engine named name reachable at mem://name on net.
func newNode(t *testing.T, net *MemNetwork, name string, opts ...nodeOption) *node {
	t.Helper()
	endpoint := "mem://" + name

	cfg := DefaultConfig()
	cfg.DisplayName = name
	cfg.Endpoint = endpoint
	cfg.Stream = false
	cfg.PushBackoff = time.Millisecond
	cfg.PullInterval = 20 * time.Millisecond
	cfg.StreamRetry = 10 * time.Millisecond

	nc := &nodeConfig{policy: policy.Default(), cfg: cfg}
	for _, opt := range opts {
		opt(nc)
	}
	if nc.wall == nil {
		nc.wall = testutil.NewFakeWallClock(testutil.Epoch)
	}
	if nc.client == nil {
		nc.client = net.Client(endpoint)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id := testutil.NamedIdentity(name)
	logger := discardLogger()
	clock := hlc.New(id.NodeID(), hlc.WithWallClock(nc.wall))
	log, err := eventlog.New(t.Context(), st, clock, id, eventlog.WithLogger(logger), eventlog.WithNow(nc.wall.Now))
	require.NoError(t, err)
	t.Cleanup(log.Close)

	reg := peers.New(st, nc.policy, peers.WithLogger(logger), peers.WithNow(nc.wall.Now))
	e := New(log, reg, id, nc.client, nc.cfg,
		WithLogger(logger),
		WithNonces(testutil.NewSequenceNonces(name)),
		WithNow(nc.wall.Now),
	)
	t.Cleanup(e.Quiesce)

	net.Attach(endpoint, e)
	return &node{Engine: e, name: name, endpoint: endpoint, id: id, wall: nc.wall}
}

// mutual completes a two-phase registration between a and b.
func mutual(t *testing.T, a, b *node) {
	t.Helper()
	ctx := t.Context()
	res, err := a.RegisterWith(ctx, b.endpoint)
	require.NoError(t, err)
	require.True(t, res.Accepted, "registration rejected: %s", res.Reason)
	b.Quiesce()
	a.Quiesce()

	requireActive(t, a, b)
	requireActive(t, b, a)
}

func requireActive(t *testing.T, of, peer *node) {
	t.Helper()
	ok, err := of.Registry().IsActive(t.Context(), peer.Self())
	require.NoError(t, err)
	require.True(t, ok, "%s does not have %s active", of.name, peer.name)
}

func (n *node) peer(t *testing.T, other *node) ir.Peer {
	t.Helper()
	p, err := n.Registry().Get(t.Context(), other.Self())
	require.NoError(t, err)
	return p
}

func (n *node) append(t *testing.T, content string) ir.Event {
	t.Helper()
	ev, err := n.Log().AppendLocal(t.Context(), message(n.name, content))
	require.NoError(t, err)
	return ev
}

func (n *node) has(t *testing.T, id string) bool {
	t.Helper()
	ok, err := n.Log().Has(t.Context(), id)
	require.NoError(t, err)
	return ok
}

func (n *node) count(t *testing.T) int64 {
	t.Helper()
	c, err := n.Log().Count(t.Context())
	require.NoError(t, err)
	return c
}

// ids returns the set of event ids in n's log.
func (n *node) ids(t *testing.T) map[string]bool {
	t.Helper()
	events, err := n.Log().EventsSince(t.Context(), 0, 0)
	require.NoError(t, err)
	out := make(map[string]bool, len(events))
	for _, ev := range events {
		out[ev.ID] = true
	}
	return out
}

func message(author, content string) ir.Payload {
	return ir.NewPayload(ir.Message{Channel: "general", Author: author, Content: content})
}

// stubClient overrides selected Client methods. Unset methods panic.
type stubClient struct {
	Client
	register func(ctx context.Context, endpoint string, req wire.RegisterRequest) (wire.RegisterResponse, error)
	push     func(ctx context.Context, endpoint string, req wire.PushRequest) (wire.PushResponse, error)
	pull     func(ctx context.Context, endpoint string, req wire.PullRequest) (wire.PullResponse, error)
}

func (s *stubClient) Register(ctx context.Context, endpoint string, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	return s.register(ctx, endpoint, req)
}

func (s *stubClient) PushEvents(ctx context.Context, endpoint string, req wire.PushRequest) (wire.PushResponse, error) {
	return s.push(ctx, endpoint, req)
}

func (s *stubClient) PullEvents(ctx context.Context, endpoint string, req wire.PullRequest) (wire.PullResponse, error) {
	if s.pull == nil {
		return s.Client.PullEvents(ctx, endpoint, req)
	}
	return s.pull(ctx, endpoint, req)
}

// recordingSink collects stream frames.
type recordingSink struct {
	mu     sync.Mutex
	frames []wire.StreamMessage
}

func (s *recordingSink) Send(msg wire.StreamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, msg)
	return nil
}

func (s *recordingSink) events() []ir.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ir.Event
	for _, f := range s.frames {
		if f.Type == wire.StreamEvent {
			out = append(out, *f.Event)
		}
	}
	return out
}

func (s *recordingSink) heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Type == wire.StreamHeartbeat {
			n++
		}
	}
	return n
}
