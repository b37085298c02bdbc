package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/hlc"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/policy"
	"github.com/roach88/fedlog/internal/store"
	"github.com/roach88/fedlog/internal/syncer"
	"github.com/roach88/fedlog/internal/testutil"
)

// node is one instance of a running scenario.
type node struct {
	name     string
	endpoint string
	engine   *syncer.Engine
	log      *eventlog.Log
	store    *store.Store
	wall     *testutil.FakeWallClock
	appends  int
}

// Harness runs scenarios. Every node gets a fixed identity derived from
// its name, its own fake wall clock starting at testutil.Epoch, and a
// private in-memory database; nodes talk over a syncer.MemNetwork.
type Harness struct {
	net    *syncer.MemNetwork
	nodes  map[string]*node
	order  []string
	labels map[string]string // event label -> event ID
	logger *slog.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger sends component logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result. The error is non-nil
// only when the scenario could not be executed; failed expectations and
// assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		net:    syncer.NewMemNetwork(),
		nodes:  make(map[string]*node),
		labels: make(map[string]string),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.close()

	for _, spec := range scenario.Nodes {
		if err := h.addNode(ctx, spec); err != nil {
			return nil, fmt.Errorf("node %s: %w", spec.Name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
		h.settle()
		ev.Step = i
		if err := h.checkExpect(ctx, step, ev); err != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, ev.Op, err))
		}
		result.AddTrace(ev)
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}

	for _, name := range h.order {
		n, err := h.nodes[name].log.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		result.Heads[name] = n
	}
	return result, nil
}

func (h *Harness) addNode(ctx context.Context, spec NodeSpec) error {
	st, err := store.Open(":memory:")
	if err != nil {
		return fmt.Errorf("failed to create in-memory store: %w", err)
	}

	id := testutil.NamedIdentity(spec.Name)
	wall := testutil.NewFakeWallClock(testutil.Epoch)
	clockOpts := []hlc.Option{hlc.WithWallClock(wall)}
	if spec.MaxDrift != "" {
		d, err := time.ParseDuration(spec.MaxDrift)
		if err != nil {
			st.Close()
			return err
		}
		clockOpts = append(clockOpts, hlc.WithMaxDrift(d))
	}

	log, err := eventlog.New(ctx, st, hlc.New(id.NodeID(), clockOpts...), id,
		eventlog.WithLogger(h.logger), eventlog.WithNow(wall.Now))
	if err != nil {
		st.Close()
		return err
	}

	pol, err := spec.trustPolicy()
	if err != nil {
		log.Close()
		st.Close()
		return err
	}
	registry := peers.New(st, pol, peers.WithLogger(h.logger), peers.WithNow(wall.Now))

	endpoint := "mem://" + spec.Name
	cfg := syncer.DefaultConfig()
	cfg.DisplayName = spec.Name
	cfg.Endpoint = endpoint
	cfg.Stream = false
	cfg.Relay = spec.Relay
	cfg.PushAttempts = 1
	if spec.Tier != "" {
		if cfg.Tier, err = ir.ParseTier(spec.Tier); err != nil {
			log.Close()
			st.Close()
			return err
		}
	}

	engine := syncer.New(log, registry, id, h.net.Client(endpoint), cfg,
		syncer.WithLogger(h.logger),
		syncer.WithNonces(testutil.NewSequenceNonces(spec.Name)),
		syncer.WithNow(wall.Now),
	)
	h.net.Attach(endpoint, engine)

	h.nodes[spec.Name] = &node{
		name:     spec.Name,
		endpoint: endpoint,
		engine:   engine,
		log:      log,
		store:    st,
		wall:     wall,
	}
	h.order = append(h.order, spec.Name)
	return nil
}

func (s NodeSpec) trustPolicy() (policy.TrustPolicy, error) {
	p := policy.Default()
	if s.Policy == nil {
		return p, nil
	}
	if s.Policy.MinTier != "" {
		t, err := ir.ParseTier(s.Policy.MinTier)
		if err != nil {
			return p, err
		}
		p.MinTier = t
	}
	if s.Policy.RequireMutual != nil {
		p.RequireMutual = *s.Policy.RequireMutual
	}
	if s.Policy.MaxPeers != nil {
		p.MaxPeers = *s.Policy.MaxPeers
	}
	return p, nil
}

// settle waits for background work on every node. A reciprocal
// registration or relay on one node can start work on another, so the
// pass repeats once per node.
func (h *Harness) settle() {
	for range len(h.order) + 1 {
		for _, name := range h.order {
			h.nodes[name].engine.Quiesce()
		}
	}
}

func (h *Harness) close() {
	for _, name := range h.order {
		n := h.nodes[name]
		n.engine.Quiesce()
		h.net.Detach(n.endpoint)
		n.log.Close()
		n.store.Close()
	}
}

// execute runs one step and describes it as a trace event.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	switch {
	case step.Register != nil:
		return h.register(ctx, step.Register)
	case step.Remove != nil:
		return h.remove(ctx, step.Remove)
	case step.Append != nil:
		return h.append(ctx, step.Append)
	case step.Push != nil:
		return h.push(ctx, step.Push)
	case step.Pull != nil:
		return h.pull(ctx, step.Pull)
	case step.Cut != nil:
		a, b := h.nodes[step.Cut.From], h.nodes[step.Cut.To]
		h.net.Cut(a.endpoint, b.endpoint)
		return TraceEvent{Op: "cut", Node: a.name, Peer: b.name}, nil
	case step.Restore != nil:
		a, b := h.nodes[step.Restore.From], h.nodes[step.Restore.To]
		h.net.Restore(a.endpoint, b.endpoint)
		return TraceEvent{Op: "restore", Node: a.name, Peer: b.name}, nil
	case step.Advance != nil:
		n := h.nodes[step.Advance.Node]
		d, err := time.ParseDuration(step.Advance.By)
		if err != nil {
			return TraceEvent{}, err
		}
		n.wall.Advance(d)
		return TraceEvent{Op: "advance", Node: n.name, Outcome: d.String()}, nil
	default:
		return TraceEvent{}, errors.New("no action")
	}
}

func (h *Harness) register(ctx context.Context, s *LinkStep) (TraceEvent, error) {
	from, to := h.nodes[s.From], h.nodes[s.To]
	ev := TraceEvent{Op: "register", Node: from.name, Peer: to.name}

	res, err := from.engine.RegisterWith(ctx, to.endpoint)
	switch {
	case syncer.IsTransient(err):
		ev.Outcome = "unreachable"
		return ev, nil
	case err != nil:
		return ev, err
	case !res.Accepted:
		ev.Outcome = "rejected:" + string(res.Reason)
		return ev, nil
	}

	// The reciprocal registration may still be running; report the
	// status it settles on.
	h.settle()
	status, err := h.peerStatus(ctx, s.From, s.To)
	if err != nil {
		return ev, err
	}
	ev.Outcome = status
	return ev, nil
}

func (h *Harness) remove(ctx context.Context, s *LinkStep) (TraceEvent, error) {
	from, to := h.nodes[s.From], h.nodes[s.To]
	ev := TraceEvent{Op: "remove", Node: from.name, Peer: to.name, Outcome: "removed"}

	err := from.engine.RemovePeer(ctx, to.engine.Self())
	if errors.Is(err, peers.ErrNotFound) {
		ev.Outcome = StatusAbsent
		return ev, nil
	}
	return ev, err
}

func (h *Harness) append(ctx context.Context, s *AppendStep) (TraceEvent, error) {
	n := h.nodes[s.Node]
	n.appends++
	label := s.As
	if label == "" {
		label = fmt.Sprintf("%s#%d", n.name, n.appends)
	}
	if _, dup := h.labels[label]; dup {
		return TraceEvent{}, fmt.Errorf("duplicate event label %q", label)
	}

	var payload ir.Payload
	if s.Kind == "" {
		channel := s.Channel
		if channel == "" {
			channel = "general"
		}
		payload = ir.NewPayload(ir.Message{Channel: channel, Author: n.name, Content: s.Content})
	} else {
		body := ir.IRObject{}
		for k, v := range s.Fields {
			body[k] = ir.IRString(v)
		}
		payload = ir.NewPayload(ir.Unknown{Tag: ir.Kind(s.Kind), Version: ir.PayloadVersion, Body: body})
	}

	appended, err := n.log.AppendLocal(ctx, payload)
	if err != nil {
		return TraceEvent{}, err
	}
	h.labels[label] = appended.ID
	return TraceEvent{Op: "append", Node: n.name, Label: label, Outcome: string(payload.Kind)}, nil
}

// push sends every event the node authored to its active peers.
func (h *Harness) push(ctx context.Context, s *NodeStep) (TraceEvent, error) {
	n := h.nodes[s.Node]
	ev := TraceEvent{Op: "push", Node: n.name}

	all, err := h.events(ctx, n)
	if err != nil {
		return ev, err
	}
	self := n.engine.Self()
	var own []ir.Event
	for _, e := range all {
		if e.Origin == self {
			own = append(own, e)
		}
	}

	outcomes := n.engine.PushEvents(ctx, own)
	delivered := 0
	for _, out := range outcomes {
		if out.Err != nil {
			continue
		}
		delivered++
		ev.Merged += out.Response.ReceivedCount
		ev.Rejected += len(out.Response.Rejected)
	}
	ev.Outcome = fmt.Sprintf("%d/%d peers", delivered, len(outcomes))
	return ev, nil
}

// pull pulls from each active peer in registration order, or only from
// s.From.
func (h *Harness) pull(ctx context.Context, s *PullStep) (TraceEvent, error) {
	n := h.nodes[s.Node]
	ev := TraceEvent{Op: "pull", Node: n.name, Peer: s.From}

	var targets []ir.Peer
	if s.From != "" {
		p, err := n.engine.Registry().Get(ctx, h.nodes[s.From].engine.Self())
		if errors.Is(err, peers.ErrNotFound) {
			ev.Outcome = StatusAbsent
			return ev, nil
		}
		if err != nil {
			return ev, err
		}
		targets = []ir.Peer{p}
	} else {
		active, err := n.engine.Registry().Active(ctx)
		if err != nil {
			return ev, err
		}
		targets = active
	}

	reached := 0
	for _, p := range targets {
		stats, err := n.engine.PullPeer(ctx, p)
		if err != nil {
			if syncer.IsTransient(err) {
				continue
			}
			return ev, err
		}
		reached++
		ev.Merged += stats.Accepted
		ev.Rejected += stats.Rejected
	}
	ev.Outcome = fmt.Sprintf("%d/%d peers", reached, len(targets))
	return ev, nil
}

// checkExpect compares a step's outcome with its expect clause.
func (h *Harness) checkExpect(ctx context.Context, step Step, ev TraceEvent) error {
	x := step.Expect
	if x == nil {
		return nil
	}

	if x.Accepted != nil {
		accepted := ev.Outcome == string(ir.PeerActive) || ev.Outcome == string(ir.PeerPending)
		if accepted != *x.Accepted {
			return fmt.Errorf("expected accepted=%v, got outcome %q", *x.Accepted, ev.Outcome)
		}
	}
	if x.Reason != "" && ev.Outcome != "rejected:"+x.Reason {
		return fmt.Errorf("expected rejection %q, got outcome %q", x.Reason, ev.Outcome)
	}
	if x.Status != "" && step.Register != nil {
		got, err := h.peerStatus(ctx, step.Register.From, step.Register.To)
		if err != nil {
			return err
		}
		if got != x.Status {
			return fmt.Errorf("expected %s to hold %s as %s, got %s", step.Register.From, step.Register.To, x.Status, got)
		}
	}
	if x.Merged != nil && ev.Merged != *x.Merged {
		return fmt.Errorf("expected %d merged, got %d", *x.Merged, ev.Merged)
	}
	if x.Rejected != nil && ev.Rejected != *x.Rejected {
		return fmt.Errorf("expected %d rejected, got %d", *x.Rejected, ev.Rejected)
	}
	if len(x.Reasons) > 0 {
		if step.Push == nil {
			return fmt.Errorf("reasons apply to push steps only")
		}
		got, err := h.pushReasons(ctx, step.Push.Node)
		if err != nil {
			return err
		}
		want := slices.Clone(x.Reasons)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			return fmt.Errorf("expected rejection reasons %v, got %v", want, got)
		}
	}
	return nil
}

// pushReasons re-pushes the node's own events and collects the distinct
// rejection reasons. Merges are idempotent, so a second push changes
// nothing but the duplicate counters.
func (h *Harness) pushReasons(ctx context.Context, name string) ([]string, error) {
	n := h.nodes[name]
	all, err := h.events(ctx, n)
	if err != nil {
		return nil, err
	}
	self := n.engine.Self()
	var own []ir.Event
	for _, e := range all {
		if e.Origin == self {
			own = append(own, e)
		}
	}

	seen := map[string]bool{}
	for _, out := range n.engine.PushEvents(ctx, own) {
		if out.Err != nil {
			continue
		}
		for _, r := range out.Response.Rejected {
			seen[r.Reason] = true
		}
	}
	h.settle()

	reasons := make([]string, 0, len(seen))
	for r := range seen {
		reasons = append(reasons, r)
	}
	slices.Sort(reasons)
	return reasons, nil
}

// peerStatus reports how node holds peer: its status, or "absent".
func (h *Harness) peerStatus(ctx context.Context, node, peer string) (string, error) {
	p, err := h.nodes[node].engine.Registry().Get(ctx, h.nodes[peer].engine.Self())
	if errors.Is(err, peers.ErrNotFound) {
		return StatusAbsent, nil
	}
	if err != nil {
		return "", err
	}
	return string(p.Status), nil
}

// eventPage is the page size for reading a node's whole log.
const eventPage = 1000

// events returns every event in n's log in local order.
func (h *Harness) events(ctx context.Context, n *node) ([]ir.Event, error) {
	var all []ir.Event
	var since int64
	for {
		page, err := n.log.EventsSince(ctx, since, eventPage)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < eventPage {
			return all, nil
		}
		since = page[len(page)-1].LocalSeq
	}
}
