package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/fedlog/internal/wire"
)

// MemNetwork connects engines in process. Every request and response is
// round-tripped through JSON so the wire encoding is exercised. Links
// can be cut and restored to simulate partitions.
type MemNetwork struct {
	mu      sync.Mutex
	nodes   map[string]*Engine
	cut     map[[2]string]bool
	streams map[[2]string]map[*memStream]struct{}
}

// NewMemNetwork returns an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes:   make(map[string]*Engine),
		cut:     make(map[[2]string]bool),
		streams: make(map[[2]string]map[*memStream]struct{}),
	}
}

// Attach makes e reachable at endpoint.
func (n *MemNetwork) Attach(endpoint string, e *Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[endpoint] = e
}

// Detach makes endpoint unreachable and drops its streams.
func (n *MemNetwork) Detach(endpoint string) {
	n.mu.Lock()
	delete(n.nodes, endpoint)
	var doomed []*memStream
	for pair, set := range n.streams {
		if pair[0] == endpoint || pair[1] == endpoint {
			for s := range set {
				doomed = append(doomed, s)
			}
		}
	}
	n.mu.Unlock()
	for _, s := range doomed {
		s.Close()
	}
}

// Cut severs the link between a and b in both directions. Open streams
// between them are closed.
func (n *MemNetwork) Cut(a, b string) {
	n.mu.Lock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
	var doomed []*memStream
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		for s := range n.streams[pair] {
			doomed = append(doomed, s)
		}
	}
	n.mu.Unlock()
	for _, s := range doomed {
		s.Close()
	}
}

// Restore heals a link severed by Cut.
func (n *MemNetwork) Restore(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]string{a, b})
	delete(n.cut, [2]string{b, a})
}

// Client returns a Client whose requests originate from endpoint from.
func (n *MemNetwork) Client(from string) Client {
	return &memClient{net: n, from: from}
}

func (n *MemNetwork) route(from, to string) (*Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cut[[2]string{from, to}] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, from, to)
	}
	e, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: no instance at %s", ErrUnreachable, to)
	}
	return e, nil
}

func (n *MemNetwork) severed(from, to string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cut[[2]string{from, to}]
}

func (n *MemNetwork) track(pair [2]string, s *memStream) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.streams[pair]
	if !ok {
		set = make(map[*memStream]struct{})
		n.streams[pair] = set
	}
	set[s] = struct{}{}
}

func (n *MemNetwork) untrack(pair [2]string, s *memStream) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.streams[pair], s)
}

type memClient struct {
	net  *MemNetwork
	from string
}

// roundTrip copies v through its JSON encoding.
func roundTrip[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// call routes req to the engine at endpoint and returns its response.
func call[Req, Resp any](ctx context.Context, c *memClient, endpoint string, req Req, handle func(*Engine, context.Context, Req) (Resp, error)) (Resp, error) {
	var zero Resp
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	e, err := c.net.route(c.from, endpoint)
	if err != nil {
		return zero, err
	}
	in, err := roundTrip(req)
	if err != nil {
		return zero, err
	}
	resp, err := handle(e, ctx, in)
	if err != nil {
		return zero, err
	}
	// The response travels back over the same link.
	if c.net.severed(endpoint, c.from) {
		return zero, fmt.Errorf("%w: %s -> %s", ErrUnreachable, endpoint, c.from)
	}
	return roundTrip(resp)
}

func (c *memClient) Register(ctx context.Context, endpoint string, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	return call(ctx, c, endpoint, req, (*Engine).HandleRegister)
}

func (c *memClient) PushEvents(ctx context.Context, endpoint string, req wire.PushRequest) (wire.PushResponse, error) {
	return call(ctx, c, endpoint, req, (*Engine).HandlePush)
}

func (c *memClient) PullEvents(ctx context.Context, endpoint string, req wire.PullRequest) (wire.PullResponse, error) {
	return call(ctx, c, endpoint, req, (*Engine).HandlePull)
}

func (c *memClient) GetIdentity(ctx context.Context, endpoint string) (wire.IdentityResponse, error) {
	return call(ctx, c, endpoint, struct{}{}, func(e *Engine, ctx context.Context, _ struct{}) (wire.IdentityResponse, error) {
		return e.Identity(ctx)
	})
}

func (c *memClient) StreamEvents(ctx context.Context, endpoint string, sinceSeq int64) (wire.EventStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := c.net.route(c.from, endpoint)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &memStream{
		frames: make(chan wire.StreamMessage, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	pair := [2]string{c.from, endpoint}
	c.net.track(pair, s)

	go func() {
		defer c.net.untrack(pair, s)
		defer s.Close()
		_ = e.ServeStream(sctx, sinceSeq, s)
	}()
	return s, nil
}

// memStream is both ends of an in-process stream: the serving engine
// Sends into it and the client Recvs from it.
type memStream struct {
	frames chan wire.StreamMessage
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

// Send implements StreamSink.
func (s *memStream) Send(msg wire.StreamMessage) error {
	msg, err := roundTrip(msg)
	if err != nil {
		return err
	}
	select {
	case s.frames <- msg:
		return nil
	case <-s.done:
		return wire.ErrStreamClosed
	}
}

// Recv implements wire.EventStream. Frames already buffered when the
// stream closes are dropped.
func (s *memStream) Recv() (wire.StreamMessage, error) {
	select {
	case <-s.done:
		return wire.StreamMessage{}, wire.ErrStreamClosed
	default:
	}
	select {
	case msg := <-s.frames:
		return msg, nil
	case <-s.done:
		return wire.StreamMessage{}, wire.ErrStreamClosed
	}
}

// Close implements wire.EventStream.
func (s *memStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}
