package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
)

// Config holds the engine's identity metadata and timing.
type Config struct {
	// DisplayName, Endpoint and Tier are what we tell peers about
	// ourselves. Endpoint must be reachable by them.
	DisplayName string
	Endpoint    string
	Tier        ir.Tier

	PullInterval      time.Duration
	PullTimeout       time.Duration
	PullLimit         int
	PushTimeout       time.Duration
	PushAttempts      int
	PushBackoff       time.Duration
	RegisterTimeout   time.Duration
	StreamIdleTimeout time.Duration
	HeartbeatInterval time.Duration
	StreamRetry       time.Duration
	PendingTTL        time.Duration

	// Stream enables one outbound stream per active peer.
	Stream bool

	// Relay forwards events merged from a push to the other active
	// peers.
	Relay bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Tier:              ir.TierDeviceBound,
		PullInterval:      30 * time.Second,
		PullTimeout:       10 * time.Second,
		PullLimit:         100,
		PushTimeout:       5 * time.Second,
		PushAttempts:      3,
		PushBackoff:       500 * time.Millisecond,
		RegisterTimeout:   10 * time.Second,
		StreamIdleTimeout: 45 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		StreamRetry:       5 * time.Second,
		PendingTTL:        10 * time.Minute,
		Stream:            true,
	}
}

// Engine drives sync for one instance.
type Engine struct {
	log      *eventlog.Log
	registry *peers.Registry
	self     Identity
	client   Client
	cfg      Config
	logger   *slog.Logger
	nonces   NonceGenerator
	now      func() time.Time
	health   *healthTable

	bg sync.WaitGroup // background handshakes, pushes, streams

	mu       sync.Mutex
	inflight map[string]int // running outbound registrations per endpoint
	streams  map[ir.PublicKey]*streamHandle
	outboxes map[ir.PublicKey]*outbox
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithNonces replaces the random nonce generator.
func WithNonces(g NonceGenerator) Option {
	return func(e *Engine) {
		e.nonces = g
	}
}

// WithNow replaces time.Now for health timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine. Run starts the background sync; the handler
// methods may be used without it.
func New(log *eventlog.Log, registry *peers.Registry, self Identity, client Client, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		log:      log,
		registry: registry,
		self:     self,
		client:   client,
		cfg:      cfg,
		logger:   slog.Default(),
		nonces:   UUIDNonces{},
		now:      time.Now,
		inflight: make(map[string]int),
		streams:  make(map[ir.PublicKey]*streamHandle),
		outboxes: make(map[ir.PublicKey]*outbox),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.health = newHealthTable(e.now)
	return e
}

// Log returns the engine's event log.
func (e *Engine) Log() *eventlog.Log {
	return e.log
}

// Registry returns the engine's peer registry.
func (e *Engine) Registry() *peers.Registry {
	return e.registry
}

// Self returns the local public key.
func (e *Engine) Self() ir.PublicKey {
	return e.self.PublicKey()
}

// Quiesce waits for background handshakes, pushes and streams to finish.
// Streams only finish when their context ends.
func (e *Engine) Quiesce() {
	e.bg.Wait()
}

// goBackground runs fn tracked by Quiesce. It returns false once the
// engine is shut down.
func (e *Engine) goBackground(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
	return true
}

// RemovePeer deletes the peer, stops its stream and forgets its health.
func (e *Engine) RemovePeer(ctx context.Context, key ir.PublicKey) error {
	if err := e.registry.Remove(ctx, key); err != nil {
		return err
	}
	e.stopStream(key)
	e.stopOutbox(key)
	e.health.forget(key)
	return nil
}
