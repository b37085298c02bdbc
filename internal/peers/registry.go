// Package peers is the peer registry: who this instance syncs with, at
// what trust tier, and how far it has read each peer's log.
package peers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/policy"
	"github.com/roach88/fedlog/internal/store"
)

// ErrNotFound is returned for operations on an unknown peer.
var ErrNotFound = store.ErrNotFound

// Reason explains a rejected registration.
type Reason string

const (
	// ReasonInsufficientTier: the claimed tier is below min_auth_tier.
	ReasonInsufficientTier = Reason(policy.ReasonInsufficientTier)
	// ReasonMaxPeersExceeded: admitting the peer would exceed max_peers.
	ReasonMaxPeersExceeded = Reason(policy.ReasonMaxPeersExceeded)
	// ReasonAlreadyRegistered: the peer is already active here.
	ReasonAlreadyRegistered Reason = "already_registered"
)

// Candidate describes an instance asking to register, or one that has
// accepted our registration.
type Candidate struct {
	PublicKey   ir.PublicKey
	DisplayName string
	Endpoint    string
	Tier        ir.Tier

	// Pending is set on Confirm when the peer accepted us as pending and
	// will register back with us.
	Pending bool
}

// RegisterResult is the outcome of Register or Confirm. Rejections are
// values, not errors.
type RegisterResult struct {
	Accepted bool
	Reason   Reason
	Peer     ir.Peer

	// Pending is set when the peer was accepted but waits for us to
	// register ourselves with it.
	Pending bool

	// Completed is set when an inbound registration finished a
	// handshake that we started.
	Completed bool
}

func rejected(reason Reason) RegisterResult {
	return RegisterResult{Reason: reason}
}

// PeerStore is the persistence the registry needs. *store.Store
// implements it.
type PeerStore interface {
	InsertPeer(ctx context.Context, p ir.Peer) (bool, error)
	UpdatePeer(ctx context.Context, p ir.Peer) error
	AdvanceCursor(ctx context.Context, key ir.PublicKey, seq int64) (bool, error)
	TouchPeer(ctx context.Context, key ir.PublicKey, t time.Time) error
	DeletePeer(ctx context.Context, key ir.PublicKey) error
	GetPeer(ctx context.Context, key ir.PublicKey) (ir.Peer, error)
	ListPeers(ctx context.Context) ([]ir.Peer, error)
	CountPeers(ctx context.Context, status ir.PeerStatus) (int, error)
}

// Registry manages peer records.
//
// Thread-safety: reads go straight to the store; all writes are
// serialized by one mutex so that the gate's peer count and the insert
// it admits are atomic.
type Registry struct {
	mu     sync.Mutex
	store  PeerStore
	logger *slog.Logger
	now    func() time.Time

	policyMu sync.RWMutex
	policy   policy.TrustPolicy
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithNow replaces time.Now for registration and expiry timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry over st enforcing p.
func New(st PeerStore, p policy.TrustPolicy, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		policy: p,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the policy currently enforced.
func (r *Registry) Policy() policy.TrustPolicy {
	r.policyMu.RLock()
	defer r.policyMu.RUnlock()
	return r.policy
}

// SetPolicy replaces the enforced policy. Existing peers are not
// re-evaluated; the new policy applies to the next registration.
func (r *Registry) SetPolicy(p policy.TrustPolicy) {
	r.policyMu.Lock()
	r.policy = p
	r.policyMu.Unlock()
	r.logger.Info("trust policy updated",
		"min_auth_tier", p.MinTier.String(),
		"require_mutual", p.RequireMutual,
		"max_peers", p.MaxPeers,
	)
}

// Register handles an inbound registration from c.
//
// If we registered ourselves with c and are waiting for it to register
// back, the call completes that handshake and the peer becomes active.
// Otherwise the gate decides: an admitted peer is stored active, or
// pending when the policy requires mutual registration. A pending peer
// registering again is answered pending again; an active peer
// registering again is AlreadyRegistered and its record is unchanged.
func (r *Registry) Register(ctx context.Context, c Candidate) (RegisterResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found, err := r.lookup(ctx, c.PublicKey)
	if err != nil {
		return RegisterResult{}, err
	}

	pol := r.Policy()
	if found {
		switch {
		case existing.Active():
			return rejected(ReasonAlreadyRegistered), nil
		case !existing.InitiatedByUs:
			return RegisterResult{Accepted: true, Peer: existing, Pending: true}, nil
		}
		if res, ok, err := r.regate(ctx, existing, c, pol); err != nil || !ok {
			return res, err
		}
		p := refresh(existing, c)
		p.Status = ir.PeerActive
		p.LastSeenAt = r.now()
		if err := r.store.UpdatePeer(ctx, p); err != nil {
			return RegisterResult{}, fmt.Errorf("register peer: %w", err)
		}
		r.logger.Info("peer handshake completed", "peer", c.PublicKey.Short(), "endpoint", c.Endpoint)
		return RegisterResult{Accepted: true, Peer: p, Completed: true}, nil
	}

	if res, ok, err := r.gate(ctx, c, pol); err != nil || !ok {
		return res, err
	}

	now := r.now()
	p := ir.Peer{
		PublicKey:    c.PublicKey,
		DisplayName:  c.DisplayName,
		Endpoint:     c.Endpoint,
		Status:       ir.PeerActive,
		Tier:         c.Tier,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	if pol.RequireMutual {
		p.Status = ir.PeerPending
	}
	if _, err := r.store.InsertPeer(ctx, p); err != nil {
		return RegisterResult{}, fmt.Errorf("register peer: %w", err)
	}

	r.logger.Info("peer registered",
		"peer", c.PublicKey.Short(),
		"endpoint", c.Endpoint,
		"tier", c.Tier.String(),
		"status", string(p.Status),
	)
	return RegisterResult{Accepted: true, Peer: p, Pending: !p.Active()}, nil
}

// Confirm records that c accepted our registration with it.
//
// A peer that registered with us first becomes active. An unknown peer
// is gated and stored active, or pending with InitiatedByUs set when
// c.Pending says it will register back; its inbound registration then
// completes the handshake. A tier that differs from the stored one is
// gated again.
func (r *Registry) Confirm(ctx context.Context, c Candidate) (RegisterResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found, err := r.lookup(ctx, c.PublicKey)
	if err != nil {
		return RegisterResult{}, err
	}

	pol := r.Policy()
	now := r.now()
	if found {
		if res, ok, err := r.regate(ctx, existing, c, pol); err != nil || !ok {
			return res, err
		}
		p := refresh(existing, c)
		if existing.Active() || !existing.InitiatedByUs || !c.Pending {
			p.Status = ir.PeerActive
		}
		p.InitiatedByUs = true
		p.LastSeenAt = now
		if err := r.store.UpdatePeer(ctx, p); err != nil {
			return RegisterResult{}, fmt.Errorf("confirm peer: %w", err)
		}
		if !existing.Active() && p.Active() {
			r.logger.Info("peer activated", "peer", c.PublicKey.Short(), "endpoint", c.Endpoint)
		}
		return RegisterResult{Accepted: true, Peer: p, Pending: !p.Active()}, nil
	}

	if res, ok, err := r.gate(ctx, c, pol); err != nil || !ok {
		return res, err
	}

	p := ir.Peer{
		PublicKey:     c.PublicKey,
		DisplayName:   c.DisplayName,
		Endpoint:      c.Endpoint,
		Status:        ir.PeerActive,
		Tier:          c.Tier,
		RegisteredAt:  now,
		LastSeenAt:    now,
		InitiatedByUs: true,
	}
	if c.Pending {
		p.Status = ir.PeerPending
	}
	if _, err := r.store.InsertPeer(ctx, p); err != nil {
		return RegisterResult{}, fmt.Errorf("confirm peer: %w", err)
	}
	r.logger.Info("peer added",
		"peer", c.PublicKey.Short(),
		"endpoint", c.Endpoint,
		"tier", c.Tier.String(),
		"status", string(p.Status),
	)
	return RegisterResult{Accepted: true, Peer: p, Pending: !p.Active()}, nil
}

// UpdateCursor raises the peer's last_known_seq. A lower or equal value
// is a no-op; advanced reports whether the cursor moved.
func (r *Registry) UpdateCursor(ctx context.Context, key ir.PublicKey, seq int64) (advanced bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	advanced, err = r.store.AdvanceCursor(ctx, key, seq)
	if err != nil {
		return false, fmt.Errorf("update cursor: %w", err)
	}
	return advanced, nil
}

// Touch records successful contact with the peer.
func (r *Registry) Touch(ctx context.Context, key ir.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.TouchPeer(ctx, key, r.now())
}

// Remove deletes the peer immediately. The peer is not notified.
func (r *Registry) Remove(ctx context.Context, key ir.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.DeletePeer(ctx, key); err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	r.logger.Info("peer removed", "peer", key.Short())
	return nil
}

// ExpirePending removes pending peers registered more than ttl ago and
// returns them.
func (r *Registry) ExpirePending(ctx context.Context, ttl time.Duration) ([]ir.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.store.ListPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}

	cutoff := r.now().Add(-ttl)
	expired := []ir.Peer{}
	for _, p := range all {
		if p.Status != ir.PeerPending || !p.RegisteredAt.Before(cutoff) {
			continue
		}
		if err := r.store.DeletePeer(ctx, p.PublicKey); err != nil {
			return expired, fmt.Errorf("expire pending: %w", err)
		}
		r.logger.Info("pending peer expired", "peer", p.PublicKey.Short())
		expired = append(expired, p)
	}
	return expired, nil
}

// Get returns the peer record for key.
func (r *Registry) Get(ctx context.Context, key ir.PublicKey) (ir.Peer, error) {
	return r.store.GetPeer(ctx, key)
}

// List returns all peers, pending included.
func (r *Registry) List(ctx context.Context) ([]ir.Peer, error) {
	return r.store.ListPeers(ctx)
}

// Active returns the peers that participate in sync.
func (r *Registry) Active(ctx context.Context) ([]ir.Peer, error) {
	all, err := r.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]ir.Peer, 0, len(all))
	for _, p := range all {
		if p.Active() {
			active = append(active, p)
		}
	}
	return active, nil
}

// IsActive reports whether key is an active peer.
func (r *Registry) IsActive(ctx context.Context, key ir.PublicKey) (bool, error) {
	p, found, err := r.lookup(ctx, key)
	if err != nil || !found {
		return false, err
	}
	return p.Active(), nil
}

// gate runs the policy check. ok is false when the candidate is denied.
// Caller holds mu.
func (r *Registry) gate(ctx context.Context, c Candidate, pol policy.TrustPolicy) (RegisterResult, bool, error) {
	count, err := r.store.CountPeers(ctx, "")
	if err != nil {
		return RegisterResult{}, false, fmt.Errorf("count peers: %w", err)
	}
	decision := policy.Evaluate(c.Tier, pol, count)
	if !decision.Allowed {
		r.logger.Warn("peer registration denied",
			"peer", c.PublicKey.Short(),
			"tier", c.Tier.String(),
			"reason", string(decision.Reason),
		)
		return rejected(Reason(decision.Reason)), false, nil
	}
	return RegisterResult{}, true, nil
}

// regate re-runs the gate for a known peer whose claimed tier changed.
// The peer already holds a slot, so it is not counted against
// max_peers. Caller holds mu.
func (r *Registry) regate(ctx context.Context, existing ir.Peer, c Candidate, pol policy.TrustPolicy) (RegisterResult, bool, error) {
	if !c.Tier.Valid() || c.Tier == existing.Tier {
		return RegisterResult{}, true, nil
	}
	count, err := r.store.CountPeers(ctx, "")
	if err != nil {
		return RegisterResult{}, false, fmt.Errorf("count peers: %w", err)
	}
	decision := policy.Evaluate(c.Tier, pol, count-1)
	if !decision.Allowed {
		r.logger.Warn("peer tier change denied",
			"peer", c.PublicKey.Short(),
			"tier", c.Tier.String(),
			"stored_tier", existing.Tier.String(),
			"reason", string(decision.Reason),
		)
		return rejected(Reason(decision.Reason)), false, nil
	}
	return RegisterResult{}, true, nil
}

func (r *Registry) lookup(ctx context.Context, key ir.PublicKey) (ir.Peer, bool, error) {
	p, err := r.store.GetPeer(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Peer{}, false, nil
	}
	if err != nil {
		return ir.Peer{}, false, fmt.Errorf("lookup peer: %w", err)
	}
	return p, true, nil
}

// refresh copies descriptive fields from a fresh registration.
func refresh(p ir.Peer, c Candidate) ir.Peer {
	if c.Endpoint != "" {
		p.Endpoint = c.Endpoint
	}
	if c.DisplayName != "" {
		p.DisplayName = c.DisplayName
	}
	if c.Tier.Valid() {
		p.Tier = c.Tier
	}
	return p
}
