package syncer

import (
	"context"
	"errors"

	"github.com/roach88/fedlog/internal/identity"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/wire"
)

// RegisterWith registers this instance with the peer at endpoint and,
// once the peer proves its key, records it as an active peer.
//
// A rejection by the peer is returned as a RegisterResult with its
// reason. The error is non-nil for transport failures, an invalid
// challenge signature, and storage failures.
func (e *Engine) RegisterWith(ctx context.Context, endpoint string) (peers.RegisterResult, error) {
	e.claim(endpoint, false)
	defer e.release(endpoint)
	return e.registerWith(ctx, endpoint)
}

func (e *Engine) registerWith(ctx context.Context, endpoint string) (peers.RegisterResult, error) {
	self := e.self.PublicKey()
	nonce := e.nonces.Nonce()
	req := wire.RegisterRequest{
		PublicKey:   self,
		DisplayName: e.cfg.DisplayName,
		Endpoint:    e.cfg.Endpoint,
		ClaimedTier: e.cfg.Tier,
		Nonce:       nonce,
		Signature:   e.self.Sign(ir.ChallengeMessage(nonce, self)),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout(e.cfg.RegisterTimeout, DefaultConfig().RegisterTimeout))
	defer cancel()

	resp, err := e.client.Register(ctx, endpoint, req)
	if err != nil {
		return peers.RegisterResult{}, transportErr(ir.PublicKey{}, endpoint, "register", err)
	}
	if !resp.Accepted {
		if resp.Reason == string(peers.ReasonAlreadyRegistered) && proves(resp, nonce, self) {
			if res, ok, err := e.finishPending(ctx, endpoint, resp); ok || err != nil {
				return res, err
			}
		}
		if !resp.PeerPubkey.IsZero() {
			e.health.rejected(resp.PeerPubkey, 1)
		}
		e.logger.Info("registration rejected by peer", "endpoint", endpoint, "reason", resp.Reason)
		return peers.RegisterResult{Reason: peers.Reason(resp.Reason)}, nil
	}

	if !proves(resp, nonce, self) {
		e.logger.Warn("registration response failed challenge", "endpoint", endpoint, "peer", resp.PeerPubkey.Short())
		return peers.RegisterResult{}, ErrBadChallenge
	}
	return e.confirm(ctx, endpoint, resp, resp.Pending)
}

// finishPending handles an already_registered answer from a peer we
// still hold as pending: the peer holds us active, so our half is done.
// ok is false when there is no pending record to finish.
func (e *Engine) finishPending(ctx context.Context, endpoint string, resp wire.RegisterResponse) (peers.RegisterResult, bool, error) {
	p, err := e.registry.Get(ctx, resp.PeerPubkey)
	if errors.Is(err, peers.ErrNotFound) {
		return peers.RegisterResult{}, false, nil
	}
	if err != nil {
		return peers.RegisterResult{}, false, err
	}
	if p.Active() {
		return peers.RegisterResult{}, false, nil
	}
	res, err := e.confirm(ctx, endpoint, resp, false)
	return res, true, err
}

func (e *Engine) confirm(ctx context.Context, endpoint string, resp wire.RegisterResponse, pending bool) (peers.RegisterResult, error) {
	// The dialed endpoint is authoritative: it is the one that answered.
	res, err := e.registry.Confirm(ctx, peers.Candidate{
		PublicKey:   resp.PeerPubkey,
		DisplayName: resp.PeerDisplayName,
		Endpoint:    endpoint,
		Tier:        resp.PeerTier,
		Pending:     pending,
	})
	if err != nil {
		return peers.RegisterResult{}, err
	}
	if res.Accepted {
		e.health.success(resp.PeerPubkey, -1)
	}
	return res, nil
}

// proves reports whether resp carries the responder's signature over
// our nonce.
func proves(resp wire.RegisterResponse, nonce string, self ir.PublicKey) bool {
	return !resp.PeerPubkey.IsZero() && resp.PeerPubkey != self &&
		identity.Verify(resp.PeerPubkey, ir.ChallengeMessage(nonce, resp.PeerPubkey), resp.Signature)
}

// claim marks an outbound registration with endpoint as running. With
// exclusive set it fails when one already is.
func (e *Engine) claim(endpoint string, exclusive bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exclusive && e.inflight[endpoint] > 0 {
		return false
	}
	e.inflight[endpoint]++
	return true
}

func (e *Engine) release(endpoint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[endpoint]--; e.inflight[endpoint] <= 0 {
		delete(e.inflight, endpoint)
	}
}
