package syncer

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/wire"
)

// Client calls the peer-facing operations of a remote instance.
// internal/transport implements it over HTTP; MemNetwork in process.
type Client interface {
	Register(ctx context.Context, endpoint string, req wire.RegisterRequest) (wire.RegisterResponse, error)
	PushEvents(ctx context.Context, endpoint string, req wire.PushRequest) (wire.PushResponse, error)
	PullEvents(ctx context.Context, endpoint string, req wire.PullRequest) (wire.PullResponse, error)
	StreamEvents(ctx context.Context, endpoint string, sinceSeq int64) (wire.EventStream, error)
	GetIdentity(ctx context.Context, endpoint string) (wire.IdentityResponse, error)
}

// Identity is the local keypair as the engine needs it.
// *identity.Identity implements it.
type Identity interface {
	PublicKey() ir.PublicKey
	Sign(msg []byte) ir.Signature
	Fingerprint() string
}

// NonceGenerator produces registration challenge nonces.
// Nonces must not repeat.
type NonceGenerator interface {
	Nonce() string
}

// UUIDNonces generates random UUIDv4 nonces.
type UUIDNonces struct{}

// Nonce implements NonceGenerator.
func (UUIDNonces) Nonce() string {
	return uuid.NewString()
}
