package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/fedlog/internal/ir"
)

// ErrBadChallenge is returned when a registration response is not signed
// by the key it claims.
var ErrBadChallenge = errors.New("syncer: registration challenge signature invalid")

// ErrUnreachable is returned by in-process clients for a partitioned or
// unknown endpoint.
var ErrUnreachable = errors.New("syncer: peer unreachable")

// TransportError represents a failed network operation against a peer.
//
// Transport errors are never fatal: they mark the peer unreachable in
// status and the next scheduled sync retries.
type TransportError struct {
	// Peer is the remote key, zero when not yet known (registration).
	Peer ir.PublicKey

	// Endpoint is the address that was dialed.
	Endpoint string

	// Op names the operation: register, push, pull, stream, identity.
	Op string

	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Peer.IsZero() {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s %s (peer=%s): %v", e.Op, e.Endpoint, e.Peer.Short(), e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transport failure worth retrying.
// Uses errors.As to handle wrapped errors. Cancellation of the caller's
// own context is not transient.
func IsTransient(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return !errors.Is(te.Err, context.Canceled)
}

func transportErr(peer ir.PublicKey, endpoint, op string, err error) error {
	return &TransportError{Peer: peer, Endpoint: endpoint, Op: op, Err: err}
}
