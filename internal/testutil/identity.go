package testutil

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/roach88/fedlog/internal/identity"
)

// NamedIdentity derives a deterministic identity from name.
//
// The same name always yields the same keypair, so scenarios and golden
// files can refer to instances by name instead of by random keys.
func NamedIdentity(name string) *identity.Identity {
	seed := sha256.Sum256([]byte("fedlog-test-identity:" + name))
	id, err := identity.FromSeed(seed[:])
	if err != nil {
		panic(fmt.Sprintf("testutil: derive identity %q: %v", name, err))
	}
	return id
}

// SequenceNonces generates "<prefix>-1", "<prefix>-2", ...
//
// Registration challenges must be unique per request; this generator
// keeps them unique while staying reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceNonces struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceNonces creates a generator. An empty prefix means "nonce".
func NewSequenceNonces(prefix string) *SequenceNonces {
	if prefix == "" {
		prefix = "nonce"
	}
	return &SequenceNonces{prefix: prefix}
}

// Nonce returns the next nonce.
//
// Implements syncer.NonceGenerator.
func (g *SequenceNonces) Nonce() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
