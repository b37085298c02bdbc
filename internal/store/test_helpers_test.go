package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/fedlog/internal/ir"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(b byte) ir.PublicKey {
	var pk ir.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

// createTestEvent builds a structurally valid event. It is not signed;
// the store does not verify signatures.
func createTestEvent(origin byte, physical int64, content string) ir.Event {
	pk := testKey(origin)
	ev := ir.Event{
		Payload:   ir.NewPayload(ir.Message{Channel: "general", Author: "a", Content: content}),
		HLC:       ir.Timestamp{PhysicalUS: physical, Node: pk.NodeID()},
		Origin:    pk,
		Signature: make(ir.Signature, 64),
	}
	id, err := ev.ComputeID()
	if err != nil {
		panic(err)
	}
	ev.ID = id
	return ev
}

func createTestPeer(b byte, status ir.PeerStatus) ir.Peer {
	return ir.Peer{
		PublicKey:    testKey(b),
		DisplayName:  "peer",
		Endpoint:     "http://peer.example:7070",
		Status:       status,
		Tier:         ir.TierDeviceBound,
		RegisteredAt: time.UnixMicro(1_767_225_600_000_000 + int64(b)).UTC(),
	}
}
