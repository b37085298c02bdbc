package ir

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// PublicKeySize is the length of an Ed25519 public key.
const PublicKeySize = 32

// PublicKey is an instance's Ed25519 public key. It is the instance's
// identity everywhere in fedlog: peer table key, event origin, node id.
type PublicKey [PublicKeySize]byte

// ParsePublicKey decodes a 64-character hex public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("parse public key: %w", err)
	}
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("parse public key: expected %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// Hex returns the lowercase hex encoding.
func (pk PublicKey) Hex() string {
	return hex.EncodeToString(pk[:])
}

// String implements fmt.Stringer.
func (pk PublicKey) String() string {
	return pk.Hex()
}

// Short returns the first 8 hex characters, for logs.
func (pk PublicKey) Short() string {
	return pk.Hex()[:8]
}

// IsZero reports whether pk is the zero key.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// NodeID derives the HLC tie-breaker from the first 8 key bytes,
// read little-endian.
func (pk PublicKey) NodeID() NodeID {
	return NodeID(binary.LittleEndian.Uint64(pk[:8]))
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Signature is a detached Ed25519 signature. It is kept as a byte slice
// so that malformed lengths received from peers are representable and
// simply fail verification.
type Signature []byte

// Hex returns the lowercase hex encoding.
func (s Signature) Hex() string {
	return hex.EncodeToString(s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	*s = b
	return nil
}

// NodeID is the 64-bit node identifier carried in HLC timestamps.
// It is encoded as 16 hex characters so JSON readers never see an
// integer above 2^53.
type NodeID uint64

// String returns the zero-padded hex form.
func (n NodeID) String() string {
	return fmt.Sprintf("%016x", uint64(n))
}

// ParseNodeID decodes the 16-character hex form.
func ParseNodeID(s string) (NodeID, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("parse node id: expected 16 hex characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse node id: %w", err)
	}
	return NodeID(v), nil
}

// MarshalText implements encoding.TextMarshaler.
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NodeID) UnmarshalText(text []byte) error {
	v, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = v
	return nil
}
