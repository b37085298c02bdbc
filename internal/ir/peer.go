package ir

import "time"

// PeerStatus is the lifecycle state of a peer record.
type PeerStatus string

const (
	// PeerPending is a peer accepted by our policy that has not yet
	// completed the reciprocal half of a mutual registration.
	PeerPending PeerStatus = "pending"

	// PeerActive is a peer we sync with.
	PeerActive PeerStatus = "active"
)

// Peer is a registered remote instance.
type Peer struct {
	PublicKey   PublicKey  `json:"peer_pubkey"`
	DisplayName string     `json:"display_name,omitempty"`
	Endpoint    string     `json:"endpoint"`
	Status      PeerStatus `json:"status"`
	Tier        Tier       `json:"trust_tier_observed"`

	// LastKnownSeq is the high-water mark of the peer's local_seq values
	// we have pulled or streamed. It only ever grows.
	LastKnownSeq int64 `json:"last_known_seq"`

	RegisteredAt  time.Time `json:"registered_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	InitiatedByUs bool      `json:"initiated_by_us"`
}

// Active reports whether the peer participates in sync.
func (p Peer) Active() bool {
	return p.Status == PeerActive
}
