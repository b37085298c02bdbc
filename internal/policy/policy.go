// Package policy decides whether a candidate peer may register.
//
// Evaluate is a pure function of its inputs: no clock, no storage, no
// logging. The peer registry supplies the current active peer count.
package policy

import (
	"fmt"

	"github.com/roach88/fedlog/internal/ir"
)

// Reason explains a denial.
type Reason string

const (
	// ReasonInsufficientTier means the candidate's tier is below MinTier.
	ReasonInsufficientTier Reason = "insufficient_tier"

	// ReasonMaxPeersExceeded means accepting would exceed MaxPeers.
	ReasonMaxPeersExceeded Reason = "max_peers_exceeded"
)

// TrustPolicy is an instance's admission configuration.
type TrustPolicy struct {
	// MinTier is the lowest tier accepted.
	MinTier ir.Tier `json:"min_auth_tier" toml:"min_auth_tier"`

	// RequireMutual holds new inbound peers as pending until this
	// instance has registered itself with them.
	RequireMutual bool `json:"require_mutual" toml:"require_mutual"`

	// MaxPeers caps active plus pending peers. 0 means unbounded.
	MaxPeers int `json:"max_peers" toml:"max_peers"`
}

// Default returns the policy used when none is configured.
func Default() TrustPolicy {
	return TrustPolicy{
		MinTier:       ir.TierDeviceBound,
		RequireMutual: true,
		MaxPeers:      10,
	}
}

// Bounded reports whether MaxPeers applies.
func (p TrustPolicy) Bounded() bool {
	return p.MaxPeers > 0
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow is the allowing decision.
var Allow = Decision{Allowed: true}

// Deny returns a denying decision.
func Deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return fmt.Sprintf("deny(%s)", d.Reason)
}

// Evaluate decides whether a candidate with tier may join an instance
// that currently has peerCount registered peers.
//
// The tier check runs first, so a low-tier candidate is reported as
// insufficient_tier even when the instance is also full. An unknown or
// out-of-range tier never satisfies any policy.
func Evaluate(candidate ir.Tier, p TrustPolicy, peerCount int) Decision {
	if !candidate.Valid() || candidate < p.MinTier {
		return Deny(ReasonInsufficientTier)
	}
	if p.Bounded() && peerCount+1 > p.MaxPeers {
		return Deny(ReasonMaxPeersExceeded)
	}
	return Allow
}
