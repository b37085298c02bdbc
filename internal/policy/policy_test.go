package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fedlog/internal/ir"
)

func TestEvaluateTierOrdering(t *testing.T) {
	tests := []struct {
		name      string
		candidate ir.Tier
		min       ir.Tier
		want      Decision
	}{
		{"device below hardware", ir.TierDeviceBound, ir.TierHardwareAttested, Deny(ReasonInsufficientTier)},
		{"oauth above device", ir.TierOAuthVerified, ir.TierDeviceBound, Allow},
		{"equal tiers", ir.TierHardwareAttested, ir.TierHardwareAttested, Allow},
		{"hardware below oauth", ir.TierHardwareAttested, ir.TierOAuthVerified, Deny(ReasonInsufficientTier)},
		{"unknown never allowed", ir.TierUnknown, ir.TierUnknown, Deny(ReasonInsufficientTier)},
		{"out of range never allowed", ir.Tier(99), ir.TierDeviceBound, Deny(ReasonInsufficientTier)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := TrustPolicy{MinTier: tt.min}
			assert.Equal(t, tt.want, Evaluate(tt.candidate, p, 0))
		})
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	deny := TrustPolicy{MinTier: ir.TierHardwareAttested}
	allow := TrustPolicy{MinTier: ir.TierDeviceBound}

	for i := 0; i < 100; i++ {
		assert.False(t, Evaluate(ir.TierDeviceBound, deny, 0).Allowed)
		assert.True(t, Evaluate(ir.TierOAuthVerified, allow, 0).Allowed)
	}
}

func TestEvaluateMaxPeers(t *testing.T) {
	p := TrustPolicy{MinTier: ir.TierDeviceBound, MaxPeers: 2}

	assert.Equal(t, Allow, Evaluate(ir.TierDeviceBound, p, 1))
	assert.Equal(t, Deny(ReasonMaxPeersExceeded), Evaluate(ir.TierDeviceBound, p, 2))

	unbounded := TrustPolicy{MinTier: ir.TierDeviceBound}
	assert.Equal(t, Allow, Evaluate(ir.TierDeviceBound, unbounded, 10_000))
}

func TestEvaluateTierCheckedBeforeCapacity(t *testing.T) {
	p := TrustPolicy{MinTier: ir.TierOAuthVerified, MaxPeers: 1}
	assert.Equal(t, Deny(ReasonInsufficientTier), Evaluate(ir.TierDeviceBound, p, 5))
}

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, ir.TierDeviceBound, p.MinTier)
	assert.True(t, p.RequireMutual)
	assert.Equal(t, 10, p.MaxPeers)
	assert.Equal(t, "deny(insufficient_tier)", Deny(ReasonInsufficientTier).String())
}
