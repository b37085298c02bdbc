package peers

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/policy"
	"github.com/roach88/fedlog/internal/store"
	"github.com/roach88/fedlog/internal/testutil"
)

func newTestRegistry(t *testing.T, p policy.TrustPolicy) (*Registry, *testutil.FakeWallClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	wall := testutil.NewFakeWallClock(testutil.Epoch)
	r := New(st, p,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(wall.Now),
	)
	return r, wall
}

func candidate(name string, tier ir.Tier) Candidate {
	return Candidate{
		PublicKey:   testutil.NamedIdentity(name).PublicKey(),
		DisplayName: name,
		Endpoint:    "http://" + name + ".example:7070",
		Tier:        tier,
	}
}

func openPolicy() policy.TrustPolicy {
	return policy.TrustPolicy{MinTier: ir.TierDeviceBound}
}

func TestRegister_AdmitsActiveWithoutMutual(t *testing.T) {
	r, _ := newTestRegistry(t, openPolicy())
	ctx := t.Context()

	res, err := r.Register(ctx, candidate("bob", ir.TierDeviceBound))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Pending)

	p, err := r.Get(ctx, candidate("bob", 0).PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ir.PeerActive, p.Status)
	assert.Equal(t, int64(0), p.LastKnownSeq)
	assert.Equal(t, testutil.Epoch, p.RegisteredAt)
	assert.Equal(t, "bob", p.DisplayName)
}

func TestRegister_RejectionReasons(t *testing.T) {
	t.Run("insufficient tier", func(t *testing.T) {
		r, _ := newTestRegistry(t, policy.TrustPolicy{MinTier: ir.TierHardwareAttested})
		res, err := r.Register(t.Context(), candidate("bob", ir.TierDeviceBound))
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, ReasonInsufficientTier, res.Reason)

		peers, err := r.List(t.Context())
		require.NoError(t, err)
		assert.Empty(t, peers)
	})

	t.Run("max peers exceeded", func(t *testing.T) {
		r, _ := newTestRegistry(t, policy.TrustPolicy{MinTier: ir.TierDeviceBound, MaxPeers: 1})
		_, err := r.Register(t.Context(), candidate("bob", ir.TierDeviceBound))
		require.NoError(t, err)

		res, err := r.Register(t.Context(), candidate("carol", ir.TierOAuthVerified))
		require.NoError(t, err)
		assert.Equal(t, ReasonMaxPeersExceeded, res.Reason)
	})

	t.Run("already registered", func(t *testing.T) {
		r, _ := newTestRegistry(t, openPolicy())
		_, err := r.Register(t.Context(), candidate("bob", ir.TierDeviceBound))
		require.NoError(t, err)

		res, err := r.Register(t.Context(), candidate("bob", ir.TierDeviceBound))
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, ReasonAlreadyRegistered, res.Reason)
	})
}

func TestRegister_MutualTwoPhase(t *testing.T) {
	p := openPolicy()
	p.RequireMutual = true
	r, _ := newTestRegistry(t, p)
	ctx := t.Context()
	bob := candidate("bob", ir.TierDeviceBound)

	res, err := r.Register(ctx, bob)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Pending)

	active, err := r.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "pending peers do not sync")

	// A retried inbound registration while pending is accepted again.
	again, err := r.Register(ctx, bob)
	require.NoError(t, err)
	assert.True(t, again.Accepted)
	assert.True(t, again.Pending)

	// Our own registration with bob succeeded.
	confirmed, err := r.Confirm(ctx, bob)
	require.NoError(t, err)
	assert.True(t, confirmed.Accepted)

	ok, err := r.IsActive(ctx, bob.PublicKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegister_CompletesHandshakeWeStarted(t *testing.T) {
	p := openPolicy()
	p.RequireMutual = true
	r, _ := newTestRegistry(t, p)
	ctx := t.Context()
	bob := candidate("bob", ir.TierDeviceBound)

	// bob accepted us and will register back.
	waiting := bob
	waiting.Pending = true
	res, err := r.Confirm(ctx, waiting)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.True(t, res.Pending)
	assert.True(t, res.Peer.InitiatedByUs)

	active, err := r.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	res, err = r.Register(ctx, bob)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Completed)
	assert.False(t, res.Pending)
	assert.True(t, res.Peer.Active())
}

func TestRegister_ActivePeerIsAlreadyRegistered(t *testing.T) {
	p := openPolicy()
	p.RequireMutual = true
	p.MinTier = ir.TierHardwareAttested

	tests := []struct {
		name  string
		setup func(t *testing.T, r *Registry, c Candidate)
	}{
		{"they registered first", func(t *testing.T, r *Registry, c Candidate) {
			_, err := r.Register(t.Context(), c)
			require.NoError(t, err)
			waiting := c
			waiting.Pending = true
			_, err = r.Confirm(t.Context(), waiting)
			require.NoError(t, err)
		}},
		{"we registered first", func(t *testing.T, r *Registry, c Candidate) {
			waiting := c
			waiting.Pending = true
			_, err := r.Confirm(t.Context(), waiting)
			require.NoError(t, err)
			_, err = r.Register(t.Context(), c)
			require.NoError(t, err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t, p)
			ctx := t.Context()
			bob := candidate("bob", ir.TierHardwareAttested)
			tt.setup(t, r, bob)

			stored, err := r.Get(ctx, bob.PublicKey)
			require.NoError(t, err)
			require.True(t, stored.Active())
			require.True(t, stored.InitiatedByUs)

			res, err := r.Register(ctx, bob)
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, ReasonAlreadyRegistered, res.Reason)

			// A downgraded claim changes nothing.
			res, err = r.Register(ctx, candidate("bob", ir.TierDeviceBound))
			require.NoError(t, err)
			assert.Equal(t, ReasonAlreadyRegistered, res.Reason)

			after, err := r.Get(ctx, bob.PublicKey)
			require.NoError(t, err)
			assert.Equal(t, ir.TierHardwareAttested, after.Tier)
		})
	}
}

func TestRegister_CompletionGatesTierChange(t *testing.T) {
	p := openPolicy()
	p.RequireMutual = true
	p.MinTier = ir.TierHardwareAttested
	r, _ := newTestRegistry(t, p)
	ctx := t.Context()

	waiting := candidate("bob", ir.TierHardwareAttested)
	waiting.Pending = true
	_, err := r.Confirm(ctx, waiting)
	require.NoError(t, err)

	res, err := r.Register(ctx, candidate("bob", ir.TierDeviceBound))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonInsufficientTier, res.Reason)

	stored, err := r.Get(ctx, waiting.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ir.PeerPending, stored.Status)
	assert.Equal(t, ir.TierHardwareAttested, stored.Tier)
}

func TestConfirm_GatesTierChange(t *testing.T) {
	r, _ := newTestRegistry(t, policy.TrustPolicy{MinTier: ir.TierHardwareAttested, MaxPeers: 1})
	ctx := t.Context()

	_, err := r.Confirm(ctx, candidate("bob", ir.TierHardwareAttested))
	require.NoError(t, err)

	res, err := r.Confirm(ctx, candidate("bob", ir.TierDeviceBound))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonInsufficientTier, res.Reason)

	// The same tier again is not counted against max_peers.
	res, err = r.Confirm(ctx, candidate("bob", ir.TierHardwareAttested))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	stored, err := r.Get(ctx, candidate("bob", 0).PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ir.TierHardwareAttested, stored.Tier)
	assert.True(t, stored.Active())
}

func TestConfirm_GatesUnknownPeer(t *testing.T) {
	r, _ := newTestRegistry(t, policy.TrustPolicy{MinTier: ir.TierOAuthVerified})

	res, err := r.Confirm(t.Context(), candidate("bob", ir.TierHardwareAttested))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonInsufficientTier, res.Reason)
}

func TestUpdateCursor_Monotonic(t *testing.T) {
	r, _ := newTestRegistry(t, openPolicy())
	ctx := t.Context()
	bob := candidate("bob", ir.TierDeviceBound)
	_, err := r.Register(ctx, bob)
	require.NoError(t, err)

	for _, seq := range []int64{5, 3, 9, 9, 1} {
		_, err := r.UpdateCursor(ctx, bob.PublicKey, seq)
		require.NoError(t, err)
	}

	p, err := r.Get(ctx, bob.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, int64(9), p.LastKnownSeq)
}

func TestUpdateCursor_ConcurrentWritersNeverRegress(t *testing.T) {
	r, _ := newTestRegistry(t, openPolicy())
	ctx := t.Context()
	bob := candidate("bob", ir.TierDeviceBound)
	_, err := r.Register(ctx, bob)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := r.UpdateCursor(ctx, bob.PublicKey, int64(i*4+w))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	p, err := r.Get(ctx, bob.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, int64(99), p.LastKnownSeq)
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t, openPolicy())
	ctx := t.Context()
	bob := candidate("bob", ir.TierDeviceBound)
	_, err := r.Register(ctx, bob)
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, bob.PublicKey))
	_, err = r.Get(ctx, bob.PublicKey)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Remove(ctx, bob.PublicKey), ErrNotFound)

	// A removed peer may register again.
	res, err := r.Register(ctx, bob)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestExpirePending(t *testing.T) {
	p := openPolicy()
	p.RequireMutual = true
	r, wall := newTestRegistry(t, p)
	ctx := t.Context()

	_, err := r.Register(ctx, candidate("old", ir.TierDeviceBound))
	require.NoError(t, err)
	wall.Advance(10 * time.Minute)
	_, err = r.Register(ctx, candidate("fresh", ir.TierDeviceBound))
	require.NoError(t, err)

	expired, err := r.ExpirePending(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].DisplayName)

	peers, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "fresh", peers[0].DisplayName)
}

func TestSetPolicy_AppliesToNextRegistration(t *testing.T) {
	r, _ := newTestRegistry(t, openPolicy())
	ctx := t.Context()

	_, err := r.Register(ctx, candidate("bob", ir.TierDeviceBound))
	require.NoError(t, err)

	r.SetPolicy(policy.TrustPolicy{MinTier: ir.TierOAuthVerified})
	res, err := r.Register(ctx, candidate("carol", ir.TierDeviceBound))
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientTier, res.Reason)

	// Existing peers are not re-evaluated.
	ok, err := r.IsActive(ctx, candidate("bob", 0).PublicKey)
	require.NoError(t, err)
	assert.True(t, ok)
}
