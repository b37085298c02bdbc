package hlc

import (
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/testutil"
)

func newTestClock(node ir.NodeID) (*Clock, *testutil.FakeWallClock) {
	wall := testutil.NewFakeWallClock(testutil.Epoch)
	return New(node, WithWallClock(wall)), wall
}

func TestTick_AdvancesWithWallClock(t *testing.T) {
	clock, wall := newTestClock(1)

	a := clock.Tick()
	assert.Equal(t, testutil.Epoch.UnixMicro(), a.PhysicalUS)
	assert.Equal(t, uint32(0), a.Counter)
	assert.Equal(t, ir.NodeID(1), a.Node)

	wall.Advance(time.Millisecond)
	b := clock.Tick()
	assert.Equal(t, a.PhysicalUS+1000, b.PhysicalUS)
	assert.Equal(t, uint32(0), b.Counter)
}

func TestTick_StalledClockIncrementsCounter(t *testing.T) {
	clock, _ := newTestClock(1)

	a := clock.Tick()
	b := clock.Tick()
	c := clock.Tick()
	assert.Equal(t, a.PhysicalUS, c.PhysicalUS)
	assert.Equal(t, uint32(2), c.Counter)
	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
}

func TestTick_NeverMovesBackward(t *testing.T) {
	clock, wall := newTestClock(1)

	wall.Advance(time.Second)
	before := clock.Tick()

	wall.Set(testutil.Epoch.Add(-time.Hour))
	after := clock.Tick()

	assert.True(t, before.Before(after))
	assert.Equal(t, before.PhysicalUS, after.PhysicalUS)
}

func TestTick_CounterOverflowCarries(t *testing.T) {
	clock, _ := newTestClock(1)
	start := clock.Tick()
	clock.Restore(ir.Timestamp{PhysicalUS: start.PhysicalUS, Counter: math.MaxUint32})

	next := clock.Tick()
	assert.Equal(t, start.PhysicalUS+1, next.PhysicalUS)
	assert.Equal(t, uint32(0), next.Counter)
}

func TestObserve_ExceedsRemote(t *testing.T) {
	tests := []struct {
		name   string
		remote func(now int64) ir.Timestamp
	}{
		{"remote in past", func(now int64) ir.Timestamp { return ir.Timestamp{PhysicalUS: now - 5000, Counter: 9, Node: 2} }},
		{"remote equal to now", func(now int64) ir.Timestamp { return ir.Timestamp{PhysicalUS: now, Counter: 4, Node: 2} }},
		{"remote slightly ahead", func(now int64) ir.Timestamp { return ir.Timestamp{PhysicalUS: now + 10_000_000, Counter: 7, Node: 2} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock, wall := newTestClock(1)
			now := wall.Now().UnixMicro()
			local := clock.Tick()
			remote := tt.remote(now)

			got, err := clock.Observe(remote)
			require.NoError(t, err)
			assert.True(t, local.Before(got), "observe must exceed prior local reading")
			assert.Equal(t, 1, got.Compare(ir.Timestamp{PhysicalUS: remote.PhysicalUS, Counter: remote.Counter}))

			next := clock.Tick()
			assert.True(t, got.Before(next))
			assert.True(t, remote.PhysicalUS < next.PhysicalUS ||
				(remote.PhysicalUS == next.PhysicalUS && remote.Counter < next.Counter))
		})
	}
}

func TestObserve_AheadRemoteAdoptsCounter(t *testing.T) {
	clock, wall := newTestClock(1)
	remote := ir.Timestamp{PhysicalUS: wall.Now().UnixMicro() + 1_000_000, Counter: 5, Node: 2}

	got, err := clock.Observe(remote)
	require.NoError(t, err)
	assert.Equal(t, remote.PhysicalUS, got.PhysicalUS)
	assert.Equal(t, uint32(6), got.Counter)
	assert.Equal(t, ir.NodeID(1), got.Node)
}

func TestObserve_DriftBound(t *testing.T) {
	clock, wall := newTestClock(1)
	now := wall.Now()
	before := clock.Tick()

	_, err := clock.Observe(ir.Timestamp{PhysicalUS: now.Add(time.Hour).UnixMicro(), Node: 2})
	assert.ErrorIs(t, err, ErrClockSkew)
	assert.Equal(t, before, clock.Now(), "rejected observe must not change state")

	_, err = clock.Observe(ir.Timestamp{PhysicalUS: now.Add(10 * time.Second).UnixMicro(), Node: 2})
	assert.NoError(t, err)
}

func TestObserve_CustomDrift(t *testing.T) {
	wall := testutil.NewFakeWallClock(testutil.Epoch)
	clock := New(1, WithWallClock(wall), WithMaxDrift(5*time.Second))

	err := clock.Check(ir.Timestamp{PhysicalUS: wall.Now().Add(10 * time.Second).UnixMicro()})
	assert.ErrorIs(t, err, ErrClockSkew)
	assert.Equal(t, 5*time.Second, clock.MaxDrift())
}

func TestClock_StrictlyIncreasingUnderConcurrency(t *testing.T) {
	clock, wall := newTestClock(1)
	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	var all []ir.Timestamp
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]ir.Timestamp, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				if i%3 == 0 {
					ts, err := clock.Observe(ir.Timestamp{PhysicalUS: wall.Now().UnixMicro(), Counter: uint32(i), Node: ir.NodeID(w + 10)})
					assert.NoError(t, err)
					local = append(local, ts)
				} else {
					local = append(local, clock.Tick())
				}
				if i%50 == 0 {
					wall.Advance(time.Microsecond)
				}
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })
	for i := 1; i < len(all); i++ {
		require.NotEqual(t, all[i-1], all[i], "duplicate reading at %d", i)
	}
}

func TestRestore_OnlyRaises(t *testing.T) {
	clock, _ := newTestClock(1)
	high := ir.Timestamp{PhysicalUS: testutil.Epoch.Add(time.Minute).UnixMicro(), Counter: 3}

	clock.Restore(high)
	clock.Restore(ir.Timestamp{PhysicalUS: 1})

	next := clock.Tick()
	assert.Equal(t, high.PhysicalUS, next.PhysicalUS)
	assert.Equal(t, uint32(4), next.Counter)
}
