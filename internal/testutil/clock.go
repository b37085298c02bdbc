package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of FakeWallClock: 2026-01-01T00:00:00Z.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeWallClock is a manually driven wall clock for HLC tests.
//
// Time only moves when Advance or Set is called, so the same test
// produces the same timestamps on every run. Set may move time backward
// to simulate an NTP step.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeWallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeWallClock creates a clock reading start. A zero start means Epoch.
func NewFakeWallClock(start time.Time) *FakeWallClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeWallClock{now: start}
}

// Now returns the current fake time.
//
// Implements hlc.WallClock.
func (c *FakeWallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeWallClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t, forward or backward.
func (c *FakeWallClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
