// Package hlc implements the hybrid logical clock that stamps every
// fedlog event.
package hlc

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/roach88/fedlog/internal/ir"
)

// DefaultMaxDrift bounds how far ahead of local wall time a remote
// timestamp may be before it is rejected.
const DefaultMaxDrift = 60 * time.Second

// ErrClockSkew is returned by Observe and Check for a remote timestamp
// beyond the drift bound.
var ErrClockSkew = errors.New("hlc: remote timestamp exceeds drift bound")

// WallClock supplies physical time. Tests inject a fake.
type WallClock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Clock is a hybrid logical clock for one node.
//
// Every reading it returns is strictly greater than every reading it
// returned or observed before, even when the wall clock steps backward.
//
// Thread-safety: Tick and Observe share one mutex. Callers on the
// append path and the merge path contend for it; neither holds it across
// I/O.
type Clock struct {
	mu       sync.Mutex
	wall     WallClock
	node     ir.NodeID
	maxDrift time.Duration

	last    int64 // physical_time_us of the latest reading
	counter uint32
}

// Option configures a Clock.
type Option func(*Clock)

// WithWallClock replaces the system clock.
func WithWallClock(w WallClock) Option {
	return func(c *Clock) {
		c.wall = w
	}
}

// WithMaxDrift sets the drift bound. Non-positive values keep the default.
func WithMaxDrift(d time.Duration) Option {
	return func(c *Clock) {
		if d > 0 {
			c.maxDrift = d
		}
	}
}

// New creates a clock for node.
func New(node ir.NodeID, opts ...Option) *Clock {
	c := &Clock{
		wall:     systemClock{},
		node:     node,
		maxDrift: DefaultMaxDrift,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Node returns the node id stamped into readings.
func (c *Clock) Node() ir.NodeID {
	return c.node
}

// MaxDrift returns the configured drift bound.
func (c *Clock) MaxDrift() time.Duration {
	return c.maxDrift
}

// Tick returns a new timestamp for a local event.
func (c *Clock) Tick() ir.Timestamp {
	now := c.nowUS()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now > c.last {
		c.last = now
		c.counter = 0
	} else {
		c.increment()
	}
	return c.reading()
}

// Observe merges a remote timestamp so that later local readings
// strictly exceed it. A timestamp beyond the drift bound is rejected
// with ErrClockSkew and leaves the clock unchanged.
func (c *Clock) Observe(remote ir.Timestamp) (ir.Timestamp, error) {
	now := c.nowUS()
	if err := c.check(remote, now); err != nil {
		return ir.Timestamp{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case now > c.last && now > remote.PhysicalUS:
		c.last = now
		c.counter = 0
	case c.last == remote.PhysicalUS:
		c.counter = max(c.counter, remote.Counter)
		c.increment()
	case c.last > remote.PhysicalUS:
		c.increment()
	default:
		c.last = remote.PhysicalUS
		c.counter = remote.Counter
		c.increment()
	}
	return c.reading(), nil
}

// Check applies the drift bound without touching clock state.
func (c *Clock) Check(remote ir.Timestamp) error {
	return c.check(remote, c.nowUS())
}

// Now returns the latest reading without advancing the clock.
func (c *Clock) Now() ir.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reading()
}

// Restore raises the clock to at least ts. Used on startup with the
// highest timestamp in the durable log so a restart never reissues an
// earlier reading.
func (c *Clock) Restore(ts ir.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts.PhysicalUS > c.last || (ts.PhysicalUS == c.last && ts.Counter > c.counter) {
		c.last = ts.PhysicalUS
		c.counter = ts.Counter
	}
}

func (c *Clock) check(remote ir.Timestamp, now int64) error {
	limit := now + c.maxDrift.Microseconds()
	if remote.PhysicalUS > limit {
		return fmt.Errorf("%w: remote %d is %s ahead (limit %s)", ErrClockSkew,
			remote.PhysicalUS, time.Duration(remote.PhysicalUS-now)*time.Microsecond, c.maxDrift)
	}
	return nil
}

// increment bumps the counter, carrying into the physical component on
// overflow. Caller holds mu.
func (c *Clock) increment() {
	if c.counter == math.MaxUint32 {
		c.last++
		c.counter = 0
		return
	}
	c.counter++
}

// reading returns the current state as a timestamp. Caller holds mu.
func (c *Clock) reading() ir.Timestamp {
	return ir.Timestamp{PhysicalUS: c.last, Counter: c.counter, Node: c.node}
}

func (c *Clock) nowUS() int64 {
	return c.wall.Now().UnixMicro()
}
