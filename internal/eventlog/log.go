package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fedlog/internal/hlc"
	"github.com/roach88/fedlog/internal/identity"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/store"
)

var (
	// ErrStorage wraps the storage failure that halted the log.
	ErrStorage = errors.New("eventlog: storage failure")

	// ErrHalted is returned by writes after a storage failure.
	ErrHalted = errors.New("eventlog: halted after storage failure")

	// ErrNotFound is returned by Get for an unknown event_id.
	ErrNotFound = store.ErrNotFound
)

// EventStore is the persistence the log needs. *store.Store implements it.
type EventStore interface {
	AppendEvent(ctx context.Context, ev ir.Event, receivedAt time.Time) (int64, bool, error)
	HasEvent(ctx context.Context, id string) (bool, error)
	EventByID(ctx context.Context, id string) (ir.Event, error)
	EventsSince(ctx context.Context, since int64, limit int) ([]ir.Event, error)
	EventsByOrigin(ctx context.Context, origin ir.PublicKey, after ir.Timestamp, limit int) ([]ir.Event, error)
	HeadSeq(ctx context.Context) (int64, error)
	CountEvents(ctx context.Context) (int64, error)
	MaxHLC(ctx context.Context) (ir.Timestamp, error)
}

// Signer signs canonical event bytes. *identity.Identity implements it.
type Signer interface {
	PublicKey() ir.PublicKey
	Sign(msg []byte) ir.Signature
}

// Log is one instance's event log.
type Log struct {
	mu     sync.Mutex // guards dedup, seq assignment, halted
	store  EventStore
	clock  *hlc.Clock
	signer Signer
	logger *slog.Logger
	now    func() time.Time
	halted error

	subMu  sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the log's logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) {
		lg.logger = l
	}
}

// WithNow replaces time.Now for received_at stamps.
func WithNow(now func() time.Time) Option {
	return func(lg *Log) {
		lg.now = now
	}
}

// New opens a log over st. The clock is raised to the highest timestamp
// already stored so a restart never reissues an earlier reading.
func New(ctx context.Context, st EventStore, clock *hlc.Clock, signer Signer, opts ...Option) (*Log, error) {
	l := &Log{
		store:  st,
		clock:  clock,
		signer: signer,
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	maxTS, err := st.MaxHLC(ctx)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	clock.Restore(maxTS)
	return l, nil
}

// Self returns the local instance's public key.
func (l *Log) Self() ir.PublicKey {
	return l.signer.PublicKey()
}

// Clock returns the log's HLC.
func (l *Log) Clock() *hlc.Clock {
	return l.clock
}

// AppendLocal originates an event: tick, sign, hash, store. The
// returned event carries its local_seq. Delivery to peers is not
// implied.
func (l *Log) AppendLocal(ctx context.Context, payload ir.Payload) (ir.Event, error) {
	payload = payload.Normalized()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return ir.Event{}, l.halted
	}

	ev := ir.Event{
		Payload: payload,
		HLC:     l.clock.Tick(),
		Origin:  l.signer.PublicKey(),
	}
	canonical, err := ev.CanonicalBytes()
	if err != nil {
		return ir.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev.ID = ir.EventIDFromCanonical(canonical)
	ev.Signature = l.signer.Sign(canonical)

	seq, _, err := l.store.AppendEvent(ctx, ev, l.now())
	if err != nil {
		return ir.Event{}, l.halt(err)
	}
	ev.LocalSeq = seq
	l.publish(ev)

	l.logger.Debug("event appended",
		"event_id", ev.ShortID(),
		"kind", string(ev.Payload.Kind),
		"local_seq", seq,
	)
	return ev, nil
}

// TryMerge admits a remote event. Rejections and duplicates are
// reported in the Merge; the error is non-nil only when storage failed,
// in which case the log is halted.
func (l *Log) TryMerge(ctx context.Context, candidate ir.Event) (Merge, error) {
	candidate.LocalSeq = 0
	if m, ok := l.verify(candidate); !ok {
		l.logRejected(m)
		return m, nil
	}

	candidate.Payload = candidate.Payload.Normalized()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return Merge{}, l.halted
	}

	has, err := l.store.HasEvent(ctx, candidate.ID)
	if err != nil {
		return Merge{}, l.halt(err)
	}
	if has {
		return Merge{Result: DuplicateIgnored, Event: candidate}, nil
	}

	if _, err := l.clock.Observe(candidate.HLC); err != nil {
		m := Merge{Result: RejectedClockSkew, Event: candidate, Cause: err}
		l.logRejected(m)
		return m, nil
	}

	seq, inserted, err := l.store.AppendEvent(ctx, candidate, l.now())
	if err != nil {
		return Merge{}, l.halt(err)
	}
	if !inserted {
		return Merge{Result: DuplicateIgnored, Event: candidate}, nil
	}
	candidate.LocalSeq = seq
	l.publish(candidate)

	l.logger.Debug("event merged",
		"event_id", candidate.ShortID(),
		"origin", candidate.Origin.Short(),
		"local_seq", seq,
	)
	return Merge{Result: Inserted, Event: candidate}, nil
}

// verify runs the lock-free checks: content hash, node id binding,
// signature.
func (l *Log) verify(ev ir.Event) (Merge, bool) {
	reject := func(cause error) (Merge, bool) {
		return Merge{Result: RejectedBadSignature, Event: ev, Cause: cause}, false
	}

	canonical, err := ev.CanonicalBytes()
	if err != nil {
		return reject(ErrMalformed)
	}
	if ir.EventIDFromCanonical(canonical) != ev.ID {
		return reject(ErrIDMismatch)
	}
	if ev.HLC.Node != ev.Origin.NodeID() {
		return reject(ErrMalformed)
	}
	if !identity.Verify(ev.Origin, canonical, ev.Signature) {
		return reject(ErrBadSignature)
	}
	return Merge{}, true
}

func (l *Log) logRejected(m Merge) {
	l.logger.Warn("event rejected",
		"event_id", m.Event.ShortID(),
		"origin", m.Event.Origin.Short(),
		"reason", m.Result.String(),
		"cause", m.Cause,
	)
}

// halt records a storage failure. Context cancellation is returned as
// is and does not halt the log. Caller holds mu.
func (l *Log) halt(cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	err := fmt.Errorf("%w: %w", ErrStorage, cause)
	l.halted = fmt.Errorf("%w: %w", ErrHalted, cause)
	l.logger.Error("event log halted", "error", cause)
	return err
}

// Err returns the halt cause, or nil while the log is healthy.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// EventsSince returns events with local_seq > seq in local_seq order.
// limit <= 0 means no limit.
func (l *Log) EventsSince(ctx context.Context, seq int64, limit int) ([]ir.Event, error) {
	return l.store.EventsSince(ctx, seq, limit)
}

// Get returns the event with id, or ErrNotFound.
func (l *Log) Get(ctx context.Context, id string) (ir.Event, error) {
	return l.store.EventByID(ctx, id)
}

// Has reports whether an event with id is stored.
func (l *Log) Has(ctx context.Context, id string) (bool, error) {
	return l.store.HasEvent(ctx, id)
}

// Head returns the highest local_seq, 0 for an empty log.
func (l *Log) Head(ctx context.Context) (int64, error) {
	return l.store.HeadSeq(ctx)
}

// Count returns the number of stored events.
func (l *Log) Count(ctx context.Context) (int64, error) {
	return l.store.CountEvents(ctx)
}

// ByOrigin returns origin's events with HLC after the given timestamp,
// in HLC order.
func (l *Log) ByOrigin(ctx context.Context, origin ir.PublicKey, after ir.Timestamp, limit int) ([]ir.Event, error) {
	return l.store.EventsByOrigin(ctx, origin, after, limit)
}

// Close ends all subscriptions. The log itself holds no resources; the
// store is closed by its owner.
func (l *Log) Close() {
	l.subMu.Lock()
	subs := l.subs
	l.subs = make(map[*Subscription]struct{})
	l.closed = true
	l.subMu.Unlock()

	for s := range subs {
		s.q.Close()
	}
}
