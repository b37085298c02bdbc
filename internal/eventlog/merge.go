package eventlog

import (
	"errors"

	"github.com/roach88/fedlog/internal/ir"
)

// MergeResult is the outcome of TryMerge.
type MergeResult int

const (
	// Inserted means the event was stored with a new local_seq.
	Inserted MergeResult = iota + 1

	// DuplicateIgnored means the event was already stored.
	DuplicateIgnored

	// RejectedBadSignature covers forged or corrupt events: a signature
	// that does not verify, an event_id that does not match the content,
	// or content that cannot be canonicalized.
	RejectedBadSignature

	// RejectedClockSkew means the event's timestamp is too far ahead of
	// local wall time.
	RejectedClockSkew
)

var mergeResultNames = map[MergeResult]string{
	Inserted:             "inserted",
	DuplicateIgnored:     "duplicate_ignored",
	RejectedBadSignature: "rejected_bad_signature",
	RejectedClockSkew:    "rejected_clock_skew",
}

// String implements fmt.Stringer.
func (r MergeResult) String() string {
	if name, ok := mergeResultNames[r]; ok {
		return name
	}
	return "unknown"
}

// Rejection causes carried in Merge.Cause.
var (
	ErrIDMismatch   = errors.New("event_id does not match content")
	ErrBadSignature = errors.New("signature does not verify")
	ErrMalformed    = errors.New("malformed event")
)

// Merge describes what TryMerge did with one event.
type Merge struct {
	Result MergeResult

	// Event is the candidate; LocalSeq is set when Result is Inserted.
	Event ir.Event

	// Cause explains a rejection. It is one of ErrIDMismatch,
	// ErrBadSignature, ErrMalformed, or wraps hlc.ErrClockSkew.
	Cause error
}

// Rejected reports whether the event was refused.
func (m Merge) Rejected() bool {
	return m.Result == RejectedBadSignature || m.Result == RejectedClockSkew
}
