package ir

import (
	"cmp"
	"fmt"
	"time"
)

// Timestamp is a hybrid logical clock reading.
//
// Ordering is lexicographic on (PhysicalUS, Counter, Node). If B was
// created after its origin observed A, then A.Compare(B) < 0.
type Timestamp struct {
	// PhysicalUS is wall-clock microseconds since the UNIX epoch, never
	// moving backward on the issuing node.
	PhysicalUS int64 `json:"physical_time_us"`

	// Counter orders events that share a physical reading.
	Counter uint32 `json:"logical_counter"`

	// Node breaks ties between instances.
	Node NodeID `json:"node_id"`
}

// Compare returns -1, 0 or +1.
func (t Timestamp) Compare(o Timestamp) int {
	if c := cmp.Compare(t.PhysicalUS, o.PhysicalUS); c != 0 {
		return c
	}
	if c := cmp.Compare(t.Counter, o.Counter); c != 0 {
		return c
	}
	return cmp.Compare(t.Node, o.Node)
}

// Before reports whether t orders strictly before o.
func (t Timestamp) Before(o Timestamp) bool {
	return t.Compare(o) < 0
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t == Timestamp{}
}

// Time returns the physical component as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(t.PhysicalUS).UTC()
}

// String formats t as "<physical_us>:<counter>:<node>".
func (t Timestamp) String() string {
	return fmt.Sprintf("%d:%d:%s", t.PhysicalUS, t.Counter, t.Node)
}

func (t Timestamp) canonical() IRObject {
	return IRObject{
		"physical_time_us": IRInt(t.PhysicalUS),
		"logical_counter":  IRInt(int64(t.Counter)),
		"node_id":          IRString(t.Node.String()),
	}
}
