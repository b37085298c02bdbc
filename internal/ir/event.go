package ir

import "fmt"

// Event is the atomic unit of the federated log.
//
// ID, Payload, HLC, Origin and Signature travel unchanged between
// instances. LocalSeq is assigned by whichever log stores the event and
// is not covered by the signature; on the wire it carries the sender's
// own sequence number.
type Event struct {
	ID        string    `json:"event_id"`
	Payload   Payload   `json:"payload"`
	HLC       Timestamp `json:"hlc_timestamp"`
	Origin    PublicKey `json:"origin_pubkey"`
	Signature Signature `json:"signature"`
	LocalSeq  int64     `json:"local_seq,omitempty"`
}

// CanonicalEventBytes returns the bytes that are hashed and signed for
// (payload, hlc_timestamp, origin_pubkey).
func CanonicalEventBytes(p Payload, ts Timestamp, origin PublicKey) ([]byte, error) {
	obj := IRObject{
		"payload":       p.canonical(),
		"hlc_timestamp": ts.canonical(),
		"origin_pubkey": IRString(origin.Hex()),
	}
	b, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical event: %w", err)
	}
	return b, nil
}

// CanonicalBytes is CanonicalEventBytes for e.
func (e Event) CanonicalBytes() ([]byte, error) {
	return CanonicalEventBytes(e.Payload, e.HLC, e.Origin)
}

// ComputeID recomputes the content hash from e's signed fields,
// ignoring e.ID.
func (e Event) ComputeID() (string, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return EventIDFromCanonical(b), nil
}

// ShortID returns the first 12 hex characters of the event ID, for logs.
func (e Event) ShortID() string {
	if len(e.ID) < 12 {
		return e.ID
	}
	return e.ID[:12]
}
