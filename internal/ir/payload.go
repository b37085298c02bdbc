package ir

import (
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Kind tags the payload variant.
type Kind string

// Payload kinds understood by this build. Anything else decodes to Unknown.
const (
	KindMessage      Kind = "message"
	KindPresence     Kind = "presence"
	KindTaskDelta    Kind = "task_delta"
	KindRegistration Kind = "registration"
)

// ErrPayloadShape is returned by Decode when a known kind is missing a
// required field or carries the wrong type.
var ErrPayloadShape = errors.New("payload does not match its kind")

// Payload is the application data of an event.
//
// Body is kept exactly as signed so that payloads from newer versions,
// or kinds this build does not know, still hash and verify. Typed access
// goes through Decode.
type Payload struct {
	Kind    Kind     `json:"kind"`
	Version int64    `json:"version"`
	Body    IRObject `json:"body"`
}

// Variant is the closed set of typed payloads. Implemented by Message,
// Presence, TaskDelta, Registration and Unknown.
type Variant interface {
	Kind() Kind
	body() IRObject
}

// Message is a chat message or broadcast.
type Message struct {
	Channel string
	Author  string
	Content string
}

// Presence announces a participant's state.
type Presence struct {
	Who    string
	Status string
}

// TaskDelta is a change to a shared task.
type TaskDelta struct {
	TaskID string
	Op     string
	Fields IRObject
}

// Registration records that an instance joined the federation.
type Registration struct {
	PeerKey  PublicKey
	Endpoint string
	Tier     Tier
}

// Unknown preserves a payload whose kind or version this build does not
// understand.
type Unknown struct {
	Tag     Kind
	Version int64
	Body    IRObject
}

func (Message) Kind() Kind      { return KindMessage }
func (Presence) Kind() Kind     { return KindPresence }
func (TaskDelta) Kind() Kind    { return KindTaskDelta }
func (Registration) Kind() Kind { return KindRegistration }
func (u Unknown) Kind() Kind    { return u.Tag }

func (m Message) body() IRObject {
	return IRObject{
		"channel": IRString(m.Channel),
		"author":  IRString(m.Author),
		"content": IRString(m.Content),
	}
}

func (p Presence) body() IRObject {
	return IRObject{
		"who":    IRString(p.Who),
		"status": IRString(p.Status),
	}
}

func (d TaskDelta) body() IRObject {
	fields := d.Fields
	if fields == nil {
		fields = IRObject{}
	}
	return IRObject{
		"task_id": IRString(d.TaskID),
		"op":      IRString(d.Op),
		"fields":  fields,
	}
}

func (r Registration) body() IRObject {
	return IRObject{
		"peer_pubkey": IRString(r.PeerKey.Hex()),
		"endpoint":    IRString(r.Endpoint),
		"tier":        IRString(r.Tier.String()),
	}
}

func (u Unknown) body() IRObject {
	if u.Body == nil {
		return IRObject{}
	}
	return u.Body
}

// NewPayload wraps a variant. Known variants get the current version;
// Unknown keeps its own.
func NewPayload(v Variant) Payload {
	version := int64(PayloadVersion)
	if u, ok := v.(Unknown); ok {
		version = u.Version
	}
	return Payload{Kind: v.Kind(), Version: version, Body: v.body()}
}

// Decode returns the typed variant. Payloads of unknown kinds, or of a
// version newer than PayloadVersion, decode to Unknown without error.
func (p Payload) Decode() (Variant, error) {
	if p.Version > PayloadVersion {
		return p.unknown(), nil
	}
	switch p.Kind {
	case KindMessage:
		var m Message
		err := p.strings(map[string]*string{"channel": &m.Channel, "author": &m.Author, "content": &m.Content})
		return m, err
	case KindPresence:
		var pr Presence
		err := p.strings(map[string]*string{"who": &pr.Who, "status": &pr.Status})
		return pr, err
	case KindTaskDelta:
		var d TaskDelta
		if err := p.strings(map[string]*string{"task_id": &d.TaskID, "op": &d.Op}); err != nil {
			return d, err
		}
		fields, ok := p.Body["fields"].(IRObject)
		if !ok {
			return d, fmt.Errorf("%w: %s.fields must be an object", ErrPayloadShape, p.Kind)
		}
		d.Fields = fields
		return d, nil
	case KindRegistration:
		var r Registration
		var key, tier string
		if err := p.strings(map[string]*string{"peer_pubkey": &key, "endpoint": &r.Endpoint, "tier": &tier}); err != nil {
			return r, err
		}
		pk, err := ParsePublicKey(key)
		if err != nil {
			return r, fmt.Errorf("%w: %v", ErrPayloadShape, err)
		}
		t, err := ParseTier(tier)
		if err != nil {
			return r, fmt.Errorf("%w: %v", ErrPayloadShape, err)
		}
		r.PeerKey, r.Tier = pk, t
		return r, nil
	default:
		return p.unknown(), nil
	}
}

func (p Payload) unknown() Unknown {
	return Unknown{Tag: p.Kind, Version: p.Version, Body: p.Body}
}

func (p Payload) strings(dst map[string]*string) error {
	for key, ptr := range dst {
		s, ok := p.Body.GetString(key)
		if !ok {
			return fmt.Errorf("%w: %s.%s must be a string", ErrPayloadShape, p.Kind, key)
		}
		*ptr = s
	}
	return nil
}

func (p Payload) canonical() IRObject {
	body := p.Body
	if body == nil {
		body = IRObject{}
	}
	return IRObject{
		"kind":    IRString(p.Kind),
		"version": IRInt(p.Version),
		"body":    body,
	}
}

// Normalized returns p with its kind, every body key and every string
// in NFC, the form canonical bytes and the stored log carry.
func (p Payload) Normalized() Payload {
	p.Kind = Kind(norm.NFC.String(string(p.Kind)))
	p.Body = normalizeValue(p.Body).(IRObject)
	return p
}

func normalizeValue(v IRValue) IRValue {
	switch val := v.(type) {
	case IRString:
		return IRString(norm.NFC.String(string(val)))
	case IRArray:
		out := make(IRArray, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem)
		}
		return out
	case IRObject:
		out := make(IRObject, len(val))
		for _, k := range val.SortedKeys() {
			out[norm.NFC.String(k)] = normalizeValue(val[k])
		}
		return out
	default:
		return v
	}
}
