// Package wire defines the messages exchanged between fedlog instances.
//
// Every type here is JSON on the HTTP binding. Events travel as ir.Event
// with local_seq set to the sender's own sequence number.
package wire

import (
	"errors"

	"github.com/roach88/fedlog/internal/ir"
)

// Rejection reasons for pushed events.
const (
	ReasonBadSignature = "bad_signature"
	ReasonIDMismatch   = "id_mismatch"
	ReasonClockSkew    = "clock_skew"
	ReasonUnknownPeer  = "unknown_peer"
	ReasonMalformed    = "malformed"
)

// Registration rejection reasons beyond the policy gate's.
const (
	ReasonBadChallenge = "bad_challenge"
)

// DefaultPullLimit is the page size when a pull request names none.
const DefaultPullLimit = 100

// MaxPullLimit caps the page size a responder will serve.
const MaxPullLimit = 1000

// RegisterRequest asks the responder to register the sender as a peer.
// Signature is the sender's signature over ir.ChallengeMessage(Nonce,
// PublicKey), proving it holds the key it claims.
type RegisterRequest struct {
	PublicKey   ir.PublicKey `json:"public_key"`
	DisplayName string       `json:"display_name,omitempty"`
	Endpoint    string       `json:"endpoint"`
	ClaimedTier ir.Tier      `json:"claimed_tier"`
	Nonce       string       `json:"challenge_nonce"`
	Signature   ir.Signature `json:"challenge_signature"`
}

// RegisterResponse answers a RegisterRequest. On acceptance the
// responder signs the request's nonce with its own key.
type RegisterResponse struct {
	Accepted bool   `json:"accepted"`
	Pending  bool   `json:"pending,omitempty"`
	Reason   string `json:"reason,omitempty"`

	PeerPubkey      ir.PublicKey `json:"peer_pubkey"`
	PeerEndpoint    string       `json:"peer_endpoint"`
	PeerDisplayName string       `json:"peer_display_name,omitempty"`
	PeerTier        ir.Tier      `json:"peer_tier"`
	Signature       ir.Signature `json:"challenge_signature,omitempty"`
}

// PushRequest delivers events the sender believes the receiver lacks.
// Signature is the sender's signature over ir.PushMessage of Sender,
// SenderHeadSeq and the event ids; a push that fails it is treated as
// coming from an unknown peer.
type PushRequest struct {
	Sender        ir.PublicKey `json:"sender_pubkey"`
	Events        []ir.Event   `json:"events"`
	SenderHeadSeq int64        `json:"sender_head_seq"`
	Signature     ir.Signature `json:"sender_signature"`
}

// EventIDs returns the ids of the carried events in order.
func (r PushRequest) EventIDs() []string {
	ids := make([]string, len(r.Events))
	for i, ev := range r.Events {
		ids[i] = ev.ID
	}
	return ids
}

// Rejection reports one refused event.
type Rejection struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

// PushResponse summarizes a push. ReceivedCount counts newly stored
// events; Duplicates counts events the receiver already had.
type PushResponse struct {
	ReceivedCount   int         `json:"received_count"`
	Duplicates      int         `json:"duplicates"`
	Rejected        []Rejection `json:"rejected"`
	ReceiverHeadSeq int64       `json:"receiver_head_seq"`
}

// PullRequest asks for events with local_seq > SinceSeq.
type PullRequest struct {
	SinceSeq int64 `json:"since_seq"`
	Limit    int   `json:"limit,omitempty"`
}

// PullResponse is one page of the responder's log in local_seq order.
type PullResponse struct {
	Events  []ir.Event `json:"events"`
	HeadSeq int64      `json:"head_seq"`
	HasMore bool       `json:"has_more"`
}

// IdentityResponse describes an instance.
type IdentityResponse struct {
	PublicKey       ir.PublicKey `json:"public_key"`
	NodeID          ir.NodeID    `json:"node_id"`
	Fingerprint     string       `json:"fingerprint"`
	DisplayName     string       `json:"display_name,omitempty"`
	Endpoint        string       `json:"endpoint,omitempty"`
	Tier            ir.Tier      `json:"tier"`
	ProtocolVersion string       `json:"protocol_version"`
	Version         string       `json:"version"`
	HeadSeq         int64        `json:"head_seq"`
}

// PeerStatus is one peer's row in StatusResponse.
type PeerStatus struct {
	PublicKey    ir.PublicKey  `json:"pubkey"`
	DisplayName  string        `json:"display_name,omitempty"`
	Endpoint     string        `json:"endpoint"`
	Status       ir.PeerStatus `json:"status"`
	Tier         ir.Tier       `json:"trust_tier"`
	LastKnownSeq int64         `json:"last_known_seq"`

	// PeerHeadSeq is the peer's latest local_seq as of last contact.
	PeerHeadSeq int64 `json:"peer_head_seq"`
	Lag         int64 `json:"lag"`

	Reachable           bool   `json:"reachable"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`

	// Rejections counts events this peer refused from us or sent us
	// that we refused, plus registration denials. A climbing count with
	// Reachable=true means the peer is actively rejecting, not offline.
	Rejections int  `json:"rejections"`
	Streaming  bool `json:"streaming"`
}

// StatusResponse is GetFederationStatus.
type StatusResponse struct {
	PublicKey   ir.PublicKey `json:"public_key"`
	HeadSeq     int64        `json:"head_seq"`
	EventCount  int64        `json:"event_count"`
	PeerCount   int          `json:"peer_count"`
	ActivePeers int          `json:"active_peers"`
	Halted      string       `json:"halted,omitempty"`
	Peers       []PeerStatus `json:"per_peer"`
}

// Stream message types.
const (
	StreamEvent     = "event"
	StreamHeartbeat = "heartbeat"
)

// StreamMessage is one frame on an event stream. Heartbeats carry only
// the sender's head so an idle stream is distinguishable from a dead one.
type StreamMessage struct {
	Type    string    `json:"type"`
	Event   *ir.Event `json:"event,omitempty"`
	HeadSeq int64     `json:"head_seq"`
}

// ErrStreamClosed is returned by EventStream.Recv after Close or after
// the remote end hung up cleanly.
var ErrStreamClosed = errors.New("wire: stream closed")

// EventStream is the consumer side of StreamEvents.
type EventStream interface {
	// Recv blocks for the next frame.
	Recv() (StreamMessage, error)
	Close() error
}

// LocalAppendRequest is the loopback-only application append.
type LocalAppendRequest struct {
	Payload ir.Payload `json:"payload"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HTTP routes. Federation routes are served to peers; local routes only
// to loopback clients.
const (
	PathRegister    = "/api/federation/register"
	PathEvents      = "/api/federation/events"
	PathStream      = "/api/federation/stream"
	PathIdentity    = "/api/federation/identity"
	PathStatus      = "/api/federation/status"
	PathLocalEvents = "/api/local/events"
	PathLocalPeers  = "/api/local/peers"
	PathHealth      = "/health"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeMalformed = "malformed"
	CodeNotFound  = "not_found"
	CodeForbidden = "forbidden"
	CodeHalted    = "halted"
	CodeUpstream  = "upstream"
	CodeInternal  = "internal"
)

// AddPeerRequest asks the local instance to register with endpoint.
type AddPeerRequest struct {
	Endpoint string `json:"endpoint"`
}

// AddPeerResponse reports the outcome of AddPeerRequest.
type AddPeerResponse struct {
	Accepted bool     `json:"accepted"`
	Reason   string   `json:"reason,omitempty"`
	Peer     *ir.Peer `json:"peer,omitempty"`
}

// PeerList is the body of GET PathLocalPeers.
type PeerList struct {
	Peers []ir.Peer `json:"peers"`
}
