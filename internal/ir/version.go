package ir

// Version constants for the wire format and the binary.
const (
	// PayloadVersion is the newest payload schema this build understands.
	// Payloads tagged with a higher version decode to Unknown.
	PayloadVersion = 1

	// ProtocolVersion is advertised by GetIdentity.
	ProtocolVersion = "fedlog/1"

	// Version is the fedlog release.
	Version = "0.1.0"
)
