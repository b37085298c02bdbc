// Package ir defines the data model shared by every fedlog component.
//
// It holds the constrained value types used for event payloads, the
// RFC 8785 canonical JSON encoder, content-addressed event IDs, hybrid
// logical clock timestamps, public keys, trust tiers and peer records.
//
// ir imports nothing internal. All other packages build on it.
//
// Key constraints:
//   - No floats in payloads, numbers are int64
//   - No null in canonical form
//   - local_seq is never part of the signed bytes
//   - JSON tags use snake_case
package ir
