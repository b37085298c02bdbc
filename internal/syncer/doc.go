// Package syncer reconciles the local event log with every active peer.
//
// Three paths deliver events, and any combination may deliver the same
// event more than once; correctness rests on the log's dedup by
// event_id, never on delivery order.
//
//   - Push: each locally originated event is sent to every active peer
//     as soon as it commits, with bounded retry.
//   - Pull: on start and every pull interval, each active peer is asked
//     for events after its cursor, page by page.
//   - Stream: a held connection per peer over which the peer sends new
//     events as they commit. On idle timeout or drop the stream falls
//     back to one pull and redials.
//
// The Engine also answers the peer-facing operations (register, push,
// pull, stream, identity, status); internal/server binds them to HTTP.
//
// No network call is made while the log or registry mutex is held.
package syncer
