// Package store persists the fedlog event log and peer table in SQLite.
//
// The events table is append-only: rows are inserted with
// ON CONFLICT(event_id) DO NOTHING and never updated or deleted. Callers
// that need check-then-insert atomicity (dedup plus sequence assignment)
// serialize above the store; the UNIQUE constraint is the backstop.
//
// Peers are a small mutable table. Cursor updates are monotonic in SQL
// so an out-of-order writer can never regress last_known_seq.
package store
