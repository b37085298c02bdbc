// Package eventlog is the append-only, content-addressed log of signed
// events held by one instance.
//
// Two paths write to the log. AppendLocal is the only way to originate
// an event: it ticks the clock, signs, and stores. TryMerge admits an
// event from a peer after checking, in order, its content hash, its
// signature, whether it is already stored, and its clock drift.
//
// Dedup and local_seq assignment happen under one mutex so concurrent
// merges from many peers cannot assign the same sequence number or let
// a duplicate past the existence check. Hashing and signature
// verification run before the lock is taken.
//
// A storage failure halts the log. Every later write returns ErrHalted;
// the log never accepts an event it cannot persist.
package eventlog
