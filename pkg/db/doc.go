// Package db implements the database manager: the typed façade that
// multiplexes every client session onto the shared storage engine.
//
// The manager owns the handle tables for iterators and transactions
// (monotonic 64-bit handles, never reused), the per-session write
// batches, the bounded write queue that serializes all mutations, and
// the blocking-worker pool that keeps long engine calls off the request
// goroutines. Sessions reclaim their resources on close even when the
// client forgot to destroy them.
package db
