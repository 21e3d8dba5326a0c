// Package checkpoint implements the in-memory checkpoint subsystem for a
// vbucket: an ordered, append-only log of mutations consumed by the
// persistence flusher and by replication streams.
//
// # Overview
//
// A Manager owns an ordered list of Checkpoints for one vbucket. Exactly one
// checkpoint is open (the tail); earlier checkpoints are closed. Items are
// appended to the open checkpoint by QueueDirty, which assigns strictly
// monotonic bySeqno values. Named cursors (including the distinguished
// persistence cursor) advance independently through the list via
// GetItemsForCursor and its variants.
//
// Memory is bounded cooperatively: the Remover task polls bucket-wide memory
// estimates and, past configured watermarks, expels already-read items from
// still-referenced checkpoints, asks slow replication consumers to switch to
// backfill (cursor dropping), and removes closed unreferenced checkpoints.
//
// # Locking
//
// Each Manager owns a single mutex serializing mutations to the checkpoint
// list, the cursor map and the seqno counter. All public operations acquire
// it. Memory estimates are atomics so bucket-wide aggregate reads stay
// lock-free and approximate.
package checkpoint
