// Package checkpoint implements the in-memory checkpoint subsystem.
package checkpoint

import "sync/atomic"

// Accounting aggregates checkpoint memory estimates across every manager
// of a bucket. Managers apply differential updates with atomic adds; reads
// are lock-free and approximate.
//
// A bucket constructs one Accounting and passes it to each manager at
// construction. There is no process-wide instance.
type Accounting struct {
	checkpointMem atomic.Int64
}

// NewAccounting creates an empty accounting handle.
func NewAccounting() *Accounting {
	return &Accounting{}
}

// Add applies a byte delta to the checkpoint memory aggregate.
func (a *Accounting) Add(delta int64) {
	a.checkpointMem.Add(delta)
}

// CheckpointMem returns the current checkpoint memory estimate in bytes.
func (a *Accounting) CheckpointMem() int64 {
	return a.checkpointMem.Load()
}
