// Package bucket ties per-vbucket checkpoint managers into one bucket.
package bucket

import "github.com/seqmesh/seqmesh-go/internal/checkpoint"

// Stats is the aggregate of every manager's counters.
type Stats struct {
	NumCheckpoints     int64
	NumItems           int64
	ItemsQueued        int64
	ItemsDeduplicated  int64
	ItemsExpelled      int64
	CheckpointsRemoved int64
	MemoryUsage        int64
	MemoryOverhead     int64
}

// Stats aggregates across all vbuckets. Each manager is snapshotted under
// its own lock; the result is a consistent-enough view for monitoring.
func (b *Bucket) Stats() Stats {
	var agg Stats
	b.managers.Range(func(_ uint16, mgr *checkpoint.Manager) bool {
		s := mgr.Stats()
		agg.NumCheckpoints += int64(s.NumCheckpoints)
		agg.NumItems += s.NumItems
		agg.ItemsQueued += s.ItemsQueued
		agg.ItemsDeduplicated += s.ItemsDeduplicated
		agg.ItemsExpelled += s.ItemsExpelled
		agg.CheckpointsRemoved += s.CheckpointsRemoved
		agg.MemoryUsage += s.MemoryUsage
		agg.MemoryOverhead += s.MemoryOverhead
		return true
	})
	return agg
}

// The methods below implement metric.StatsSource.

// CheckpointMemBytes returns the lock-free checkpoint memory aggregate.
func (b *Bucket) CheckpointMemBytes() int64 { return b.acct.CheckpointMem() }

// NumCheckpoints returns the checkpoint count across vbuckets.
func (b *Bucket) NumCheckpoints() int64 { return b.Stats().NumCheckpoints }

// NumItems returns the item count across vbuckets, meta items included.
func (b *Bucket) NumItems() int64 { return b.Stats().NumItems }

// ItemsQueued returns the lifetime queued item count.
func (b *Bucket) ItemsQueued() int64 { return b.Stats().ItemsQueued }

// ItemsDeduplicated returns the lifetime dedup count.
func (b *Bucket) ItemsDeduplicated() int64 { return b.Stats().ItemsDeduplicated }

// ItemsExpelled returns the lifetime expelled item count.
func (b *Bucket) ItemsExpelled() int64 { return b.Stats().ItemsExpelled }

// CheckpointsRemoved returns the lifetime removed checkpoint count.
func (b *Bucket) CheckpointsRemoved() int64 { return b.Stats().CheckpointsRemoved }

// CursorsDropped returns the lifetime dropped cursor count.
func (b *Bucket) CursorsDropped() int64 { return b.remover.CursorsDropped() }
