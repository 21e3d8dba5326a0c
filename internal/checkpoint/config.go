// Package checkpoint implements the in-memory checkpoint subsystem.
package checkpoint

import (
	"sync/atomic"
	"time"
)

// Default configuration values.
const (
	DefaultMaxCheckpointItems = 10000
	DefaultMaxCheckpointTime  = 5 * time.Second

	// Watermarks are percentages of the bucket quota.
	DefaultLowWatermarkPct           = 75
	DefaultCursorDropUpperMarkPct    = 95
	DefaultCursorDropLowerMarkPct    = 80
	DefaultCheckpointMemUpperMarkPct = 50
	DefaultCheckpointMemLowerMarkPct = 30

	DefaultRemoverInterval = 500 * time.Millisecond
)

// Config holds the checkpoint subsystem thresholds. All fields are atomics:
// a single Config is shared by every manager of a bucket and may be updated
// at runtime (e.g. by the config file watcher) without restarting.
type Config struct {
	maxCheckpointItems atomic.Int64
	maxCheckpointTime  atomic.Int64 // nanoseconds
	expelEnabled       atomic.Bool

	// maxSize is the bucket memory quota in bytes.
	maxSize atomic.Int64

	// memHardCap is an optional hard cap on total checkpoint memory in
	// bytes. Enqueues are rejected past it. Zero disables the cap.
	memHardCap atomic.Int64

	lowWatermarkPct           atomic.Int64
	cursorDropUpperMarkPct    atomic.Int64
	cursorDropLowerMarkPct    atomic.Int64
	checkpointMemUpperMarkPct atomic.Int64
	checkpointMemLowerMarkPct atomic.Int64

	removerInterval atomic.Int64 // nanoseconds
}

// NewConfig returns a Config with defaults applied and the given bucket
// quota.
func NewConfig(maxSize int64) *Config {
	c := &Config{}
	c.maxCheckpointItems.Store(DefaultMaxCheckpointItems)
	c.maxCheckpointTime.Store(int64(DefaultMaxCheckpointTime))
	c.expelEnabled.Store(true)
	c.maxSize.Store(maxSize)
	c.lowWatermarkPct.Store(DefaultLowWatermarkPct)
	c.cursorDropUpperMarkPct.Store(DefaultCursorDropUpperMarkPct)
	c.cursorDropLowerMarkPct.Store(DefaultCursorDropLowerMarkPct)
	c.checkpointMemUpperMarkPct.Store(DefaultCheckpointMemUpperMarkPct)
	c.checkpointMemLowerMarkPct.Store(DefaultCheckpointMemLowerMarkPct)
	c.removerInterval.Store(int64(DefaultRemoverInterval))
	return c
}

// MaxCheckpointItems returns the item-count bound for the open checkpoint.
func (c *Config) MaxCheckpointItems() int { return int(c.maxCheckpointItems.Load()) }

// SetMaxCheckpointItems updates the item-count bound.
func (c *Config) SetMaxCheckpointItems(n int) { c.maxCheckpointItems.Store(int64(n)) }

// MaxCheckpointTime returns the duration bound for the open checkpoint.
func (c *Config) MaxCheckpointTime() time.Duration {
	return time.Duration(c.maxCheckpointTime.Load())
}

// SetMaxCheckpointTime updates the duration bound.
func (c *Config) SetMaxCheckpointTime(d time.Duration) { c.maxCheckpointTime.Store(int64(d)) }

// ExpelEnabled reports whether the remover may expel items.
func (c *Config) ExpelEnabled() bool { return c.expelEnabled.Load() }

// SetExpelEnabled toggles item expelling.
func (c *Config) SetExpelEnabled(v bool) { c.expelEnabled.Store(v) }

// MaxSize returns the bucket memory quota in bytes.
func (c *Config) MaxSize() int64 { return c.maxSize.Load() }

// SetMaxSize updates the bucket memory quota.
func (c *Config) SetMaxSize(v int64) { c.maxSize.Store(v) }

// MemHardCap returns the checkpoint memory hard cap in bytes; zero means
// disabled.
func (c *Config) MemHardCap() int64 { return c.memHardCap.Load() }

// SetMemHardCap updates the checkpoint memory hard cap.
func (c *Config) SetMemHardCap(v int64) { c.memHardCap.Store(v) }

// RemoverInterval returns the remover polling interval.
func (c *Config) RemoverInterval() time.Duration {
	return time.Duration(c.removerInterval.Load())
}

// SetRemoverInterval updates the remover polling interval.
func (c *Config) SetRemoverInterval(d time.Duration) { c.removerInterval.Store(int64(d)) }

// SetWatermarks updates the recovery watermarks, all percentages of the
// quota. Values outside [0, 100] are clamped.
func (c *Config) SetWatermarks(low, dropUpper, dropLower, ckptMemUpper, ckptMemLower int) {
	c.lowWatermarkPct.Store(clampPct(low))
	c.cursorDropUpperMarkPct.Store(clampPct(dropUpper))
	c.cursorDropLowerMarkPct.Store(clampPct(dropLower))
	c.checkpointMemUpperMarkPct.Store(clampPct(ckptMemUpper))
	c.checkpointMemLowerMarkPct.Store(clampPct(ckptMemLower))
}

func clampPct(v int) int64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int64(v)
}

// pctOfQuota returns pct% of the bucket quota in bytes.
func (c *Config) pctOfQuota(pct int64) int64 {
	return c.maxSize.Load() * pct / 100
}

// LowWatermark returns the bucket low watermark in bytes.
func (c *Config) LowWatermark() int64 { return c.pctOfQuota(c.lowWatermarkPct.Load()) }

// CursorDropUpperMark returns the total-memory cursor dropping trigger in
// bytes.
func (c *Config) CursorDropUpperMark() int64 { return c.pctOfQuota(c.cursorDropUpperMarkPct.Load()) }

// CursorDropLowerMark returns the total-memory recovery target in bytes.
func (c *Config) CursorDropLowerMark() int64 { return c.pctOfQuota(c.cursorDropLowerMarkPct.Load()) }

// CheckpointMemUpperMark returns the checkpoint-memory trigger in bytes.
func (c *Config) CheckpointMemUpperMark() int64 {
	return c.pctOfQuota(c.checkpointMemUpperMarkPct.Load())
}

// CheckpointMemLowerMark returns the checkpoint-memory recovery target in
// bytes.
func (c *Config) CheckpointMemLowerMark() int64 {
	return c.pctOfQuota(c.checkpointMemLowerMarkPct.Load())
}
