// Package config defines the engine configuration structure.
package config

import (
	"time"

	"github.com/seqmesh/seqmesh-go/internal/checkpoint"
)

// Default configuration values.
const (
	DefaultNumVBuckets = 64
	DefaultMaxSize     = 256 << 20

	DefaultFlusherBatchLimit = 1000
	DefaultFlusherInterval   = 100 * time.Millisecond

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default engine configuration.
func Default() *EngineConfig {
	return &EngineConfig{
		Bucket: BucketSection{
			NumVBuckets: DefaultNumVBuckets,
		},
		Checkpoint: CheckpointSection{
			MaxItems:     checkpoint.DefaultMaxCheckpointItems,
			MaxTime:      checkpoint.DefaultMaxCheckpointTime,
			ExpelEnabled: true,
		},
		Memory: MemorySection{
			MaxSize:                 DefaultMaxSize,
			LowWatermark:            checkpoint.DefaultLowWatermarkPct,
			CursorDroppingUpperMark: checkpoint.DefaultCursorDropUpperMarkPct,
			CursorDroppingLowerMark: checkpoint.DefaultCursorDropLowerMarkPct,
			CheckpointMemUpperMark:  checkpoint.DefaultCheckpointMemUpperMarkPct,
			CheckpointMemLowerMark:  checkpoint.DefaultCheckpointMemLowerMarkPct,
			RemoverInterval:         checkpoint.DefaultRemoverInterval,
		},
		Flusher: FlusherSection{
			BatchLimit: DefaultFlusherBatchLimit,
			Interval:   DefaultFlusherInterval,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Runtime builds the shared runtime threshold handle from the static
// configuration.
func (c *EngineConfig) Runtime() *checkpoint.Config {
	rt := checkpoint.NewConfig(c.Memory.MaxSize)
	rt.SetMaxCheckpointItems(c.Checkpoint.MaxItems)
	rt.SetMaxCheckpointTime(c.Checkpoint.MaxTime)
	rt.SetExpelEnabled(c.Checkpoint.ExpelEnabled)
	rt.SetRemoverInterval(c.Memory.RemoverInterval)
	rt.SetWatermarks(
		c.Memory.LowWatermark,
		c.Memory.CursorDroppingUpperMark,
		c.Memory.CursorDroppingLowerMark,
		c.Memory.CheckpointMemUpperMark,
		c.Memory.CheckpointMemLowerMark,
	)
	return rt
}

// Apply pushes the dynamic subset of the configuration onto an existing
// runtime handle, used on config file reload.
func (c *EngineConfig) Apply(rt *checkpoint.Config) {
	rt.SetMaxSize(c.Memory.MaxSize)
	rt.SetMaxCheckpointItems(c.Checkpoint.MaxItems)
	rt.SetMaxCheckpointTime(c.Checkpoint.MaxTime)
	rt.SetExpelEnabled(c.Checkpoint.ExpelEnabled)
	rt.SetRemoverInterval(c.Memory.RemoverInterval)
	rt.SetWatermarks(
		c.Memory.LowWatermark,
		c.Memory.CursorDroppingUpperMark,
		c.Memory.CursorDroppingLowerMark,
		c.Memory.CheckpointMemUpperMark,
		c.Memory.CheckpointMemLowerMark,
	)
}
