// Package config defines the engine configuration structure.
package config

import "time"

// EngineConfig is the root configuration for the checkpoint engine.
type EngineConfig struct {
	Bucket     BucketSection     `koanf:"bucket"`
	Checkpoint CheckpointSection `koanf:"checkpoint"`
	Memory     MemorySection     `koanf:"memory"`
	Flusher    FlusherSection    `koanf:"flusher"`
	Metrics    MetricsSection    `koanf:"metrics"`
	Log        LogSection        `koanf:"log"`
}

// BucketSection configures the bucket topology.
type BucketSection struct {
	// NumVBuckets is the number of vbuckets keys are hashed across.
	NumVBuckets int `koanf:"num_vbuckets"`
}

// CheckpointSection configures checkpoint creation and expelling.
type CheckpointSection struct {
	// MaxItems closes the open checkpoint once it holds this many items.
	MaxItems int `koanf:"max_items"`

	// MaxTime closes the open checkpoint once it has been open this long.
	MaxTime time.Duration `koanf:"max_time"`

	// ExpelEnabled lets the remover expel already-read items.
	ExpelEnabled bool `koanf:"expel_enabled"`
}

// MemorySection configures memory recovery. Marks are percentages of
// MaxSize.
type MemorySection struct {
	// MaxSize is the bucket memory quota in bytes.
	MaxSize int64 `koanf:"max_size"`

	// LowWatermark gates checkpoint-memory recovery.
	LowWatermark int `koanf:"low_watermark"`

	// CursorDroppingUpperMark triggers recovery on total memory.
	CursorDroppingUpperMark int `koanf:"cursor_dropping_upper_mark"`

	// CursorDroppingLowerMark is the total-memory recovery target.
	CursorDroppingLowerMark int `koanf:"cursor_dropping_lower_mark"`

	// CheckpointMemUpperMark triggers recovery on checkpoint memory.
	CheckpointMemUpperMark int `koanf:"checkpoint_mem_upper_mark"`

	// CheckpointMemLowerMark is the checkpoint-memory recovery target.
	CheckpointMemLowerMark int `koanf:"checkpoint_mem_lower_mark"`

	// RemoverInterval is the remover polling interval.
	RemoverInterval time.Duration `koanf:"remover_interval"`
}

// FlusherSection configures the persistence consumer.
type FlusherSection struct {
	// DataDir is the Badger directory. Empty keeps the store in memory.
	DataDir string `koanf:"data_dir"`

	// BatchLimit bounds non-meta items drained per flush.
	BatchLimit int `koanf:"batch_limit"`

	// Interval is the poll interval when no notifications arrive.
	Interval time.Duration `koanf:"interval"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
