// Package config defines the engine configuration structure.
package config

import (
	"errors"
	"fmt"
)

// Verify validates the configuration.
func Verify(cfg *EngineConfig) error {
	if cfg.Bucket.NumVBuckets <= 0 {
		return errors.New("bucket.num_vbuckets must be positive")
	}
	if cfg.Bucket.NumVBuckets > 1024 {
		return errors.New("bucket.num_vbuckets must not exceed 1024")
	}
	if cfg.Memory.MaxSize <= 0 {
		return errors.New("memory.max_size must be positive")
	}
	if cfg.Checkpoint.MaxItems <= 0 {
		return errors.New("checkpoint.max_items must be positive")
	}
	if cfg.Checkpoint.MaxTime <= 0 {
		return errors.New("checkpoint.max_time must be positive")
	}
	if err := verifyMarks(&cfg.Memory); err != nil {
		return err
	}
	if cfg.Flusher.BatchLimit <= 0 {
		return errors.New("flusher.batch_limit must be positive")
	}
	return nil
}

func verifyMarks(m *MemorySection) error {
	marks := map[string]int{
		"memory.low_watermark":              m.LowWatermark,
		"memory.cursor_dropping_upper_mark": m.CursorDroppingUpperMark,
		"memory.cursor_dropping_lower_mark": m.CursorDroppingLowerMark,
		"memory.checkpoint_mem_upper_mark":  m.CheckpointMemUpperMark,
		"memory.checkpoint_mem_lower_mark":  m.CheckpointMemLowerMark,
	}
	for name, v := range marks {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be a percentage in [0, 100], got %d", name, v)
		}
	}
	if m.CursorDroppingLowerMark > m.CursorDroppingUpperMark {
		return errors.New("memory.cursor_dropping_lower_mark must not exceed the upper mark")
	}
	if m.CheckpointMemLowerMark > m.CheckpointMemUpperMark {
		return errors.New("memory.checkpoint_mem_lower_mark must not exceed the upper mark")
	}
	return nil
}
