// Package storeopts defines the configuration surfaces consumed by the
// store package: per-container batching configuration and the parameters
// used to open an Environment.
package storeopts

import "fmt"

// BatchingConfig controls how a container's physical layout is paginated.
// It mirrors the sidecar fields persisted per container (spec §3.3):
// batching enabled, batch size, max item length, constant-length flag.
type BatchingConfig struct {
	// On enables pagination. When false, every element/key gets its own
	// physical page and BatchSize/MaxItemLength/ConstantLength are ignored.
	On bool

	// BatchSize is B: elements (sequence) or buckets (map) per page.
	BatchSize int

	// ConstantLength selects the fixed-width OrderedSequence layout.
	// Only meaningful for sequences; ignored by KeyValueMap.
	ConstantLength bool

	// MaxItemLength is L, the fixed element width, required when
	// ConstantLength is set.
	MaxItemLength int
}

// DefaultBatchingConfig disables batching: one page per element/key.
var DefaultBatchingConfig = BatchingConfig{}

// Validate mirrors the Python source's BatchingConfig.__post_init__: a
// constant-length configuration without a declared item length is rejected.
func (c BatchingConfig) Validate() error {
	if c.ConstantLength && c.MaxItemLength == 0 {
		return fmt.Errorf("storeopts: constant-length batching requires MaxItemLength > 0")
	}
	if c.On && c.BatchSize <= 0 {
		return fmt.Errorf("storeopts: batching requires BatchSize > 0")
	}
	return nil
}

// Normalize returns DefaultBatchingConfig when c.On is false, matching the
// source's behavior of discarding batch_size/max_item_length/constant_length
// whenever batching itself is disabled.
func (c BatchingConfig) Normalize() BatchingConfig {
	if !c.On {
		return DefaultBatchingConfig
	}
	return c
}
