// Package config defines and validates the store's enumerated
// configuration options (spec.md §6).
package config

import "github.com/pkg/errors"

const (
	// DefaultSegmentsPath is where SSTables live when unset.
	DefaultSegmentsPath = "./sstable"
	// DefaultWALPath is where WAL files live when unset.
	DefaultWALPath = "./write-ahead-log"
	// DefaultThreshold is the distinct-key count at which the active
	// MemTable freezes when unset.
	DefaultThreshold = 1024
	// DefaultL0CompactionTrigger is the number of L0 tables that triggers
	// a compaction into L1 (spec.md §9, "recommendation: by L0 count").
	DefaultL0CompactionTrigger = 4
)

// Options holds the store's configuration. Zero values are replaced with
// their documented defaults by WithDefaults.
type Options struct {
	SegmentsPath string
	WALPath      string
	Threshold    int
	// L0CompactionTrigger is how many L0 tables accumulate before the
	// flusher/compactor merges L0 into L1.
	L0CompactionTrigger int
}

// WithDefaults returns a copy of o with zero fields replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.SegmentsPath == "" {
		o.SegmentsPath = DefaultSegmentsPath
	}
	if o.WALPath == "" {
		o.WALPath = DefaultWALPath
	}
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	if o.L0CompactionTrigger == 0 {
		o.L0CompactionTrigger = DefaultL0CompactionTrigger
	}
	return o
}

// Validate checks that the enumerated options are within their documented
// domain. SegmentsPath/WALPath are checked only for presence and for being
// distinct from each other; the engine itself fails at Open time if they
// cannot be created.
func (o Options) Validate() error {
	if o.SegmentsPath == "" {
		return errors.New("config: segments_path must not be empty")
	}
	if o.WALPath == "" {
		return errors.New("config: wal_path must not be empty")
	}
	if o.SegmentsPath == o.WALPath {
		return errors.New("config: segments_path and wal_path must differ")
	}
	if o.Threshold <= 0 {
		return errors.New("config: threshold must be a positive integer")
	}
	if o.L0CompactionTrigger <= 0 {
		return errors.New("config: l0_compaction_trigger must be a positive integer")
	}
	return nil
}
