// Package config loads the engine's tunables (spec.md §6's options table)
// from an optional file, environment variables, or in-process defaults,
// via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/lsmer/lsmer/wal"
)

// Config holds every tunable the engine's Open accepts.
type Config struct {
	MemtableCapacityBytes  int64   `mapstructure:"memtable_capacity_bytes"`
	WALSegmentBytes        int64   `mapstructure:"wal_segment_bytes"`
	WALDefaultDurability   string  `mapstructure:"wal_default_durability"`
	BloomFalsePositiveRate float64 `mapstructure:"bloom_false_positive_rate"`
	CompactionTriggerCount int     `mapstructure:"compaction_trigger_count"`
	BlockSizeBytes         int     `mapstructure:"block_size_bytes"`
	CompactionIntervalMS   int     `mapstructure:"compaction_interval_ms"`
}

// Default returns the engine's documented defaults.
func Default() Config {
	return Config{
		MemtableCapacityBytes:  4 * 1024 * 1024,
		WALSegmentBytes:        64 * 1024 * 1024,
		WALDefaultDurability:   "flush",
		BloomFalsePositiveRate: 0.01,
		CompactionTriggerCount: 4,
		BlockSizeBytes:         4 * 1024,
		CompactionIntervalMS:   0,
	}
}

// Durability resolves the string-valued WALDefaultDurability into a
// wal.Durability, defaulting to Flush for an empty or unrecognized value.
func (c Config) Durability() wal.Durability {
	switch strings.ToLower(c.WALDefaultDurability) {
	case "none":
		return wal.DurabilityNone
	case "sync":
		return wal.DurabilitySync
	default:
		return wal.DurabilityFlush
	}
}

// Load reads configuration from the package defaults, the file at path (if
// non-empty) and LSMER_-prefixed environment variables, in rising order of
// precedence: an environment variable overrides the file, and the file
// overrides the defaults. path may
// be any format Viper supports (YAML, JSON, TOML, ...); it is optional —
// a zero-value path skips the file layer entirely.
func Load(path string) (Config, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("memtable_capacity_bytes", d.MemtableCapacityBytes)
	v.SetDefault("wal_segment_bytes", d.WALSegmentBytes)
	v.SetDefault("wal_default_durability", d.WALDefaultDurability)
	v.SetDefault("bloom_false_positive_rate", d.BloomFalsePositiveRate)
	v.SetDefault("compaction_trigger_count", d.CompactionTriggerCount)
	v.SetDefault("block_size_bytes", d.BlockSizeBytes)
	v.SetDefault("compaction_interval_ms", d.CompactionIntervalMS)

	v.SetEnvPrefix("lsmer")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
