// Command lsmerctl is a command-line wrapper around the lsm engine
// (SPEC_FULL.md §6): a thin cobra/viper shell over the package's
// open/put/delete/get/range/flush/close surface, treated only through its
// public interfaces the way the teacher's flag-based cmd/main.go treats db.DB.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lsmer/lsmer/internal/config"
	"github.com/lsmer/lsmer/lsm"
)

var (
	dirFlag    string
	configFlag string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "lsmerctl",
		Short:         "Operate an lsmer storage engine directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dirFlag, "dir", "data", "engine directory (wal/, sst/, MANIFEST live here)")
	root.PersistentFlags().StringVar(&configFlag, "config", "", "optional config file (yaml/json/toml)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	bindConfigFlags(root)

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), rangeCmd(), compactCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lsmerctl:", err)
		os.Exit(1)
	}
}

// bindConfigFlags exposes every internal/config.Config field as a
// viper-bound persistent flag, so a user can override one tunable without
// writing a config file (spec.md §6: "Flags bind to the Config struct via
// viper").
func bindConfigFlags(root *cobra.Command) {
	d := config.Default()
	root.PersistentFlags().Int64("memtable-capacity-bytes", d.MemtableCapacityBytes, "memtable flush threshold in bytes")
	root.PersistentFlags().Int64("wal-segment-bytes", d.WALSegmentBytes, "WAL segment rotation size in bytes")
	root.PersistentFlags().String("wal-durability", d.WALDefaultDurability, "default WAL durability: none|flush|sync")
	root.PersistentFlags().Float64("bloom-fp-rate", d.BloomFalsePositiveRate, "target Bloom filter false-positive rate")
	root.PersistentFlags().Int("compaction-trigger-count", d.CompactionTriggerCount, "SSTable count that triggers compaction")
	root.PersistentFlags().Int("compaction-interval-ms", d.CompactionIntervalMS, "periodic compaction check interval (0 disables)")

	_ = viper.BindPFlag("memtable_capacity_bytes", root.PersistentFlags().Lookup("memtable-capacity-bytes"))
	_ = viper.BindPFlag("wal_segment_bytes", root.PersistentFlags().Lookup("wal-segment-bytes"))
	_ = viper.BindPFlag("wal_default_durability", root.PersistentFlags().Lookup("wal-durability"))
	_ = viper.BindPFlag("bloom_false_positive_rate", root.PersistentFlags().Lookup("bloom-fp-rate"))
	_ = viper.BindPFlag("compaction_trigger_count", root.PersistentFlags().Lookup("compaction-trigger-count"))
	_ = viper.BindPFlag("compaction_interval_ms", root.PersistentFlags().Lookup("compaction-interval-ms"))
}

func loadConfig() (config.Config, error) {
	return config.Load(configFlag)
}

func logger() *zap.Logger {
	var log *zap.Logger
	var err error
	if verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func openEngine() (*lsm.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return lsm.Open(dirFlag, cfg, logger())
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key's current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			v, ok, err := e.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				os.Exit(1)
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Delete([]byte(args[0])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func rangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "range <lo> <hi>",
		Short: "List keys in [lo, hi); empty string on either side means unbounded",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			lo, hi := []byte(args[0]), []byte(args[1])
			if len(lo) == 0 {
				lo = nil
			}
			if len(hi) == 0 {
				hi = nil
			}
			it := e.Range(lo, hi)
			for it.Next() {
				r := it.Record()
				fmt.Printf("%s=%s\n", r.Key, r.Value)
			}
			return it.Err()
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Flush the active memtable then force one compaction pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Flush(); err != nil {
				return err
			}
			return e.ForceCompact()
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print live SSTable count, memtable usage, WAL segment count and Bloom filter counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			st := e.Stats()
			fmt.Printf("sstables:             %d\n", st.SSTableCount)
			fmt.Printf("memtable bytes:       %d / %d\n", st.MemtableBytes, st.MemtableCapacity)
			fmt.Printf("wal segments:         %d\n", st.WALSegments)
			fmt.Printf("bloom true negatives: %d\n", st.BloomNegatives)
			fmt.Printf("bloom false positives:%d\n", st.BloomFalsePositives)
			return nil
		},
	}
}
