package lsm

import (
	"os"
	"path/filepath"
	"sync/atomic"
)

func walSegmentCount(dir string) int {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, ent := range ents {
		if !ent.IsDir() && filepath.Ext(ent.Name()) == ".wal" {
			n++
		}
	}
	return n
}

// engineStats holds the counters backing Stats, incremented on the hot
// Get path without locking (spec.md §10's supplemented stats() operation,
// grounded on the teacher's -verbose Bloom hit/miss stderr prints,
// generalized into first-class counters).
type engineStats struct {
	bloomNegatives      atomic.Int64 // Bloom filter correctly rejected a table
	bloomFalsePositives atomic.Int64 // Bloom filter said maybe, table said no
}

// Stats is a point-in-time snapshot of the engine's observable state.
type Stats struct {
	SSTableCount        int
	MemtableBytes       int64
	MemtableCapacity    int64
	WALSegments         int
	BloomNegatives      int64
	BloomFalsePositives int64
}

// Stats reports live SSTable count, memtable occupancy, WAL segment count,
// and cumulative Bloom filter hit/miss counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.sstables)
	memBytes := e.mem.Size()
	memCap := e.mem.Capacity()
	w := e.w
	e.mu.Unlock()

	segs := 0
	if w != nil {
		segs = walSegmentCount(e.walDir)
	}
	return Stats{
		SSTableCount:        n,
		MemtableBytes:       memBytes,
		MemtableCapacity:    memCap,
		WALSegments:         segs,
		BloomNegatives:      e.stats.bloomNegatives.Load(),
		BloomFalsePositives: e.stats.bloomFalsePositives.Load(),
	}
}
