package lsm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lsmer/lsmer/memtable"
	"github.com/lsmer/lsmer/sstable"
	"github.com/lsmer/lsmer/wal"
)

// triggerFlushAsync schedules a flush on the coordinator's errgroup,
// collapsing concurrent triggers into a single run via singleflight —
// spec.md §4.6's "concurrent callers that independently notice 'memtable
// is full' collapse into one flush rather than racing".
func (e *Engine) triggerFlushAsync() {
	e.grp.Go(func() error {
		_, err, _ := e.flushSF.Do("flush", func() (any, error) {
			return nil, e.Flush()
		})
		if err != nil {
			e.log.Error("background flush failed", zap.Error(err))
		}
		return err
	})
}

// Flush seals the active memtable, writes it as a new immutable SSTable,
// appends a flush-checkpoint WAL record, installs the new table in the
// live metadata set, retires WAL segments it supersedes, and triggers
// compaction if the live table count has crossed the configured trigger.
// A no-op if the active memtable is empty.
//
// Between sealing and installing the SSTable reader, the sealed memtable
// is kept reachable via e.sealed so Get/Range still see its entries —
// spec.md §5's "one active memtable plus possibly one sealed-but-not-yet-
// written memtable during flush" — instead of a writer's own just-sealed
// keys going spuriously missing for the duration of the flush.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.mem.Size() == 0 {
		e.mu.Unlock()
		return nil
	}
	sealed := e.mem
	e.mem = memtable.New(e.cfg.MemtableCapacityBytes, e.log.With(zap.String("component", "memtable")))
	e.sealed = append(e.sealed, sealed)
	maxSeq := e.seq - 1
	id := e.nextSSTID
	e.nextSSTID++
	e.mu.Unlock()

	unseal := func() {
		e.mu.Lock()
		for i, m := range e.sealed {
			if m == sealed {
				e.sealed = append(e.sealed[:i], e.sealed[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}

	records := sealed.DrainSorted()
	path := sstPath(e.sstDir, id)
	w, err := sstable.Create(path)
	if err != nil {
		return err
	}
	w.SetFalsePositiveRate(e.cfg.BloomFalsePositiveRate)
	w.SetBlockSize(e.cfg.BlockSizeBytes)
	for _, r := range records {
		if err := w.Add(r); err != nil {
			_ = w.Abort()
			return fmt.Errorf("lsm: flush write %s: %w", path, err)
		}
	}
	if _, err := w.Finish(); err != nil {
		return fmt.Errorf("lsm: flush finish %s: %w", path, err)
	}

	reader, err := sstable.Open(path)
	if err != nil {
		return fmt.Errorf("lsm: flush reopen %s: %w", path, err)
	}

	e.mu.Lock()
	ckSeq := e.seq
	e.seq++
	e.mu.Unlock()

	if err := e.w.Append(wal.KindCheckpoint, ckSeq, wal.CheckpointPayload(maxSeq, id), wal.DurabilityFlush); err != nil {
		return fmt.Errorf("lsm: flush checkpoint record: %w", err)
	}

	e.mu.Lock()
	e.sstables = append(e.sstables, reader)
	tableCount := len(e.sstables)
	e.mu.Unlock()
	unseal()

	if err := wal.RetireSegments(e.walDir, maxSeq, e.log.With(zap.String("component", "wal"))); err != nil {
		e.log.Warn("wal segment retirement failed", zap.Error(err))
	}
	if err := e.writeManifest(); err != nil {
		e.log.Warn("manifest write failed", zap.Error(err))
	}

	e.log.Info("flush complete",
		zap.Uint64("sstable_id", id),
		zap.Uint64("max_seq", maxSeq),
		zap.Int("entries", len(records)),
	)

	if e.cfg.CompactionTriggerCount > 0 && tableCount >= e.cfg.CompactionTriggerCount {
		e.triggerCompactAsync()
	}
	return nil
}
