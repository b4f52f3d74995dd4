package lsm

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lsmer/lsmer/compaction"
	"github.com/lsmer/lsmer/sstable"
	"github.com/lsmer/lsmer/wal"
)

// triggerCompactAsync schedules a compaction run on the coordinator's
// errgroup, collapsed through singleflight the same way triggerFlushAsync
// is (spec.md §4.6).
func (e *Engine) triggerCompactAsync() {
	e.grp.Go(func() error {
		_, err, _ := e.compactSF.Do("compact", func() (any, error) {
			return nil, e.compactOnce()
		})
		if err != nil {
			e.log.Error("background compaction failed", zap.Error(err))
		}
		return err
	})
}

// startCompactionTicker launches a periodic compaction-trigger check on
// the coordinator's errgroup, running every cfg.CompactionIntervalMS
// (spec.md §10's supplemented periodic trigger) until Close cancels the
// group's context.
func (e *Engine) startCompactionTicker() {
	interval := time.Duration(e.cfg.CompactionIntervalMS) * time.Millisecond
	e.grp.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.grpCtx.Done():
				return nil
			case <-ticker.C:
				e.mu.Lock()
				n := len(e.sstables)
				e.mu.Unlock()
				if e.cfg.CompactionTriggerCount > 0 && n >= e.cfg.CompactionTriggerCount {
					e.triggerCompactAsync()
				}
			}
		}
	})
}

// ForceCompact runs one compaction pass synchronously on whatever live
// tables currently exist, ignoring cfg.CompactionTriggerCount — unlike the
// background-triggered compactOnce, it never bails out just because the
// table count hasn't crossed the usual threshold. It is collapsed through
// the same singleflight key as background-triggered runs so it never races
// one already in flight. Used by lsmerctl's `compact` subcommand.
func (e *Engine) ForceCompact() error {
	_, err, _ := e.compactSF.Do("compact", func() (any, error) {
		return e.compactOnceForce()
	})
	if err != nil {
		return fmt.Errorf("lsm: force compact: %w", err)
	}
	return nil
}

// compactOnce runs one size-tiered compaction pass: the oldest T live
// tables (T = cfg.CompactionTriggerCount) are merged into one output
// (spec.md §4.6).
func (e *Engine) compactOnce() error {
	e.mu.Lock()
	t := e.cfg.CompactionTriggerCount
	if t <= 0 || len(e.sstables) < t {
		e.mu.Unlock()
		return nil
	}
	group := append([]*sstable.Reader(nil), e.sstables[:t]...)
	remaining := append([]*sstable.Reader(nil), e.sstables[t:]...)
	e.mu.Unlock()
	return e.runCompaction(group, remaining)
}

// compactOnceForce merges every currently-live table into one output,
// regardless of cfg.CompactionTriggerCount. A no-op below two tables: one
// table (or zero) is already maximally compacted.
func (e *Engine) compactOnceForce() error {
	e.mu.Lock()
	if len(e.sstables) < 2 {
		e.mu.Unlock()
		return nil
	}
	group := append([]*sstable.Reader(nil), e.sstables...)
	e.mu.Unlock()
	return e.runCompaction(group, nil)
}

// runCompaction merges group into one new bottom-level table (every input
// is included, so shadowed entries and tombstones that win their key's
// merge are dropped for good), installs it ahead of remaining, and retires
// the inputs. Callers hold no lock across this call; it takes mu only for
// the brief bookkeeping steps.
func (e *Engine) runCompaction(group, remaining []*sstable.Reader) error {
	e.mu.Lock()
	outputID := e.nextSSTID
	e.nextSSTID++
	e.mu.Unlock()

	outPath := sstPath(e.sstDir, outputID)
	res, err := compaction.Run(group, outPath, true, e.log.With(zap.String("component", "compaction")),
		e.cfg.BloomFalsePositiveRate, e.cfg.BlockSizeBytes)
	if err != nil {
		return fmt.Errorf("lsm: compaction run: %w", err)
	}

	inputIDs := make([]uint64, len(group))
	for i, r := range group {
		inputIDs[i] = idOf(r)
	}

	e.mu.Lock()
	ckSeq := e.seq
	e.seq++
	e.mu.Unlock()
	if err := e.w.Append(wal.KindCheckpoint, ckSeq, wal.CompactionCommitPayload(inputIDs, outputID), wal.DurabilitySync); err != nil {
		return fmt.Errorf("lsm: compaction commit record: %w", err)
	}

	reader, err := sstable.Open(res.Path)
	if err != nil {
		return fmt.Errorf("lsm: compaction reopen %s: %w", res.Path, err)
	}

	e.mu.Lock()
	e.sstables = append([]*sstable.Reader{reader}, remaining...)
	e.mu.Unlock()

	if err := compaction.Unlink(group); err != nil {
		e.log.Warn("compaction unlink of input tables failed", zap.Error(err))
	}
	for _, r := range group {
		_ = r.Close()
	}
	if err := e.writeManifest(); err != nil {
		e.log.Warn("manifest write failed", zap.Error(err))
	}

	e.log.Info("compaction complete",
		zap.Uint64("output_id", outputID),
		zap.Int("inputs", len(group)),
		zap.Uint64("entries", res.Footer.EntryCount),
	)
	return nil
}
