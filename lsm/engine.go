// Package lsm is the storage engine's coordinator: the public open/put/
// delete/get/range/flush/close surface, Bloom+range read filtering, crash
// recovery, and background flush/compaction orchestration (spec.md §4.6,
// §5). It is the generalized, concurrent replacement for the teacher's
// db package — single-mutex Put/Delete survive as the critical section
// that assigns sequence numbers and forms WAL records, but foreground
// flush/compaction are replaced with errgroup-owned background workers
// coordinated through singleflight so concurrent triggers collapse.
package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lsmer/lsmer/internal/config"
	"github.com/lsmer/lsmer/internal/errs"
	"github.com/lsmer/lsmer/memtable"
	"github.com/lsmer/lsmer/sstable"
	"github.com/lsmer/lsmer/wal"
)

const (
	sstSubdir = "sst"
	walSubdir = "wal"
)

// Engine is the coordinator described by spec.md §4.6. Reads never hold
// mu across I/O: Get and Range snapshot the current memtable pointer, the
// sealed memtable(s) awaiting flush, and the sstables slice under a brief
// lock, then do all I/O lock-free.
type Engine struct {
	dir    string
	sstDir string
	walDir string
	cfg    config.Config
	log    *zap.Logger

	mu     sync.Mutex
	seq    uint64
	mem    *memtable.Memtable
	sealed []*memtable.Memtable // sealed by Flush, not yet installed as an SSTable reader; oldest first

	sstables  []*sstable.Reader // ascending id order: oldest first, newest last
	nextSSTID uint64
	w         *wal.WAL

	closed   atomic.Bool
	degraded atomic.Bool

	grp    *errgroup.Group
	grpCtx context.Context
	cancel context.CancelFunc

	flushSF   singleflight.Group
	compactSF singleflight.Group

	stats engineStats
}

// Open recovers dir's on-disk state (if any) and returns a ready Engine.
// Directory layout matches spec.md §6: dir/wal holds WAL segments, dir/sst
// holds immutable tables, dir/MANIFEST is a best-effort recovery hint.
func Open(dir string, cfg config.Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: lsm mkdir: %v", errs.ErrIO, err)
	}
	sstDir := filepath.Join(dir, sstSubdir)
	walDir := filepath.Join(dir, walSubdir)
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: lsm mkdir sst: %v", errs.ErrIO, err)
	}

	e := &Engine{
		dir:    dir,
		sstDir: sstDir,
		walDir: walDir,
		cfg:    cfg,
		log:    log,
	}

	if err := e.recover(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	grp, gctx := errgroup.WithContext(ctx)
	e.grp = grp
	e.grpCtx = gctx
	e.cancel = cancel

	opts := wal.Options{SegmentBytes: cfg.WALSegmentBytes, DefaultDurability: cfg.Durability()}
	w, err := wal.Open(walDir, e.seq, opts, log.With(zap.String("component", "wal")))
	if err != nil {
		cancel()
		return nil, err
	}
	e.w = w

	if cfg.CompactionIntervalMS > 0 {
		e.startCompactionTicker()
	}

	e.log.Info("engine opened",
		zap.String("dir", dir),
		zap.Uint64("seq", e.seq),
		zap.Int("sstables", len(e.sstables)),
	)
	return e, nil
}

// Close finalizes in-flight background work, fsyncs the WAL, and releases
// every open file. It waits on the errgroup so a flush or compaction that
// was mid-flight when Close was called finishes (or fails cleanly) before
// returning, per spec.md §5's "close waits for in-flight operations".
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	grpErr := e.grp.Wait()

	e.mu.Lock()
	w := e.w
	sstables := e.sstables
	e.mu.Unlock()

	var walErr error
	if w != nil {
		walErr = w.Close()
	}
	for _, r := range sstables {
		_ = r.Close()
	}
	if grpErr != nil {
		return grpErr
	}
	return walErr
}

// recovery accumulator: one pending entry per key, discarded as soon as a
// later flush checkpoint proves it durably present in an SSTable.
type recEntry struct {
	value     []byte
	tombstone bool
	seq       uint64
}

func (e *Engine) recover() error {
	if err := removeTmpFiles(e.sstDir); err != nil {
		return err
	}
	loaded, maxLoadedID, err := loadSSTables(e.sstDir, e.log)
	if err != nil {
		return err
	}

	acc := make(map[string]recEntry)
	superseded := make(map[uint64]bool)
	var maxRefID uint64

	apply := func(rec wal.Record) error {
		switch rec.Kind {
		case wal.KindPut:
			key, value, err := wal.DecodePutPayload(rec.Payload)
			if err != nil {
				return err
			}
			acc[string(key)] = recEntry{value: cloneBytes(value), seq: rec.Seq}
		case wal.KindDelete:
			key, err := wal.DecodeDeletePayload(rec.Payload)
			if err != nil {
				return err
			}
			acc[string(key)] = recEntry{tombstone: true, seq: rec.Seq}
		case wal.KindCheckpoint:
			if wal.IsCompactionCommitPayload(rec.Payload) {
				inputIDs, outputID, err := wal.DecodeCompactionCommitPayload(rec.Payload)
				if err != nil {
					return err
				}
				for _, id := range inputIDs {
					superseded[id] = true
				}
				maxRefID = maxU64(maxRefID, outputID)
				return nil
			}
			maxSeq, sstableID, err := wal.DecodeCheckpointPayload(rec.Payload)
			if err != nil {
				return err
			}
			maxRefID = maxU64(maxRefID, sstableID)
			for k, v := range acc {
				if v.seq <= maxSeq {
					delete(acc, k)
				}
			}
		case wal.KindBatchBegin, wal.KindBatchCommit:
			// no-op: batches aren't part of the public API yet (wal/record.go).
		}
		return nil
	}

	maxSeq, err := wal.Replay(e.walDir, apply, e.log.With(zap.String("component", "wal")))
	if err != nil {
		return err
	}

	var live []*sstable.Reader
	for id, r := range loaded {
		if superseded[id] {
			e.log.Warn("discarding sstable superseded by a compaction-commit record whose unlink did not complete",
				zap.Uint64("sstable_id", id))
			_ = r.Close()
			_ = os.Remove(r.Path())
			continue
		}
		live = append(live, r)
	}
	sort.Slice(live, func(i, j int) bool { return idOf(live[i]) < idOf(live[j]) })

	e.sstables = live
	e.nextSSTID = maxU64(maxU64(maxLoadedID, maxRefID), 0) + 1
	e.seq = maxSeq + 1

	e.mem = memtable.New(e.cfg.MemtableCapacityBytes, e.log.With(zap.String("component", "memtable")))
	for k, v := range acc {
		if v.tombstone {
			if _, err := e.mem.Delete([]byte(k), v.seq, false); err != nil {
				return err
			}
		} else if _, err := e.mem.Put([]byte(k), v.value, v.seq, false); err != nil {
			return err
		}
	}

	// MANIFEST is only ever a fast-path hint: fold it in with max(), never
	// trust it in place of the directory scan and WAL replay above.
	if hint, ok := readManifest(e.dir); ok {
		e.nextSSTID = maxU64(e.nextSSTID, hint.NextSSTableID)
		e.seq = maxU64(e.seq, hint.MaxSequence+1)
	}
	return nil
}

func removeTmpFiles(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: lsm readdir %s: %v", errs.ErrIO, dir, err)
	}
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		if filepath.Ext(ent.Name()) == ".tmp" {
			_ = os.Remove(filepath.Join(dir, ent.Name()))
		}
	}
	return nil
}

// loadSSTables opens every committed *.sst file in dir. A file whose
// footer fails validation is quarantined (renamed with a .bad suffix,
// spec.md §7) rather than deleted, so an operator can inspect it.
func loadSSTables(dir string, log *zap.Logger) (map[uint64]*sstable.Reader, uint64, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]*sstable.Reader{}, 0, nil
		}
		return nil, 0, fmt.Errorf("%w: lsm readdir %s: %v", errs.ErrIO, dir, err)
	}
	out := make(map[uint64]*sstable.Reader)
	var maxID uint64
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		id, ok := parseSSTFilename(name)
		if !ok {
			continue
		}
		path := filepath.Join(dir, name)
		r, err := sstable.Open(path)
		if err != nil {
			log.Warn("quarantining sstable that failed to open",
				zap.String("path", path), zap.Error(err))
			_ = os.Rename(path, path+".bad")
			continue
		}
		out[id] = r
		if id > maxID {
			maxID = id
		}
	}
	return out, maxID, nil
}

func idOf(r *sstable.Reader) uint64 {
	id, _ := parseSSTFilename(filepath.Base(r.Path()))
	return id
}

func sstPath(dir string, id uint64) string {
	return filepath.Join(dir, sstFilename(id))
}

func sstFilename(id uint64) string {
	return fmt.Sprintf("%06d.sst", id)
}

func parseSSTFilename(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".sst") {
		return 0, false
	}
	digits := strings.TrimSuffix(name, ".sst")
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
