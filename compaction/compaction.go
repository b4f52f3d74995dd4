// Package compaction merges overlapping SSTables into one, collapsing
// duplicate keys to the newest write and dropping tombstones once nothing
// below the merge could still need them (spec.md §4.6).
package compaction

import (
	"bytes"
	"container/heap"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lsmer/lsmer/internal/errs"
	"github.com/lsmer/lsmer/memtable"
	"github.com/lsmer/lsmer/sstable"
)

// Result describes a completed merge: the new table's footer and path,
// ready for the caller to install in its live metadata set and record in
// the WAL via a compaction-commit record.
type Result struct {
	Path      string
	Footer    sstable.Footer
	InputSize int
}

// Run performs a k-way merge of inputs into a new SSTable at outputPath.
// When bottomLevel is true, the oldest data in the LSM tree is among the
// inputs, so a tombstone that wins its key's merge is dropped entirely
// rather than carried forward (nothing below it could still shadow a
// stale value). The output is written to outputPath+".tmp" and atomically
// renamed into place by sstable.Writer.Finish before Run returns — the
// compaction-commit WAL record and input unlinking are the caller's job
// (see Unlink), so a crash between rename and WAL record leaves the
// inputs authoritative and the new file an orphan to be discarded at
// startup.
// fpRate and blockSizeBytes carry internal/config's bloom_false_positive_rate
// and block_size_bytes through to the output table's Writer; zero picks the
// Writer's built-in defaults.
func Run(inputs []*sstable.Reader, outputPath string, bottomLevel bool, log *zap.Logger, fpRate float64, blockSizeBytes int) (Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(inputs) == 0 {
		return Result{}, fmt.Errorf("compaction: no inputs")
	}

	w, err := sstable.Create(outputPath)
	if err != nil {
		return Result{}, err
	}
	w.SetFalsePositiveRate(fpRate)
	w.SetBlockSize(blockSizeBytes)

	h := make(mergeHeap, 0, len(inputs))
	for _, r := range inputs {
		it := r.Range(nil, nil)
		if it.Next() {
			h = append(h, it)
		} else if it.Err() != nil {
			_ = w.Abort()
			return Result{}, it.Err()
		}
	}
	heap.Init(&h)

	var (
		curKey []byte
		best   memtable.Record
		have   bool
		count  int
	)
	flushBest := func() error {
		if !have {
			return nil
		}
		if bottomLevel && best.Tombstone {
			have = false
			return nil
		}
		if err := w.Add(best); err != nil {
			return err
		}
		count++
		have = false
		return nil
	}

	for h.Len() > 0 {
		it := h[0]
		r := it.Record()
		if !have || !bytes.Equal(r.Key, curKey) {
			if err := flushBest(); err != nil {
				_ = w.Abort()
				return Result{}, err
			}
			curKey = cloneKey(r.Key)
			best = r
			have = true
		} else if r.Seq > best.Seq {
			best = r
		}

		if it.Next() {
			heap.Fix(&h, 0)
		} else {
			if it.Err() != nil {
				_ = w.Abort()
				return Result{}, it.Err()
			}
			heap.Pop(&h)
		}
	}
	if err := flushBest(); err != nil {
		_ = w.Abort()
		return Result{}, err
	}

	footer, err := w.Finish()
	if err != nil {
		return Result{}, err
	}
	log.Info("compaction run complete",
		zap.String("output", outputPath),
		zap.Int("inputs", len(inputs)),
		zap.Uint64("entries", footer.EntryCount),
		zap.Bool("bottom_level", bottomLevel),
	)
	return Result{Path: outputPath, Footer: footer, InputSize: count}, nil
}

// Unlink removes every input table's backing file. Callers must only call
// this after the compaction-commit WAL record has been durably appended,
// per spec.md §4.6's commit protocol.
func Unlink(inputs []*sstable.Reader) error {
	for _, r := range inputs {
		if err := os.Remove(r.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: compaction unlink %s: %v", errs.ErrIO, r.Path(), err)
		}
	}
	return nil
}

func cloneKey(k []byte) []byte {
	out := make([]byte, len(k))
	copy(out, k)
	return out
}

// mergeHeap orders active table iterators by current key, so heap[0] is
// always the smallest remaining key across every input (spec.md §4.6's
// "k-way merge of input iterators", grounded on the teacher's
// compaction.mergeHeap).
type mergeHeap []*sstable.RangeIterator

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].Record().Key, h[j].Record().Key) < 0
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*sstable.RangeIterator)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
