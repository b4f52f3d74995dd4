package lsm

import (
	"bytes"
	"container/heap"

	"github.com/lsmer/lsmer/internal/errs"
	"github.com/lsmer/lsmer/memtable"
	"github.com/lsmer/lsmer/sstable"
)

// Get checks the active memtable first, then any sealed memtable(s)
// awaiting flush (newest-sealed first), then live SSTables newest to
// oldest, skipping any whose Bloom filter or [min,max] range rejects the
// key, short-circuiting on the first hit — including a tombstone, which
// reports not-found (spec.md §4.6).
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, errs.ErrInvalidArgument
	}
	if e.closed.Load() {
		return nil, false, errs.ErrClosed
	}

	e.mu.Lock()
	mem := e.mem
	sealed := e.sealed
	tables := e.sstables
	e.mu.Unlock()

	if r, status := mem.Get(key); status != memtable.Absent {
		if status == memtable.PresentTombstone {
			return nil, false, nil
		}
		return r.Value, true, nil
	}

	for i := len(sealed) - 1; i >= 0; i-- {
		if r, status := sealed[i].Get(key); status != memtable.Absent {
			if status == memtable.PresentTombstone {
				return nil, false, nil
			}
			return r.Value, true, nil
		}
	}

	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		if !t.MayContain(key) {
			e.stats.bloomNegatives.Add(1)
			continue
		}
		if !t.InRange(key) {
			continue
		}
		rec, status, err := t.Get(key)
		if err != nil {
			return nil, false, err
		}
		switch status {
		case sstable.FoundValue:
			return rec.Value, true, nil
		case sstable.FoundTombstone:
			return nil, false, nil
		}
		e.stats.bloomFalsePositives.Add(1)
	}
	return nil, false, nil
}

// Range returns a lazily-merged, key-ordered iterator over [lo, hi) across
// the active memtable and every live SSTable, newest-wins on duplicate
// keys, tombstones eliminated (spec.md §4.6). It is a prefix-consistent
// snapshot: writes with sequence ≤ the call's start are all included.
func (e *Engine) Range(lo, hi []byte) *RangeIterator {
	e.mu.Lock()
	mem := e.mem
	sealedSnapshot := e.sealed
	sstSnapshot := e.sstables
	e.mu.Unlock()

	sources := make([]*sourceIter, 0, len(sstSnapshot)+len(sealedSnapshot)+1)
	for i, t := range sstSnapshot {
		sources = append(sources, &sourceIter{kind: sourceSST, sit: t.Range(lo, hi), rank: i + 1})
	}
	for i, m := range sealedSnapshot {
		sources = append(sources, &sourceIter{kind: sourceMem, mit: m.Range(lo, hi), rank: len(sstSnapshot) + i + 1})
	}
	sources = append(sources, &sourceIter{kind: sourceMem, mit: mem.Range(lo, hi), rank: len(sstSnapshot) + len(sealedSnapshot) + 1})

	it := &RangeIterator{}
	for _, s := range sources {
		if s.advance() {
			it.heap = append(it.heap, s)
		}
	}
	heap.Init(&it.heap)
	return it
}

const (
	sourceMem = iota
	sourceSST
)

// sourceIter adapts either a memtable.RangeIterator or an
// sstable.RangeIterator to a common (key, record, rank) shape so the merge
// heap can compare across both kinds. rank breaks ties between sources
// that currently hold the same key: a higher rank always wins, and the
// memtable (the newest data) is given the highest rank of all.
type sourceIter struct {
	kind int
	mit  interface {
		Next() bool
		Record() memtable.Record
	}
	sit interface {
		Next() bool
		Record() memtable.Record
		Err() error
	}
	rank int
	cur  memtable.Record
	err  error
}

func (s *sourceIter) advance() bool {
	if s.kind == sourceMem {
		if s.mit.Next() {
			s.cur = s.mit.Record()
			return true
		}
		return false
	}
	if s.sit.Next() {
		s.cur = s.sit.Record()
		return true
	}
	s.err = s.sit.Err()
	return false
}

// RangeIterator merges sourceIters by key; on key ties it yields the entry
// from the highest-rank source (freshest data), matching spec.md §4.6's
// "preferring newer sequence on ties", and silently skips tombstones.
type RangeIterator struct {
	heap sourceHeap
	cur  memtable.Record
	err  error
}

// Next advances to the next live (non-tombstone) key in order.
func (it *RangeIterator) Next() bool {
	for it.heap.Len() > 0 {
		best := it.popGroup()
		if it.err != nil {
			return false
		}
		if best.Tombstone {
			continue
		}
		it.cur = best
		return true
	}
	return false
}

// popGroup pops every heap entry sharing the current minimum key, keeping
// only the highest-rank record among them, and re-queues each popped
// source's next entry.
func (it *RangeIterator) popGroup() memtable.Record {
	top := heap.Pop(&it.heap).(*sourceIter)
	best := top.cur
	bestRank := top.rank
	if top.advance() {
		heap.Push(&it.heap, top)
	} else if top.err != nil {
		it.err = top.err
	}

	for it.heap.Len() > 0 && bytes.Equal(it.heap[0].cur.Key, best.Key) {
		next := heap.Pop(&it.heap).(*sourceIter)
		if next.rank > bestRank {
			best = next.cur
			bestRank = next.rank
		}
		if next.advance() {
			heap.Push(&it.heap, next)
		} else if next.err != nil {
			it.err = next.err
		}
	}
	return best
}

// Record returns the current entry. Valid only after Next returns true.
func (it *RangeIterator) Record() memtable.Record { return it.cur }

// Err reports the first error encountered by any underlying source.
func (it *RangeIterator) Err() error { return it.err }

type sourceHeap []*sourceIter

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].cur.Key, h[j].cur.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].rank > h[j].rank
}
func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x any)   { *h = append(*h, x.(*sourceIter)) }
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
