// Package memtable implements the size-bounded in-memory write buffer that
// sits in front of the LSM coordinator's SSTables. It wraps the
// skiplist package's concurrent ordered index with byte-size accounting
// and the capacity/flush-hint protocol described in spec.md §4.3.
package memtable

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lsmer/lsmer/internal/errs"
	"github.com/lsmer/lsmer/skiplist"
)

// Memtable is safe for concurrent Put/Delete/Get/Range from many writers;
// DrainSorted must be called by exactly one flusher, and only after the
// coordinator has swapped this table out of the write path (see
// spec.md §5's memtable-swap description).
type Memtable struct {
	idx      *skiplist.Skiplist
	size     atomic.Int64
	capacity int64
	drained  atomic.Bool
	log      *zap.Logger
}

// New constructs an empty memtable with the given capacity bound in
// bytes. A nil logger is replaced with zap's no-op logger.
func New(capacityBytes int64, log *zap.Logger) *Memtable {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memtable{
		idx:      skiplist.New(),
		capacity: capacityBytes,
		log:      log,
	}
}

// Size reports the current accumulated byte size.
func (m *Memtable) Size() int64 { return m.size.Load() }

// Capacity reports the configured capacity bound.
func (m *Memtable) Capacity() int64 { return m.capacity }

// Put inserts or replaces key's value. When strict is true, a resulting
// size above capacity is rejected with errs.ErrCapacityExceeded and the
// write does not happen; when strict is false the write always succeeds
// and needsFlush reports whether the caller should trigger a flush.
func (m *Memtable) Put(key, value []byte, seq uint64, strict bool) (needsFlush bool, err error) {
	return m.apply(Record{Key: key, Value: value, Seq: seq}, strict)
}

// Delete inserts a tombstone for key; accounting and the strict/hint
// protocol mirror Put.
func (m *Memtable) Delete(key []byte, seq uint64, strict bool) (needsFlush bool, err error) {
	return m.apply(Record{Key: key, Tombstone: true, Seq: seq}, strict)
}

func (m *Memtable) apply(r Record, strict bool) (needsFlush bool, err error) {
	old, existed := m.idx.Get(r.Key)
	var delta int64
	if existed {
		delta = int64(payloadSize(r)) - int64(len(old.Bytes))
		if old.Tombstone {
			delta = int64(payloadSize(r)) - tombstoneSize
		}
	} else {
		delta = int64(len(r.Key)) + int64(payloadSize(r))
	}

	projected := m.size.Load() + delta
	if strict && m.capacity > 0 && projected > m.capacity {
		return false, errs.ErrCapacityExceeded
	}

	m.idx.Put(r.Key, skiplist.Value{Bytes: r.Value, Tombstone: r.Tombstone, Seq: r.Seq})
	newSize := m.size.Add(delta)

	needsFlush = m.capacity > 0 && newSize > m.capacity
	if needsFlush {
		m.log.Debug("memtable needs flush",
			zap.Int64("size", newSize), zap.Int64("capacity", m.capacity))
	}
	return needsFlush, nil
}

// lookupResult distinguishes "absent", "present as tombstone", and
// "present with a value" the way spec.md's Get contract requires.
type lookupResult int

const (
	// Absent means no record exists for the key at all.
	Absent lookupResult = iota
	// PresentTombstone means the most recent record for the key is a delete.
	PresentTombstone
	// PresentValue means the most recent record for the key carries a value.
	PresentValue
)

// Get returns the memtable's current record for key, if any, along with
// which of Absent/PresentTombstone/PresentValue applies.
func (m *Memtable) Get(key []byte) (Record, lookupResult) {
	v, ok := m.idx.Get(key)
	if !ok {
		return Record{}, Absent
	}
	r := Record{Key: key, Value: v.Bytes, Tombstone: v.Tombstone, Seq: v.Seq}
	if v.Tombstone {
		return r, PresentTombstone
	}
	return r, PresentValue
}

// Range returns a lazy, key-ordered iterator over [lo, hi).
func (m *Memtable) Range(lo, hi []byte) *RangeIterator {
	return &RangeIterator{it: m.idx.Range(lo, hi)}
}

// RangeIterator adapts skiplist.Iterator's Value to memtable.Record.
type RangeIterator struct {
	it *skiplist.Iterator
}

// Next advances the iterator.
func (r *RangeIterator) Next() bool { return r.it.Next() }

// Record returns the current entry. Valid only after Next returns true.
func (r *RangeIterator) Record() Record {
	v := r.it.Value()
	return Record{Key: r.it.Key(), Value: v.Bytes, Tombstone: v.Tombstone, Seq: v.Seq}
}

// Close releases any resources (the pinned reclamation epoch) held by the
// iterator. Safe to call after exhaustion too.
func (r *RangeIterator) Close() { r.it.Close() }

// DrainSorted yields every entry in key order and marks the memtable
// drained. It must be called exactly once, by the single flusher that
// owns this (now sealed) memtable — concurrent writers are not expected
// once the coordinator has swapped a new active memtable into place.
func (m *Memtable) DrainSorted() []Record {
	if !m.drained.CompareAndSwap(false, true) {
		m.log.Warn("DrainSorted called more than once on the same memtable")
		return nil
	}
	it := m.idx.Range(nil, nil)
	defer it.Close()
	out := make([]Record, 0, 256)
	for it.Next() {
		v := it.Value()
		out = append(out, Record{Key: it.Key(), Value: v.Bytes, Tombstone: v.Tombstone, Seq: v.Seq})
	}
	return out
}
