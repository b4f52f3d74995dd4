package sstable

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/lsmer/lsmer/bloom"
	"github.com/lsmer/lsmer/memtable"
)

// Lookup is the three-way result of Reader.Get: a key is absent, present
// with a value, or present as a tombstone.
type Lookup int

const (
	NotFound Lookup = iota
	FoundValue
	FoundTombstone
)

// Reader opens a finalized, read-only SSTable. Reader.Get and Reader.Range
// use ReadAt, so a single Reader may be shared and called concurrently
// from any number of goroutines without external locking.
type Reader struct {
	path   string
	f      *os.File
	footer Footer
	index  []indexEntry

	filter      *bloom.Filter
	partitioned *bloom.Partitioned

	minKey []byte
	maxKey []byte
}

// Open validates the footer, index block and Bloom block of the SSTable
// at path, then returns a ready-to-query Reader.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < footerSize {
		f.Close()
		return nil, ErrCorrupt
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, st.Size()-footerSize); err != nil {
		f.Close()
		return nil, err
	}
	footer, err := decodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	idxBuf := make([]byte, footer.IndexLen)
	if _, err := f.ReadAt(idxBuf, int64(footer.IndexOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading index block: %v", ErrCorrupt, err)
	}
	index, err := decodeIndexBlock(idxBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	bloomBuf := make([]byte, footer.BloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(footer.BloomOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading bloom block: %v", ErrCorrupt, err)
	}
	if len(bloomBuf) < 1+4 {
		f.Close()
		return nil, ErrCorrupt
	}
	bloomBody := bloomBuf[:len(bloomBuf)-4]
	r := &Reader{path: path, f: f, footer: footer, index: index}
	if crc32Of(bloomBody) != leU32(bloomBuf[len(bloomBuf)-4:]) {
		f.Close()
		return nil, ErrCorrupt
	}
	switch bloomBody[0] {
	case bloomFlagPlain:
		r.filter, err = bloom.Decode(bloomBody[1:])
	case bloomFlagPartitioned:
		r.partitioned, err = bloom.DecodePartitioned(bloomBody[1:])
	default:
		err = ErrCorrupt
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	minKey, maxKey, err := r.readMinMaxKeys()
	if err != nil {
		f.Close()
		return nil, err
	}
	r.minKey, r.maxKey = minKey, maxKey
	return r, nil
}

func (r *Reader) readMinMaxKeys() (min, max []byte, err error) {
	min, err = r.readLenPrefixedAt(r.footer.MinKeyOffset)
	if err != nil {
		return nil, nil, err
	}
	max, err = r.readLenPrefixedAt(r.footer.MaxKeyOffset)
	if err != nil {
		return nil, nil, err
	}
	return min, max, nil
}

func (r *Reader) readLenPrefixedAt(offset uint64) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := r.f.ReadAt(lenBuf, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	n := leU32(lenBuf)
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, int64(offset)+4); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return buf, nil
}

// MinKey and MaxKey report the table's [min,max] key range, used by the
// coordinator to skip tables that cannot contain a queried key.
func (r *Reader) MinKey() []byte { return r.minKey }
func (r *Reader) MaxKey() []byte { return r.maxKey }

// EntryCount reports the number of entries (values and tombstones)
// recorded in the footer.
func (r *Reader) EntryCount() uint64 { return r.footer.EntryCount }

// Path reports the backing file path.
func (r *Reader) Path() string { return r.path }

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// MayContain consults the table's Bloom filter (partitioned or plain).
func (r *Reader) MayContain(key []byte) bool {
	if r.partitioned != nil {
		return r.partitioned.MayContain(key)
	}
	return r.filter.MayContain(key)
}

// InRange reports whether key falls within [MinKey, MaxKey] inclusive.
func (r *Reader) InRange(key []byte) bool {
	return bytes.Compare(key, r.minKey) >= 0 && bytes.Compare(key, r.maxKey) <= 0
}

// Get binary-searches the index to find the candidate data block, reads
// and CRC-validates it, then binary-searches within it for key.
func (r *Reader) Get(key []byte) (memtable.Record, Lookup, error) {
	if !r.MayContain(key) || !r.InRange(key) {
		return memtable.Record{}, NotFound, nil
	}

	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, key) > 0
	}) - 1
	if idx < 0 {
		return memtable.Record{}, NotFound, nil
	}
	entry := r.index[idx]

	blockBuf := make([]byte, entry.blockLen)
	if _, err := r.f.ReadAt(blockBuf, int64(entry.blockOff)); err != nil {
		return memtable.Record{}, NotFound, fmt.Errorf("sstable: read data block: %w", err)
	}
	records, err := decodeDataBlock(blockBuf)
	if err != nil {
		return memtable.Record{}, NotFound, err
	}

	i := sort.Search(len(records), func(i int) bool {
		return bytes.Compare(records[i].Key, key) >= 0
	})
	if i >= len(records) || !bytes.Equal(records[i].Key, key) {
		return memtable.Record{}, NotFound, nil
	}
	rec := records[i]
	if rec.Tombstone {
		return rec, FoundTombstone, nil
	}
	return rec, FoundValue, nil
}

// RangeIterator lazily walks data blocks in key order, across block
// boundaries, restricted to [lo, hi).
type RangeIterator struct {
	r       *Reader
	lo, hi  []byte
	blockIx int
	recs    []memtable.Record
	pos     int
	cur     memtable.Record
	err     error
}

// Record returns the record at the iterator's current position. Valid
// only after a call to Next that returned true.
func (it *RangeIterator) Record() memtable.Record { return it.cur }

// Range returns a lazy iterator over [lo, hi); nil bounds are unbounded.
func (r *Reader) Range(lo, hi []byte) *RangeIterator {
	start := 0
	if lo != nil {
		start = sort.Search(len(r.index), func(i int) bool {
			return bytes.Compare(r.index[i].key, lo) > 0
		}) - 1
		if start < 0 {
			start = 0
		}
	}
	return &RangeIterator{r: r, lo: lo, hi: hi, blockIx: start}
}

// Err returns any error encountered while iterating.
func (it *RangeIterator) Err() error { return it.err }

// Next advances the iterator, loading subsequent data blocks as needed.
func (it *RangeIterator) Next() bool {
	for {
		if it.pos < len(it.recs) {
			rec := it.recs[it.pos]
			if it.hi != nil && bytes.Compare(rec.Key, it.hi) >= 0 {
				it.recs = nil
				return false
			}
			if it.lo != nil && bytes.Compare(rec.Key, it.lo) < 0 {
				it.pos++
				continue
			}
			it.pos++
			it.cur = rec
			return true
		}
		if it.blockIx >= len(it.r.index) {
			return false
		}
		entry := it.r.index[it.blockIx]
		it.blockIx++
		blockBuf := make([]byte, entry.blockLen)
		if _, err := it.r.f.ReadAt(blockBuf, int64(entry.blockOff)); err != nil {
			it.err = err
			return false
		}
		recs, err := decodeDataBlock(blockBuf)
		if err != nil {
			it.err = err
			return false
		}
		it.recs = recs
		it.pos = 0
	}
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
