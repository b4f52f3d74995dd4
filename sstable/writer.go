package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/lsmer/lsmer/bloom"
	"github.com/lsmer/lsmer/memtable"
)

const (
	bloomFlagPlain       = 0
	bloomFlagPartitioned = 1
)

// Writer builds one new, immutable SSTable file. Entries must be added in
// strictly increasing key order (spec.md §4.4's writer contract); Finish
// flushes the trailing data block, writes the index/Bloom/footer, fsyncs,
// and atomically renames the temp file into place.
type Writer struct {
	finalPath string
	tmpPath   string
	f         *os.File
	bw        *bufio.Writer
	offset    uint64

	curBlock     []memtable.Record
	curBlockSize int
	blockTarget  int

	index    []indexEntry
	keys     [][]byte
	minKey   []byte
	maxKey   []byte
	entries  uint64
	lastKey  []byte
	hasLast  bool
	finished bool

	fpRate float64
}

// defaultFalsePositiveRate mirrors internal/config.Default's
// BloomFalsePositiveRate; used when SetFalsePositiveRate is never called.
const defaultFalsePositiveRate = 0.01

// Create opens path+".tmp" for exclusive writing; Finish renames it to
// path once the table is complete. A crash before Finish leaves no
// visible table at path.
func Create(path string) (*Writer, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", tmp, err)
	}
	return &Writer{
		finalPath:   path,
		tmpPath:     tmp,
		f:           f,
		bw:          bufio.NewWriterSize(f, 64*1024),
		fpRate:      defaultFalsePositiveRate,
		blockTarget: BlockSizeTarget,
	}, nil
}

// SetFalsePositiveRate overrides the target false-positive rate used when
// Finish builds this table's Bloom filter (internal/config's
// bloom_false_positive_rate). Must be called before the first Add.
func (w *Writer) SetFalsePositiveRate(p float64) {
	if p > 0 {
		w.fpRate = p
	}
}

// SetBlockSize overrides the data block sealing target (internal/config's
// block_size_bytes); a block is sealed once the next entry would push it
// past 2x this target. Must be called before the first Add.
func (w *Writer) SetBlockSize(n int) {
	if n > 0 {
		w.blockTarget = n
	}
}

// Add appends one record. Keys must be strictly increasing across calls.
func (w *Writer) Add(r memtable.Record) error {
	if w.finished {
		return fmt.Errorf("sstable: Add after Finish")
	}
	if len(r.Key) == 0 {
		return ErrEmptyKey
	}
	if w.hasLast && bytes.Compare(r.Key, w.lastKey) <= 0 {
		return ErrOutOfOrder
	}

	key := cloneBytes(r.Key)
	if w.minKey == nil {
		w.minKey = key
	}
	w.maxKey = key
	w.lastKey = key
	w.hasLast = true
	w.keys = append(w.keys, key)
	w.entries++

	if len(w.curBlock) > 0 && w.curBlockSize+entrySize(r) > 2*w.blockTarget {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	w.curBlock = append(w.curBlock, r)
	w.curBlockSize += entrySize(r)
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.curBlock) == 0 {
		return nil
	}
	blockBytes := encodeDataBlock(w.curBlock)
	w.index = append(w.index, indexEntry{
		key:      w.curBlock[0].Key,
		blockOff: w.offset,
		blockLen: uint32(len(blockBytes)),
	})
	if _, err := w.bw.Write(blockBytes); err != nil {
		return fmt.Errorf("sstable: write data block: %w", err)
	}
	w.offset += uint64(len(blockBytes))
	w.curBlock = w.curBlock[:0]
	w.curBlockSize = 0
	return nil
}

// Finish completes the table: flush the last data block, write the keys
// block, the index block, the Bloom filter and the footer, fsync, then
// atomically rename the temp file to its final path.
func (w *Writer) Finish() (Footer, error) {
	if w.finished {
		return Footer{}, fmt.Errorf("sstable: Finish called twice")
	}
	w.finished = true
	defer w.f.Close()

	if err := w.flushBlock(); err != nil {
		return Footer{}, err
	}

	minOff, maxOff, err := w.writeKeysBlock()
	if err != nil {
		return Footer{}, err
	}

	idxBytes := encodeIndexBlock(w.index)
	idxOffset := w.offset
	if _, err := w.bw.Write(idxBytes); err != nil {
		return Footer{}, fmt.Errorf("sstable: write index block: %w", err)
	}
	w.offset += uint64(len(idxBytes))

	bloomOffset := w.offset
	bloomLen, err := w.writeBloomBlock()
	if err != nil {
		return Footer{}, err
	}

	footer := Footer{
		IndexOffset:     idxOffset,
		IndexLen:        uint64(len(idxBytes)),
		BloomOffset:     bloomOffset,
		BloomLen:        bloomLen,
		MinKeyOffset:    minOff,
		MaxKeyOffset:    maxOff,
		EntryCount:      w.entries,
		CompressionCode: CompressionNone,
		Magic:           Magic,
	}
	footerBytes := encodeFooter(footer)
	if _, err := w.bw.Write(footerBytes); err != nil {
		return Footer{}, fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := w.bw.Flush(); err != nil {
		return Footer{}, fmt.Errorf("sstable: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return Footer{}, fmt.Errorf("%w: sstable fsync: %v", ErrCorrupt, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return Footer{}, fmt.Errorf("sstable: rename into place: %w", err)
	}
	return footer, nil
}

// writeKeysBlock writes: u32 minKeyLen, minKeyBytes, u32 maxKeyLen,
// maxKeyBytes, u32 CRC32. It returns the file offsets of the minKeyLen and
// maxKeyLen fields respectively, which the footer records so a reader can
// recover [min,max] without touching the index or data blocks.
func (w *Writer) writeKeysBlock() (minOff, maxOff uint64, err error) {
	var body bytes.Buffer
	minOff = w.offset
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(w.minKey)))
	body.Write(lenBuf[:])
	body.Write(w.minKey)

	maxOff = minOff + uint64(4+len(w.minKey))
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(w.maxKey)))
	body.Write(lenBuf[:])
	body.Write(w.maxKey)

	crc := crc32Of(body.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	body.Write(crcBuf[:])

	if _, err := w.bw.Write(body.Bytes()); err != nil {
		return 0, 0, fmt.Errorf("sstable: write keys block: %w", err)
	}
	w.offset += uint64(body.Len())
	return minOff, maxOff, nil
}

// writeBloomBlock builds and serializes the table's Bloom filter: a plain
// bloom.Filter for small tables, or a bloom.Partitioned once entry count
// crosses PartitionThresholdEntries (SPEC_FULL.md §4.1). Format:
// u8 flag (0=plain,1=partitioned), filter bytes, u32 CRC32.
func (w *Writer) writeBloomBlock() (uint64, error) {
	var body bytes.Buffer
	if w.entries > PartitionThresholdEntries {
		body.WriteByte(bloomFlagPartitioned)
		pf := bloom.NewPartitioned(bloom.DefaultPartitions, w.entries, w.fpRate)
		for _, k := range w.keys {
			pf.Insert(k)
		}
		body.Write(pf.Encode())
	} else {
		body.WriteByte(bloomFlagPlain)
		f := bloom.New(w.entries, w.fpRate)
		for _, k := range w.keys {
			f.Insert(k)
		}
		body.Write(f.Encode())
	}
	crc := crc32Of(body.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	body.Write(crcBuf[:])

	if _, err := w.bw.Write(body.Bytes()); err != nil {
		return 0, fmt.Errorf("sstable: write bloom block: %w", err)
	}
	w.offset += uint64(body.Len())
	return uint64(body.Len()), nil
}

// Abort discards a partially-written table, removing its temp file. Callers
// that hit an error before Finish should call this to avoid leaking
// ".sst.tmp" files (which Open's startup scan would otherwise treat as a
// crash remnant anyway, but cleaning up promptly avoids the wait).
func (w *Writer) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
