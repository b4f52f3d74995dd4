// Package sstable implements the immutable on-disk sorted table format:
// data blocks, a sparse index block, a Bloom filter block and a fixed-size
// footer, all little-endian with CRC32 integrity on every block and every
// WAL-style frame (spec.md §4.4, invariant I5).
package sstable

import (
	"encoding/binary"
	"errors"
)

// Magic identifies an SSTable footer (spec.md §6).
const Magic uint32 = 0x4C534D31

// CompressionNone is the only compression code the core engine writes or
// accepts; the footer field exists so a future codec can be introduced
// without an on-disk format break (spec.md's Non-goals explicitly exclude
// building that codec now).
const CompressionNone uint8 = 0

// BlockSizeTarget implements spec.md §4.4's block sealing rule: a data
// block is sealed once the *next* entry would push it past 2x the target
// (Writer.SetBlockSize can override the target), so entries are never
// split across blocks.
const BlockSizeTarget = 4 * 1024

// PartitionThresholdEntries is the entry count above which the writer
// builds a partitioned Bloom filter (bloom.Partitioned) instead of a
// single flat one, per SPEC_FULL.md §4.1.
const PartitionThresholdEntries = 65536

var (
	// ErrCorrupt signals a checksum mismatch or structurally invalid block.
	ErrCorrupt = errors.New("sstable: corrupt")
	// ErrBadMagic signals a footer whose magic number doesn't match.
	ErrBadMagic = errors.New("sstable: bad magic")
	// ErrOutOfOrder is returned by Writer.Add when keys are not strictly increasing.
	ErrOutOfOrder = errors.New("sstable: keys must be added in strictly increasing order")
	// ErrEmptyKey rejects a zero-length key, per the data model (spec.md §3).
	ErrEmptyKey = errors.New("sstable: empty key")
)

const kindValue = 0
const kindTombstone = 1

// footerSize is the fixed on-disk size of the Footer struct below:
// 7 uint64 fields + 1 byte + 2 uint32 fields = 56 + 1 + 8 = 65 bytes.
const footerSize = 8*7 + 1 + 4 + 4

// Footer is the fixed-size trailer every SSTable ends with.
type Footer struct {
	IndexOffset     uint64
	IndexLen        uint64
	BloomOffset     uint64
	BloomLen        uint64
	MinKeyOffset    uint64
	MaxKeyOffset    uint64
	EntryCount      uint64
	CompressionCode uint8
	Magic           uint32
}

func encodeFooter(f Footer) []byte {
	buf := make([]byte, footerSize)
	off := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}
	putU64(f.IndexOffset)
	putU64(f.IndexLen)
	putU64(f.BloomOffset)
	putU64(f.BloomLen)
	putU64(f.MinKeyOffset)
	putU64(f.MaxKeyOffset)
	putU64(f.EntryCount)
	buf[off] = f.CompressionCode
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], f.Magic)
	off += 4
	crc := crc32Of(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)
	return buf
}

func decodeFooter(buf []byte) (Footer, error) {
	if len(buf) != footerSize {
		return Footer{}, ErrCorrupt
	}
	body := buf[:footerSize-4]
	wantCRC := binary.LittleEndian.Uint32(buf[footerSize-4:])
	if crc32Of(body) != wantCRC {
		return Footer{}, ErrCorrupt
	}
	off := 0
	readU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		return v
	}
	var f Footer
	f.IndexOffset = readU64()
	f.IndexLen = readU64()
	f.BloomOffset = readU64()
	f.BloomLen = readU64()
	f.MinKeyOffset = readU64()
	f.MaxKeyOffset = readU64()
	f.EntryCount = readU64()
	f.CompressionCode = buf[off]
	off++
	f.Magic = binary.LittleEndian.Uint32(buf[off : off+4])
	if f.Magic != Magic {
		return Footer{}, ErrBadMagic
	}
	return f, nil
}
