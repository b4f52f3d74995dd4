package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/lsmer/lsmer/memtable"
)

// encodeEntry writes one Entry per spec.md §4.4:
// u32 key_len, key_bytes, u8 kind, u64 seq, u32 val_len, val_bytes
// (val_len is 0 for a tombstone).
func encodeEntry(buf *bytes.Buffer, r memtable.Record) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(r.Key)))
	buf.Write(hdr[:])
	buf.Write(r.Key)

	kind := byte(kindValue)
	if r.Tombstone {
		kind = kindTombstone
	}
	buf.WriteByte(kind)

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], r.Seq)
	buf.Write(seqBuf[:])

	val := r.Value
	if r.Tombstone {
		val = nil
	}
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(val)))
	buf.Write(hdr[:])
	buf.Write(val)
}

// entrySize reports the encoded byte length of r without allocating.
func entrySize(r memtable.Record) int {
	val := len(r.Value)
	if r.Tombstone {
		val = 0
	}
	return 4 + len(r.Key) + 1 + 8 + 4 + val
}

// decodeEntry parses one Entry starting at buf[0], returning the record
// and the number of bytes consumed.
func decodeEntry(buf []byte) (memtable.Record, int, error) {
	if len(buf) < 4 {
		return memtable.Record{}, 0, ErrCorrupt
	}
	klen := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	if uint32(len(buf)-off) < klen {
		return memtable.Record{}, 0, ErrCorrupt
	}
	key := make([]byte, klen)
	copy(key, buf[off:off+int(klen)])
	off += int(klen)

	if len(buf)-off < 1+8+4 {
		return memtable.Record{}, 0, ErrCorrupt
	}
	kind := buf[off]
	off++
	seq := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	vlen := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if uint32(len(buf)-off) < vlen {
		return memtable.Record{}, 0, ErrCorrupt
	}
	var val []byte
	if vlen > 0 {
		val = make([]byte, vlen)
		copy(val, buf[off:off+int(vlen)])
	}
	off += int(vlen)

	if kind != kindValue && kind != kindTombstone {
		return memtable.Record{}, 0, ErrCorrupt
	}
	return memtable.Record{Key: key, Value: val, Tombstone: kind == kindTombstone, Seq: seq}, off, nil
}

// encodeDataBlock wraps a run of entries as: u32 entry_count, entries,
// u32 CRC32 (over everything preceding the trailer).
func encodeDataBlock(entries []memtable.Record) []byte {
	var body bytes.Buffer
	var cntBuf [4]byte
	binary.LittleEndian.PutUint32(cntBuf[:], uint32(len(entries)))
	body.Write(cntBuf[:])
	for _, e := range entries {
		encodeEntry(&body, e)
	}
	crc := crc32Of(body.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	body.Write(crcBuf[:])
	return body.Bytes()
}

// decodeDataBlock validates a block's trailing CRC32 and decodes every
// entry within it.
func decodeDataBlock(raw []byte) ([]memtable.Record, error) {
	if len(raw) < 4+4 {
		return nil, ErrCorrupt
	}
	body := raw[:len(raw)-4]
	wantCRC := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32Of(body) != wantCRC {
		return nil, ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(body[0:4])
	off := 4
	out := make([]memtable.Record, 0, count)
	for i := uint32(0); i < count; i++ {
		r, n, err := decodeEntry(body[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		off += n
	}
	return out, nil
}
