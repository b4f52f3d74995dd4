package sstable

import (
	"bytes"
	"encoding/binary"
)

// indexEntry points at one data block by its first (separator) key.
type indexEntry struct {
	key       []byte
	blockOff  uint64
	blockLen  uint32
}

// encodeIndexBlock writes: u32 entry_count, then repeated
// (u32 key_len, key_bytes, u64 block_offset, u32 block_len), then u32 CRC32.
func encodeIndexBlock(entries []indexEntry) []byte {
	var body bytes.Buffer
	var cntBuf [4]byte
	binary.LittleEndian.PutUint32(cntBuf[:], uint32(len(entries)))
	body.Write(cntBuf[:])
	for _, e := range entries {
		var klenBuf [4]byte
		binary.LittleEndian.PutUint32(klenBuf[:], uint32(len(e.key)))
		body.Write(klenBuf[:])
		body.Write(e.key)
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], e.blockOff)
		body.Write(offBuf[:])
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], e.blockLen)
		body.Write(lenBuf[:])
	}
	crc := crc32Of(body.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	body.Write(crcBuf[:])
	return body.Bytes()
}

func decodeIndexBlock(raw []byte) ([]indexEntry, error) {
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
	out := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(body)-off < 4 {
			return nil, ErrCorrupt
		}
		klen := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		if uint32(len(body)-off) < klen {
			return nil, ErrCorrupt
		}
		key := make([]byte, klen)
		copy(key, body[off:off+int(klen)])
		off += int(klen)
		if len(body)-off < 8+4 {
			return nil, ErrCorrupt
		}
		blockOff := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		blockLen := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		out = append(out, indexEntry{key: key, blockOff: blockOff, blockLen: blockLen})
	}
	return out, nil
}
