package bloom

import (
	"encoding/binary"
)

// fixedSipKey is the 128-bit key every filter hashes with. spec.md §4.4
// fixes the on-disk BloomBlock layout to (u64 m, u32 k, bitmap, u32 CRC32)
// with no room for a per-filter key, so the key has to be a build-time
// constant rather than travel with the serialized filter the way a
// randomly drawn key would need to.
var fixedSipKey = [16]byte{
	0x6c, 0x73, 0x6d, 0x65, 0x72, 0x2d, 0x62, 0x6c,
	0x6f, 0x6f, 0x6d, 0x2d, 0x73, 0x69, 0x70, 0x30,
}

func newSipKey() [16]byte { return fixedSipKey }

// siphash24 is a SipHash-2-4 (2 compression rounds, 4 finalization rounds)
// implementation over a 128-bit key, per Aumasson & Bernstein. No
// ready-made SipHash dependency appears anywhere in the retrieved example
// corpus, so this is hand-written domain code rather than a stdlib
// stand-in for an ambient concern.
func siphash24(key [16]byte, data []byte) uint64 {
	k0 := binary.LittleEndian.Uint64(key[0:8])
	k1 := binary.LittleEndian.Uint64(key[8:16])

	v0 := k0 ^ 0x736f6d6570736575
	v1 := k1 ^ 0x646f72616e646f6d
	v2 := k0 ^ 0x6c7967656e657261
	v3 := k1 ^ 0x7465646279746573

	b := uint64(len(data)) << 56

	round := func() {
		v0 += v1
		v1 = rotl64(v1, 13)
		v1 ^= v0
		v0 = rotl64(v0, 32)
		v2 += v3
		v3 = rotl64(v3, 16)
		v3 ^= v2
		v0 += v3
		v3 = rotl64(v3, 21)
		v3 ^= v0
		v2 += v1
		v1 = rotl64(v1, 17)
		v1 ^= v2
		v2 = rotl64(v2, 32)
	}

	n := len(data)
	end := n - (n % 8)
	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(data[i : i+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	// last partial word, packed with the length byte per the spec's tail
	// construction
	var tail [8]byte
	copy(tail[:], data[end:])
	b |= binary.LittleEndian.Uint64(tail[:])

	v3 ^= b
	round()
	round()
	v0 ^= b

	v2 ^= 0xff
	round()
	round()
	round()
	round()

	return v0 ^ v1 ^ v2 ^ v3
}

func rotl64(x uint64, b uint) uint64 {
	return (x << b) | (x >> (64 - b))
}
