// Package bloom implements the probabilistic membership filters used by
// SSTables to avoid disk reads for keys that are definitely absent.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// ErrShapeMismatch is returned by Merge when the two filters were built
// with different (m,k) parameters and therefore cannot be OR'd bit-for-bit.
var ErrShapeMismatch = errors.New("bloom: shape mismatch")

// ErrCorrupt is returned by Decode when the serialized form is truncated
// or internally inconsistent.
var ErrCorrupt = errors.New("bloom: corrupt encoding")

// Filter is a classic Bloom filter over a bit array of size M with K
// double-hashed probes per key.
type Filter struct {
	m    uint64
	k    uint32
	bits *bitset.BitSet
	// sipKey seeds the SipHash-2-4 half of the double hash. Every filter
	// uses the same build-time key (see newSipKey) rather than a randomly
	// drawn per-filter one, so the wire format has no key to carry and can
	// match spec.md §4.4's BloomBlock layout exactly.
	sipKey [16]byte
}

// New builds an empty filter sized for n expected insertions at a target
// false-positive rate p. p must be in (0,1).
func New(n uint64, p float64) *Filter {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := optimalM(n, p)
	k := optimalK(m, n)
	return newShaped(m, k)
}

func newShaped(m uint64, k uint32) *Filter {
	return &Filter{
		m:      m,
		k:      k,
		bits:   bitset.New(uint(m)),
		sipKey: newSipKey(),
	}
}

func optimalM(n uint64, p float64) uint64 {
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	bits := uint64(m)
	if bits < 8 {
		bits = 8
	}
	if rem := bits % 8; rem != 0 {
		bits += 8 - rem
	}
	return bits
}

func optimalK(m, n uint64) uint32 {
	k := uint32(math.Floor(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return k
}

// M reports the bit-array size.
func (f *Filter) M() uint64 { return f.m }

// K reports the number of hash probes.
func (f *Filter) K() uint32 { return f.k }

// Insert sets the K bits derived from key.
func (f *Filter) Insert(key []byte) {
	h1, h2 := f.hashPair(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		f.bits.Set(uint(bit))
	}
}

// MayContain reports whether key might be a member. False means definitely
// not present; true means maybe present (subject to the filter's target
// false-positive rate).
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := f.hashPair(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		if !f.bits.Test(uint(bit)) {
			return false
		}
	}
	return true
}

// hashPair computes the double-hashing seeds: h_a is a CRC32-seeded hash
// widened to 64 bits via xxhash, h_b is SipHash-2-4 keyed with the fixed
// build-time key shared by every filter (see siphash.go).
func (f *Filter) hashPair(key []byte) (uint64, uint64) {
	return hashA(key), siphash24(f.sipKey, key)
}

// hashA implements the spec's "one CRC32-seeded" hash: CRC32 of the key
// seeds a salt that is mixed with the key through xxhash to produce a
// full 64-bit avalanche (a bare CRC32 is only 32 bits and checksum-grade,
// not hash-grade, so it cannot stand alone as a Bloom probe).
func hashA(key []byte) uint64 {
	seed := uint64(crc32.ChecksumIEEE(key))
	d := xxhash.New()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], seed)
	_, _ = d.Write(seedBuf[:])
	_, _ = d.Write(key)
	return d.Sum64()
}

// Merge bit-ORs other into f. Both filters must share (m,k).
func (f *Filter) Merge(other *Filter) error {
	if f.m != other.m || f.k != other.k {
		return ErrShapeMismatch
	}
	f.bits.InPlaceUnion(other.bits)
	return nil
}

// Clear zeros all bits without changing the filter's shape.
func (f *Filter) Clear() {
	f.bits.ClearAll()
}

// Encode serializes the filter as spec.md §4.4's BloomBlock: u64 m, u32 k,
// ceil(m/8) bitmap bytes, then a trailing u32 CRC32 over everything before
// it, all little-endian.
func (f *Filter) Encode() []byte {
	byteLen := (f.m + 7) / 8
	out := make([]byte, 8+4+byteLen+4)
	binary.LittleEndian.PutUint64(out[0:8], f.m)
	binary.LittleEndian.PutUint32(out[8:12], f.k)
	body := out[12 : 12+byteLen]
	for i := uint64(0); i < f.m; i++ {
		if f.bits.Test(uint(i)) {
			body[i/8] |= 1 << (i % 8)
		}
	}
	checksum := crc32.ChecksumIEEE(out[:12+byteLen])
	binary.LittleEndian.PutUint32(out[12+byteLen:], checksum)
	return out
}

// Decode parses the wire format produced by Encode, verifying the trailing
// CRC32 before trusting m, k, or the bitmap.
func Decode(b []byte) (*Filter, error) {
	if len(b) < 8+4+4 {
		return nil, ErrCorrupt
	}
	m := binary.LittleEndian.Uint64(b[0:8])
	k := binary.LittleEndian.Uint32(b[8:12])
	if m == 0 || k == 0 {
		return nil, ErrCorrupt
	}
	byteLen := (m + 7) / 8
	if uint64(len(b)) != 12+byteLen+4 {
		return nil, ErrCorrupt
	}
	body := b[12 : 12+byteLen]
	want := binary.LittleEndian.Uint32(b[12+byteLen:])
	if crc32.ChecksumIEEE(b[:12+byteLen]) != want {
		return nil, ErrCorrupt
	}
	bs := bitset.New(uint(m))
	for i := uint64(0); i < m; i++ {
		if body[i/8]&(1<<(i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return &Filter{m: m, k: k, bits: bs, sipKey: newSipKey()}, nil
}
