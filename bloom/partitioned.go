package bloom

import (
	"encoding/binary"
	"errors"
)

// DefaultPartitions is the sub-filter count used by NewPartitioned when the
// caller doesn't have a core-count-derived value handy. spec.md leaves the
// partition count as an open question; SPEC_FULL.md pins it to a small
// constant, matching the "implementations may choose a small constant
// (e.g., 8)" guidance.
const DefaultPartitions = 8

// ErrPartitionMismatch is returned by Merge when partition counts differ.
var ErrPartitionMismatch = errors.New("bloom: partition count mismatch")

// Partitioned is a fixed array of P independent Bloom filters. A key is
// routed to exactly one sub-filter by its top hash bits, so MayContain and
// Insert each touch a single sub-filter instead of the whole bit array —
// useful for SSTables large enough that the routing hash's extra cost is
// repaid by not having to probe one giant filter per lookup.
type Partitioned struct {
	p    uint32
	subs []*Filter
}

// NewPartitioned builds P sub-filters, each sized for n/P insertions at
// target false-positive rate p.
func NewPartitioned(p uint32, n uint64, fp float64) *Partitioned {
	if p == 0 {
		p = DefaultPartitions
	}
	perPart := n / uint64(p)
	if perPart == 0 {
		perPart = 1
	}
	subs := make([]*Filter, p)
	for i := range subs {
		subs[i] = New(perPart, fp)
	}
	return &Partitioned{p: p, subs: subs}
}

// partitionOf routes key by the top 3 bits of h_a (spec.md §4.4), the same
// CRC32-seeded hash Filter.hashPair uses as the first half of its double
// hash — reusing it here means routing costs no extra hash computation.
// For partition counts other than the spec's default of 8 the top 3 bits
// are reduced mod p so every partition count still routes deterministically.
func (pf *Partitioned) partitionOf(key []byte) uint32 {
	top3 := uint32(hashA(key) >> 61)
	return top3 % pf.p
}

// Insert routes key to its partition and sets that sub-filter's bits.
func (pf *Partitioned) Insert(key []byte) {
	pf.subs[pf.partitionOf(key)].Insert(key)
}

// MayContain consults exactly the one sub-filter key routes to.
func (pf *Partitioned) MayContain(key []byte) bool {
	return pf.subs[pf.partitionOf(key)].MayContain(key)
}

// Merge bit-ORs each partition of other into the matching partition of pf.
// Both must have the same partition count and per-partition shape.
func (pf *Partitioned) Merge(other *Partitioned) error {
	if pf.p != other.p {
		return ErrPartitionMismatch
	}
	for i := range pf.subs {
		if err := pf.subs[i].Merge(other.subs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Clear zeros every partition.
func (pf *Partitioned) Clear() {
	for _, s := range pf.subs {
		s.Clear()
	}
}

// Encode serializes as: u32 partition count, then for each partition the
// u32 length-prefixed output of Filter.Encode.
func (pf *Partitioned) Encode() []byte {
	parts := make([][]byte, len(pf.subs))
	total := 4
	for i, s := range pf.subs {
		parts[i] = s.Encode()
		total += 4 + len(parts[i])
	}
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:4], pf.p)
	off := 4
	for _, p := range parts {
		binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p)))
		off += 4
		copy(out[off:], p)
		off += len(p)
	}
	return out
}

// DecodePartitioned parses the wire format produced by Encode.
func DecodePartitioned(b []byte) (*Partitioned, error) {
	if len(b) < 4 {
		return nil, ErrCorrupt
	}
	p := binary.LittleEndian.Uint32(b[0:4])
	off := 4
	subs := make([]*Filter, 0, p)
	for i := uint32(0); i < p; i++ {
		if off+4 > len(b) {
			return nil, ErrCorrupt
		}
		n := int(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		if off+n > len(b) {
			return nil, ErrCorrupt
		}
		f, err := Decode(b[off : off+n])
		if err != nil {
			return nil, err
		}
		subs = append(subs, f)
		off += n
	}
	return &Partitioned{p: p, subs: subs}, nil
}
