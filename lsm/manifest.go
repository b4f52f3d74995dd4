package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/lsmer/lsmer/internal/errs"
)

// manifestName is rewritten atomically after every flush/compaction
// commit and read once at Open. It is never load-bearing for correctness
// (spec.md §10): if absent or corrupt, Open falls back entirely to the
// SSTable-directory scan and WAL replay in recover().
const manifestName = "MANIFEST"

// manifestRecord is {next_sstable_id, max_sequence}, little-endian,
// trailed by a CRC32 over both fields.
type manifestRecord struct {
	NextSSTableID uint64
	MaxSequence   uint64
}

func encodeManifest(m manifestRecord) []byte {
	buf := make([]byte, 8+8+4)
	binary.LittleEndian.PutUint64(buf[0:8], m.NextSSTableID)
	binary.LittleEndian.PutUint64(buf[8:16], m.MaxSequence)
	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf[:16]))
	return buf
}

func decodeManifest(buf []byte) (manifestRecord, bool) {
	if len(buf) != 20 {
		return manifestRecord{}, false
	}
	if crc32.ChecksumIEEE(buf[:16]) != binary.LittleEndian.Uint32(buf[16:20]) {
		return manifestRecord{}, false
	}
	return manifestRecord{
		NextSSTableID: binary.LittleEndian.Uint64(buf[0:8]),
		MaxSequence:   binary.LittleEndian.Uint64(buf[8:16]),
	}, true
}

// writeManifest rewrites MANIFEST via temp+rename so a reader never
// observes a partially-written file.
func (e *Engine) writeManifest() error {
	e.mu.Lock()
	rec := manifestRecord{NextSSTableID: e.nextSSTID, MaxSequence: e.seq - 1}
	e.mu.Unlock()

	path := filepath.Join(e.dir, manifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encodeManifest(rec), 0o644); err != nil {
		return fmt.Errorf("%w: manifest write %s: %v", errs.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: manifest rename %s: %v", errs.ErrIO, path, err)
	}
	return nil
}

// readManifest returns the hint recorded by the last successful
// writeManifest, or ok=false if absent/corrupt — recover() only uses this
// as a hint and always confirms it against the authoritative directory
// scan and WAL replay.
func readManifest(dir string) (manifestRecord, bool) {
	buf, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return manifestRecord{}, false
	}
	return decodeManifest(buf)
}
