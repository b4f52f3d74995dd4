package wal

// Durability selects how hard Append works to make a record crash-safe
// before returning, per spec.md §4.5.
type Durability uint8

const (
	// DurabilityNone writes to the segment's buffered writer only.
	DurabilityNone Durability = iota
	// DurabilityFlush flushes the buffered writer to the OS, surviving a
	// process crash but not a power loss. This is the default level.
	DurabilityFlush
	// DurabilitySync additionally fsyncs the segment file, surviving a
	// power loss. Concurrent Sync callers are coalesced by the group-commit
	// window (see writerLoop).
	DurabilitySync
)

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityFlush:
		return "flush"
	case DurabilitySync:
		return "sync"
	default:
		return "unknown"
	}
}
