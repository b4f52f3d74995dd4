package lsm

import (
	"go.uber.org/zap"

	"github.com/lsmer/lsmer/internal/errs"
	"github.com/lsmer/lsmer/wal"
)

// Size bounds enforced by apply, per spec.md §3.
const (
	maxKeyBytes   = 64 * 1024
	maxValueBytes = 4 * 1024 * 1024 * 1024 // int64: overflows int32
)

// Put assigns the next sequence, appends a WAL record at the engine's
// configured default durability, and inserts into the active memtable,
// triggering a background flush if the memtable would overflow. Use
// PutWithDurability to override the durability level for one call.
//
// Only sequence assignment, WAL-record enqueueing and the memtable insert
// happen under mu — spec.md §5's "sequence numbers are assigned under the
// same critical section as WAL record formation" — not the wait for
// durability itself,
// so two goroutines calling Put concurrently with Sync durability can both
// land in the WAL's group-commit window (wal/wal.go) instead of being
// serialized into one fsync per call the way the teacher's db.Put holds
// its mutex across the whole operation.
func (e *Engine) Put(key, value []byte) error {
	return e.apply(key, value, false, e.cfg.Durability())
}

// PutWithDurability is Put with an explicit durability level for this call.
func (e *Engine) PutWithDurability(key, value []byte, durability wal.Durability) error {
	return e.apply(key, value, false, durability)
}

// Delete inserts a tombstone for key; semantics otherwise mirror Put.
func (e *Engine) Delete(key []byte) error {
	return e.apply(key, nil, true, e.cfg.Durability())
}

// DeleteWithDurability is Delete with an explicit durability level for this call.
func (e *Engine) DeleteWithDurability(key []byte, durability wal.Durability) error {
	return e.apply(key, nil, true, durability)
}

func (e *Engine) apply(key, value []byte, tombstone bool, durability wal.Durability) error {
	if len(key) == 0 || len(key) > maxKeyBytes || int64(len(value)) > maxValueBytes {
		return errs.ErrInvalidArgument
	}
	if e.closed.Load() {
		return errs.ErrClosed
	}
	if e.degraded.Load() {
		return errs.ErrDegraded
	}

	e.mu.Lock()
	seq := e.seq
	e.seq++

	var payload []byte
	var kind wal.Kind
	if tombstone {
		kind, payload = wal.KindDelete, wal.DeletePayload(key)
	} else {
		kind, payload = wal.KindPut, wal.PutPayload(key, value)
	}
	pending, err := e.w.AppendAsync(kind, seq, payload, durability)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	var needsFlush bool
	if tombstone {
		needsFlush, err = e.mem.Delete(key, seq, false)
	} else {
		needsFlush, err = e.mem.Put(key, value, seq, false)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if waitErr := pending.Wait(); waitErr != nil {
		e.degraded.Store(true)
		e.log.Error("wal append failed, engine entering degraded mode", zap.Error(waitErr))
		return waitErr
	}

	if needsFlush {
		e.triggerFlushAsync()
	}
	return nil
}
