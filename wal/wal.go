// Package wal implements the engine's write-ahead log: CRC32-framed
// records, None/Flush/Sync durability with group-commit coalescing for
// concurrent Sync callers, size-based segment rotation, and checkpoint-
// aware crash replay (spec.md §4.5).
package wal

import (
	"bufio"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lsmer/lsmer/internal/errs"
)

// groupCommitWindow is the maximum time the writer goroutine waits after
// the first Sync-durability request arrives, coalescing any requests that
// arrive before the window closes into one fsync (spec.md §4.5).
const groupCommitWindow = 1 * time.Millisecond

// Options configures a WAL instance.
type Options struct {
	SegmentBytes      int64
	DefaultDurability Durability
}

// DefaultOptions mirrors spec.md §6's config table defaults.
func DefaultOptions() Options {
	return Options{
		SegmentBytes:      64 * 1024 * 1024,
		DefaultDurability: DurabilityFlush,
	}
}

type commitRequest struct {
	frame      []byte
	durability Durability
	done       chan error
}

// WAL owns the current segment file. A single background goroutine
// (writerLoop) performs all writes, so callers never touch the file
// directly; they enqueue a commitRequest and block on its done channel
// until the requested durability has been achieved.
type WAL struct {
	dir     string
	opts    Options
	log     *zap.Logger
	f       *os.File
	bw      *bufio.Writer
	curSeq  uint64 // starting sequence of the open segment
	curSize int64

	reqCh   chan *commitRequest
	closeCh chan struct{}
	doneCh  chan struct{}
	closed  atomic.Bool
}

// Open starts a fresh segment named by startSeq — the sequence the caller's
// recovery pass determined comes next — and launches the writer goroutine.
// It does not read existing segments; use Replay for that before calling Open.
func Open(dir string, startSeq uint64, opts Options, log *zap.Logger) (*WAL, error) {
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = DefaultOptions().SegmentBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: wal mkdir: %v", errs.ErrIO, err)
	}

	w := &WAL{
		dir:     dir,
		opts:    opts,
		log:     log,
		reqCh:   make(chan *commitRequest, 256),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := w.openSegment(startSeq); err != nil {
		return nil, err
	}
	go w.writerLoop()
	return w, nil
}

// openSegment opens (or resumes) the segment file named by startSeq in
// append mode. It deliberately omits O_EXCL: Open's caller may be resuming
// a directory whose trailing segment was created by a prior Open but never
// written to (e.g. Open, then Close with no intervening writes), and that
// empty file must be reused rather than rejected as a pre-existing path.
// Any content already on disk was accounted for by the recovery pass that
// ran before Open, so appending to it is always correct.
func (w *WAL) openSegment(startSeq uint64) error {
	path := segmentPath(w.dir, startSeq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: wal open segment %s: %v", errs.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: wal stat segment %s: %v", errs.ErrIO, path, err)
	}
	w.f = f
	w.bw = bufio.NewWriterSize(f, 64*1024)
	w.curSeq = startSeq
	w.curSize = info.Size()
	return nil
}

// Append frames and enqueues one record, blocking until the requested
// durability level has been satisfied.
func (w *WAL) Append(kind Kind, seq uint64, payload []byte, durability Durability) error {
	p, err := w.AppendAsync(kind, seq, payload, durability)
	if err != nil {
		return err
	}
	return p.Wait()
}

// Pending is a record enqueued with AppendAsync, not yet known to have
// reached its requested durability.
type Pending struct {
	done chan error
}

// Wait blocks until the record's durability requirement is satisfied (or
// the WAL fails/closes) and returns the outcome.
func (p *Pending) Wait() error { return <-p.done }

// AppendAsync frames and enqueues one record without waiting for it to
// reach its requested durability. This lets a caller hold a coordinator-
// level lock only long enough to assign the record's sequence and enqueue
// it — preserving WAL order relative to sequence order — then release the
// lock and wait on the returned Pending, so multiple concurrent
// Sync-durability callers can still land in the same group-commit batch
// (spec.md §4.5, §5: "sequence numbers are assigned under the same
// critical section as WAL record formation").
func (w *WAL) AppendAsync(kind Kind, seq uint64, payload []byte, durability Durability) (*Pending, error) {
	if w.closed.Load() {
		return nil, errs.ErrClosed
	}
	frame := encodeRecord(seq, kind, payload)
	req := &commitRequest{frame: frame, durability: durability, done: make(chan error, 1)}
	select {
	case w.reqCh <- req:
	case <-w.closeCh:
		return nil, errs.ErrClosed
	}
	return &Pending{done: req.done}, nil
}

func (w *WAL) writerLoop() {
	defer close(w.doneCh)
	for {
		var first *commitRequest
		select {
		case first = <-w.reqCh:
		case <-w.closeCh:
			w.drainRemaining()
			return
		}

		batch := []*commitRequest{first}
		if first.durability == DurabilitySync {
			timer := time.NewTimer(groupCommitWindow)
		collectSync:
			for {
				select {
				case req := <-w.reqCh:
					batch = append(batch, req)
				case <-timer.C:
					break collectSync
				}
			}
			timer.Stop()
		} else {
		drainQueued:
			for {
				select {
				case req := <-w.reqCh:
					batch = append(batch, req)
				default:
					break drainQueued
				}
			}
		}
		w.commitBatch(batch)
	}
}

// drainRemaining flushes any requests still queued at Close time so their
// callers don't block forever on a closed WAL.
func (w *WAL) drainRemaining() {
	for {
		select {
		case req := <-w.reqCh:
			req.done <- errs.ErrClosed
		default:
			return
		}
	}
}

func (w *WAL) commitBatch(batch []*commitRequest) {
	needFlush := false
	needSync := false
	var writeErr error

	for _, req := range batch {
		if writeErr == nil {
			if w.curSize > 0 && w.curSize+int64(len(req.frame)) > w.opts.SegmentBytes {
				if err := w.rotate(req.frame); err != nil {
					writeErr = err
				}
			}
		}
		if writeErr == nil {
			if _, err := w.bw.Write(req.frame); err != nil {
				writeErr = fmt.Errorf("%w: wal write: %v", errs.ErrIO, err)
			} else {
				w.curSize += int64(len(req.frame))
			}
		}
		if req.durability == DurabilitySync {
			needSync = true
			needFlush = true
		} else if req.durability == DurabilityFlush {
			needFlush = true
		}
	}

	if writeErr == nil && needFlush {
		if err := w.bw.Flush(); err != nil {
			writeErr = fmt.Errorf("%w: wal flush: %v", errs.ErrIO, err)
		}
	}
	if writeErr == nil && needSync {
		if err := w.f.Sync(); err != nil {
			writeErr = fmt.Errorf("%w: wal fsync: %v", errs.ErrIO, err)
			w.log.Error("wal fsync failed, engine should degrade", zap.Error(err))
		}
	}

	for _, req := range batch {
		req.done <- writeErr
	}
}

// rotate seals the current segment (flushing what's buffered) and opens a
// new one named by the sequence of the record about to be written.
func (w *WAL) rotate(nextFrame []byte) error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("%w: wal rotate flush: %v", errs.ErrIO, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: wal rotate fsync: %v", errs.ErrIO, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: wal rotate close: %v", errs.ErrIO, err)
	}
	nextSeq := decodeFrameSeq(nextFrame)
	if err := w.openSegment(nextSeq); err != nil {
		return err
	}
	w.log.Info("wal segment rotated", zap.Uint64("start_seq", nextSeq))
	return nil
}

func decodeFrameSeq(frame []byte) uint64 {
	rec, err := decodeRecordBody(frame[4:])
	if err != nil {
		return 0
	}
	return rec.Seq
}

// Close flushes and fsyncs the active segment, stops the writer goroutine,
// and releases the file handle.
func (w *WAL) Close() error {
	w.closed.Store(true)
	close(w.closeCh)
	<-w.doneCh
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("%w: wal close flush: %v", errs.ErrIO, err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("%w: wal close fsync: %v", errs.ErrIO, err)
	}
	return w.f.Close()
}

// CurrentSegmentStart reports the starting sequence of the segment
// currently being written, for diagnostics/tests.
func (w *WAL) CurrentSegmentStart() uint64 { return w.curSeq }
