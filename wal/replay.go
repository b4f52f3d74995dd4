package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/lsmer/lsmer/internal/errs"
)

// Replay scans every segment in dir in sequence order, verifies each
// record's CRC, and invokes apply for each one in order. A truncated or
// corrupt tail record — the expected shape of a crash mid-append — is
// logged and replay stops there; corruption anywhere but the very last
// record of the very last segment is reported as an error, since that can
// only mean the log itself is damaged (spec.md §7's recovery policy).
//
// It returns the highest sequence number observed, so the caller knows
// where to resume numbering new records from.
func Replay(dir string, apply func(Record) error, log *zap.Logger) (maxSeq uint64, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	segs, err := listSegments(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: wal list segments: %v", errs.ErrIO, err)
	}

	for si, startSeq := range segs {
		isLastSegment := si == len(segs)-1
		path := segmentPath(dir, startSeq)
		n, truncated, rerr := replaySegment(path, apply, log)
		maxSeq = maxUint64(maxSeq, n)
		if rerr != nil {
			return maxSeq, fmt.Errorf("%w: replaying %s: %v", errs.ErrCorruption, path, rerr)
		}
		if truncated && !isLastSegment {
			return maxSeq, fmt.Errorf("%w: %s has a truncated tail but is not the newest segment", errs.ErrCorruption, path)
		}
	}
	return maxSeq, nil
}

// replaySegment applies every well-formed record in one segment file. A
// short read or CRC failure on the final record is treated as an
// interrupted append: it stops replay of this segment and reports
// truncated=true instead of an error.
func replaySegment(path string, apply func(Record) error, log *zap.Logger) (maxSeq uint64, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return maxSeq, false, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn("wal: truncated record length prefix, stopping replay", zap.String("segment", path))
				return maxSeq, true, nil
			}
			return maxSeq, false, err
		}
		totalLen := binary.LittleEndian.Uint32(lenBuf[:])
		if totalLen == 0 {
			log.Warn("wal: zero-length record, treating as truncated tail", zap.String("segment", path))
			return maxSeq, true, nil
		}

		body := make([]byte, totalLen)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				log.Warn("wal: truncated record body, stopping replay", zap.String("segment", path))
				return maxSeq, true, nil
			}
			return maxSeq, false, err
		}

		rec, derr := decodeRecordBody(body)
		if derr != nil {
			if _, perr := r.Peek(1); perr == nil {
				return maxSeq, false, fmt.Errorf("record followed by more data: %w", derr)
			}
			log.Warn("wal: CRC mismatch on record, stopping replay", zap.String("segment", path))
			return maxSeq, true, nil
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if err := apply(rec); err != nil {
			return maxSeq, false, err
		}
	}
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
