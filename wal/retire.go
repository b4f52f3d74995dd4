package wal

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lsmer/lsmer/internal/errs"
)

// RetireSegments deletes every sealed segment in dir whose entire sequence
// range is ≤ maxSeq — the "minimum sequence still in a memtable that has
// been flushed to a durable SSTable" predicate from spec.md §4.5. The
// newest segment (the one still being written) is never touched, even if
// its starting sequence happens to fall at or below maxSeq.
func RetireSegments(dir string, maxSeq uint64, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	starts, err := listSegments(dir)
	if err != nil {
		return err
	}
	for i := 0; i < len(starts)-1; i++ {
		upperBound := starts[i+1] - 1
		if upperBound > maxSeq {
			break
		}
		path := segmentPath(dir, starts[i])
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: wal retire %s: %v", errs.ErrIO, path, err)
		}
		log.Info("wal segment retired", zap.Uint64("start_seq", starts[i]))
	}
	return nil
}
