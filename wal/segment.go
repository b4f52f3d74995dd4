package wal

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentExt = ".wal"

// segmentName formats the file name for a segment whose first record has
// sequence startSeq (spec.md §6's "<start-seq>.wal").
func segmentName(startSeq uint64) string {
	return strconv.FormatUint(startSeq, 10) + segmentExt
}

// parseSegmentName extracts the starting sequence from a segment file name;
// ok is false for anything that doesn't match the "<digits>.wal" shape.
func parseSegmentName(name string) (startSeq uint64, ok bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(name, segmentExt)
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// listSegments returns the starting sequences of every segment file in dir,
// sorted ascending.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var segs []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseSegmentName(e.Name()); ok {
			segs = append(segs, seq)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

func segmentPath(dir string, startSeq uint64) string {
	return filepath.Join(dir, segmentName(startSeq))
}
