package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmer/lsmer/memtable"
)

func corruptLastByte(t *testing.T, path string) {
	t.Helper()
	st, err := os.Stat(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, st.Size()-1)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, st.Size()-1)
	require.NoError(t, err)
}

func flipByteAt(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, offset)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, offset)
	require.NoError(t, err)
}

func truncateFile(t *testing.T, path string, newSize int64) {
	t.Helper()
	require.NoError(t, os.Truncate(path, newSize))
}

func writeTable(t *testing.T, dir string, name string, recs []memtable.Record) *Footer {
	t.Helper()
	w, err := Create(filepath.Join(dir, name))
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Add(r))
	}
	footer, err := w.Finish()
	require.NoError(t, err)
	return &footer
}

func sampleRecords(n int) []memtable.Record {
	recs := make([]memtable.Record, n)
	for i := 0; i < n; i++ {
		recs[i] = memtable.Record{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("value-%05d", i)),
			Seq:   uint64(i + 1),
		}
	}
	return recs
}

func TestWriterRejectsOutOfOrderKeys(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	require.NoError(t, w.Add(memtable.Record{Key: []byte("b"), Value: []byte("1"), Seq: 1}))
	err = w.Add(memtable.Record{Key: []byte("a"), Value: []byte("2"), Seq: 2})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	require.NoError(t, w.Abort())
}

func TestWriterRejectsEmptyKey(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	err = w.Add(memtable.Record{Key: nil, Value: []byte("1"), Seq: 1})
	assert.ErrorIs(t, err, ErrEmptyKey)
	require.NoError(t, w.Abort())
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords(500)
	writeTable(t, dir, "t.sst", recs)

	r, err := Open(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, recs[0].Key, r.MinKey())
	assert.Equal(t, recs[len(recs)-1].Key, r.MaxKey())
	assert.Equal(t, uint64(len(recs)), r.EntryCount())

	for _, want := range recs {
		got, status, err := r.Get(want.Key)
		require.NoError(t, err)
		require.Equal(t, FoundValue, status)
		assert.Equal(t, want.Value, got.Value)
		assert.Equal(t, want.Seq, got.Seq)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "t.sst", sampleRecords(50))

	r, err := Open(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	defer r.Close()

	_, status, err := r.Get([]byte("does-not-exist"))
	require.NoError(t, err)
	assert.Equal(t, NotFound, status)
}

func TestGetTombstone(t *testing.T) {
	dir := t.TempDir()
	recs := []memtable.Record{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1},
		{Key: []byte("b"), Tombstone: true, Seq: 2},
		{Key: []byte("c"), Value: []byte("3"), Seq: 3},
	}
	writeTable(t, dir, "t.sst", recs)

	r, err := Open(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	defer r.Close()

	_, status, err := r.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, FoundTombstone, status)
}

func TestRangeScanOrderedAndBounded(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords(200)
	writeTable(t, dir, "t.sst", recs)

	r, err := Open(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	defer r.Close()

	it := r.Range([]byte("key-00010"), []byte("key-00020"))
	var got []memtable.Record
	for it.Next() {
		got = append(got, it.Record())
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 10)
	for i, rec := range got {
		assert.Equal(t, recs[10+i].Key, rec.Key)
	}
}

func TestRangeScanUnboundedCoversWholeTable(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords(300)
	writeTable(t, dir, "t.sst", recs)

	r, err := Open(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	defer r.Close()

	it := r.Range(nil, nil)
	count := 0
	var last []byte
	for it.Next() {
		rec := it.Record()
		if last != nil {
			assert.True(t, string(last) < string(rec.Key))
		}
		last = rec.Key
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, len(recs), count)
}

func TestRangeCrossesMultipleDataBlocks(t *testing.T) {
	dir := t.TempDir()
	// Large values push entries across the 8KiB block ceiling quickly,
	// forcing Range to walk several data blocks.
	recs := make([]memtable.Record, 100)
	for i := range recs {
		recs[i] = memtable.Record{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: make([]byte, 512),
			Seq:   uint64(i + 1),
		}
	}
	writeTable(t, dir, "t.sst", recs)

	r, err := Open(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	defer r.Close()

	it := r.Range(nil, nil)
	count := 0
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, len(recs), count)
}

func TestBloomFilterRejectsAbsentKeysWithoutDiskRead(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords(1000)
	writeTable(t, dir, "t.sst", recs)

	r, err := Open(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.MayContain([]byte("definitely-not-present-xyz")))
	assert.True(t, r.MayContain(recs[0].Key))
}

func TestPartitionedBloomUsedAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	n := PartitionThresholdEntries + 10
	recs := make([]memtable.Record, n)
	for i := range recs {
		recs[i] = memtable.Record{
			Key:   []byte(fmt.Sprintf("key-%08d", i)),
			Value: []byte("v"),
			Seq:   uint64(i + 1),
		}
	}
	writeTable(t, dir, "t.sst", recs)

	r, err := Open(filepath.Join(dir, "t.sst"))
	require.NoError(t, err)
	defer r.Close()

	require.NotNil(t, r.partitioned)
	require.Nil(t, r.filter)
	assert.True(t, r.MayContain(recs[0].Key))
}

func TestCorruptFooterRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.sst")
	writeTable(t, dir, "t.sst", sampleRecords(10))

	corruptLastByte(t, path)

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCorruptDataBlockDetectedOnRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.sst")
	writeTable(t, dir, "t.sst", sampleRecords(10))

	flipByteAt(t, path, 10)

	r, err := Open(path)
	if err != nil {
		assert.ErrorIs(t, err, ErrCorrupt)
		return
	}
	defer r.Close()
	_, _, err = r.Get([]byte("key-00000"))
	assert.Error(t, err)
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.sst")
	writeTable(t, dir, "t.sst", sampleRecords(10))
	truncateFile(t, path, 10)

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}
