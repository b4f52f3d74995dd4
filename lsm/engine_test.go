package lsm

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmer/lsmer/internal/config"
	"github.com/lsmer/lsmer/internal/testutil"
)

func open(t *testing.T, dir string, cfg config.Config) *Engine {
	t.Helper()
	e, err := Open(dir, cfg, testutil.Logger(t))
	require.NoError(t, err)
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := open(t, dir, config.Default())
	defer e.Close()

	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	v, ok, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
}

func TestGetMissingKey(t *testing.T) {
	dir := t.TempDir()
	e := open(t, dir, config.Default())
	defer e.Close()

	_, ok, err := e.Get([]byte("absent"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIsIdempotentAndHidesKey(t *testing.T) {
	dir := t.TempDir()
	e := open(t, dir, config.Default())
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))
	require.NoError(t, e.Delete([]byte("k")))

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutEmptyKeyRejected(t *testing.T) {
	dir := t.TempDir()
	e := open(t, dir, config.Default())
	defer e.Close()

	err := e.Put(nil, []byte("v"))
	assert.Error(t, err)
}

func TestFlushThenReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)

	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v := []byte(fmt.Sprintf("value-%04d", i))
		require.NoError(t, e.Put(k, v))
	}
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	e2 := open(t, dir, cfg)
	defer e2.Close()
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v, ok, err := e2.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "key %s missing after reopen", k)
		assert.Equal(t, fmt.Sprintf("value-%04d", i), string(v))
	}
}

func TestDeleteSurvivesFlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("k")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	e2 := open(t, dir, cfg)
	defer e2.Close()
	_, ok, err := e2.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRangeMergesMemtableAndSSTablesNewestWins(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("old-a")))
	require.NoError(t, e.Put([]byte("b"), []byte("old-b")))
	require.NoError(t, e.Flush())

	require.NoError(t, e.Put([]byte("a"), []byte("new-a")))
	require.NoError(t, e.Put([]byte("c"), []byte("new-c")))

	it := e.Range(nil, nil)
	got := map[string]string{}
	var order []string
	for it.Next() {
		r := it.Record()
		got[string(r.Key)] = string(r.Value)
		order = append(order, string(r.Key))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, "new-a", got["a"])
	assert.Equal(t, "old-b", got["b"])
	assert.Equal(t, "new-c", got["c"])
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRangeEliminatesTombstones(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("a")))

	it := e.Range(nil, nil)
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Record().Key))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"b"}, keys)
}

// TestCompactionTriggersAfterEnoughFlushes crosses the compaction trigger
// via normal Flush calls (letting Flush's own background trigger fire,
// rather than calling compactOnce directly, which would race the
// singleflight-guarded background run) and relies on Close waiting for
// the in-flight compaction to finish before reopening.
func TestCompactionTriggersAfterEnoughFlushes(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)

	keys := cfg.CompactionTriggerCount + 2
	for g := 0; g < keys; g++ {
		k := []byte(fmt.Sprintf("g%d", g))
		require.NoError(t, e.Put(k, []byte("v")))
		require.NoError(t, e.Flush())
	}
	require.NoError(t, e.Close())

	e2 := open(t, dir, cfg)
	defer e2.Close()

	st := e2.Stats()
	assert.Less(t, st.SSTableCount, keys)

	for g := 0; g < keys; g++ {
		k := []byte(fmt.Sprintf("g%d", g))
		_, ok, err := e2.Get(k)
		require.NoError(t, err)
		assert.True(t, ok, "key %s missing after compaction", k)
	}
}

func TestOrphanTmpFileRemovedAtOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	orphan := filepath.Join(dir, sstSubdir, "999999.sst.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("junk"), 0o644))

	e2 := open(t, dir, cfg)
	defer e2.Close()
	assert.NoFileExists(t, orphan)
}

func TestRecoveryReplaysUncommittedWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	e := open(t, dir, cfg)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Close()) // no flush: data lives only in the WAL

	e2 := open(t, dir, cfg)
	defer e2.Close()
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}} {
		v, ok, err := e2.Get([]byte(kv[0]))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, kv[1], string(v))
	}
}

func TestForceCompactMergesRegardlessOfTriggerCount(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)
	defer e.Close()

	// Two flushes is below cfg.CompactionTriggerCount (3), so the
	// background trigger never fires on its own.
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Flush())
	require.Equal(t, 2, e.Stats().SSTableCount)

	require.NoError(t, e.ForceCompact())
	assert.Equal(t, 1, e.Stats().SSTableCount)

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}} {
		v, ok, err := e.Get([]byte(kv[0]))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, kv[1], string(v))
	}
}

func TestForceCompactNoopBelowTwoTables(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.ForceCompact())
	assert.Equal(t, 1, e.Stats().SSTableCount)
}

// TestRandomOpSequenceMatchesOracle runs a random sequence of put/delete/
// flush/get operations against both the engine and a plain-map reference
// model, checking every Get against the oracle's (SPEC_FULL.md §8's
// property-style op-sequence check).
func TestRandomOpSequenceMatchesOracle(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)
	defer e.Close()

	oracle := testutil.NewOracle()
	rng := rand.New(rand.NewSource(1))
	keyspace := make([][]byte, 20)
	for i := range keyspace {
		keyspace[i] = []byte(fmt.Sprintf("key-%02d", i))
	}

	for i := 0; i < 500; i++ {
		k := keyspace[rng.Intn(len(keyspace))]
		switch rng.Intn(10) {
		case 0, 1:
			require.NoError(t, e.Delete(k))
			oracle.Delete(k)
		case 2:
			require.NoError(t, e.Flush())
		default:
			v := []byte(fmt.Sprintf("v%d", i))
			require.NoError(t, e.Put(k, v))
			oracle.Put(k, v)
		}

		got, ok, err := e.Get(k)
		require.NoError(t, err)
		wantVal, wantOk := oracle.Get(k)
		require.Equal(t, wantOk, ok, "key %s", k)
		if wantOk {
			assert.Equal(t, wantVal, got, "key %s", k)
		}
	}
}

func TestStatsReportsLiveSSTableCount(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TinyConfig()
	e := open(t, dir, cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush())

	st := e.Stats()
	assert.Equal(t, 1, st.SSTableCount)
}
