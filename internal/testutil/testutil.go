// Package testutil collects small helpers shared by package tests across
// the engine: a tiny low-capacity config for exercising flush/compaction
// without huge fixtures, a test logger, and a reference-model oracle for
// property-style op-sequence checks (spec.md §8). Modeled on the teacher's
// ad hoc per-test helper functions, generalized into one shared package.
package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lsmer/lsmer/internal/config"
)

// TinyConfig returns a config with a small memtable capacity and low
// compaction trigger, so tests can force flush/compaction cycles without
// writing megabytes of fixture data.
func TinyConfig() config.Config {
	c := config.Default()
	c.MemtableCapacityBytes = 512
	c.CompactionTriggerCount = 3
	return c
}

// Logger returns a *zap.Logger that writes to t.Log, so engine log output
// shows up attributed to the failing test.
func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// Oracle is a plain map[string]record reference model for property-style
// tests: apply the same operations to it and to the engine under test,
// then compare Get results (spec.md §8's "random op sequences checked
// against a reference oracle").
type Oracle struct {
	entries map[string]oracleEntry
}

type oracleEntry struct {
	value     []byte
	tombstone bool
}

// NewOracle returns an empty reference model.
func NewOracle() *Oracle {
	return &Oracle{entries: make(map[string]oracleEntry)}
}

// Put records a value for key in the reference model.
func (o *Oracle) Put(key, value []byte) {
	o.entries[string(key)] = oracleEntry{value: append([]byte(nil), value...)}
}

// Delete records a tombstone for key in the reference model.
func (o *Oracle) Delete(key []byte) {
	o.entries[string(key)] = oracleEntry{tombstone: true}
}

// Get returns the reference model's current (value, found) for key.
func (o *Oracle) Get(key []byte) ([]byte, bool) {
	e, ok := o.entries[string(key)]
	if !ok || e.tombstone {
		return nil, false
	}
	return e.value, true
}
