// Package errs defines the sentinel error kinds shared across the engine,
// per spec.md §7. Callers distinguish them with errors.Is; NotFound is
// deliberately not one of these — a miss from Get is a (false, nil)
// return, not an error value.
package errs

import "errors"

var (
	// ErrIO wraps filesystem/interrupt failures. Use fmt.Errorf("%w: ...", ErrIO)
	// to attach the underlying os error.
	ErrIO = errors.New("lsmer: io error")

	// ErrCorruption covers checksum mismatches, bad footer magic, and
	// unexpected EOF mid-record.
	ErrCorruption = errors.New("lsmer: corruption")

	// ErrCapacityExceeded is returned by a strict-insert Put/Delete whose
	// resulting size would exceed the memtable's capacity.
	ErrCapacityExceeded = errors.New("lsmer: capacity exceeded")

	// ErrInvalidArgument covers empty keys and oversized keys/values.
	ErrInvalidArgument = errors.New("lsmer: invalid argument")

	// ErrBusy names the "close in progress" kind. No operation in this
	// module returns it: once Close has begun, Get, Put and Delete return
	// ErrClosed.
	ErrBusy = errors.New("lsmer: busy")

	// ErrClosed is returned by Get, Put and Delete (and their
	// WithDurability variants) once Close has begun.
	ErrClosed = errors.New("lsmer: engine closed")

	// ErrDegraded is returned by writes once the engine has transitioned
	// to read-only mode after an fsync failure.
	ErrDegraded = errors.New("lsmer: engine is in read-only degraded mode")
)
