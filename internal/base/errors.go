package base

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's taxonomy. Every error surfaced by the
// engine wraps exactly one of these, so callers classify with errors.Is.
var (
	// ErrBusy is a lock conflict. Retryable via the busy handler/timeout.
	ErrBusy = errors.New("database is locked")

	// ErrIO is a read/write/fsync failure. Fatal to the in-flight
	// transaction, which is rolled back before the error is surfaced.
	ErrIO = errors.New("disk I/O error")

	// ErrCorrupt means a page-level invariant was violated on read: bad
	// magic, out-of-range offsets, non-monotonic keys, broken freeblock
	// chains.
	ErrCorrupt = errors.New("database disk image is malformed")

	// ErrFull means an allocation failed: disk full or the page-count
	// limit was reached.
	ErrFull = errors.New("database or disk is full")

	// ErrReadOnly is a write attempted against a read-only connection.
	ErrReadOnly = errors.New("attempt to write a readonly database")

	// ErrMisuse is an API contract violation by the caller, such as using
	// a cursor after its transaction ended.
	ErrMisuse = errors.New("library routine called out of sequence")

	// ErrNotADB means the file exists but is not a database file.
	ErrNotADB = errors.New("file is not a database")
)

// Corruptf wraps ErrCorrupt with detail about what was malformed.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// IOErrf wraps ErrIO with the failing operation and underlying error.
func IOErrf(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}

// Misusef wraps ErrMisuse with detail about the contract violation.
func Misusef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMisuse, fmt.Sprintf(format, args...))
}
