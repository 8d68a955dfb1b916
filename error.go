package sqlitecore

import "sqlitecore/internal/base"

// Error taxonomy, re-exported so callers can match with errors.Is without
// importing internal packages.
//
//goland:noinspection GoUnusedGlobalVariable
var (
	// ErrBusy is a lock conflict with another connection, retryable via
	// the busy handler or timeout.
	ErrBusy = base.ErrBusy

	// ErrIO is a read/write/fsync failure. Fatal to the in-flight
	// transaction, which is rolled back before the error surfaces.
	ErrIO = base.ErrIO

	// ErrCorrupt means a page-level invariant was violated on read.
	ErrCorrupt = base.ErrCorrupt

	// ErrFull means an allocation failed: disk full or page limit reached.
	ErrFull = base.ErrFull

	// ErrReadOnly is a write attempted on a read-only connection.
	ErrReadOnly = base.ErrReadOnly

	// ErrMisuse is an API contract violation by the caller, such as using
	// a cursor after its transaction finished.
	ErrMisuse = base.ErrMisuse

	// ErrNotADB means the file is not a database file.
	ErrNotADB = base.ErrNotADB
)
