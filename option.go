package sqlitecore

import "time"

// JournalMode selects the durability strategy, fixed at file creation and
// read back from the header on every later open.
type JournalMode int

const (
	// JournalRollback copies original page images to a journal file
	// before overwriting them in place.
	// - Commit cost: journal fsync + database fsync
	// - Readers block the committing writer
	// - Use for: simple deployments, network filesystems without shm
	JournalRollback JournalMode = iota

	// JournalWAL appends committed page images to a write-ahead log that
	// is periodically checkpointed into the database file.
	// - Commit cost: one WAL fsync, no in-place writes
	// - Readers do not block the writer
	// - Use for: concurrent read/write workloads
	JournalWAL
)

// Options configures a connection.
type Options struct {
	pageSize    uint32
	reserved    byte
	journalMode JournalMode
	autoVacuum  bool
	incrVacuum  bool
	cacheSize   int
	busyTimeout time.Duration
	busyHandler func(attempt int) bool
	readOnly    bool
	syncOff     bool
	logger      Logger
}

// DefaultOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		pageSize:  4096,
		cacheSize: 2000,
		logger:    DiscardLogger{},
	}
}

// Option configures a connection using the functional options pattern.
type Option func(*Options)

// WithPageSize sets the page size for a newly created database file. Must
// be a power of two between 512 and 65536. Ignored when the file already
// exists; the header wins.
func WithPageSize(n uint32) Option {
	return func(o *Options) { o.pageSize = n }
}

// WithReservedBytes reserves n bytes at the end of every page, as used by
// encryption extensions. File-creation only.
func WithReservedBytes(n byte) Option {
	return func(o *Options) { o.reserved = n }
}

// WithJournalMode selects rollback-journal or WAL durability.
// File-creation only.
func WithJournalMode(m JournalMode) Option {
	return func(o *Options) { o.journalMode = m }
}

// WithAutoVacuum enables the pointer map and full auto-vacuum on commit.
// File-creation only.
func WithAutoVacuum() Option {
	return func(o *Options) { o.autoVacuum = true }
}

// WithIncrementalVacuum enables the pointer map but leaves compaction to
// explicit IncrementalVacuum calls. File-creation only.
func WithIncrementalVacuum() Option {
	return func(o *Options) { o.autoVacuum = true; o.incrVacuum = true }
}

// WithCacheSize sets the clean-page cache capacity in pages.
func WithCacheSize(pages int) Option {
	return func(o *Options) { o.cacheSize = pages }
}

// WithBusyTimeout retries lock conflicts with backoff until d has elapsed
// before surfacing ErrBusy.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *Options) { o.busyTimeout = d }
}

// WithBusyHandler installs a custom retry policy: it receives the attempt
// number and returns false to give up. Overrides WithBusyTimeout.
func WithBusyHandler(fn func(attempt int) bool) Option {
	return func(o *Options) { o.busyHandler = fn }
}

// WithReadOnly opens the database for reading only.
func WithReadOnly() Option {
	return func(o *Options) { o.readOnly = true }
}

// WithSyncOff disables fsync entirely.
// This provides maximum throughput but crash recovery guarantees are lost.
// Use for: testing, bulk imports with external durability.
func WithSyncOff() Option {
	return func(o *Options) { o.syncOff = true }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.logger = l }
}

// busyHandlerFor translates a timeout into a retry policy with linear
// backoff capped at 100ms per attempt.
func busyHandlerFor(o Options) func(int) bool {
	if o.busyHandler != nil {
		return o.busyHandler
	}
	if o.busyTimeout <= 0 {
		return nil
	}
	var deadline time.Time
	return func(attempt int) bool {
		if attempt == 0 {
			deadline = time.Now().Add(o.busyTimeout)
		} else if time.Now().After(deadline) {
			return false
		}
		sleep := time.Duration(attempt+1) * time.Millisecond
		if sleep > 100*time.Millisecond {
			sleep = 100 * time.Millisecond
		}
		if remain := time.Until(deadline); sleep > remain {
			sleep = remain
		}
		time.Sleep(sleep)
		return true
	}
}
