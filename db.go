// Package sqlitecore is an embedded storage engine whose on-disk format,
// locking protocol, and crash-recovery semantics are byte-compatible with
// the SQLite file format: databases it writes open cleanly in other
// readers of that format and vice versa. It provides the pager, rollback
// journal and WAL, the five-state file lock machine, and table/index
// b-trees with auto-vacuum; SQL parsing, planning, and execution are the
// caller's concern.
package sqlitecore

import (
	"sync"

	"sqlitecore/internal/base"
	"sqlitecore/internal/btree"
	"sqlitecore/internal/pager"
	"sqlitecore/internal/wal"
)

// Pgno is a 1-based database page number. Tree roots are identified by
// their page number.
type Pgno = base.Pgno

// CheckpointMode selects how aggressively a checkpoint folds WAL frames
// into the database file.
type CheckpointMode = wal.CheckpointMode

const (
	// CheckpointPassive copies what it can without blocking on readers.
	CheckpointPassive = wal.CheckpointPassive
	// CheckpointFull waits until every frame is copied.
	CheckpointFull = wal.CheckpointFull
	// CheckpointRestart additionally resets the log for reuse.
	CheckpointRestart = wal.CheckpointRestart
	// CheckpointTruncate additionally truncates the log file to zero.
	CheckpointTruncate = wal.CheckpointTruncate
)

// Connection is one handle on a database file. A Connection serializes its
// own transactions; concurrency comes from opening multiple connections,
// coordinated through file locks and, in WAL mode, the shared-memory
// index.
type Connection struct {
	mu     sync.Mutex
	path   string
	pager  *pager.Pager
	bt     *btree.Btree
	log    Logger
	tx     *Tx
	closed bool
}

// Open opens or creates the database file at path. A new file is
// initialized with the page size, journal mode, and vacuum mode from the
// options; for an existing file those come from the header and the
// corresponding options are ignored.
func Open(path string, options ...Option) (*Connection, error) {
	o := DefaultOptions()
	for _, opt := range options {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = DiscardLogger{}
	}

	p, err := pager.Open(path, pager.Options{
		PageSize:    o.pageSize,
		Reserved:    o.reserved,
		WAL:         o.journalMode == JournalWAL,
		AutoVacuum:  o.autoVacuum,
		IncrVacuum:  o.incrVacuum,
		ReadOnly:    o.readOnly,
		SyncOff:     o.syncOff,
		CacheSize:   o.cacheSize,
		BusyHandler: busyHandlerFor(o),
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Connection{
		path:  path,
		pager: p,
		bt:    btree.New(p),
		log:   o.logger,
	}, nil
}

// Path returns the database file path.
func (c *Connection) Path() string { return c.path }

// PageSize returns the database page size in bytes.
func (c *Connection) PageSize() uint32 { return c.pager.PageSize() }

// Begin starts a transaction. Only one transaction per connection is open
// at a time; a write transaction fails with ErrBusy while another
// connection holds the write lock.
func (c *Connection) Begin(writable bool) (*Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, base.Misusef("connection is closed")
	}
	if c.tx != nil {
		return nil, base.Misusef("transaction already open on this connection")
	}
	var err error
	if writable {
		err = c.pager.BeginWrite()
	} else {
		err = c.pager.BeginRead()
	}
	if err != nil {
		return nil, err
	}
	tx := &Tx{conn: c, writable: writable}
	c.tx = tx
	return tx, nil
}

// View runs fn in a read transaction.
func (c *Connection) View(fn func(*Tx) error) error {
	tx, err := c.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a write transaction, committing on success and
// rolling back on error or panic.
func (c *Connection) Update(fn func(*Tx) error) error {
	tx, err := c.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Checkpoint folds WAL frames into the database file. Returns the number
// of frames copied; a no-op in rollback-journal mode. Cannot run inside a
// transaction.
func (c *Connection) Checkpoint(mode CheckpointMode) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, base.Misusef("connection is closed")
	}
	if c.tx != nil {
		return 0, base.Misusef("checkpoint inside a transaction")
	}
	return c.pager.Checkpoint(mode)
}

// Close rolls back any open transaction, releases all locks, and closes
// the file. Locks are released before the descriptor so a subsequent open
// never observes a stale lock.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.tx != nil {
		c.tx.done = true
		c.tx = nil
	}
	c.closed = true
	return c.pager.Close()
}

func (c *Connection) endTx(tx *Tx) {
	c.mu.Lock()
	if c.tx == tx {
		c.tx = nil
	}
	c.mu.Unlock()
}
