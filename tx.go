package sqlitecore

import (
	"sqlitecore/internal/base"
)

// Tx is one transaction. Read transactions see the snapshot taken at
// Begin; a write transaction's changes become visible to other
// connections atomically at Commit.
type Tx struct {
	conn     *Connection
	writable bool
	done     bool
}

// Writable reports whether the transaction can modify the database.
func (tx *Tx) Writable() bool { return tx.writable }

// Commit makes the transaction durable. On read transactions it simply
// releases the snapshot.
func (tx *Tx) Commit() error {
	if tx.done {
		return base.Misusef("transaction already finished")
	}
	tx.done = true
	defer tx.conn.endTx(tx)
	if !tx.writable {
		tx.conn.pager.EndRead()
		return nil
	}
	// Full auto-vacuum compacts the file as part of every commit.
	if err := tx.conn.bt.AutoVacuumCommit(); err != nil {
		tx.conn.pager.Rollback()
		return err
	}
	return tx.conn.pager.Commit()
}

// Rollback discards the transaction. Safe to call after Commit; it then
// does nothing, so it can be deferred unconditionally.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.conn.endTx(tx)
	if !tx.writable {
		tx.conn.pager.EndRead()
		return nil
	}
	return tx.conn.pager.Rollback()
}

func (tx *Tx) require(write bool) error {
	if tx.done {
		return base.Misusef("transaction already finished")
	}
	if write && !tx.writable {
		return base.ErrReadOnly
	}
	return nil
}

// Cursor opens a cursor over the tree rooted at root. Page 1 is the
// schema table's root.
func (tx *Tx) Cursor(root Pgno) (*Cursor, error) {
	if err := tx.require(false); err != nil {
		return nil, err
	}
	return &Cursor{tx: tx, cur: tx.conn.bt.NewCursor(root)}, nil
}

// CreateTable allocates an empty table tree and returns its root page.
func (tx *Tx) CreateTable() (Pgno, error) {
	if err := tx.require(true); err != nil {
		return 0, err
	}
	return tx.conn.bt.CreateTree(false)
}

// CreateIndex allocates an empty index tree and returns its root page.
func (tx *Tx) CreateIndex() (Pgno, error) {
	if err := tx.require(true); err != nil {
		return 0, err
	}
	return tx.conn.bt.CreateTree(true)
}

// ClearTable deletes every entry in the tree, keeping the root.
func (tx *Tx) ClearTable(root Pgno) error {
	if err := tx.require(true); err != nil {
		return err
	}
	return tx.conn.bt.ClearTree(root)
}

// DropTable deletes the tree entirely, returning all its pages including
// the root to the freelist.
func (tx *Tx) DropTable(root Pgno) error {
	if err := tx.require(true); err != nil {
		return err
	}
	return tx.conn.bt.DropTree(root)
}

// Meta reads 32-bit header metadata slot idx (1-15): 1 is the freelist
// page count, 2 the schema cookie, 5 the largest root page, 7 the user
// version.
func (tx *Tx) Meta(idx int) (uint32, error) {
	if err := tx.require(false); err != nil {
		return 0, err
	}
	return tx.conn.bt.Meta(idx)
}

// SetMeta writes a metadata slot.
func (tx *Tx) SetMeta(idx int, v uint32) error {
	if err := tx.require(true); err != nil {
		return err
	}
	return tx.conn.bt.SetMeta(idx, v)
}

// PageCount returns the database size in pages as of this transaction.
func (tx *Tx) PageCount() Pgno {
	return tx.conn.pager.PageCount()
}

// IncrementalVacuum runs up to n relocation steps (all, if n <= 0) and
// reports how many ran. Requires a database created with incremental
// vacuum.
func (tx *Tx) IncrementalVacuum(n int) (int, error) {
	if err := tx.require(true); err != nil {
		return 0, err
	}
	ran := 0
	for n <= 0 || ran < n {
		done, err := tx.conn.bt.IncrVacuumStep()
		if err != nil {
			return ran, err
		}
		if done {
			break
		}
		ran++
	}
	return ran, nil
}

// IntegrityCheck walks the given trees (the schema tree on page 1 when
// none are named) plus the freelist and page accounting, and returns a
// human-readable report of every problem found. Empty means sound.
func (tx *Tx) IntegrityCheck(roots ...Pgno) ([]string, error) {
	if err := tx.require(false); err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		roots = []Pgno{1}
	}
	problems := tx.conn.bt.IntegrityCheck(roots, 100)
	out := make([]string, len(problems))
	for i, p := range problems {
		out[i] = p.String()
	}
	return out, nil
}
