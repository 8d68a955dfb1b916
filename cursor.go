package sqlitecore

import (
	"sqlitecore/internal/base"
	"sqlitecore/internal/btree"
)

// Cursor iterates one tree in key order. Cursors belong to a transaction
// and become unusable when it finishes. Any write through a cursor or its
// transaction invalidates the positions of the other cursors on the same
// tree; re-seek them before continuing.
type Cursor struct {
	tx  *Tx
	cur *btree.Cursor
}

func (c *Cursor) check(write bool) error {
	if c.tx.done {
		return base.Misusef("cursor used after its transaction finished")
	}
	if write && !c.tx.writable {
		return base.ErrReadOnly
	}
	return nil
}

// Valid reports whether the cursor points at an entry.
func (c *Cursor) Valid() bool { return !c.tx.done && c.cur.Valid() }

// First moves to the smallest entry; Valid() is false when the tree is
// empty.
func (c *Cursor) First() error {
	if err := c.check(false); err != nil {
		return err
	}
	return c.cur.First()
}

// Last moves to the largest entry.
func (c *Cursor) Last() error {
	if err := c.check(false); err != nil {
		return err
	}
	return c.cur.Last()
}

// Next advances in key order; Valid() is false past the end.
func (c *Cursor) Next() error {
	if err := c.check(false); err != nil {
		return err
	}
	return c.cur.Next()
}

// Prev steps backwards in key order.
func (c *Cursor) Prev() error {
	if err := c.check(false); err != nil {
		return err
	}
	return c.cur.Prev()
}

// Seek positions a table cursor at rowid, or on a miss at the smallest
// larger rowid. Returns whether the exact rowid was found; the position
// is usable for Next, Prev, Insert, and Delete either way.
func (c *Cursor) Seek(rowid int64) (bool, error) {
	if err := c.check(false); err != nil {
		return false, err
	}
	return c.cur.SeekRowid(rowid)
}

// SeekKey positions an index cursor at key, or on a miss at the smallest
// larger key.
func (c *Cursor) SeekKey(key []byte) (bool, error) {
	if err := c.check(false); err != nil {
		return false, err
	}
	return c.cur.SeekKey(key)
}

// Rowid returns the current entry's rowid. Table cursors only.
func (c *Cursor) Rowid() (int64, error) {
	if err := c.check(false); err != nil {
		return 0, err
	}
	return c.cur.Rowid()
}

// Payload returns the current entry's record payload; for index trees
// this is the encoded key.
func (c *Cursor) Payload() ([]byte, error) {
	if err := c.check(false); err != nil {
		return nil, err
	}
	return c.cur.Payload()
}

// Insert writes an entry into the cursor's tree: (rowid, payload) for a
// table tree, or payload as the key for an index tree (rowid ignored). An
// existing entry with the same key is replaced. The cursor's position is
// invalidated.
func (c *Cursor) Insert(rowid int64, payload []byte) error {
	if err := c.check(true); err != nil {
		return err
	}
	return c.cur.Insert(rowid, payload)
}

// Delete removes the entry the cursor points at and invalidates the
// position.
func (c *Cursor) Delete() error {
	if err := c.check(true); err != nil {
		return err
	}
	return c.cur.Delete()
}
