package btree

import "sqlitecore/internal/base"

// Cursor iterates one tree in key order. A cursor holds page numbers, not
// page references, so structural changes by its own connection invalidate
// only its position, never its memory. Mutating operations through the
// same Btree invalidate open cursors; re-seek after them.
type Cursor struct {
	b     *Btree
	root  base.Pgno
	stack []cellRef
	valid bool
	table bool
	typed bool
}

// NewCursor opens a cursor over the tree rooted at root.
func (b *Btree) NewCursor(root base.Pgno) *Cursor {
	return &Cursor{b: b, root: root}
}

func (c *Cursor) resolveKind() error {
	if c.typed {
		return nil
	}
	n, err := c.b.node(c.root)
	if err != nil {
		return err
	}
	if err := n.checkType(); err != nil {
		return err
	}
	c.table = n.isTable()
	c.typed = true
	return nil
}

// Valid reports whether the cursor points at an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Invalidate clears the position; the next use must re-seek.
func (c *Cursor) Invalidate() { c.valid = false; c.stack = c.stack[:0] }

func (c *Cursor) top() cellRef { return c.stack[len(c.stack)-1] }

// First positions at the smallest entry. Valid() is false afterwards when
// the tree is empty.
func (c *Cursor) First() error {
	if err := c.resolveKind(); err != nil {
		return err
	}
	c.stack = c.stack[:0]
	c.valid = false
	return c.descendLeftmost(c.root)
}

func (c *Cursor) descendLeftmost(pgno base.Pgno) error {
	for depth := 0; ; depth++ {
		if depth > 64 {
			return base.Corruptf("tree at page %d deeper than 64 levels", c.root)
		}
		n, err := c.b.node(pgno)
		if err != nil {
			return err
		}
		if err := n.checkType(); err != nil {
			return err
		}
		c.stack = append(c.stack, cellRef{pgno: pgno, idx: 0})
		if n.isLeaf() {
			c.valid = n.nCells() > 0
			return nil
		}
		pgno = n.childAt(0)
	}
}

// Last positions at the largest entry.
func (c *Cursor) Last() error {
	if err := c.resolveKind(); err != nil {
		return err
	}
	c.stack = c.stack[:0]
	path, err := c.b.descendRightmost(c.root)
	if err != nil {
		return err
	}
	c.stack = path
	leaf := c.top()
	c.valid = leaf.idx >= 0
	return nil
}

// SeekRowid positions a table cursor at rowid, or at the smallest entry
// greater than it on a miss (Valid() false when past the end).
func (c *Cursor) SeekRowid(rowid int64) (bool, error) {
	if err := c.resolveKind(); err != nil {
		return false, err
	}
	if !c.table {
		return false, base.Misusef("rowid seek on an index cursor")
	}
	path, found, err := c.b.findTable(c.root, rowid)
	if err != nil {
		return false, err
	}
	c.stack = path
	leaf := c.top()
	n, err := c.b.node(leaf.pgno)
	if err != nil {
		return false, err
	}
	if leaf.idx >= n.nCells() {
		c.valid = true // positioned past the leaf; Next resolves it
		return found, c.Next()
	}
	c.valid = true
	return found, nil
}

// SeekKey positions an index cursor at key, or at the smallest entry
// greater than it on a miss.
func (c *Cursor) SeekKey(key []byte) (bool, error) {
	if err := c.resolveKind(); err != nil {
		return false, err
	}
	if c.table {
		return false, base.Misusef("key seek on a table cursor")
	}
	path, found, err := c.b.findIndex(c.root, key)
	if err != nil {
		return false, err
	}
	c.stack = path
	pos := c.top()
	n, err := c.b.node(pos.pgno)
	if err != nil {
		return false, err
	}
	if !found && !n.isLeaf() {
		// Missed at an interior page: the next entry is the leftmost of
		// the subtree the descent would have taken.
		return false, c.descendLeftmost(n.childAt(pos.idx))
	}
	if pos.idx >= n.nCells() {
		c.valid = true
		return found, c.Next()
	}
	c.valid = true
	return found, nil
}

// Next advances in key order. For index trees interior cells are real
// entries visited between their neighboring subtrees; table interior cells
// are boundaries only and are skipped.
func (c *Cursor) Next() error {
	if !c.valid {
		return base.Misusef("next on an invalid cursor")
	}
	for {
		pos := c.top()
		n, err := c.b.node(pos.pgno)
		if err != nil {
			return err
		}
		if n.isLeaf() {
			if pos.idx+1 < n.nCells() {
				c.stack[len(c.stack)-1].idx++
				return nil
			}
		} else {
			// Leaving an interior position (index trees): descend into
			// the subtree to the right of the cell.
			c.stack[len(c.stack)-1].idx++
			return c.descendLeftmost(n.childAt(pos.idx + 1))
		}

		// Walk up until a slot with something to the right of it.
		for {
			c.stack = c.stack[:len(c.stack)-1]
			if len(c.stack) == 0 {
				c.valid = false
				return nil
			}
			pos = c.top()
			pn, err := c.b.node(pos.pgno)
			if err != nil {
				return err
			}
			if pos.idx < pn.nCells() {
				if !c.table {
					return nil // the interior cell itself is the next entry
				}
				c.stack[len(c.stack)-1].idx++
				return c.descendLeftmost(pn.childAt(pos.idx + 1))
			}
		}
	}
}

// Prev steps backwards in key order.
func (c *Cursor) Prev() error {
	if !c.valid {
		return base.Misusef("prev on an invalid cursor")
	}
	pos := c.top()
	n, err := c.b.node(pos.pgno)
	if err != nil {
		return err
	}
	if !n.isLeaf() {
		// From an interior entry, the predecessor is the rightmost of
		// the subtree to its left.
		tail, err := c.b.descendRightmost(n.childAt(pos.idx))
		if err != nil {
			return err
		}
		c.stack = append(c.stack, tail...)
		return nil
	}
	if pos.idx > 0 {
		c.stack[len(c.stack)-1].idx--
		return nil
	}
	// Walk up until a slot with something to the left of it.
	for {
		c.stack = c.stack[:len(c.stack)-1]
		if len(c.stack) == 0 {
			c.valid = false
			return nil
		}
		pos = c.top()
		pn, err := c.b.node(pos.pgno)
		if err != nil {
			return err
		}
		if pos.idx > 0 {
			c.stack[len(c.stack)-1].idx--
			if !c.table {
				return nil
			}
			tail, err := c.b.descendRightmost(pn.childAt(pos.idx - 1))
			if err != nil {
				return err
			}
			c.stack = append(c.stack, tail...)
			return nil
		}
	}
}

// Rowid returns the current entry's rowid. Table cursors only.
func (c *Cursor) Rowid() (int64, error) {
	if !c.valid {
		return 0, base.Misusef("rowid on an invalid cursor")
	}
	if !c.table {
		return 0, base.Misusef("rowid on an index cursor")
	}
	pos := c.top()
	n, err := c.b.node(pos.pgno)
	if err != nil {
		return 0, err
	}
	ci, err := n.parseCell(pos.idx)
	if err != nil {
		return 0, err
	}
	return ci.rowid, nil
}

// Payload returns the current entry's payload (for index trees, the key),
// assembled across any overflow chain.
func (c *Cursor) Payload() ([]byte, error) {
	if !c.valid {
		return nil, base.Misusef("payload on an invalid cursor")
	}
	pos := c.top()
	n, err := c.b.node(pos.pgno)
	if err != nil {
		return nil, err
	}
	ci, err := n.parseCell(pos.idx)
	if err != nil {
		return nil, err
	}
	return c.b.cellPayload(n, ci)
}

// Insert writes through the cursor's tree and invalidates the position.
func (c *Cursor) Insert(rowid int64, payload []byte) error {
	if err := c.resolveKind(); err != nil {
		return err
	}
	c.Invalidate()
	if c.table {
		return c.b.InsertTable(c.root, rowid, payload)
	}
	return c.b.InsertIndex(c.root, payload)
}

// Delete removes the current entry and invalidates the position.
func (c *Cursor) Delete() error {
	if !c.valid {
		return base.Misusef("delete on an invalid cursor")
	}
	if c.table {
		pos := c.top()
		n, err := c.b.node(pos.pgno)
		if err != nil {
			return err
		}
		ci, err := n.parseCell(pos.idx)
		if err != nil {
			return err
		}
		c.Invalidate()
		_, err = c.b.DeleteTable(c.root, ci.rowid)
		return err
	}
	key, err := c.Payload()
	if err != nil {
		return err
	}
	c.Invalidate()
	_, err = c.b.DeleteIndex(c.root, key)
	return err
}
