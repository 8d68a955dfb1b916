package btree

import "sqlitecore/internal/base"

// DeleteTable removes the entry with the given rowid. Returns false when
// no such entry exists.
func (b *Btree) DeleteTable(root base.Pgno, rowid int64) (bool, error) {
	path, found, err := b.findTable(root, rowid)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	leaf := path[len(path)-1]
	n, err := b.writable(leaf.pgno)
	if err != nil {
		return false, err
	}
	if err := b.dropCellWithOverflow(n, leaf.idx); err != nil {
		return false, err
	}
	return true, b.rebalance(path)
}

// DeleteIndex removes key from the index tree. Returns false when absent.
func (b *Btree) DeleteIndex(root base.Pgno, key []byte) (bool, error) {
	path, found, err := b.findIndex(root, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	last := len(path) - 1
	n, err := b.node(path[last].pgno)
	if err != nil {
		return false, err
	}
	if n.isLeaf() {
		nw, err := b.writable(path[last].pgno)
		if err != nil {
			return false, err
		}
		if err := b.dropCellWithOverflow(nw, path[last].idx); err != nil {
			return false, err
		}
		return true, b.rebalance(path)
	}
	return true, b.deleteIndexInterior(root, path, key)
}

// deleteIndexInterior removes an entry stored on an interior page: the
// entry is replaced by its in-order predecessor (the last cell of the
// rightmost leaf of the left subtree), and the shrunken leaf is then
// rebalanced via a fresh descent, since replacing the separator can split
// ancestors and stale the recorded path.
func (b *Btree) deleteIndexInterior(root base.Pgno, path []cellRef, key []byte) error {
	last := len(path) - 1
	n, err := b.writable(path[last].pgno)
	if err != nil {
		return err
	}
	ci, err := n.parseCell(path[last].idx)
	if err != nil {
		return err
	}
	child := ci.child

	predPath, err := b.descendRightmost(child)
	if err != nil {
		return err
	}
	leafRef := predPath[len(predPath)-1]
	leaf, err := b.writable(leafRef.pgno)
	if err != nil {
		return err
	}
	pi, err := leaf.parseCell(leafRef.idx)
	if err != nil {
		return err
	}
	pred, err := b.cellPayload(leaf, pi)
	if err != nil {
		return err
	}
	if err := b.dropCellWithOverflow(leaf, leafRef.idx); err != nil {
		return err
	}

	// Swap the separator for the predecessor, keeping the child pointer.
	if n, err = b.writable(path[last].pgno); err != nil {
		return err
	}
	if err := b.dropCellWithOverflow(n, path[last].idx); err != nil {
		return err
	}
	body, err := b.makeLeafCell(false, 0, pred, path[last].pgno)
	if err != nil {
		return err
	}
	sep := makeIndexInteriorCell(child, body)
	if err := b.insertAt(path, last, path[last].idx, sep); err != nil {
		return err
	}

	// Re-descend to the shrunken leaf: the predecessor key now sits on
	// an interior page, and the leaf is the rightmost of its left
	// subtree.
	fresh, found, err := b.findIndex(root, pred)
	if err != nil {
		return err
	}
	if !found {
		return base.Corruptf("replacement key vanished from tree at page %d", root)
	}
	fn, err := b.node(fresh[len(fresh)-1].pgno)
	if err != nil {
		return err
	}
	fi, err := fn.parseCell(fresh[len(fresh)-1].idx)
	if err != nil {
		return err
	}
	tail, err := b.descendRightmost(fi.child)
	if err != nil {
		return err
	}
	return b.rebalance(append(fresh, tail...))
}

// descendRightmost walks to the last cell of the rightmost leaf under
// pgno.
func (b *Btree) descendRightmost(pgno base.Pgno) ([]cellRef, error) {
	var path []cellRef
	for depth := 0; ; depth++ {
		if depth > 64 {
			return nil, base.Corruptf("tree at page %d deeper than 64 levels", pgno)
		}
		n, err := b.node(pgno)
		if err != nil {
			return nil, err
		}
		if err := n.checkType(); err != nil {
			return nil, err
		}
		if n.isLeaf() {
			path = append(path, cellRef{pgno: pgno, idx: n.nCells() - 1})
			return path, nil
		}
		path = append(path, cellRef{pgno: pgno, idx: n.nCells()})
		pgno = n.rightChild()
	}
}

// rebalance walks the path bottom-up, merging or redistributing any page
// that has fallen under the one-third fill threshold, and finally
// collapses the root if it is left with a lone child.
func (b *Btree) rebalance(path []cellRef) error {
	for level := len(path) - 1; level > 0; level-- {
		n, err := b.node(path[level].pgno)
		if err != nil {
			return err
		}
		content, err := n.contentBytes()
		if err != nil {
			return err
		}
		if n.nCells() > 0 && content*3 >= n.capacity() {
			return nil
		}

		parent, err := b.writable(path[level-1].pgno)
		if err != nil {
			return err
		}
		if parent.nCells() == 0 {
			// A lone child has no sibling to borrow from; the root
			// collapse below will absorb it.
			continue
		}
		slot := path[level-1].idx
		if slot > parent.nCells() {
			return base.Corruptf("page %d: stale child slot %d", parent.pgno(), slot)
		}
		lSlot := slot
		if slot > 0 {
			lSlot = slot - 1
		}
		done, err := b.balancePair(path, level, lSlot)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return b.collapseRoot(path[0].pgno)
}

// balancePair merges or redistributes the children at parent slots lSlot
// and lSlot+1. Returns done=true after a redistribution, which leaves both
// pages adequately filled; a merge may leave the parent itself underfull,
// so the caller keeps walking up.
func (b *Btree) balancePair(path []cellRef, level, lSlot int) (bool, error) {
	parent, err := b.writable(path[level-1].pgno)
	if err != nil {
		return false, err
	}
	L, err := b.writable(parent.childAt(lSlot))
	if err != nil {
		return false, err
	}
	R, err := b.writable(parent.childAt(lSlot + 1))
	if err != nil {
		return false, err
	}
	if L.typ() != R.typ() {
		return false, base.Corruptf("sibling pages %d and %d have different types", L.pgno(), R.pgno())
	}

	sepCi, err := parent.parseCell(lSlot)
	if err != nil {
		return false, err
	}
	sepRaw, err := parent.cellBytes(lSlot)
	if err != nil {
		return false, err
	}

	lc, err := L.readCells()
	if err != nil {
		return false, err
	}
	rc, err := R.readCells()
	if err != nil {
		return false, err
	}

	typ := L.typ()
	// Form the combined in-order cell list. Table leaves hold every
	// entry, so the separator is purely a boundary and is dropped; in
	// every other case it moves down between the halves.
	var all [][]byte
	var newRight base.Pgno
	switch typ {
	case base.PageTableLeaf:
		all = append(append(all, lc...), rc...)
	case base.PageIndexLeaf:
		all = append(append(append(all, lc...), sepRaw[4:]), rc...)
	case base.PageTableInterior:
		down := makeTableInteriorCell(L.rightChild(), sepCi.rowid)
		all = append(append(append(all, lc...), down), rc...)
		newRight = R.rightChild()
	case base.PageIndexInterior:
		down := makeIndexInteriorCell(L.rightChild(), sepRaw[4:])
		all = append(append(append(all, lc...), down), rc...)
		newRight = R.rightChild()
	default:
		return false, base.Corruptf("page %d: invalid page type %d", L.pgno(), typ)
	}

	total := 0
	for _, c := range all {
		sz := len(c)
		if sz < minCellSize {
			sz = minCellSize
		}
		total += sz + 2
	}

	if total <= L.capacity() {
		// Merge into the left page and free the right one.
		if err := L.rebuild(typ, all, newRight); err != nil {
			return false, err
		}
		if err := parent.dropCell(lSlot); err != nil {
			return false, err
		}
		parent.setChildAt(lSlot, L.pgno())
		if err := b.freePage(R.pgno()); err != nil {
			return false, err
		}
		if b.autoVacuum() {
			if err := b.setChildPtrmaps(L); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	// Redistribute around a fresh separator.
	r := distribute(typ, all, newRight)
	if err := L.rebuild(typ, r.left, r.leftRight); err != nil {
		return false, err
	}
	if err := R.rebuild(typ, r.right, r.rightRight); err != nil {
		return false, err
	}
	if b.autoVacuum() {
		if err := b.setChildPtrmaps(L); err != nil {
			return false, err
		}
		if err := b.setChildPtrmaps(R); err != nil {
			return false, err
		}
	}

	var sepCell []byte
	if L.isTable() {
		sepCell = makeTableInteriorCell(L.pgno(), r.sepKey)
	} else {
		sepCell = makeIndexInteriorCell(L.pgno(), r.sepBody)
	}
	if err := parent.dropCell(lSlot); err != nil {
		return false, err
	}
	ok, err := parent.insertCell(lSlot, sepCell)
	if err != nil {
		return false, err
	}
	if !ok {
		// The new separator can outgrow the old one; hand it to the
		// ordinary split machinery with the parent's real ancestry.
		if err := b.insertAt(path[:level], level-1, lSlot, sepCell); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := b.noteCellRefs(parent, lSlot); err != nil {
		return false, err
	}
	return true, nil
}

// collapseRoot shrinks the tree when the root is an interior page with no
// cells: the lone child's content moves into the root. Page 1 has less
// room than any other page, so the move is skipped if it cannot fit.
func (b *Btree) collapseRoot(root base.Pgno) error {
	n, err := b.node(root)
	if err != nil {
		return err
	}
	if n.isLeaf() || n.nCells() > 0 {
		return nil
	}
	childPgno := n.rightChild()
	child, err := b.node(childPgno)
	if err != nil {
		return err
	}
	if err := child.checkType(); err != nil {
		return err
	}
	content, err := child.contentBytes()
	if err != nil {
		return err
	}
	if content > b.capacityFor(root, child.isLeaf()) {
		return nil
	}

	cells, err := child.readCells()
	if err != nil {
		return err
	}
	typ := child.typ()
	var right base.Pgno
	if !child.isLeaf() {
		right = child.rightChild()
	}
	rw, err := b.writable(root)
	if err != nil {
		return err
	}
	if err := rw.rebuild(typ, cells, right); err != nil {
		return err
	}
	if err := b.freePage(childPgno); err != nil {
		return err
	}
	if b.autoVacuum() {
		if err := b.setChildPtrmaps(rw); err != nil {
			return err
		}
	}
	// The tree may have lost two levels at once.
	return b.collapseRoot(root)
}
