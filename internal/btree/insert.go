package btree

import (
	"bytes"

	"sqlitecore/internal/base"
)

// cellRef is one step of a root-to-leaf descent: the page and the slot (or
// cell index) taken within it.
type cellRef struct {
	pgno base.Pgno
	idx  int
}

// cellChild reads the child pointer of a raw interior cell image.
func cellChild(c []byte) base.Pgno { return base.Pgno(base.GetU32(c, 0)) }

func setCellChild(c []byte, p base.Pgno) { base.PutU32(c, 0, uint32(p)) }

// rawCellRowid extracts the rowid from a raw table cell image.
func rawCellRowid(typ byte, c []byte) int64 {
	if typ == base.PageTableInterior {
		v, _ := base.GetVarint(c[4:])
		return int64(v)
	}
	_, np := base.GetVarint(c)
	v, _ := base.GetVarint(c[np:])
	return int64(v)
}

// makeLeafCell builds a leaf cell image, spilling payload past the local
// threshold into a fresh overflow chain owned by owner.
func (b *Btree) makeLeafCell(table bool, rowid int64, payload []byte, owner base.Pgno) ([]byte, error) {
	maxL, minL := b.maxIndex, b.minIndex
	if table {
		maxL, minL = b.maxLeaf, b.minLeaf
	}
	local := b.localSize(len(payload), maxL, minL)

	buf := make([]byte, 0, 18+local+4)
	buf = base.AppendVarint(buf, uint64(len(payload)))
	if table {
		buf = base.AppendVarint(buf, uint64(rowid))
	}
	buf = append(buf, payload[:local]...)
	if local < len(payload) {
		first, err := b.writeOverflow(payload[local:], owner)
		if err != nil {
			return nil, err
		}
		var p [4]byte
		base.PutU32(p[:], 0, uint32(first))
		buf = append(buf, p[:]...)
	}
	return buf, nil
}

// makeTableInteriorCell builds a separator cell: child pointer plus rowid.
func makeTableInteriorCell(child base.Pgno, rowid int64) []byte {
	buf := make([]byte, 4, 13)
	base.PutU32(buf, 0, uint32(child))
	return base.AppendVarint(buf, uint64(rowid))
}

// makeIndexInteriorCell prepends a child pointer to an index cell body
// (the payload-length varint, local payload, and overflow pointer).
func makeIndexInteriorCell(child base.Pgno, body []byte) []byte {
	buf := make([]byte, 4+len(body))
	base.PutU32(buf, 0, uint32(child))
	copy(buf[4:], body)
	return buf
}

// findTable descends to the leaf position for rowid. The returned path
// records the slot taken at each interior level; the final element is the
// leaf and the insertion point within it.
func (b *Btree) findTable(root base.Pgno, rowid int64) ([]cellRef, bool, error) {
	var path []cellRef
	pgno := root
	for depth := 0; ; depth++ {
		if depth > 64 {
			return nil, false, base.Corruptf("tree at page %d deeper than 64 levels", root)
		}
		n, err := b.node(pgno)
		if err != nil {
			return nil, false, err
		}
		if err := n.checkType(); err != nil {
			return nil, false, err
		}
		if !n.isTable() {
			return nil, false, base.Corruptf("page %d: index page in a table tree", pgno)
		}

		lo, hi := 0, n.nCells()
		found := false
		for lo < hi {
			mid := (lo + hi) / 2
			ci, err := n.parseCell(mid)
			if err != nil {
				return nil, false, err
			}
			switch {
			case ci.rowid < rowid:
				lo = mid + 1
			case ci.rowid > rowid:
				hi = mid
			default:
				lo, hi = mid, mid
				found = true
			}
		}
		path = append(path, cellRef{pgno: pgno, idx: lo})
		if n.isLeaf() {
			return path, found, nil
		}
		// Separators carry the largest rowid of the child subtree, so an
		// exact hit also descends.
		if lo >= n.nCells() {
			pgno = n.rightChild()
			continue
		}
		next, err := n.parseCell(lo)
		if err != nil {
			return nil, false, err
		}
		pgno = next.child
	}
}

// findIndex descends for an exact key. Index trees store real entries in
// interior pages, so the path may end at an interior cell on a hit.
func (b *Btree) findIndex(root base.Pgno, key []byte) ([]cellRef, bool, error) {
	var path []cellRef
	pgno := root
	for depth := 0; ; depth++ {
		if depth > 64 {
			return nil, false, base.Corruptf("tree at page %d deeper than 64 levels", root)
		}
		n, err := b.node(pgno)
		if err != nil {
			return nil, false, err
		}
		if err := n.checkType(); err != nil {
			return nil, false, err
		}
		if n.isTable() {
			return nil, false, base.Corruptf("page %d: table page in an index tree", pgno)
		}

		lo, hi := 0, n.nCells()
		found := false
		for lo < hi {
			mid := (lo + hi) / 2
			ci, err := n.parseCell(mid)
			if err != nil {
				return nil, false, err
			}
			k, err := b.cellPayload(n, ci)
			if err != nil {
				return nil, false, err
			}
			switch bytes.Compare(k, key) {
			case -1:
				lo = mid + 1
			case 1:
				hi = mid
			default:
				lo, hi = mid, mid
				found = true
			}
		}
		path = append(path, cellRef{pgno: pgno, idx: lo})
		if found || n.isLeaf() {
			return path, found, nil
		}
		if lo >= n.nCells() {
			pgno = n.rightChild()
			continue
		}
		ci, err := n.parseCell(lo)
		if err != nil {
			return nil, false, err
		}
		pgno = ci.child
	}
}

// InsertTable inserts (rowid, payload) into the table tree at root,
// replacing any existing entry with the same rowid.
func (b *Btree) InsertTable(root base.Pgno, rowid int64, payload []byte) error {
	path, found, err := b.findTable(root, rowid)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	if found {
		n, err := b.writable(leaf.pgno)
		if err != nil {
			return err
		}
		if err := b.dropCellWithOverflow(n, leaf.idx); err != nil {
			return err
		}
	}
	cell, err := b.makeLeafCell(true, rowid, payload, leaf.pgno)
	if err != nil {
		return err
	}
	return b.insertAt(path, len(path)-1, leaf.idx, cell)
}

// InsertIndex inserts key into the index tree at root. Duplicate keys are
// replaced (the payload is the key, so this is a no-op rewrite).
func (b *Btree) InsertIndex(root base.Pgno, key []byte) error {
	path, found, err := b.findIndex(root, key)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	leaf := path[len(path)-1]
	cell, err := b.makeLeafCell(false, 0, key, leaf.pgno)
	if err != nil {
		return err
	}
	return b.insertAt(path, len(path)-1, leaf.idx, cell)
}

// insertCell places a raw cell at index idx of the page, returning false
// when the page has no room even after defragmenting.
func (n node) insertCell(idx int, cell []byte) (bool, error) {
	sz := len(cell)
	if sz < minCellSize {
		sz = minCellSize
	}
	free, err := n.freeBytes()
	if err != nil {
		return false, err
	}
	if free < sz+2 {
		return false, nil
	}
	// The pointer array needs contiguous room for one more slot.
	if n.contentStart()-(n.cellPtrBase()+2*n.nCells()) < 2 {
		if err := n.defragment(); err != nil {
			return false, err
		}
	}
	off, err := n.allocateSpace(sz)
	if err != nil {
		return false, err
	}
	if off == 0 {
		return false, nil
	}
	d := n.pg.Data
	copy(d[off:off+sz], cell)
	for i := len(cell); i < sz; i++ {
		d[off+i] = 0
	}
	pb := n.cellPtrBase()
	nc := n.nCells()
	copy(d[pb+2*idx+2:pb+2*nc+2], d[pb+2*idx:pb+2*nc])
	n.setCellPtr(idx, off)
	n.setNCells(nc + 1)
	return true, nil
}

// dropCell removes cell idx, returning its bytes to the free-space chain.
// Overflow chains are the caller's concern.
func (n node) dropCell(idx int) error {
	ci, err := n.parseCell(idx)
	if err != nil {
		return err
	}
	if err := n.freeSpace(ci.off, ci.size); err != nil {
		return err
	}
	d := n.pg.Data
	pb := n.cellPtrBase()
	nc := n.nCells()
	copy(d[pb+2*idx:pb+2*nc-2], d[pb+2*idx+2:pb+2*nc])
	n.setNCells(nc - 1)
	return nil
}

// dropCellWithOverflow removes cell idx and frees its overflow chain.
func (b *Btree) dropCellWithOverflow(n node, idx int) error {
	ci, err := n.parseCell(idx)
	if err != nil {
		return err
	}
	if ci.overflow != 0 {
		if err := b.freeOverflow(ci.overflow); err != nil {
			return err
		}
	}
	return n.dropCell(idx)
}

// insertAt inserts a raw cell at path[level], splitting up the recorded
// path as needed.
func (b *Btree) insertAt(path []cellRef, level, idx int, cell []byte) error {
	n, err := b.writable(path[level].pgno)
	if err != nil {
		return err
	}
	ok, err := n.insertCell(idx, cell)
	if err != nil {
		return err
	}
	if ok {
		return b.noteCellRefs(n, idx)
	}
	return b.splitAndInsert(path, level, idx, cell)
}

// noteCellRefs updates pointer-map entries for whatever the just-inserted
// cell references.
func (b *Btree) noteCellRefs(n node, idx int) error {
	if !b.autoVacuum() {
		return nil
	}
	ci, err := n.parseCell(idx)
	if err != nil {
		return err
	}
	if ci.overflow != 0 {
		if err := b.ptrmapPut(ci.overflow, base.PtrmapOverflow1, n.pgno()); err != nil {
			return err
		}
	}
	if !n.isLeaf() {
		return b.ptrmapPut(ci.child, base.PtrmapBtree, n.pgno())
	}
	return nil
}

// splitResult is the outcome of dividing an over-full page's cells.
type splitResult struct {
	left, right           [][]byte
	sepKey                int64  // table trees
	sepBody               []byte // index trees: cell body hoisted into the parent
	leftRight, rightRight base.Pgno
}

// splitPoint picks the index where the left side's byte total first
// exceeds half, clamped so both sides keep at least one cell.
func splitPoint(cells [][]byte) int {
	total := 0
	for _, c := range cells {
		total += len(c) + 2
	}
	acc := 0
	for i, c := range cells {
		acc += len(c) + 2
		if acc*2 >= total {
			m := i + 1
			if m >= len(cells) {
				m = len(cells) - 1
			}
			if m < 1 {
				m = 1
			}
			return m
		}
	}
	return len(cells) - 1
}

// distribute splits the combined cell list for a page of the given type.
// For table leaves the separator key is the rowid of the last cell kept on
// the left, so every key in the left page satisfies key <= separator and
// every key on the right exceeds it; deriving the separator from the right
// page's first cell instead breaks rowid ordering once splits cascade.
func distribute(typ byte, cells [][]byte, right base.Pgno) splitResult {
	m := splitPoint(cells)
	var r splitResult
	switch typ {
	case base.PageTableLeaf:
		r.left = cells[:m]
		r.right = cells[m:]
		r.sepKey = rawCellRowid(typ, cells[m-1])
	case base.PageTableInterior:
		if m > len(cells)-1 {
			m = len(cells) - 1
		}
		r.left = cells[:m]
		r.sepKey = rawCellRowid(typ, cells[m])
		r.leftRight = cellChild(cells[m])
		r.right = cells[m+1:]
		r.rightRight = right
	case base.PageIndexLeaf:
		if m > len(cells)-2 && len(cells) >= 2 {
			m = len(cells) - 2
		}
		if m < 1 {
			m = 1
		}
		r.left = cells[:m]
		r.sepBody = cells[m]
		r.right = cells[m+1:]
	case base.PageIndexInterior:
		if m > len(cells)-1 {
			m = len(cells) - 1
		}
		r.left = cells[:m]
		r.sepBody = cells[m][4:]
		r.leftRight = cellChild(cells[m])
		r.right = cells[m+1:]
		r.rightRight = right
	}
	return r
}

// splitAndInsert handles an insert that does not fit: the page's cells
// plus the new cell are redistributed across the page and a new right
// sibling, and the separator is pushed into the parent.
func (b *Btree) splitAndInsert(path []cellRef, level, idx int, cell []byte) error {
	n, err := b.writable(path[level].pgno)
	if err != nil {
		return err
	}
	cells, err := n.readCells()
	if err != nil {
		return err
	}
	cells = append(cells, nil)
	copy(cells[idx+1:], cells[idx:])
	cells[idx] = cell

	typ := n.typ()
	right := base.Pgno(0)
	if !n.isLeaf() {
		right = n.rightChild()
	}

	if level == 0 {
		return b.splitRoot(n, typ, cells, right)
	}

	newPgno, err := b.allocatePage(allocAny, 0)
	if err != nil {
		return err
	}
	rn, err := b.writable(newPgno)
	if err != nil {
		return err
	}

	r := distribute(typ, cells, right)
	if err := n.rebuild(typ, r.left, r.leftRight); err != nil {
		return err
	}
	if err := rn.rebuild(typ, r.right, r.rightRight); err != nil {
		return err
	}

	parentRef := path[level-1]
	if b.autoVacuum() {
		if err := b.ptrmapPut(newPgno, base.PtrmapBtree, parentRef.pgno); err != nil {
			return err
		}
		if err := b.setChildPtrmaps(n); err != nil {
			return err
		}
		if err := b.setChildPtrmaps(rn); err != nil {
			return err
		}
	}

	var sepCell []byte
	if n.isTable() {
		sepCell = makeTableInteriorCell(n.pgno(), r.sepKey)
	} else {
		sepCell = makeIndexInteriorCell(n.pgno(), r.sepBody)
	}

	// The parent slot that pointed at the split page now covers only the
	// upper half, so it moves to the new sibling; the separator cell
	// carries the lower half.
	parent, err := b.writable(parentRef.pgno)
	if err != nil {
		return err
	}
	parent.setChildAt(parentRef.idx, newPgno)
	return b.insertAt(path, level-1, parentRef.idx, sepCell)
}

// splitRoot grows the tree by one level: the root's cells move into two
// fresh children and the root becomes an interior page holding only the
// separator. The root keeps its page number, which page 1 requires.
func (b *Btree) splitRoot(root node, typ byte, cells [][]byte, right base.Pgno) error {
	leftPgno, err := b.allocatePage(allocAny, 0)
	if err != nil {
		return err
	}
	rightPgno, err := b.allocatePage(allocAny, 0)
	if err != nil {
		return err
	}
	ln, err := b.writable(leftPgno)
	if err != nil {
		return err
	}
	rn, err := b.writable(rightPgno)
	if err != nil {
		return err
	}

	r := distribute(typ, cells, right)
	if err := ln.rebuild(typ, r.left, r.leftRight); err != nil {
		return err
	}
	if err := rn.rebuild(typ, r.right, r.rightRight); err != nil {
		return err
	}

	rootTyp := byte(base.PageIndexInterior)
	var sepCell []byte
	if typ == base.PageTableLeaf || typ == base.PageTableInterior {
		rootTyp = base.PageTableInterior
		sepCell = makeTableInteriorCell(leftPgno, r.sepKey)
	} else {
		sepCell = makeIndexInteriorCell(leftPgno, r.sepBody)
	}
	if err := root.rebuild(rootTyp, [][]byte{sepCell}, rightPgno); err != nil {
		return err
	}

	if b.autoVacuum() {
		if err := b.ptrmapPut(leftPgno, base.PtrmapBtree, root.pgno()); err != nil {
			return err
		}
		if err := b.ptrmapPut(rightPgno, base.PtrmapBtree, root.pgno()); err != nil {
			return err
		}
		if err := b.setChildPtrmaps(ln); err != nil {
			return err
		}
		if err := b.setChildPtrmaps(rn); err != nil {
			return err
		}
		if err := b.noteCellRefs(root, 0); err != nil {
			return err
		}
	}
	return nil
}
