// Package btree implements table trees (keyed by 64-bit rowid) and index
// trees (keyed by memcmp-ordered byte strings) in the standard b-tree page
// format, on top of the pager. It also owns the database freelist, the
// pointer map, and vacuum, since all three are expressed in page terms.
package btree

import (
	"sqlitecore/internal/base"
	"sqlitecore/internal/pager"
)

// Page header field offsets, relative to the header start (byte 100 on
// page 1, byte 0 elsewhere).
const (
	offType     = 0
	offFreeHead = 1
	offNCells   = 3
	offContent  = 5
	offFrag     = 7
	offRight    = 8

	leafHdrSize     = 8
	interiorHdrSize = 12

	minCellSize = 4
)

// node is a borrowed view of one b-tree page. It is valid for the duration
// of a single operation only.
type node struct {
	b   *Btree
	pg  *pager.Page
	off int // header offset; 100 on page 1
}

func headerOffset(pgno base.Pgno) int {
	if pgno == 1 {
		return base.HeaderSize
	}
	return 0
}

func (b *Btree) node(pgno base.Pgno) (node, error) {
	pg, err := b.pager.Get(pgno)
	if err != nil {
		return node{}, err
	}
	return node{b: b, pg: pg, off: headerOffset(pgno)}, nil
}

func (b *Btree) writable(pgno base.Pgno) (node, error) {
	pg, err := b.pager.Write(pgno)
	if err != nil {
		return node{}, err
	}
	return node{b: b, pg: pg, off: headerOffset(pgno)}, nil
}

func (n node) pgno() base.Pgno { return n.pg.Pgno }
func (n node) data() []byte    { return n.pg.Data }

func (n node) typ() byte { return n.pg.Data[n.off+offType] }

func (n node) isLeaf() bool {
	return n.typ() == base.PageTableLeaf || n.typ() == base.PageIndexLeaf
}

func (n node) isTable() bool {
	return n.typ() == base.PageTableLeaf || n.typ() == base.PageTableInterior
}

func (n node) checkType() error {
	switch n.typ() {
	case base.PageTableLeaf, base.PageTableInterior, base.PageIndexLeaf, base.PageIndexInterior:
		return nil
	}
	return base.Corruptf("page %d: invalid page type %d", n.pgno(), n.typ())
}

func (n node) hdrSize() int {
	if n.isLeaf() {
		return leafHdrSize
	}
	return interiorHdrSize
}

func (n node) nCells() int {
	return int(base.GetU16(n.pg.Data, n.off+offNCells))
}

func (n node) setNCells(v int) {
	base.PutU16(n.pg.Data, n.off+offNCells, uint16(v))
}

func (n node) freeHead() int {
	return int(base.GetU16(n.pg.Data, n.off+offFreeHead))
}

func (n node) setFreeHead(v int) {
	base.PutU16(n.pg.Data, n.off+offFreeHead, uint16(v))
}

// contentStart returns the offset of the cell-content area. The stored
// zero means 65536 so the field can address the end of a 64KiB page.
func (n node) contentStart() int {
	v := int(base.GetU16(n.pg.Data, n.off+offContent))
	if v == 0 {
		v = 65536
	}
	return v
}

func (n node) setContentStart(v int) {
	base.PutU16(n.pg.Data, n.off+offContent, uint16(v))
}

func (n node) fragBytes() int { return int(n.pg.Data[n.off+offFrag]) }

func (n node) setFragBytes(v int) { n.pg.Data[n.off+offFrag] = byte(v) }

func (n node) rightChild() base.Pgno {
	return base.Pgno(base.GetU32(n.pg.Data, n.off+offRight))
}

func (n node) setRightChild(p base.Pgno) {
	base.PutU32(n.pg.Data, n.off+offRight, uint32(p))
}

// cellPtrBase is the offset of the cell pointer array.
func (n node) cellPtrBase() int { return n.off + n.hdrSize() }

func (n node) cellPtr(i int) int {
	return int(base.GetU16(n.pg.Data, n.cellPtrBase()+2*i))
}

func (n node) setCellPtr(i, v int) {
	base.PutU16(n.pg.Data, n.cellPtrBase()+2*i, uint16(v))
}

// childAt returns the child pointer for slot i, where slot nCells is the
// rightmost pointer. Interior pages only.
func (n node) childAt(i int) base.Pgno {
	if i >= n.nCells() {
		return n.rightChild()
	}
	return base.Pgno(base.GetU32(n.pg.Data, n.cellPtr(i)))
}

func (n node) setChildAt(i int, p base.Pgno) {
	if i >= n.nCells() {
		n.setRightChild(p)
		return
	}
	base.PutU32(n.pg.Data, n.cellPtr(i), uint32(p))
}

// usableEnd is the first byte past the usable area (reserved bytes start
// there).
func (n node) usableEnd() int { return int(n.b.usable) }

// initPage formats the page as an empty b-tree page of the given type.
func (n node) initPage(typ byte) {
	d := n.pg.Data
	for i := n.off; i < n.usableEnd(); i++ {
		d[i] = 0
	}
	d[n.off+offType] = typ
	n.setContentStart(n.usableEnd())
}

// cellInfo is the parsed form of one cell.
type cellInfo struct {
	off        int       // cell start within the page
	size       int       // bytes occupied in this page
	child      base.Pgno // interior cells only
	rowid      int64     // table cells only
	nPayload   int       // total payload bytes (local + overflow)
	nLocal     int       // payload bytes stored in this page
	payloadOff int       // page offset of the local payload
	overflow   base.Pgno // first overflow page, 0 if none
}

// parseCell decodes cell i, bounds-checking every offset it reads.
func (n node) parseCell(i int) (cellInfo, error) {
	if i < 0 || i >= n.nCells() {
		return cellInfo{}, base.Corruptf("page %d: cell index %d of %d", n.pgno(), i, n.nCells())
	}
	off := n.cellPtr(i)
	return n.parseCellAt(off)
}

func (n node) parseCellAt(off int) (cellInfo, error) {
	d := n.pg.Data
	end := n.usableEnd()
	if off < n.off+n.hdrSize() || off+minCellSize > end {
		return cellInfo{}, base.Corruptf("page %d: cell offset %d out of range", n.pgno(), off)
	}
	ci := cellInfo{off: off}
	p := off

	switch n.typ() {
	case base.PageTableInterior:
		ci.child = base.Pgno(base.GetU32(d, p))
		p += 4
		key, nk := base.GetVarint(d[p:end])
		if nk == 0 {
			return cellInfo{}, base.Corruptf("page %d: truncated key varint at %d", n.pgno(), p)
		}
		ci.rowid = int64(key)
		ci.size = p + nk - off
		return ci, nil

	case base.PageTableLeaf:
		pl, np := base.GetVarint(d[p:end])
		if np == 0 {
			return cellInfo{}, base.Corruptf("page %d: truncated payload varint at %d", n.pgno(), p)
		}
		p += np
		key, nk := base.GetVarint(d[p:end])
		if nk == 0 {
			return cellInfo{}, base.Corruptf("page %d: truncated key varint at %d", n.pgno(), p)
		}
		p += nk
		ci.rowid = int64(key)
		ci.nPayload = int(pl)
		ci.nLocal = n.b.localSize(ci.nPayload, n.b.maxLeaf, n.b.minLeaf)

	case base.PageIndexInterior, base.PageIndexLeaf:
		if n.typ() == base.PageIndexInterior {
			ci.child = base.Pgno(base.GetU32(d, p))
			p += 4
		}
		pl, np := base.GetVarint(d[p:end])
		if np == 0 {
			return cellInfo{}, base.Corruptf("page %d: truncated payload varint at %d", n.pgno(), p)
		}
		p += np
		ci.nPayload = int(pl)
		ci.nLocal = n.b.localSize(ci.nPayload, n.b.maxIndex, n.b.minIndex)

	default:
		return cellInfo{}, base.Corruptf("page %d: invalid page type %d", n.pgno(), n.typ())
	}

	ci.payloadOff = p
	if p+ci.nLocal > end {
		return cellInfo{}, base.Corruptf("page %d: cell at %d overruns usable area", n.pgno(), off)
	}
	ci.size = p + ci.nLocal - off
	if ci.nLocal < ci.nPayload {
		if p+ci.nLocal+4 > end {
			return cellInfo{}, base.Corruptf("page %d: overflow pointer at %d out of range", n.pgno(), off)
		}
		ci.overflow = base.Pgno(base.GetU32(d, p+ci.nLocal))
		ci.size += 4
	}
	if ci.size < minCellSize {
		ci.size = minCellSize
	}
	return ci, nil
}

// cellBytes returns the raw on-page image of cell i.
func (n node) cellBytes(i int) ([]byte, error) {
	ci, err := n.parseCell(i)
	if err != nil {
		return nil, err
	}
	out := make([]byte, ci.size)
	copy(out, n.pg.Data[ci.off:ci.off+ci.size])
	return out, nil
}

// readCells copies every cell image off the page in pointer-array order.
func (n node) readCells() ([][]byte, error) {
	cells := make([][]byte, n.nCells())
	for i := range cells {
		c, err := n.cellBytes(i)
		if err != nil {
			return nil, err
		}
		cells[i] = c
	}
	return cells, nil
}

// localSize computes how many payload bytes stay on the page; see the
// embedded-payload fractions in the file format.
func (b *Btree) localSize(payload, maxLocal, minLocal int) int {
	if payload <= maxLocal {
		return payload
	}
	surplus := minLocal + (payload-minLocal)%(int(b.usable)-4)
	if surplus <= maxLocal {
		return surplus
	}
	return minLocal
}

// rebuild packs the given cells into the page from the end of the usable
// area in order, resetting the free-block chain. Callers guarantee fit.
func (n node) rebuild(typ byte, cells [][]byte, right base.Pgno) error {
	n.initPage(typ)
	if !n.isLeaf() {
		n.setRightChild(right)
	}
	top := n.usableEnd()
	for i, c := range cells {
		sz := len(c)
		if sz < minCellSize {
			sz = minCellSize
		}
		top -= sz
		if top < n.cellPtrBase()+2*len(cells) {
			return base.Corruptf("page %d: cells do not fit during rebuild", n.pgno())
		}
		copy(n.pg.Data[top:], c)
		n.setCellPtr(i, top)
	}
	n.setNCells(len(cells))
	n.setContentStart(top)
	return nil
}

// contentBytes is the space the page's cells plus pointer array occupy,
// used for merge and redistribution decisions.
func (n node) contentBytes() (int, error) {
	total := 2 * n.nCells()
	for i := 0; i < n.nCells(); i++ {
		ci, err := n.parseCell(i)
		if err != nil {
			return 0, err
		}
		total += ci.size
	}
	return total, nil
}

// capacity is the byte budget available to cells and the pointer array.
func (n node) capacity() int {
	return n.usableEnd() - n.off - n.hdrSize()
}

// capacityFor computes the budget a page of the given number would have;
// page 1 loses the 100-byte file header.
func (b *Btree) capacityFor(pgno base.Pgno, leaf bool) int {
	hdr := interiorHdrSize
	if leaf {
		hdr = leafHdrSize
	}
	return int(b.usable) - headerOffset(pgno) - hdr
}
