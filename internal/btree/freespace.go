package btree

import "sqlitecore/internal/base"

// Per-page free space management. Reclaimed byte runs inside a page form a
// singly linked chain sorted by ascending offset; each block stores a
// 2-byte next pointer and a 2-byte size in place. Runs shorter than 4
// bytes cannot carry a link and are counted in the fragmented-bytes field
// instead.

// freeBytes is the total reclaimable space on the page: the gap between
// the pointer array and the content area, the free-block chain, and the
// fragment counter.
func (n node) freeBytes() (int, error) {
	total := n.contentStart() - (n.cellPtrBase() + 2*n.nCells()) + n.fragBytes()
	if total < 0 {
		return 0, base.Corruptf("page %d: content area overlaps cell pointers", n.pgno())
	}
	for off := n.freeHead(); off != 0; {
		if off+4 > n.usableEnd() || off < n.contentStart() {
			return 0, base.Corruptf("page %d: free block at %d out of range", n.pgno(), off)
		}
		next := int(base.GetU16(n.pg.Data, off))
		size := int(base.GetU16(n.pg.Data, off+2))
		if next != 0 && next <= off {
			return 0, base.Corruptf("page %d: free-block chain not sorted at %d", n.pgno(), off)
		}
		total += size
		off = next
	}
	return total, nil
}

// allocateSpace finds room for nBytes of cell content and returns its
// offset, or 0 if the page cannot hold it even after defragmenting. The
// free-block chain is searched first-fit; splitting a block returns the
// tail so earlier allocations keep their offsets.
func (n node) allocateSpace(nBytes int) (int, error) {
	if nBytes < minCellSize {
		nBytes = minCellSize
	}
	d := n.pg.Data

	if n.fragBytes() <= 57 { // beyond this the chain is too shredded; defragment instead
		prev := 0
		for off := n.freeHead(); off != 0; {
			if off+4 > n.usableEnd() {
				return 0, base.Corruptf("page %d: free block at %d out of range", n.pgno(), off)
			}
			next := int(base.GetU16(d, off))
			size := int(base.GetU16(d, off+2))
			if size >= nBytes {
				rem := size - nBytes
				if rem < 4 {
					// Consume the block whole; the leftover becomes
					// fragmented bytes.
					if prev == 0 {
						n.setFreeHead(next)
					} else {
						base.PutU16(d, prev, uint16(next))
					}
					if n.fragBytes()+rem > 255 {
						return 0, base.Corruptf("page %d: fragmented bytes overflow", n.pgno())
					}
					n.setFragBytes(n.fragBytes() + rem)
					return off, nil
				}
				base.PutU16(d, off+2, uint16(rem))
				return off + rem, nil
			}
			prev = off
			off = next
		}
	}

	// Carve from the gap between the pointer array and the content area.
	// One extra 2-byte slot is reserved for the pointer the caller is
	// about to append.
	gapEnd := n.contentStart()
	gapStart := n.cellPtrBase() + 2*n.nCells() + 2
	if gapEnd-gapStart >= nBytes {
		off := gapEnd - nBytes
		n.setContentStart(off)
		return off, nil
	}

	// Enough total free space may still exist, just not contiguously.
	free, err := n.freeBytes()
	if err != nil {
		return 0, err
	}
	if free >= nBytes+2 {
		if err := n.defragment(); err != nil {
			return 0, err
		}
		off := n.contentStart() - nBytes
		if off < n.cellPtrBase()+2*n.nCells()+2 {
			return 0, nil
		}
		n.setContentStart(off)
		return off, nil
	}
	return 0, nil
}

// freeSpace returns the run [off, off+size) to the page, inserting it into
// the sorted chain and coalescing with adjacent blocks. Runs under 4 bytes
// go to the fragment counter.
func (n node) freeSpace(off, size int) error {
	if size <= 0 {
		return nil
	}
	if off < n.contentStart() || off+size > n.usableEnd() {
		return base.Corruptf("page %d: freeing bytes [%d,%d) outside content area", n.pgno(), off, off+size)
	}
	d := n.pg.Data

	if size < 4 {
		if n.fragBytes()+size > 255 {
			return base.Corruptf("page %d: fragmented bytes overflow", n.pgno())
		}
		n.setFragBytes(n.fragBytes() + size)
		return nil
	}

	// Find the sorted insertion point.
	prev := 0
	next := n.freeHead()
	for next != 0 && next < off {
		if next+4 > n.usableEnd() {
			return base.Corruptf("page %d: free block at %d out of range", n.pgno(), next)
		}
		prev = next
		next = int(base.GetU16(d, next))
	}
	if next != 0 && next < off+size {
		return base.Corruptf("page %d: freed range [%d,%d) overlaps free block at %d", n.pgno(), off, off+size, next)
	}

	// Coalesce with the following block.
	if next == off+size {
		size += int(base.GetU16(d, next+2))
		next = int(base.GetU16(d, next))
	}
	// Coalesce with the preceding block.
	if prev != 0 {
		psz := int(base.GetU16(d, prev+2))
		if prev+psz > off {
			return base.Corruptf("page %d: freed range [%d,%d) overlaps free block at %d", n.pgno(), off, off+size, prev)
		}
		if prev+psz == off {
			base.PutU16(d, prev+2, uint16(psz+size))
			base.PutU16(d, prev, uint16(next))
			return n.absorbTop()
		}
		base.PutU16(d, prev, uint16(off))
	} else {
		n.setFreeHead(off)
	}
	base.PutU16(d, off, uint16(next))
	base.PutU16(d, off+2, uint16(size))
	return n.absorbTop()
}

// absorbTop merges a head free block that touches the top of the content
// area into the gap, so the content area can grow back.
func (n node) absorbTop() error {
	d := n.pg.Data
	for {
		head := n.freeHead()
		if head == 0 || head != n.contentStart() {
			return nil
		}
		n.setFreeHead(int(base.GetU16(d, head)))
		n.setContentStart(head + int(base.GetU16(d, head+2)))
	}
}

// defragment rewrites every live cell to the end of the content area in
// pointer order, leaving one contiguous free run and an empty chain. The
// pointer array's logical order is preserved.
func (n node) defragment() error {
	cells := make([][]byte, n.nCells())
	for i := range cells {
		c, err := n.cellBytes(i)
		if err != nil {
			return err
		}
		cells[i] = c
	}
	typ := n.typ()
	right := n.rightChild()
	return n.rebuild(typ, cells, right)
}
