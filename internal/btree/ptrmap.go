package btree

import "sqlitecore/internal/base"

// Pointer-map pages (auto-vacuum only) record each page's parent in 5-byte
// entries: a type byte and a 4-byte parent page number. The first map page
// is page 2; each map page covers the usable/5 pages that follow it.

func (b *Btree) ptrmapEntriesPerPage() int { return int(b.usable) / 5 }

// isPtrmapPage reports whether pgno is a pointer-map page.
func (b *Btree) isPtrmapPage(pgno base.Pgno) bool {
	if !b.autoVacuum() || pgno < 2 {
		return false
	}
	if pgno == base.LockBytePage(b.pager.PageSize()) {
		return false
	}
	stride := base.Pgno(b.ptrmapEntriesPerPage() + 1)
	return (pgno-2)%stride == 0
}

// ptrmapPageFor returns the map page holding pgno's entry. When the
// computed page collides with the lock-byte page the map shifts one page
// down.
func (b *Btree) ptrmapPageFor(pgno base.Pgno) base.Pgno {
	stride := base.Pgno(b.ptrmapEntriesPerPage() + 1)
	mp := ((pgno - 2) / stride) * stride + 2
	if mp == base.LockBytePage(b.pager.PageSize()) {
		mp++
	}
	return mp
}

// ptrmapPut records (typ, parent) for pgno. A no-op when auto-vacuum is
// off.
func (b *Btree) ptrmapPut(pgno base.Pgno, typ byte, parent base.Pgno) error {
	if !b.autoVacuum() {
		return nil
	}
	if pgno < 2 {
		return base.Corruptf("pointer-map entry for page %d", pgno)
	}
	mp := b.ptrmapPageFor(pgno)
	if mp == pgno {
		return base.Corruptf("pointer-map entry for map page %d", pgno)
	}
	n, err := b.writable(mp)
	if err != nil {
		return err
	}
	off := int(pgno-mp-1) * 5
	if off+5 > int(b.usable) {
		return base.Corruptf("pointer-map offset %d out of range on page %d", off, mp)
	}
	n.data()[off] = typ
	base.PutU32(n.data(), off+1, uint32(parent))
	return nil
}

// ptrmapGet reads the entry for pgno.
func (b *Btree) ptrmapGet(pgno base.Pgno) (byte, base.Pgno, error) {
	if pgno < 2 {
		return 0, 0, base.Corruptf("pointer-map entry for page %d", pgno)
	}
	mp := b.ptrmapPageFor(pgno)
	if mp == pgno {
		return 0, 0, base.Corruptf("pointer-map entry for map page %d", pgno)
	}
	n, err := b.node(mp)
	if err != nil {
		return 0, 0, err
	}
	off := int(pgno-mp-1) * 5
	if off+5 > int(b.usable) {
		return 0, 0, base.Corruptf("pointer-map offset %d out of range on page %d", off, mp)
	}
	typ := n.data()[off]
	if typ < base.PtrmapRootPage || typ > base.PtrmapBtree {
		return 0, 0, base.Corruptf("invalid pointer-map type %d for page %d", typ, pgno)
	}
	return typ, base.Pgno(base.GetU32(n.data(), off+1)), nil
}

// setChildPtrmaps rewrites the pointer-map entries of everything the page
// references: children of an interior page and the first overflow page of
// every spilled cell. Called after cells move between pages.
func (b *Btree) setChildPtrmaps(n node) error {
	if !b.autoVacuum() {
		return nil
	}
	nc := n.nCells()
	interior := !n.isLeaf()
	for i := 0; i < nc; i++ {
		ci, err := n.parseCell(i)
		if err != nil {
			return err
		}
		if ci.overflow != 0 {
			if err := b.ptrmapPut(ci.overflow, base.PtrmapOverflow1, n.pgno()); err != nil {
				return err
			}
		}
		if interior {
			if err := b.ptrmapPut(ci.child, base.PtrmapBtree, n.pgno()); err != nil {
				return err
			}
		}
	}
	if interior {
		return b.ptrmapPut(n.rightChild(), base.PtrmapBtree, n.pgno())
	}
	return nil
}
