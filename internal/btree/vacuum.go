package btree

import "sqlitecore/internal/base"

// Auto-vacuum keeps the file compact by relocating pages from the tail
// into free slots earlier in the file, consulting the pointer map for the
// referencing parent, then truncating. Pages are processed back to front
// so a relocation never invalidates one already performed in the pass.

// IncrVacuumStep reclaims one page from the end of the file. Returns done
// when nothing further can be reclaimed.
func (b *Btree) IncrVacuumStep() (done bool, err error) {
	if !b.autoVacuum() {
		return true, base.Misusef("incremental vacuum on a database without a pointer map")
	}
	nFree, err := b.freelistCount()
	if err != nil {
		return false, err
	}
	if nFree == 0 {
		return true, nil
	}

	last := b.pager.PageCount()
	for {
		if last <= 1 {
			return true, nil
		}
		if b.isPtrmapPage(last) || last == base.LockBytePage(b.pager.PageSize()) {
			// Format-reserved pages at the tail just fall off with the
			// truncate.
			last--
			if err := b.pager.SetPageCount(last); err != nil {
				return false, err
			}
			continue
		}
		break
	}

	typ, parent, err := b.ptrmapGet(last)
	if err != nil {
		return false, err
	}

	switch typ {
	case base.PtrmapFreePage:
		if err := b.removeFromFreelist(last); err != nil {
			return false, err
		}
	case base.PtrmapRootPage:
		// Roots never move; compaction stops here.
		return true, nil
	default:
		dst, err := b.allocatePage(allocLE, last-1)
		if err != nil {
			return false, err
		}
		if dst == 0 {
			return true, nil
		}
		if err := b.relocatePage(last, dst, typ, parent); err != nil {
			return false, err
		}
	}

	if err := b.pager.SetPageCount(last - 1); err != nil {
		return false, err
	}
	nFree, err = b.freelistCount()
	if err != nil {
		return false, err
	}
	return nFree == 0, nil
}

// AutoVacuumCommit runs vacuum steps until the freelist is empty, called
// before commit in full auto-vacuum mode.
func (b *Btree) AutoVacuumCommit() error {
	if !b.autoVacuum() || b.incrVacuum() {
		return nil
	}
	for {
		done, err := b.IncrVacuumStep()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// relocatePage moves src's content to dst and rewrites the one reference
// to src that the pointer map names, then fixes the map entries of
// everything src itself references.
func (b *Btree) relocatePage(src, dst base.Pgno, typ byte, parent base.Pgno) error {
	sn, err := b.node(src)
	if err != nil {
		return err
	}
	dn, err := b.writable(dst)
	if err != nil {
		return err
	}
	copy(dn.data(), sn.data())

	switch typ {
	case base.PtrmapBtree:
		// Find the child slot in the parent interior page.
		pn, err := b.writable(parent)
		if err != nil {
			return err
		}
		if err := pn.checkType(); err != nil {
			return err
		}
		slot := -1
		for i := 0; i <= pn.nCells(); i++ {
			if pn.childAt(i) == src {
				slot = i
				break
			}
		}
		if slot < 0 {
			return base.Corruptf("page %d not referenced by its recorded parent %d", src, parent)
		}
		pn.setChildAt(slot, dst)
	case base.PtrmapOverflow1:
		// The parent is the b-tree page whose cell points at the chain.
		pn, err := b.writable(parent)
		if err != nil {
			return err
		}
		if err := pn.checkType(); err != nil {
			return err
		}
		fixed := false
		for i := 0; i < pn.nCells(); i++ {
			ci, err := pn.parseCell(i)
			if err != nil {
				return err
			}
			if ci.overflow == src {
				base.PutU32(pn.data(), ci.payloadOff+ci.nLocal, uint32(dst))
				fixed = true
				break
			}
		}
		if !fixed {
			return base.Corruptf("overflow page %d not referenced by its recorded owner %d", src, parent)
		}
	case base.PtrmapOverflow2:
		// The parent is the previous overflow page; its first four bytes
		// are the next pointer.
		pn, err := b.writable(parent)
		if err != nil {
			return err
		}
		if base.Pgno(base.GetU32(pn.data(), 0)) != src {
			return base.Corruptf("overflow page %d not linked from its recorded predecessor %d", src, parent)
		}
		base.PutU32(pn.data(), 0, uint32(dst))
	default:
		return base.Corruptf("cannot relocate page %d of pointer-map type %d", src, typ)
	}

	if err := b.ptrmapPut(dst, typ, parent); err != nil {
		return err
	}

	// Whatever the moved page references now has a new parent.
	switch typ {
	case base.PtrmapBtree:
		if err := dn.checkType(); err != nil {
			return err
		}
		if err := b.setChildPtrmaps(dn); err != nil {
			return err
		}
	case base.PtrmapOverflow1, base.PtrmapOverflow2:
		if next := base.Pgno(base.GetU32(dn.data(), 0)); next != 0 {
			if err := b.ptrmapPut(next, base.PtrmapOverflow2, dst); err != nil {
				return err
			}
		}
	}
	return nil
}
