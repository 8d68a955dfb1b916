package btree

import "sqlitecore/internal/base"

// The database freelist links whole free pages into trunk pages: each
// trunk stores the next trunk's page number, a leaf count, and an array of
// free leaf page numbers. The head trunk and total count live in the page
// 1 header.

const (
	trunkNext   = 0
	trunkNLeaf  = 4
	trunkLeaves = 8
)

// allocation modes
const (
	allocAny = iota // any free page, or extend the file
	allocLE         // only a free page numbered <= near; 0 when none exists
)

func (b *Btree) trunkLeafCapacity() int { return int(b.usable)/4 - 2 }

func (b *Btree) freelistCount() (uint32, error) {
	return b.headerU32(hdrFreelistCount)
}

// allocatePage returns a page for new content, preferring the freelist
// over growing the file. In allocLE mode only freelist pages numbered at
// or below near qualify and 0 is returned when there are none; the file is
// never extended.
func (b *Btree) allocatePage(mode int, near base.Pgno) (base.Pgno, error) {
	count, err := b.freelistCount()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		pgno, err := b.allocateFromFreelist(mode, near)
		if err != nil || pgno != 0 {
			return pgno, err
		}
	}
	if mode == allocLE {
		return 0, nil
	}

	// Extend the file, stepping over pages the format reserves: pointer
	// map pages and the lock-byte page hold no content.
	pgno := b.pager.PageCount() + 1
	for {
		if b.isPtrmapPage(pgno) {
			n, err := b.writable(pgno)
			if err != nil {
				return 0, err
			}
			for i := range n.data() {
				n.data()[i] = 0
			}
			pgno++
			continue
		}
		if pgno == base.LockBytePage(b.pager.PageSize()) {
			if _, err := b.writable(pgno); err != nil {
				return 0, err
			}
			pgno++
			continue
		}
		break
	}
	if _, err := b.writable(pgno); err != nil {
		return 0, err
	}
	return pgno, nil
}

// allocateFromFreelist pops a page off the trunk chain. Returns 0 with no
// error when the mode's constraint cannot be met.
func (b *Btree) allocateFromFreelist(mode int, near base.Pgno) (base.Pgno, error) {
	count, err := b.freelistCount()
	if err != nil {
		return 0, err
	}
	head, err := b.headerU32(hdrFreelistHead)
	if err != nil {
		return 0, err
	}

	prevTrunk := base.Pgno(0)
	trunk := base.Pgno(head)
	for trunk != 0 {
		if trunk > b.pager.PageCount() {
			return 0, base.Corruptf("freelist trunk %d beyond end of file", trunk)
		}
		tn, err := b.node(trunk)
		if err != nil {
			return 0, err
		}
		next := base.Pgno(base.GetU32(tn.data(), trunkNext))
		nLeaf := int(base.GetU32(tn.data(), trunkNLeaf))
		if nLeaf > b.trunkLeafCapacity() {
			return 0, base.Corruptf("freelist trunk %d claims %d leaves", trunk, nLeaf)
		}

		// Prefer leaves; in allocLE mode pick any qualifying leaf.
		for i := nLeaf - 1; i >= 0; i-- {
			leaf := base.Pgno(base.GetU32(tn.data(), trunkLeaves+4*i))
			if mode == allocLE && leaf > near {
				continue
			}
			if leaf < 2 || leaf > b.pager.PageCount() {
				return 0, base.Corruptf("freelist leaf %d out of range", leaf)
			}
			tw, err := b.writable(trunk)
			if err != nil {
				return 0, err
			}
			// Swap the last leaf into the hole.
			last := base.Pgno(base.GetU32(tw.data(), trunkLeaves+4*(nLeaf-1)))
			base.PutU32(tw.data(), trunkLeaves+4*i, uint32(last))
			base.PutU32(tw.data(), trunkNLeaf, uint32(nLeaf-1))
			if err := b.setHeaderU32(hdrFreelistCount, count-1); err != nil {
				return 0, err
			}
			if _, err := b.writable(leaf); err != nil {
				return 0, err
			}
			return leaf, nil
		}

		// A leafless trunk can itself be allocated; its successor
		// becomes the head (or the predecessor's next).
		if nLeaf == 0 && (mode != allocLE || trunk <= near) {
			if prevTrunk == 0 {
				if err := b.setHeaderU32(hdrFreelistHead, uint32(next)); err != nil {
					return 0, err
				}
			} else {
				pw, err := b.writable(prevTrunk)
				if err != nil {
					return 0, err
				}
				base.PutU32(pw.data(), trunkNext, uint32(next))
			}
			if err := b.setHeaderU32(hdrFreelistCount, count-1); err != nil {
				return 0, err
			}
			if _, err := b.writable(trunk); err != nil {
				return 0, err
			}
			return trunk, nil
		}

		prevTrunk = trunk
		trunk = next
	}
	return 0, nil
}

// freePage links pgno into the freelist.
func (b *Btree) freePage(pgno base.Pgno) error {
	if pgno < 2 || pgno > b.pager.PageCount() {
		return base.Corruptf("freeing page %d out of range", pgno)
	}
	count, err := b.freelistCount()
	if err != nil {
		return err
	}
	head, err := b.headerU32(hdrFreelistHead)
	if err != nil {
		return err
	}

	if b.autoVacuum() {
		if err := b.ptrmapPut(pgno, base.PtrmapFreePage, 0); err != nil {
			return err
		}
	}

	if head != 0 {
		tn, err := b.node(base.Pgno(head))
		if err != nil {
			return err
		}
		nLeaf := int(base.GetU32(tn.data(), trunkNLeaf))
		if nLeaf < b.trunkLeafCapacity() {
			tw, err := b.writable(base.Pgno(head))
			if err != nil {
				return err
			}
			base.PutU32(tw.data(), trunkLeaves+4*nLeaf, uint32(pgno))
			base.PutU32(tw.data(), trunkNLeaf, uint32(nLeaf+1))
			return b.setHeaderU32(hdrFreelistCount, count+1)
		}
	}

	// The freed page becomes the new head trunk.
	n, err := b.writable(pgno)
	if err != nil {
		return err
	}
	for i := range n.data() {
		n.data()[i] = 0
	}
	base.PutU32(n.data(), trunkNext, head)
	base.PutU32(n.data(), trunkNLeaf, 0)
	if err := b.setHeaderU32(hdrFreelistHead, uint32(pgno)); err != nil {
		return err
	}
	return b.setHeaderU32(hdrFreelistCount, count+1)
}

// removeFromFreelist unlinks a specific page, used by vacuum when the page
// being reclaimed from the file tail is itself free.
func (b *Btree) removeFromFreelist(pgno base.Pgno) error {
	count, err := b.freelistCount()
	if err != nil {
		return err
	}
	head, err := b.headerU32(hdrFreelistHead)
	if err != nil {
		return err
	}
	prevTrunk := base.Pgno(0)
	trunk := base.Pgno(head)
	for trunk != 0 {
		tn, err := b.node(trunk)
		if err != nil {
			return err
		}
		next := base.Pgno(base.GetU32(tn.data(), trunkNext))
		nLeaf := int(base.GetU32(tn.data(), trunkNLeaf))

		if trunk == pgno {
			// Unlink the trunk itself; its leaves move to a successor.
			if nLeaf > 0 {
				// Promote the first leaf to carry this trunk's leaves.
				newTrunk := base.Pgno(base.GetU32(tn.data(), trunkLeaves))
				nw, err := b.writable(newTrunk)
				if err != nil {
					return err
				}
				for i := range nw.data() {
					nw.data()[i] = 0
				}
				base.PutU32(nw.data(), trunkNext, uint32(next))
				base.PutU32(nw.data(), trunkNLeaf, uint32(nLeaf-1))
				for i := 1; i < nLeaf; i++ {
					leaf := base.GetU32(tn.data(), trunkLeaves+4*i)
					base.PutU32(nw.data(), trunkLeaves+4*(i-1), leaf)
				}
				next = newTrunk
			}
			if prevTrunk == 0 {
				if err := b.setHeaderU32(hdrFreelistHead, uint32(next)); err != nil {
					return err
				}
			} else {
				pw, err := b.writable(prevTrunk)
				if err != nil {
					return err
				}
				base.PutU32(pw.data(), trunkNext, uint32(next))
			}
			return b.setHeaderU32(hdrFreelistCount, count-1)
		}

		for i := 0; i < nLeaf; i++ {
			if base.Pgno(base.GetU32(tn.data(), trunkLeaves+4*i)) != pgno {
				continue
			}
			tw, err := b.writable(trunk)
			if err != nil {
				return err
			}
			last := base.GetU32(tw.data(), trunkLeaves+4*(nLeaf-1))
			base.PutU32(tw.data(), trunkLeaves+4*i, last)
			base.PutU32(tw.data(), trunkNLeaf, uint32(nLeaf-1))
			return b.setHeaderU32(hdrFreelistCount, count-1)
		}

		prevTrunk = trunk
		trunk = next
	}
	return base.Corruptf("page %d not found on freelist", pgno)
}
