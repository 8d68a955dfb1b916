package btree

import (
	"sqlitecore/internal/base"
	"sqlitecore/internal/pager"
)

// Database header offsets on page 1 for the fields the b-tree layer owns.
const (
	hdrFreelistHead  = 32
	hdrFreelistCount = 36
	hdrLargestRoot   = 52
)

// Btree provides table and index trees over a pager. One Btree serves one
// connection; cross-connection coordination happens in the pager's locks.
type Btree struct {
	pager  *pager.Pager
	usable uint32

	// Local-payload thresholds derived from the usable page size.
	maxLeaf, minLeaf   int
	maxIndex, minIndex int
}

// New wraps a pager. The page size is fixed at this point, so the payload
// spill thresholds are computed once.
func New(p *pager.Pager) *Btree {
	u := int(p.UsableSize())
	return &Btree{
		pager:    p,
		usable:   p.UsableSize(),
		maxLeaf:  u - 35,
		minLeaf:  (u-12)*32/255 - 23,
		maxIndex: (u-12)*64/255 - 23,
		minIndex: (u-12)*32/255 - 23,
	}
}

// Pager returns the underlying pager.
func (b *Btree) Pager() *pager.Pager { return b.pager }

// autoVacuum reports whether the pointer map is maintained, read from the
// largest-root-page header field.
func (b *Btree) autoVacuum() bool {
	return b.pager.Header().AutoVacuum()
}

func (b *Btree) incrVacuum() bool {
	return b.pager.Header().IncrVacuum != 0
}

// headerU32 reads a 32-bit field from the page 1 header through the cache,
// so in-transaction updates are visible.
func (b *Btree) headerU32(off int) (uint32, error) {
	n, err := b.node(1)
	if err != nil {
		return 0, err
	}
	return base.GetU32(n.data(), off), nil
}

func (b *Btree) setHeaderU32(off int, v uint32) error {
	n, err := b.writable(1)
	if err != nil {
		return err
	}
	base.PutU32(n.data(), off, v)
	return nil
}

// Meta returns 32-bit metadata slot idx (1-based) from the header: 1 is
// the freelist page count, 2 the schema cookie, and so on through the
// header layout.
func (b *Btree) Meta(idx int) (uint32, error) {
	if idx < 1 || idx > 15 {
		return 0, base.Misusef("meta index %d out of range", idx)
	}
	return b.headerU32(hdrFreelistCount + 4*(idx-1))
}

// SetMeta updates a metadata slot; requires a write transaction.
func (b *Btree) SetMeta(idx int, v uint32) error {
	if idx < 1 || idx > 15 {
		return base.Misusef("meta index %d out of range", idx)
	}
	return b.setHeaderU32(hdrFreelistCount+4*(idx-1), v)
}

// CreateTree allocates a new empty tree and returns its root page.
func (b *Btree) CreateTree(index bool) (base.Pgno, error) {
	pgno, err := b.allocatePage(allocAny, 0)
	if err != nil {
		return 0, err
	}
	n, err := b.writable(pgno)
	if err != nil {
		return 0, err
	}
	typ := byte(base.PageTableLeaf)
	if index {
		typ = base.PageIndexLeaf
	}
	n.initPage(typ)

	if b.autoVacuum() {
		if err := b.ptrmapPut(pgno, base.PtrmapRootPage, 0); err != nil {
			return 0, err
		}
		largest, err := b.headerU32(hdrLargestRoot)
		if err != nil {
			return 0, err
		}
		if uint32(pgno) > largest {
			if err := b.setHeaderU32(hdrLargestRoot, uint32(pgno)); err != nil {
				return 0, err
			}
		}
	}
	return pgno, nil
}

// ClearTree deletes every entry, freeing all pages except the root, which
// is reset to an empty leaf of the same kind.
func (b *Btree) ClearTree(root base.Pgno) error {
	n, err := b.node(root)
	if err != nil {
		return err
	}
	if err := n.checkType(); err != nil {
		return err
	}
	table := n.isTable()
	if err := b.clearPage(root, true); err != nil {
		return err
	}
	n, err = b.writable(root)
	if err != nil {
		return err
	}
	typ := byte(base.PageIndexLeaf)
	if table {
		typ = base.PageTableLeaf
	}
	n.initPage(typ)
	return nil
}

// DropTree clears the tree and frees its root. The schema root on page 1
// can be cleared but never dropped.
func (b *Btree) DropTree(root base.Pgno) error {
	if root == 1 {
		return base.Misusef("cannot drop the page 1 tree")
	}
	if err := b.ClearTree(root); err != nil {
		return err
	}
	return b.freePage(root)
}

// clearPage frees the subtree under pgno, including overflow chains. The
// page itself is kept when keep is true (the root during a clear).
func (b *Btree) clearPage(pgno base.Pgno, keep bool) error {
	n, err := b.node(pgno)
	if err != nil {
		return err
	}
	if err := n.checkType(); err != nil {
		return err
	}
	nc := n.nCells()
	interior := !n.isLeaf()
	for i := 0; i < nc; i++ {
		ci, err := n.parseCell(i)
		if err != nil {
			return err
		}
		if ci.overflow != 0 {
			if err := b.freeOverflow(ci.overflow); err != nil {
				return err
			}
		}
		if interior {
			if err := b.clearPage(ci.child, false); err != nil {
				return err
			}
			// The child free may have relinked pages; re-fetch.
			if n, err = b.node(pgno); err != nil {
				return err
			}
		}
	}
	if interior {
		if err := b.clearPage(n.rightChild(), false); err != nil {
			return err
		}
	}
	if keep {
		return nil
	}
	return b.freePage(pgno)
}
