package btree

import (
	"bytes"
	"fmt"

	"sqlitecore/internal/base"
)

// Problem is one finding of an integrity check.
type Problem struct {
	Page base.Pgno
	Msg  string
}

func (p Problem) String() string {
	if p.Page != 0 {
		return fmt.Sprintf("page %d: %s", p.Page, p.Msg)
	}
	return p.Msg
}

type checker struct {
	b        *Btree
	refs     map[base.Pgno]base.Pgno // page -> first referrer
	problems []Problem
	max      int

	lastRowid *int64
	lastKey   []byte
	haveKey   bool
}

func (c *checker) report(pgno base.Pgno, format string, args ...any) {
	if len(c.problems) < c.max {
		c.problems = append(c.problems, Problem{Page: pgno, Msg: fmt.Sprintf(format, args...)})
	}
}

// ref records a use of pgno, reporting out-of-range and double-referenced
// pages. Returns false when the page should not be descended into.
func (c *checker) ref(pgno, by base.Pgno) bool {
	if pgno < 1 || pgno > c.b.pager.PageCount() {
		c.report(by, "references page %d out of range 1..%d", pgno, c.b.pager.PageCount())
		return false
	}
	if prev, ok := c.refs[pgno]; ok {
		c.report(pgno, "used twice, by pages %d and %d", prev, by)
		return false
	}
	c.refs[pgno] = by
	return true
}

// IntegrityCheck validates the trees rooted at roots together with the
// freelist and overall page accounting, reporting up to maxErrors
// problems. An empty report means the file is sound. Requires at least a
// read transaction.
func (b *Btree) IntegrityCheck(roots []base.Pgno, maxErrors int) []Problem {
	if maxErrors <= 0 {
		maxErrors = 100
	}
	c := &checker{b: b, refs: make(map[base.Pgno]base.Pgno), max: maxErrors}

	c.refs[1] = 1
	lockPg := base.LockBytePage(b.pager.PageSize())
	if lockPg <= b.pager.PageCount() {
		c.refs[lockPg] = lockPg
	}
	if b.autoVacuum() {
		for pgno := base.Pgno(2); pgno <= b.pager.PageCount(); pgno++ {
			if b.isPtrmapPage(pgno) {
				c.refs[pgno] = pgno
			}
		}
	}

	c.checkFreelist()
	for _, root := range roots {
		c.lastRowid = nil
		c.haveKey = false
		if root == 1 || c.ref(root, root) {
			c.checkTree(root, root, -1, 0)
		}
	}

	for pgno := base.Pgno(2); pgno <= b.pager.PageCount(); pgno++ {
		if _, ok := c.refs[pgno]; !ok {
			c.report(pgno, "never used")
		}
	}
	return c.problems
}

func (c *checker) checkFreelist() {
	count, err := c.b.freelistCount()
	if err != nil {
		c.report(1, "cannot read freelist count: %v", err)
		return
	}
	head, err := c.b.headerU32(hdrFreelistHead)
	if err != nil {
		c.report(1, "cannot read freelist head: %v", err)
		return
	}
	seen := uint32(0)
	trunk := base.Pgno(head)
	prev := base.Pgno(1)
	for trunk != 0 {
		if !c.ref(trunk, prev) {
			break
		}
		tn, err := c.b.node(trunk)
		if err != nil {
			c.report(trunk, "unreadable freelist trunk: %v", err)
			break
		}
		seen++
		nLeaf := int(base.GetU32(tn.data(), trunkNLeaf))
		if nLeaf > c.b.trunkLeafCapacity() {
			c.report(trunk, "freelist trunk claims %d leaves, max %d", nLeaf, c.b.trunkLeafCapacity())
			break
		}
		for i := 0; i < nLeaf; i++ {
			leaf := base.Pgno(base.GetU32(tn.data(), trunkLeaves+4*i))
			if c.ref(leaf, trunk) {
				seen++
			}
		}
		prev = trunk
		trunk = base.Pgno(base.GetU32(tn.data(), trunkNext))
	}
	if seen != count {
		c.report(1, "freelist header says %d pages, found %d", count, seen)
	}
}

// checkTree validates the subtree at pgno and returns its leaf depth, so
// the caller can verify all leaves sit at the same level.
func (c *checker) checkTree(pgno, parent base.Pgno, wantDepth, depth int) int {
	n, err := c.b.node(pgno)
	if err != nil {
		c.report(pgno, "unreadable: %v", err)
		return wantDepth
	}
	if err := n.checkType(); err != nil {
		c.report(pgno, "invalid page type %d", n.typ())
		return wantDepth
	}
	c.checkPageLayout(n)

	interior := !n.isLeaf()
	table := n.isTable()

	if n.isLeaf() {
		if wantDepth < 0 {
			wantDepth = depth
		} else if depth != wantDepth {
			c.report(pgno, "leaf at depth %d, expected %d", depth, wantDepth)
		}
	}

	for i := 0; i < n.nCells(); i++ {
		ci, err := n.parseCell(i)
		if err != nil {
			c.report(pgno, "cell %d: %v", i, err)
			return wantDepth
		}
		if interior {
			if c.ref(ci.child, pgno) {
				wantDepth = c.checkTree(ci.child, pgno, wantDepth, depth+1)
			}
			// The subtree just checked must stay at or below the
			// separator.
			if n, err = c.b.node(pgno); err != nil {
				c.report(pgno, "unreadable: %v", err)
				return wantDepth
			}
		}
		if table {
			if interior {
				if c.lastRowid != nil && *c.lastRowid > ci.rowid {
					c.report(pgno, "separator rowid %d below child maximum %d, out of order", ci.rowid, *c.lastRowid)
				}
				r := ci.rowid
				c.lastRowid = &r
			} else {
				if c.lastRowid != nil && *c.lastRowid >= ci.rowid {
					c.report(pgno, "rowid %d after %d, out of order", ci.rowid, *c.lastRowid)
				}
				r := ci.rowid
				c.lastRowid = &r
			}
		} else {
			key, err := c.b.cellPayload(n, ci)
			if err != nil {
				c.report(pgno, "cell %d payload: %v", i, err)
				return wantDepth
			}
			if c.haveKey && bytes.Compare(c.lastKey, key) > 0 {
				c.report(pgno, "cell %d key out of order", i)
			}
			c.lastKey = key
			c.haveKey = true
		}
		if ci.overflow != 0 {
			c.checkOverflow(n.pgno(), ci)
		}
	}

	if interior {
		right := n.rightChild()
		if c.ref(right, pgno) {
			wantDepth = c.checkTree(right, pgno, wantDepth, depth+1)
		}
	}
	return wantDepth
}

// checkPageLayout verifies the page-local accounting invariant: cells,
// free blocks, fragmented bytes, the pointer array, and the header must
// tile the usable area exactly.
func (c *checker) checkPageLayout(n node) {
	pgno := n.pgno()
	used := n.off + n.hdrSize() + 2*n.nCells()
	for i := 0; i < n.nCells(); i++ {
		ci, err := n.parseCell(i)
		if err != nil {
			c.report(pgno, "cell %d: %v", i, err)
			return
		}
		if ci.off < n.contentStart() {
			c.report(pgno, "cell %d at %d intrudes into the gap", i, ci.off)
		}
		used += ci.size
	}
	free, err := n.freeBytes()
	if err != nil {
		c.report(pgno, "free-block chain: %v", err)
		return
	}
	gap := n.contentStart() - (n.cellPtrBase() + 2*n.nCells())
	if gap < 0 {
		c.report(pgno, "content area overlaps cell pointer array")
		return
	}
	if used+free != n.usableEnd() {
		c.report(pgno, "space accounting off: %d used + %d free != %d usable", used, free, n.usableEnd())
	}
}

func (c *checker) checkOverflow(owner base.Pgno, ci cellInfo) {
	want := ci.nPayload - ci.nLocal
	per := c.b.overflowDataPerPage()
	pgno := ci.overflow
	prev := owner
	for want > 0 {
		if pgno == 0 {
			c.report(prev, "overflow chain ends %d bytes short", want)
			return
		}
		if !c.ref(pgno, prev) {
			return
		}
		n, err := c.b.node(pgno)
		if err != nil {
			c.report(pgno, "unreadable overflow page: %v", err)
			return
		}
		want -= per
		if want < 0 {
			want = 0
		}
		prev = pgno
		pgno = base.Pgno(base.GetU32(n.data(), 0))
	}
}
