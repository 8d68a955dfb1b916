package btree

import "sqlitecore/internal/base"

// Overflow pages store payload bytes that exceed a cell's local threshold.
// Each page holds a 4-byte next pointer followed by usable-4 data bytes;
// the last page's pointer is zero.

func (b *Btree) overflowDataPerPage() int { return int(b.usable) - 4 }

// writeOverflow spills data across a fresh overflow chain and returns the
// first page. owner is the b-tree page that will hold the cell, for the
// pointer map.
func (b *Btree) writeOverflow(data []byte, owner base.Pgno) (base.Pgno, error) {
	if len(data) == 0 {
		return 0, nil
	}
	per := b.overflowDataPerPage()
	var first, prev base.Pgno
	for off := 0; off < len(data); off += per {
		pgno, err := b.allocatePage(allocAny, 0)
		if err != nil {
			return 0, err
		}
		n, err := b.writable(pgno)
		if err != nil {
			return 0, err
		}
		for i := range n.data() {
			n.data()[i] = 0
		}
		chunk := data[off:]
		if len(chunk) > per {
			chunk = chunk[:per]
		}
		copy(n.data()[4:], chunk)

		if prev == 0 {
			first = pgno
			if err := b.ptrmapPut(pgno, base.PtrmapOverflow1, owner); err != nil {
				return 0, err
			}
		} else {
			pn, err := b.writable(prev)
			if err != nil {
				return 0, err
			}
			base.PutU32(pn.data(), 0, uint32(pgno))
			if err := b.ptrmapPut(pgno, base.PtrmapOverflow2, prev); err != nil {
				return 0, err
			}
		}
		prev = pgno
	}
	return first, nil
}

// readOverflow appends the remaining want bytes of a payload from the
// chain starting at first.
func (b *Btree) readOverflow(dst []byte, first base.Pgno, want int) ([]byte, error) {
	per := b.overflowDataPerPage()
	pgno := first
	seen := 0
	for want > 0 {
		if pgno == 0 {
			return nil, base.Corruptf("overflow chain from page %d ends %d bytes short", first, want)
		}
		if pgno > b.pager.PageCount() {
			return nil, base.Corruptf("overflow page %d beyond end of file", pgno)
		}
		if seen++; seen > int(b.pager.PageCount()) {
			return nil, base.Corruptf("overflow chain from page %d is circular", first)
		}
		n, err := b.node(pgno)
		if err != nil {
			return nil, err
		}
		chunk := per
		if chunk > want {
			chunk = want
		}
		dst = append(dst, n.data()[4:4+chunk]...)
		want -= chunk
		pgno = base.Pgno(base.GetU32(n.data(), 0))
	}
	return dst, nil
}

// freeOverflow returns every page of the chain to the freelist.
func (b *Btree) freeOverflow(first base.Pgno) error {
	pgno := first
	seen := 0
	for pgno != 0 {
		if pgno > b.pager.PageCount() {
			return base.Corruptf("overflow page %d beyond end of file", pgno)
		}
		if seen++; seen > int(b.pager.PageCount()) {
			return base.Corruptf("overflow chain from page %d is circular", first)
		}
		n, err := b.node(pgno)
		if err != nil {
			return err
		}
		next := base.Pgno(base.GetU32(n.data(), 0))
		if err := b.freePage(pgno); err != nil {
			return err
		}
		pgno = next
	}
	return nil
}

// cellPayload assembles the full payload of a parsed cell, following its
// overflow chain when spilled.
func (b *Btree) cellPayload(n node, ci cellInfo) ([]byte, error) {
	out := make([]byte, 0, ci.nPayload)
	out = append(out, n.data()[ci.payloadOff:ci.payloadOff+ci.nLocal]...)
	if ci.nLocal < ci.nPayload {
		return b.readOverflow(out, ci.overflow, ci.nPayload-ci.nLocal)
	}
	return out, nil
}
