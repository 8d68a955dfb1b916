package wal

import (
	"sync"

	"sqlitecore/internal/base"
	"sqlitecore/internal/vfs"
)

// The -shm file carries the WAL index header (two identical copies, so a
// reader can detect a concurrent update by comparing them) followed by the
// checkpoint info: the backfill counter and the reader marks. The
// page-to-frame hash tables the reference engine also keeps here are
// maintained in process memory instead and rebuilt by scanning the log
// (see DESIGN.md).
const (
	indexHdrSize   = 48
	indexRegion    = 32768
	offBackfill    = 2 * indexHdrSize
	offReadMarks   = offBackfill + 4
	readMarkUnused = 0xffffffff
)

// IndexHeader is the published committed state of the log.
type IndexHeader struct {
	MaxFrame  uint32
	DBSize    uint32
	PageSize  uint32
	Change    uint32
	Salt1     uint32
	Salt2     uint32
	Cksum1    uint32
	Cksum2    uint32
	BigEndian bool
	Backfill  uint32
}

// Index is a connection's mapping of the -shm file.
type Index struct {
	mu   sync.Mutex
	shm  *vfs.SharedMem
	path string

	// Slots this connection holds, so Close can release them.
	held [NReader]bool
}

// OpenIndex maps the -shm file at path, creating it if absent.
func OpenIndex(path string) (*Index, error) {
	shm, err := vfs.OpenSharedMem(path, indexRegion)
	if err != nil {
		return nil, err
	}
	idx := &Index{shm: shm, path: path}
	data := shm.Data()
	// Fresh file: mark all reader slots unused.
	if base.GetU32(data, 0) == 0 && base.GetU32(data, indexHdrSize) == 0 {
		for i := 0; i < NReader; i++ {
			base.PutU32(data, offReadMarks+4*i, readMarkUnused)
		}
	}
	return idx, nil
}

// Path returns the -shm file path.
func (x *Index) Path() string { return x.path }

func putHeader(b []byte, h IndexHeader) {
	base.PutU32(b, 0, Version)
	base.PutU32(b, 4, 0)
	base.PutU32(b, 8, h.Change)
	b[12] = 1 // initialized
	if h.BigEndian {
		b[13] = 1
	} else {
		b[13] = 0
	}
	ps := h.PageSize
	if ps == 65536 {
		ps = 1
	}
	base.PutU16(b, 14, uint16(ps))
	base.PutU32(b, 16, h.MaxFrame)
	base.PutU32(b, 20, h.DBSize)
	base.PutU32(b, 24, h.Cksum1)
	base.PutU32(b, 28, h.Cksum2)
	base.PutU32(b, 32, h.Salt1)
	base.PutU32(b, 36, h.Salt2)
	s1, s2 := Checksum(false, b[:40], 0, 0)
	base.PutU32(b, 40, s1)
	base.PutU32(b, 44, s2)
}

// Publish writes both header copies and the backfill counter.
func (x *Index) Publish(h IndexHeader) {
	x.mu.Lock()
	defer x.mu.Unlock()
	data := x.shm.Data()
	// Second copy first, then the first: a reader that sees both copies
	// equal has a consistent header.
	putHeader(data[indexHdrSize:2*indexHdrSize], h)
	putHeader(data[:indexHdrSize], h)
	base.PutU32(data, offBackfill, h.Backfill)
}

// ReadHeader returns the published header, or ok=false when the header is
// uninitialized or the two copies disagree (a writer is mid-publish).
func (x *Index) ReadHeader() (IndexHeader, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	data := x.shm.Data()
	first := data[:indexHdrSize]
	second := data[indexHdrSize : 2*indexHdrSize]
	if first[12] != 1 {
		return IndexHeader{}, false
	}
	for i := 0; i < indexHdrSize; i++ {
		if first[i] != second[i] {
			return IndexHeader{}, false
		}
	}
	s1, s2 := Checksum(false, first[:40], 0, 0)
	if s1 != base.GetU32(first, 40) || s2 != base.GetU32(first, 44) {
		return IndexHeader{}, false
	}
	h := IndexHeader{
		Change:    base.GetU32(first, 8),
		BigEndian: first[13] == 1,
		PageSize:  uint32(base.GetU16(first, 14)),
		MaxFrame:  base.GetU32(first, 16),
		DBSize:    base.GetU32(first, 20),
		Cksum1:    base.GetU32(first, 24),
		Cksum2:    base.GetU32(first, 28),
		Salt1:     base.GetU32(first, 32),
		Salt2:     base.GetU32(first, 36),
		Backfill:  base.GetU32(data, offBackfill),
	}
	if h.PageSize == 1 {
		h.PageSize = 65536
	}
	return h, true
}

// AcquireReadMark pins a reader slot at the given frame snapshot.
func (x *Index) AcquireReadMark(snapshot uint32) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	data := x.shm.Data()
	for i := 0; i < NReader; i++ {
		mark := base.GetU32(data, offReadMarks+4*i)
		if mark == readMarkUnused || (x.held[i] && mark == snapshot) {
			base.PutU32(data, offReadMarks+4*i, snapshot)
			x.held[i] = true
			return i, nil
		}
		// Sharing a slot pinned at the same snapshot is always safe.
		if mark == snapshot {
			return i, nil
		}
	}
	return -1, base.ErrBusy
}

// ReleaseReadMark frees a slot this connection acquired.
func (x *Index) ReleaseReadMark(slot int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if slot < 0 || slot >= NReader || !x.held[slot] {
		return
	}
	base.PutU32(x.shm.Data(), offReadMarks+4*slot, readMarkUnused)
	x.held[slot] = false
}

// OldestReadMark returns the smallest pinned snapshot, if any reader slot
// is in use. Checkpoints must not backfill past it.
func (x *Index) OldestReadMark() (uint32, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	data := x.shm.Data()
	oldest := uint32(readMarkUnused)
	found := false
	for i := 0; i < NReader; i++ {
		mark := base.GetU32(data, offReadMarks+4*i)
		if mark != readMarkUnused && mark < oldest {
			oldest = mark
			found = true
		}
	}
	return oldest, found
}

// Close releases any held reader marks and unmaps the region.
func (x *Index) Close() error {
	x.mu.Lock()
	data := x.shm.Data()
	for i := 0; i < NReader; i++ {
		if x.held[i] {
			base.PutU32(data, offReadMarks+4*i, readMarkUnused)
			x.held[i] = false
		}
	}
	x.mu.Unlock()
	return x.shm.Close()
}
