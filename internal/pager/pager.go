// Package pager owns all I/O against the database file: it caches pages,
// tracks dirty pages for the open transaction, routes writes through the
// rollback journal or the WAL, and drives the file-lock state machine so
// concurrent connections serialize correctly.
package pager

import (
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"sqlitecore/internal/base"
	"sqlitecore/internal/journal"
	"sqlitecore/internal/vfs"
	"sqlitecore/internal/wal"
)

// state is the pager's transaction state, ordered.
type state int

const (
	stateOpen   state = iota // no lock held
	stateReader              // SHARED held, reading
	stateWriter              // RESERVED held, buffering writes
)

// Page is one cached database page. The b-tree layer borrows Data for the
// duration of a single operation; it must not hold the slice across calls
// that can evict or relocate pages.
type Page struct {
	Pgno  base.Pgno
	Data  []byte
	dirty bool
}

// Options configures a pager at open time. Page size, reserved space, and
// the journal/auto-vacuum modes only apply when the file is created; an
// existing file's header wins.
type Options struct {
	PageSize    uint32
	Reserved    byte
	WAL         bool
	AutoVacuum  bool
	IncrVacuum  bool
	ReadOnly    bool
	SyncOff     bool
	CacheSize   int // pages held in the clean-page cache
	BusyHandler func(attempt int) bool
	Logger      base.Logger
}

// Pager mediates between one connection and the database file.
type Pager struct {
	mu   sync.Mutex
	file *vfs.File
	path string
	log  base.Logger

	hdr      base.Header // decoded header; dynamic fields refreshed per transaction
	pageSize uint32
	usable   uint32
	readOnly bool
	syncOff  bool
	busy     func(int) bool

	state     state
	pageCount base.Pgno // current size in pages, in-transaction view
	origCount base.Pgno // size at transaction start

	cache *freelru.LRU[base.Pgno, *Page]
	dirty map[base.Pgno]*Page

	jrnl *journal.Journal

	wl          *wal.WAL
	walSnapshot uint32
	walSlot     int

	changeCtr uint32 // change counter observed at last cache validation
}

func hashPgno(p base.Pgno) uint32 {
	var b [4]byte
	b[0] = byte(p >> 24)
	b[1] = byte(p >> 16)
	b[2] = byte(p >> 8)
	b[3] = byte(p)
	return uint32(xxhash.Sum64(b[:]))
}

// Open opens the database file at path, creating and initializing it if it
// does not exist or is empty.
func Open(path string, opts Options) (*Pager, error) {
	if opts.Logger == nil {
		opts.Logger = base.DiscardLogger{}
	}
	if opts.PageSize == 0 {
		opts.PageSize = base.DefaultPageSize
	}
	if opts.CacheSize < 16 {
		opts.CacheSize = 2000
	}

	f, err := vfs.Open(path, opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	p := &Pager{
		file:     f,
		path:     path,
		log:      opts.Logger,
		readOnly: opts.ReadOnly,
		syncOff:  opts.SyncOff,
		busy:     opts.BusyHandler,
		dirty:    make(map[base.Pgno]*Page),
		walSlot:  -1,
	}

	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}
	if size == 0 {
		if opts.ReadOnly {
			f.Close()
			return nil, base.ErrNotADB
		}
		if err := p.initialize(opts); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, base.HeaderSize)
		if err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, err
		}
		hdr, err := base.DecodeHeader(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		p.hdr = hdr
	}
	p.pageSize = p.hdr.PageSize
	p.usable = p.hdr.UsableSize()
	p.changeCtr = p.hdr.ChangeCounter

	cache, err := freelru.New[base.Pgno, *Page](uint32(opts.CacheSize), hashPgno)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.cache = cache

	if p.hdr.IsWAL() {
		w, err := wal.Open(path+"-wal", path+"-shm", p.pageSize)
		if err != nil {
			f.Close()
			return nil, err
		}
		p.wl = w
	}
	return p, nil
}

// initialize writes page 1 of a brand-new database: the 100-byte header
// followed by the empty schema table root (a table leaf with no cells).
func (p *Pager) initialize(opts Options) error {
	hdr := base.NewHeader(opts.PageSize, opts.Reserved, opts.WAL, opts.AutoVacuum, opts.IncrVacuum)
	page1 := make([]byte, opts.PageSize)
	hdr.Encode(page1)

	usable := hdr.UsableSize()
	page1[base.HeaderSize] = base.PageTableLeaf
	base.PutU16(page1, base.HeaderSize+1, 0)
	base.PutU16(page1, base.HeaderSize+3, 0)
	base.PutU16(page1, base.HeaderSize+5, uint16(usable)) // 65536 wraps to 0
	page1[base.HeaderSize+7] = 0

	if err := p.file.WriteAt(page1, 0); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	p.hdr = hdr
	return nil
}

// Header returns the decoded database header as of the last refresh.
func (p *Pager) Header() base.Header { return p.hdr }

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() uint32 { return p.pageSize }

// UsableSize is PageSize minus the per-page reserved space.
func (p *Pager) UsableSize() uint32 { return p.usable }

// PageCount returns the database size in pages as seen by the current
// transaction.
func (p *Pager) PageCount() base.Pgno {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageCount
}

// SetPageCount extends or shrinks the database (in pages). Takes effect at
// commit; requires a write transaction.
func (p *Pager) SetPageCount(n base.Pgno) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state < stateWriter {
		return base.Misusef("page count changed outside a write transaction")
	}
	p.pageCount = n
	return nil
}

// ReadOnly reports whether writes are forbidden.
func (p *Pager) ReadOnly() bool { return p.readOnly }

// LockState exposes the file lock level, primarily for tests and the
// integrity checker.
func (p *Pager) LockState() vfs.LockLevel { return p.file.LockState() }

func (p *Pager) lockWithRetry(level vfs.LockLevel) error {
	for attempt := 0; ; attempt++ {
		err := p.file.Lock(level)
		if !errors.Is(err, base.ErrBusy) {
			return err
		}
		if p.busy == nil || !p.busy(attempt) {
			return base.ErrBusy
		}
	}
}

// BeginRead acquires a SHARED lock and establishes a consistent read
// snapshot. In WAL mode this also pins a reader mark; in journal mode it
// recovers a hot journal left by a crashed writer.
func (p *Pager) BeginRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beginReadLocked()
}

func (p *Pager) beginReadLocked() error {
	if p.state >= stateReader {
		return nil
	}
	if err := p.lockWithRetry(vfs.LockShared); err != nil {
		return err
	}

	if p.wl == nil {
		if vfs.Exists(p.path + "-journal") {
			if err := p.recoverHotJournal(); err != nil {
				p.file.Unlock(vfs.LockNone)
				return err
			}
		}
	} else {
		if err := p.wl.Refresh(); err != nil {
			p.file.Unlock(vfs.LockNone)
			return err
		}
		snapshot, slot, err := p.wl.BeginRead()
		if err != nil {
			p.file.Unlock(vfs.LockNone)
			return err
		}
		p.walSnapshot = snapshot
		p.walSlot = slot
	}

	if err := p.refreshSnapshot(); err != nil {
		p.endReadLocked()
		return err
	}
	p.state = stateReader
	p.origCount = p.pageCount
	return nil
}

// refreshSnapshot re-reads the header and purges the cache if another
// connection committed since our last transaction.
func (p *Pager) refreshSnapshot() error {
	buf := make([]byte, base.HeaderSize)
	if err := p.readRaw(1, buf, base.HeaderSize); err != nil {
		return err
	}
	hdr, err := base.DecodeHeader(buf)
	if err != nil {
		return err
	}
	if hdr.ChangeCounter != p.changeCtr {
		p.cache.Purge()
		p.changeCtr = hdr.ChangeCounter
	}
	p.hdr = hdr

	if p.wl != nil && p.walSnapshot > 0 {
		if n := p.wl.DBSize(); n > 0 {
			p.pageCount = base.Pgno(n)
			return nil
		}
	}
	if hdr.PageCount > 0 && hdr.VersionValid == hdr.ChangeCounter {
		p.pageCount = base.Pgno(hdr.PageCount)
		return nil
	}
	// Stale size header (written by a legacy tool); fall back to the
	// file size.
	size, err := p.file.Size()
	if err != nil {
		return err
	}
	p.pageCount = base.Pgno(size / int64(p.pageSize))
	return nil
}

// readRaw reads up to n bytes of a page, bypassing the cache but honoring
// the WAL snapshot.
func (p *Pager) readRaw(pgno base.Pgno, buf []byte, n int) error {
	if p.wl != nil {
		if fr := p.wl.FindFrame(pgno, p.walSnapshot); fr > 0 {
			full := make([]byte, p.pageSize)
			if err := p.wl.ReadFrame(fr, full); err != nil {
				return err
			}
			copy(buf[:n], full)
			return nil
		}
	}
	return p.file.ReadAt(buf[:n], int64(pgno-1)*int64(p.pageSize))
}

// recoverHotJournal plays back a journal left behind by a crashed writer.
// A journal whose RESERVED lock is still held belongs to a live
// transaction and is left alone; playback itself requires EXCLUSIVE.
func (p *Pager) recoverHotJournal() error {
	jpath := p.path + "-journal"
	reserved, err := p.file.CheckReservedLock()
	if err != nil {
		return err
	}
	if reserved {
		return nil // live writer's journal, not hot
	}
	if err := p.file.Lock(vfs.LockExclusive); err != nil {
		if errors.Is(err, base.ErrBusy) {
			// Another reader is attached. A failed EXCLUSIVE attempt
			// leaves PENDING held; drop back so it cannot starve them.
			p.file.Unlock(vfs.LockShared)
			return base.ErrBusy
		}
		return err
	}
	defer p.file.Unlock(vfs.LockShared)

	if !vfs.Exists(jpath) {
		return nil // raced with the writer finishing
	}
	p.log.Warn("hot journal found, rolling back", "path", jpath)
	played, err := journal.Playback(jpath, p.file)
	if err != nil {
		return err
	}
	if err := vfs.Delete(jpath); err != nil {
		return err
	}
	if played {
		p.cache.Purge()
	}
	return nil
}

// EndRead releases the read snapshot and the SHARED lock.
func (p *Pager) EndRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateReader {
		return
	}
	p.endReadLocked()
}

func (p *Pager) endReadLocked() {
	if p.wl != nil && p.walSlot >= 0 {
		p.wl.EndRead(p.walSlot)
		p.walSlot = -1
		p.walSnapshot = 0
	}
	p.file.Unlock(vfs.LockNone)
	p.state = stateOpen
}

// BeginWrite upgrades to a write transaction: RESERVED lock taken, journal
// opened. Fails Busy if another writer holds RESERVED or higher.
func (p *Pager) BeginWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return base.ErrReadOnly
	}
	if p.state >= stateWriter {
		return nil
	}
	if err := p.beginReadLocked(); err != nil {
		return err
	}
	if err := p.lockWithRetry(vfs.LockReserved); err != nil {
		return err
	}
	if p.wl == nil {
		j, err := journal.Create(p.path+"-journal", p.pageSize, uint32(p.pageCount))
		if err != nil {
			p.file.Unlock(vfs.LockShared)
			return err
		}
		p.jrnl = j
	}
	p.state = stateWriter
	p.origCount = p.pageCount
	return nil
}

// Get returns the page with the given number, reading through the cache.
func (p *Pager) Get(pgno base.Pgno) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(pgno)
}

func (p *Pager) getLocked(pgno base.Pgno) (*Page, error) {
	if p.state < stateReader {
		return nil, base.Misusef("page %d requested outside a transaction", pgno)
	}
	if pgno == 0 {
		return nil, base.Corruptf("page number zero")
	}
	if pg, ok := p.dirty[pgno]; ok {
		return pg, nil
	}
	if pg, ok := p.cache.Get(pgno); ok {
		return pg, nil
	}
	pg := &Page{Pgno: pgno, Data: make([]byte, p.pageSize)}
	if pgno <= p.pageCount {
		if err := p.readRaw(pgno, pg.Data, int(p.pageSize)); err != nil {
			return nil, err
		}
	}
	p.cache.Add(pgno, pg)
	return pg, nil
}

// Write returns the page ready for mutation: its pre-image is journaled
// (journal mode) and it is pinned dirty until commit or rollback.
func (p *Pager) Write(pgno base.Pgno) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state < stateWriter {
		return nil, base.Misusef("page %d written outside a write transaction", pgno)
	}
	pg, err := p.writeLocked(pgno)
	if err != nil {
		return nil, err
	}
	if pgno > p.pageCount {
		p.pageCount = pgno
	}
	return pg, nil
}

func (p *Pager) writeLocked(pgno base.Pgno) (*Page, error) {
	pg, err := p.getLocked(pgno)
	if err != nil {
		return nil, err
	}
	if pg.dirty {
		return pg, nil
	}
	// Journal the original image before the first mutation, but only for
	// pages that existed when the transaction started; pages appended by
	// this transaction vanish with the post-rollback truncate.
	if p.jrnl != nil && pgno <= p.origCount && !p.jrnl.Contains(pgno) {
		if err := p.jrnl.WritePage(pgno, pg.Data); err != nil {
			return nil, err
		}
	}
	pg.dirty = true
	p.cache.Remove(pgno)
	p.dirty[pgno] = pg
	return pg, nil
}

// Commit makes the transaction durable and visible, then drops to
// UNLOCKED. On an I/O failure the transaction is rolled back before the
// error is returned.
func (p *Pager) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state < stateWriter {
		p.endReadLocked()
		return nil
	}
	if len(p.dirty) == 0 && p.pageCount == p.origCount {
		return p.rollbackLocked() // nothing changed; identical cleanup
	}

	if err := p.stampHeader(); err != nil {
		return p.abort(err)
	}

	var err error
	if p.wl != nil {
		err = p.commitWAL()
	} else {
		err = p.commitJournal()
	}
	if err != nil {
		return p.abort(err)
	}

	// The dirty pages are now the committed truth; return them to the
	// clean cache.
	for pgno, pg := range p.dirty {
		pg.dirty = false
		p.cache.Add(pgno, pg)
		delete(p.dirty, pgno)
	}
	p.changeCtr = p.hdr.ChangeCounter
	p.endWriteLocked()
	return nil
}

// stampHeader bumps the change counter and records the new page count in
// page 1 before the page images go out.
func (p *Pager) stampHeader() error {
	pg, err := p.writeLocked(1)
	if err != nil {
		return err
	}
	// The b-tree layer writes freelist and meta fields straight into the
	// page-1 image; re-decode so stamping does not roll them back.
	hdr, err := base.DecodeHeader(pg.Data)
	if err != nil {
		return err
	}
	hdr.ChangeCounter++
	hdr.VersionValid = hdr.ChangeCounter
	hdr.SoftwareVer = base.SoftwareVersion
	hdr.PageCount = uint32(p.pageCount)
	hdr.Encode(pg.Data)
	p.hdr = hdr
	return nil
}

func (p *Pager) commitJournal() error {
	// Pre-images must be durable before the first in-place overwrite.
	if !p.syncOff {
		if err := p.jrnl.Sync(); err != nil {
			return err
		}
	}
	if err := p.lockWithRetry(vfs.LockExclusive); err != nil {
		return err
	}
	for _, pgno := range p.sortedDirty() {
		if pgno > p.pageCount {
			continue // beyond the final size; dropped by the truncate
		}
		pg := p.dirty[pgno]
		if err := p.file.WriteAt(pg.Data, int64(pgno-1)*int64(p.pageSize)); err != nil {
			return err
		}
	}
	if err := p.file.Truncate(int64(p.pageCount) * int64(p.pageSize)); err != nil {
		return err
	}
	if !p.syncOff {
		if err := p.file.Sync(); err != nil {
			return err
		}
	}
	// Deleting the journal is the commit point.
	if err := p.jrnl.Delete(); err != nil {
		return err
	}
	p.jrnl = nil
	return nil
}

func (p *Pager) commitWAL() error {
	pgnos := p.sortedDirty()
	live := pgnos[:0]
	for _, pgno := range pgnos {
		if pgno <= p.pageCount {
			live = append(live, pgno)
		}
	}
	for i, pgno := range live {
		var dbSize uint32
		if i == len(live)-1 {
			dbSize = uint32(p.pageCount) // commit frame
		}
		if err := p.wl.Append(pgno, p.dirty[pgno].Data, dbSize); err != nil {
			return err
		}
	}
	if !p.syncOff {
		if err := p.wl.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pager) sortedDirty() []base.Pgno {
	pgnos := make([]base.Pgno, 0, len(p.dirty))
	for pgno := range p.dirty {
		pgnos = append(pgnos, pgno)
	}
	sort.Slice(pgnos, func(i, j int) bool { return pgnos[i] < pgnos[j] })
	return pgnos
}

// abort rolls the transaction back after a commit failure and returns the
// original error.
func (p *Pager) abort(err error) error {
	p.log.Error("commit failed, rolling back", "error", err)
	if rbErr := p.rollbackLocked(); rbErr != nil {
		p.log.Error("rollback after failed commit also failed", "error", rbErr)
	}
	return err
}

// Rollback discards the transaction and drops to UNLOCKED.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state < stateWriter {
		p.endReadLocked()
		return nil
	}
	return p.rollbackLocked()
}

func (p *Pager) rollbackLocked() error {
	var err error
	if p.jrnl != nil {
		// Before the commit escalates to EXCLUSIVE the main file is
		// untouched, so discarding the in-memory dirty set is the whole
		// rollback. After an interrupted commit the journal restores the
		// overwritten pages.
		if p.file.LockState() == vfs.LockExclusive {
			if _, pbErr := journal.Playback(p.path+"-journal", p.file); pbErr != nil {
				err = pbErr
			}
		}
		if dErr := p.jrnl.Delete(); dErr != nil && err == nil {
			err = dErr
		}
		p.jrnl = nil
	}
	if p.wl != nil {
		p.wl.Rollback()
	}
	for pgno := range p.dirty {
		delete(p.dirty, pgno)
	}
	p.cache.Purge()
	p.pageCount = p.origCount
	p.endWriteLocked()
	return err
}

func (p *Pager) endWriteLocked() {
	if p.wl != nil && p.walSlot >= 0 {
		p.wl.EndRead(p.walSlot)
		p.walSlot = -1
		p.walSnapshot = 0
	}
	p.file.Unlock(vfs.LockNone)
	p.state = stateOpen
}

// Checkpoint folds WAL frames back into the database file. A no-op
// (0, nil) in rollback-journal mode.
func (p *Pager) Checkpoint(mode wal.CheckpointMode) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wl == nil {
		return 0, nil
	}
	if p.state != stateOpen {
		return 0, base.Misusef("checkpoint inside a transaction")
	}
	if err := p.lockWithRetry(vfs.LockShared); err != nil {
		return 0, err
	}
	defer p.file.Unlock(vfs.LockNone)
	if mode > wal.CheckpointPassive {
		if err := p.file.Lock(vfs.LockExclusive); err != nil {
			return 0, err
		}
	}
	n, err := p.wl.Checkpoint(p.file, mode)
	if err == nil {
		p.cache.Purge()
	}
	return n, err
}

// InTransaction reports whether any transaction is open.
func (p *Pager) InTransaction() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state > stateOpen
}

// InWriteTransaction reports whether a write transaction is open.
func (p *Pager) InWriteTransaction() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state >= stateWriter
}

// Close rolls back any open transaction, releases all locks, and closes
// the file. In WAL mode a truncating checkpoint is attempted first so a
// sole connection leaves a bare database file behind.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state >= stateWriter {
		if err := p.rollbackLocked(); err != nil {
			p.log.Error("rollback during close failed", "error", err)
		}
	} else if p.state == stateReader {
		p.endReadLocked()
	}

	var firstErr error
	if p.wl != nil {
		deleteWAL := false
		if err := p.file.Lock(vfs.LockShared); err == nil {
			if err := p.file.Lock(vfs.LockExclusive); err == nil {
				if _, err := p.wl.Checkpoint(p.file, wal.CheckpointTruncate); err == nil {
					deleteWAL = true
				}
			}
			p.file.Unlock(vfs.LockNone)
		}
		if err := p.wl.Close(deleteWAL); err != nil && firstErr == nil {
			firstErr = err
		}
		p.wl = nil
	}
	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
