// Package wal implements the write-ahead log. Committed page images are
// appended as checksummed frames to a side file; readers resolve pages
// through the log before falling back to the database file, and a
// checkpoint later folds frames back into the database.
package wal

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"sqlitecore/internal/base"
	"sqlitecore/internal/vfs"
)

const (
	// MagicLE / MagicBE identify a WAL file; the low bit selects the
	// byte order used by the frame checksums.
	MagicLE uint32 = 0x377f0682
	MagicBE uint32 = 0x377f0683

	// Version is the WAL format version number.
	Version uint32 = 3007000

	// HeaderSize is the WAL file header length.
	HeaderSize = 32

	// FrameHeaderSize precedes every page image in the log.
	FrameHeaderSize = 24

	// NReader is the number of reader-mark slots in the shm index.
	NReader = 5
)

// CheckpointMode selects how aggressively a checkpoint reclaims the log.
type CheckpointMode int

const (
	// CheckpointPassive backfills what it can without waiting for readers.
	CheckpointPassive CheckpointMode = iota
	// CheckpointFull backfills every committed frame or fails Busy.
	CheckpointFull
	// CheckpointRestart is Full plus rewinding the log to its start.
	CheckpointRestart
	// CheckpointTruncate is Restart plus truncating the file to zero.
	CheckpointTruncate
)

// Checksum extends the running WAL checksum (s1, s2) over data, whose
// length must be a multiple of 8. The algorithm is a Fletcher-style sum
// over native u32 pairs; bigEndian selects the word byte order and is
// fixed by the file's magic number.
func Checksum(bigEndian bool, data []byte, s1, s2 uint32) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		var x, y uint32
		if bigEndian {
			x = binary.BigEndian.Uint32(data[i:])
			y = binary.BigEndian.Uint32(data[i+4:])
		} else {
			x = binary.LittleEndian.Uint32(data[i:])
			y = binary.LittleEndian.Uint32(data[i+4:])
		}
		s1 += x + s2
		s2 += y + s1
	}
	return s1, s2
}

// WAL is one connection's handle on the log file. A single writer appends
// at a time; appended frames become visible to readers only when the
// commit frame lands and the index header is published.
type WAL struct {
	mu       sync.Mutex
	file     *vfs.File
	path     string
	pageSize uint32

	bigEndian bool
	salt1     uint32
	salt2     uint32
	ckptSeq   uint32

	// Committed state.
	maxFrame  uint32 // last committed frame
	nBackfill uint32 // frames already copied into the database file
	dbSize    uint32 // database pages after the last commit
	s1, s2    uint32 // cumulative checksum through maxFrame
	frames    map[base.Pgno]uint32

	// In-flight write transaction, discarded on rollback.
	pendFrame  uint32
	pendS1     uint32
	pendS2     uint32
	pendFrames map[base.Pgno]uint32

	shm *Index
}

// Open attaches to (or creates) the log for the given database path. An
// existing non-empty log is recovered: the longest prefix of frames with
// valid cumulative checksums, ending at a commit frame, becomes the
// committed content; anything after a torn write is ignored.
func Open(path string, shmPath string, pageSize uint32) (*WAL, error) {
	f, err := vfs.Open(path, false)
	if err != nil {
		return nil, err
	}
	w := &WAL{
		file:     f,
		path:     path,
		pageSize: pageSize,
		frames:   make(map[base.Pgno]uint32),
	}
	if err := w.recover(); err != nil {
		f.Close()
		return nil, err
	}
	shm, err := OpenIndex(shmPath)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.shm = shm
	w.publish()
	w.resetPending()
	return w, nil
}

func (w *WAL) frameOffset(frame uint32) int64 {
	return HeaderSize + int64(frame-1)*int64(FrameHeaderSize+w.pageSize)
}

func (w *WAL) recover() error {
	size, err := w.file.Size()
	if err != nil {
		return err
	}
	if size < HeaderSize {
		w.newSalts()
		return nil
	}

	hdr := make([]byte, HeaderSize)
	if err := w.file.ReadAt(hdr, 0); err != nil {
		return err
	}
	magic := base.GetU32(hdr, 0)
	if magic != MagicLE && magic != MagicBE {
		return base.Corruptf("bad wal magic %#x", magic)
	}
	w.bigEndian = magic == MagicBE
	if v := base.GetU32(hdr, 4); v != Version {
		return base.Corruptf("unsupported wal version %d", v)
	}
	if ps := base.GetU32(hdr, 8); ps != w.pageSize {
		return base.Corruptf("wal page size %d does not match database %d", ps, w.pageSize)
	}
	w.ckptSeq = base.GetU32(hdr, 12)
	w.salt1 = base.GetU32(hdr, 16)
	w.salt2 = base.GetU32(hdr, 20)

	s1, s2 := Checksum(w.bigEndian, hdr[:24], 0, 0)
	if s1 != base.GetU32(hdr, 24) || s2 != base.GetU32(hdr, 28) {
		// Torn header write: treat the log as empty.
		w.newSalts()
		return nil
	}

	// Scan frames, keeping the longest checksum-valid committed prefix.
	frameSize := int64(FrameHeaderSize + w.pageSize)
	nFrames := (size - HeaderSize) / frameSize
	buf := make([]byte, frameSize)
	frames := make(map[base.Pgno]uint32)
	pending := make(map[base.Pgno]uint32)
	for i := int64(1); i <= nFrames; i++ {
		if err := w.file.ReadAt(buf, w.frameOffset(uint32(i))); err != nil {
			return err
		}
		pgno := base.Pgno(base.GetU32(buf, 0))
		nTrunc := base.GetU32(buf, 4)
		if base.GetU32(buf, 8) != w.salt1 || base.GetU32(buf, 12) != w.salt2 {
			break
		}
		s1, s2 = Checksum(w.bigEndian, buf[:8], s1, s2)
		s1, s2 = Checksum(w.bigEndian, buf[FrameHeaderSize:], s1, s2)
		if s1 != base.GetU32(buf, 16) || s2 != base.GetU32(buf, 20) {
			break
		}
		if pgno == 0 {
			break
		}
		pending[pgno] = uint32(i)
		if nTrunc > 0 {
			// Commit frame: everything buffered becomes visible.
			for p, fr := range pending {
				frames[p] = fr
			}
			pending = make(map[base.Pgno]uint32)
			w.maxFrame = uint32(i)
			w.dbSize = nTrunc
			w.s1, w.s2 = s1, s2
		}
	}
	w.frames = frames
	return nil
}

func (w *WAL) newSalts() {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		w.salt1 = binary.BigEndian.Uint32(b[0:])
		w.salt2 = binary.BigEndian.Uint32(b[4:])
	} else {
		w.salt1, w.salt2 = 0x73716c69, 0x74656372
	}
}

// writeHeader writes the 32-byte WAL header for an empty log.
func (w *WAL) writeHeader() error {
	hdr := make([]byte, HeaderSize)
	base.PutU32(hdr, 0, MagicLE)
	base.PutU32(hdr, 4, Version)
	base.PutU32(hdr, 8, w.pageSize)
	base.PutU32(hdr, 12, w.ckptSeq)
	base.PutU32(hdr, 16, w.salt1)
	base.PutU32(hdr, 20, w.salt2)
	w.bigEndian = false
	s1, s2 := Checksum(w.bigEndian, hdr[:24], 0, 0)
	base.PutU32(hdr, 24, s1)
	base.PutU32(hdr, 28, s2)
	if err := w.file.WriteAt(hdr, 0); err != nil {
		return err
	}
	w.s1, w.s2 = s1, s2
	return nil
}

func (w *WAL) resetPending() {
	w.pendFrame = w.maxFrame
	w.pendS1, w.pendS2 = w.s1, w.s2
	w.pendFrames = make(map[base.Pgno]uint32)
}

// Append writes one frame. dbSize is nonzero only on the transaction's
// final frame, where it records the database page count after commit and
// marks the commit boundary.
func (w *WAL) Append(pgno base.Pgno, data []byte, dbSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxFrame == 0 && w.pendFrame == 0 {
		if err := w.writeHeader(); err != nil {
			return err
		}
		w.pendS1, w.pendS2 = w.s1, w.s2
	}

	frame := w.pendFrame + 1
	hdr := make([]byte, FrameHeaderSize)
	base.PutU32(hdr, 0, uint32(pgno))
	base.PutU32(hdr, 4, dbSize)
	base.PutU32(hdr, 8, w.salt1)
	base.PutU32(hdr, 12, w.salt2)
	s1, s2 := Checksum(w.bigEndian, hdr[:8], w.pendS1, w.pendS2)
	s1, s2 = Checksum(w.bigEndian, data, s1, s2)
	base.PutU32(hdr, 16, s1)
	base.PutU32(hdr, 20, s2)

	off := w.frameOffset(frame)
	if err := w.file.WriteAt(hdr, off); err != nil {
		return err
	}
	if err := w.file.WriteAt(data, off+FrameHeaderSize); err != nil {
		return err
	}

	w.pendFrame = frame
	w.pendS1, w.pendS2 = s1, s2
	w.pendFrames[pgno] = frame

	if dbSize > 0 {
		for p, fr := range w.pendFrames {
			w.frames[p] = fr
		}
		w.maxFrame = frame
		w.dbSize = dbSize
		w.s1, w.s2 = s1, s2
		w.resetPending()
		w.publish()
	}
	return nil
}

// Sync fsyncs the log file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Rollback abandons frames appended since the last commit. The bytes stay
// in the file but are unreachable and will be overwritten by the next
// writer.
func (w *WAL) Rollback() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetPending()
}

// Refresh picks up commits made by other connections: when the published
// index header no longer matches our in-memory state the log is rescanned.
func (w *WAL) Refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shm == nil {
		return nil
	}
	h, ok := w.shm.ReadHeader()
	if !ok {
		return nil // nothing published yet; our scan stands
	}
	if h.MaxFrame == w.maxFrame && h.Salt1 == w.salt1 && h.Salt2 == w.salt2 {
		w.nBackfill = h.Backfill
		return nil
	}
	w.maxFrame = 0
	w.dbSize = 0
	w.s1, w.s2 = 0, 0
	w.frames = make(map[base.Pgno]uint32)
	if err := w.recover(); err != nil {
		return err
	}
	w.nBackfill = h.Backfill
	w.resetPending()
	return nil
}

// MaxFrame returns the latest committed frame, used as a read snapshot.
func (w *WAL) MaxFrame() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxFrame
}

// DBSize returns the database page count recorded by the last commit, or
// zero if the log is empty.
func (w *WAL) DBSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.maxFrame == 0 {
		return 0
	}
	return w.dbSize
}

// FindFrame returns the newest frame for pgno not later than the snapshot,
// or zero if the page must be read from the database file.
func (w *WAL) FindFrame(pgno base.Pgno, snapshot uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	fr := w.frames[pgno]
	if fr > snapshot {
		// The map only holds the newest committed frame per page; an
		// older frame may still satisfy the snapshot.
		fr = w.scanForFrame(pgno, snapshot)
	}
	return fr
}

// scanForFrame walks the log backwards for a frame older than the
// snapshot. Rare: only happens when a reader's snapshot predates a commit
// that rewrote the page.
func (w *WAL) scanForFrame(pgno base.Pgno, snapshot uint32) uint32 {
	hdr := make([]byte, FrameHeaderSize)
	for fr := snapshot; fr >= 1; fr-- {
		if err := w.file.ReadAt(hdr, w.frameOffset(fr)); err != nil {
			return 0
		}
		if base.Pgno(base.GetU32(hdr, 0)) == pgno {
			return fr
		}
	}
	return 0
}

// ReadFrame reads the page image of a frame into buf.
func (w *WAL) ReadFrame(frame uint32, buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.ReadAt(buf, w.frameOffset(frame)+FrameHeaderSize)
}

// Checkpoint copies committed frames into the database file. Only frames
// no active reader still depends on may be reset; mode selects behavior
// when readers hold the log open. Returns the number of frames backfilled.
func (w *WAL) Checkpoint(db *vfs.File, mode CheckpointMode) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxFrame == 0 {
		return 0, nil
	}

	// Never overwrite pages a reader may still need from the main file.
	limit := w.maxFrame
	if mark, ok := w.shm.OldestReadMark(); ok && mark < limit {
		if mode != CheckpointPassive {
			return 0, base.ErrBusy
		}
		limit = mark
	}

	if err := w.file.Sync(); err != nil {
		return 0, err
	}

	// Newest frame wins per page; older frames for the same page are
	// skipped.
	newest := make(map[base.Pgno]uint32)
	hdr := make([]byte, FrameHeaderSize)
	for fr := w.nBackfill + 1; fr <= limit; fr++ {
		if err := w.file.ReadAt(hdr, w.frameOffset(fr)); err != nil {
			return 0, err
		}
		pgno := base.Pgno(base.GetU32(hdr, 0))
		if pgno != 0 {
			newest[pgno] = fr
		}
	}

	buf := make([]byte, w.pageSize)
	moved := 0
	for pgno, fr := range newest {
		if err := w.file.ReadAt(buf, w.frameOffset(fr)+FrameHeaderSize); err != nil {
			return moved, err
		}
		if err := db.WriteAt(buf, int64(pgno-1)*int64(w.pageSize)); err != nil {
			return moved, err
		}
		moved++
	}

	if limit == w.maxFrame && w.dbSize > 0 {
		if err := db.Truncate(int64(w.dbSize) * int64(w.pageSize)); err != nil {
			return moved, err
		}
	}
	if err := db.Sync(); err != nil {
		return moved, err
	}
	w.nBackfill = limit

	if limit == w.maxFrame && mode >= CheckpointRestart {
		w.ckptSeq++
		w.salt1++
		var b [4]byte
		if _, err := rand.Read(b[:]); err == nil {
			w.salt2 = binary.BigEndian.Uint32(b[:])
		}
		w.maxFrame = 0
		w.nBackfill = 0
		w.dbSize = 0
		w.frames = make(map[base.Pgno]uint32)
		w.resetPending()
		if mode == CheckpointTruncate {
			if err := w.file.Truncate(0); err != nil {
				return moved, err
			}
			if err := w.file.Sync(); err != nil {
				return moved, err
			}
		}
	}
	w.publish()
	return moved, nil
}

// publish writes the committed state into the shm index for other
// connections.
func (w *WAL) publish() {
	if w.shm == nil {
		return
	}
	w.shm.Publish(IndexHeader{
		MaxFrame:  w.maxFrame,
		DBSize:    w.dbSize,
		PageSize:  w.pageSize,
		Change:    w.ckptSeq,
		Salt1:     w.salt1,
		Salt2:     w.salt2,
		Cksum1:    w.s1,
		Cksum2:    w.s2,
		BigEndian: w.bigEndian,
		Backfill:  w.nBackfill,
	})
}

// BeginRead takes a reader-mark slot pinned at the current snapshot.
func (w *WAL) BeginRead() (snapshot uint32, slot int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	snapshot = w.maxFrame
	if w.shm == nil {
		return snapshot, -1, nil
	}
	slot, err = w.shm.AcquireReadMark(snapshot)
	return snapshot, slot, err
}

// EndRead releases a reader-mark slot.
func (w *WAL) EndRead(slot int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shm != nil && slot >= 0 {
		w.shm.ReleaseReadMark(slot)
	}
}

// Close detaches from the log. The file stays in place for the next
// connection unless deleteFiles is set (last connection, fully
// checkpointed).
func (w *WAL) Close(deleteFiles bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var shmPath string
	if w.shm != nil {
		shmPath = w.shm.Path()
		if err := w.shm.Close(); err != nil {
			return err
		}
		w.shm = nil
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if deleteFiles {
		if err := vfs.Delete(w.path); err != nil {
			return err
		}
		if shmPath != "" {
			return vfs.Delete(shmPath)
		}
	}
	return nil
}
