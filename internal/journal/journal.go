// Package journal implements the rollback journal: before a page is
// modified for the first time in a transaction its original image is
// appended here, so an abort or crash can restore the database by playing
// the images back. A valid journal found at open time is "hot" and is
// played back automatically.
package journal

import (
	"crypto/rand"
	"encoding/binary"

	"sqlitecore/internal/base"
	"sqlitecore/internal/vfs"
)

// Magic identifies a journal header.
var Magic = [8]byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7}

const (
	// HeaderSize is the meaningful portion of the journal header. The
	// header occupies a full sector so record I/O never straddles it.
	HeaderSize = 28

	// SectorSize assumed for header padding.
	SectorSize = 512
)

// Journal is an open rollback journal for one write transaction.
type Journal struct {
	file     *vfs.File
	path     string
	pageSize uint32
	nonce    uint32
	nRec     uint32
	offset   int64

	// origPages is the database page count when the journal was started;
	// playback truncates back to it.
	origPages uint32

	journaled map[base.Pgno]bool
}

// Create starts a new journal for a transaction. origPages is the database
// size in pages before any modification.
func Create(path string, pageSize uint32, origPages uint32) (*Journal, error) {
	f, err := vfs.Open(path, false)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		file:      f,
		path:      path,
		pageSize:  pageSize,
		nonce:     randU32(),
		origPages: origPages,
		offset:    SectorSize,
		journaled: make(map[base.Pgno]bool),
	}
	if err := j.writeHeader(0xffffffff); err != nil {
		f.Close()
		vfs.Delete(path)
		return nil, err
	}
	return j, nil
}

func randU32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x9e3779b9
	}
	return binary.BigEndian.Uint32(b[:])
}

// writeHeader writes the header sector. nRec is the record count, or
// 0xffffffff meaning "read records until EOF" (written up front so a crash
// mid-transaction still leaves a playable journal once synced).
func (j *Journal) writeHeader(nRec uint32) error {
	buf := make([]byte, SectorSize)
	copy(buf, Magic[:])
	base.PutU32(buf, 8, nRec)
	base.PutU32(buf, 12, j.nonce)
	base.PutU32(buf, 16, j.origPages)
	base.PutU32(buf, 20, SectorSize)
	base.PutU32(buf, 24, j.pageSize)
	return j.file.WriteAt(buf, 0)
}

// Contains reports whether the page's pre-image is already journaled.
// A page is journaled at most once per transaction.
func (j *Journal) Contains(pgno base.Pgno) bool { return j.journaled[pgno] }

// WritePage appends the pre-image of a page.
func (j *Journal) WritePage(pgno base.Pgno, data []byte) error {
	if j.journaled[pgno] {
		return nil
	}
	rec := make([]byte, 4+len(data)+4)
	base.PutU32(rec, 0, uint32(pgno))
	copy(rec[4:], data)
	base.PutU32(rec, 4+len(data), checksum(j.nonce, data))
	if err := j.file.WriteAt(rec, j.offset); err != nil {
		return err
	}
	j.offset += int64(len(rec))
	j.nRec++
	j.journaled[pgno] = true
	return nil
}

// checksum is deliberately sparse: the nonce plus every 200th byte counted
// from the tail of the page image. It exists to catch torn record writes,
// not bit rot.
func checksum(nonce uint32, data []byte) uint32 {
	sum := nonce
	for i := len(data) - 200; i > 0; i -= 200 {
		sum += uint32(data[i])
	}
	return sum
}

// Sync makes the journal durable. Must complete before any journaled page
// is overwritten in the database file.
func (j *Journal) Sync() error {
	if err := j.file.Sync(); err != nil {
		return err
	}
	// Now that all records are on disk the real record count can replace
	// the open-ended marker.
	if err := j.writeHeader(j.nRec); err != nil {
		return err
	}
	return j.file.Sync()
}

// Delete closes and removes the journal, committing the transaction from
// the journal's point of view.
func (j *Journal) Delete() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	return vfs.Delete(j.path)
}

// Playback restores every journaled pre-image into db and truncates db to
// the original page count. Used both for explicit rollback and for hot
// journal recovery. Corrupt trailing records (torn write at crash) stop
// playback without error; everything before them is restored.
func Playback(jpath string, db *vfs.File) (bool, error) {
	jf, err := vfs.Open(jpath, false)
	if err != nil {
		return false, err
	}
	defer jf.Close()

	size, err := jf.Size()
	if err != nil {
		return false, err
	}
	if size < HeaderSize {
		return false, nil
	}
	hdr := make([]byte, SectorSize)
	if err := jf.ReadAt(hdr, 0); err != nil {
		return false, err
	}
	var magic [8]byte
	copy(magic[:], hdr[:8])
	if magic != Magic {
		// Zeroed or foreign header: journal is cold.
		return false, nil
	}
	nRec := base.GetU32(hdr, 8)
	nonce := base.GetU32(hdr, 12)
	origPages := base.GetU32(hdr, 16)
	pageSize := base.GetU32(hdr, 24)
	if pageSize < base.MinPageSize || pageSize > base.MaxPageSize || pageSize&(pageSize-1) != 0 {
		return false, base.Corruptf("journal page size %d", pageSize)
	}

	recSize := int64(4 + pageSize + 4)
	maxRec := (size - SectorSize) / recSize
	if nRec == 0xffffffff || int64(nRec) > maxRec {
		nRec = uint32(maxRec)
	}

	rec := make([]byte, recSize)
	for i := uint32(0); i < nRec; i++ {
		off := SectorSize + int64(i)*recSize
		if err := jf.ReadAt(rec, off); err != nil {
			return false, err
		}
		pgno := base.Pgno(base.GetU32(rec, 0))
		data := rec[4 : 4+pageSize]
		sum := base.GetU32(rec, int(4+pageSize))
		if pgno == 0 || checksum(nonce, data) != sum {
			// Torn tail; restore what we have.
			break
		}
		if err := db.WriteAt(data, int64(pgno-1)*int64(pageSize)); err != nil {
			return false, err
		}
	}

	if origPages > 0 {
		if err := db.Truncate(int64(origPages) * int64(pageSize)); err != nil {
			return false, err
		}
	}
	if err := db.Sync(); err != nil {
		return false, err
	}
	return true, nil
}
