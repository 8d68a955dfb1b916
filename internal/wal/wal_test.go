package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlitecore/internal/base"
	"sqlitecore/internal/vfs"
)

const testPageSize = 512

func walPaths(t *testing.T) (wal, shm, db string) {
	t.Helper()
	dir := t.TempDir()
	db = filepath.Join(dir, "test.db")
	return db + "-wal", db + "-shm", db
}

func page(b byte) []byte {
	p := make([]byte, testPageSize)
	for i := range p {
		p[i] = b
	}
	return p
}

func readFramePage(t *testing.T, w *WAL, pgno base.Pgno, snapshot uint32) []byte {
	t.Helper()
	fr := w.FindFrame(pgno, snapshot)
	require.NotZero(t, fr)
	buf := make([]byte, testPageSize)
	require.NoError(t, w.ReadFrame(fr, buf))
	return buf
}

func TestWALCommitVisibility(t *testing.T) {
	t.Parallel()

	walPath, shmPath, _ := walPaths(t)
	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w.Close(true)

	// Uncommitted frames are invisible.
	require.NoError(t, w.Append(1, page(0x11), 0))
	require.NoError(t, w.Append(2, page(0x22), 0))
	assert.Zero(t, w.MaxFrame())
	assert.Zero(t, w.FindFrame(1, w.MaxFrame()))

	// The commit frame publishes everything at once.
	require.NoError(t, w.Append(3, page(0x33), 3))
	assert.Equal(t, uint32(3), w.MaxFrame())
	assert.Equal(t, uint32(3), w.DBSize())

	snap := w.MaxFrame()
	assert.Equal(t, page(0x11), readFramePage(t, w, 1, snap))
	assert.Equal(t, page(0x22), readFramePage(t, w, 2, snap))
	assert.Equal(t, page(0x33), readFramePage(t, w, 3, snap))
	assert.Zero(t, w.FindFrame(4, snap))
}

func TestWALSnapshotIsolation(t *testing.T) {
	t.Parallel()

	walPath, shmPath, _ := walPaths(t)
	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w.Close(true)

	require.NoError(t, w.Append(1, page(0xaa), 1))
	snap, slot, err := w.BeginRead()
	require.NoError(t, err)
	defer w.EndRead(slot)

	// A later commit rewrites page 1; the old snapshot still resolves to
	// the old frame.
	require.NoError(t, w.Append(1, page(0xbb), 1))
	assert.Equal(t, page(0xaa), readFramePage(t, w, 1, snap))
	assert.Equal(t, page(0xbb), readFramePage(t, w, 1, w.MaxFrame()))
}

func TestWALRollbackDiscardsPending(t *testing.T) {
	t.Parallel()

	walPath, shmPath, _ := walPaths(t)
	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w.Close(true)

	require.NoError(t, w.Append(1, page(0xaa), 1))
	require.NoError(t, w.Append(2, page(0xbb), 0))
	w.Rollback()

	assert.Equal(t, uint32(1), w.MaxFrame())
	assert.Zero(t, w.FindFrame(2, w.MaxFrame()))

	// The next transaction overwrites the abandoned frame slot.
	require.NoError(t, w.Append(3, page(0xcc), 2))
	assert.Equal(t, uint32(2), w.MaxFrame())
	assert.Equal(t, page(0xcc), readFramePage(t, w, 3, w.MaxFrame()))
}

func TestWALRecovery(t *testing.T) {
	t.Parallel()

	walPath, shmPath, _ := walPaths(t)
	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, page(0x11), 1))
	require.NoError(t, w.Append(1, page(0x12), 0))
	require.NoError(t, w.Append(2, page(0x22), 2))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close(false))

	w2, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w2.Close(true)

	assert.Equal(t, uint32(3), w2.MaxFrame())
	assert.Equal(t, uint32(2), w2.DBSize())
	assert.Equal(t, page(0x12), readFramePage(t, w2, 1, w2.MaxFrame()))
	assert.Equal(t, page(0x22), readFramePage(t, w2, 2, w2.MaxFrame()))
}

func TestWALRecoveryTornTail(t *testing.T) {
	t.Parallel()

	walPath, shmPath, _ := walPaths(t)
	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, page(0x11), 1))
	require.NoError(t, w.Append(2, page(0x22), 2))
	require.NoError(t, w.Append(1, page(0x13), 2))
	require.NoError(t, w.Close(false))

	// Tear the third frame's page image. Its checksum no longer matches,
	// so recovery keeps only the first two commits.
	f, err := vfs.Open(walPath, false)
	require.NoError(t, err)
	off := int64(HeaderSize) + 2*int64(FrameHeaderSize+testPageSize) + FrameHeaderSize + 17
	require.NoError(t, f.WriteAt([]byte{0xde, 0xad}, off))
	require.NoError(t, f.Close())

	w2, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w2.Close(true)

	assert.Equal(t, uint32(2), w2.MaxFrame())
	assert.Equal(t, uint32(2), w2.DBSize())
	assert.Equal(t, page(0x11), readFramePage(t, w2, 1, w2.MaxFrame()))
}

func TestWALRecoveryUncommittedTail(t *testing.T) {
	t.Parallel()

	walPath, shmPath, _ := walPaths(t)
	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, page(0x11), 1))
	require.NoError(t, w.Append(2, page(0x22), 0))
	require.NoError(t, w.Close(false))

	// Frame 2 is checksum-valid but was never followed by a commit
	// frame; recovery must not surface it.
	w2, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w2.Close(true)

	assert.Equal(t, uint32(1), w2.MaxFrame())
	assert.Zero(t, w2.FindFrame(2, w2.MaxFrame()))
}

func TestWALCheckpointBackfill(t *testing.T) {
	t.Parallel()

	walPath, shmPath, dbPath := walPaths(t)
	db, err := vfs.Open(dbPath, false)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.WriteAt(page(0x01), 0))
	require.NoError(t, db.WriteAt(page(0x02), testPageSize))

	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w.Close(true)

	require.NoError(t, w.Append(2, page(0xb1), 0))
	require.NoError(t, w.Append(2, page(0xb2), 3))
	require.NoError(t, w.Append(3, page(0xc1), 3))

	moved, err := w.Checkpoint(db, CheckpointFull)
	require.NoError(t, err)
	// Page 2 is written once with its newest image, page 3 once.
	assert.Equal(t, 2, moved)

	buf := make([]byte, testPageSize)
	require.NoError(t, db.ReadAt(buf, testPageSize))
	assert.Equal(t, page(0xb2), buf)
	require.NoError(t, db.ReadAt(buf, 2*testPageSize))
	assert.Equal(t, page(0xc1), buf)

	size, err := db.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(3*testPageSize), size)

	// Fully backfilled; a second checkpoint has nothing to do.
	moved, err = w.Checkpoint(db, CheckpointFull)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestWALCheckpointBlockedByReader(t *testing.T) {
	t.Parallel()

	walPath, shmPath, dbPath := walPaths(t)
	db, err := vfs.Open(dbPath, false)
	require.NoError(t, err)
	defer db.Close()

	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w.Close(true)

	require.NoError(t, w.Append(1, page(0xaa), 1))
	_, slot, err := w.BeginRead()
	require.NoError(t, err)
	require.NoError(t, w.Append(1, page(0xbb), 1))

	// The reader's mark predates the last commit: Full fails, Passive
	// backfills up to the mark only.
	_, err = w.Checkpoint(db, CheckpointFull)
	require.ErrorIs(t, err, base.ErrBusy)

	moved, err := w.Checkpoint(db, CheckpointPassive)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	w.EndRead(slot)
	moved, err = w.Checkpoint(db, CheckpointFull)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	buf := make([]byte, testPageSize)
	require.NoError(t, db.ReadAt(buf, 0))
	assert.Equal(t, page(0xbb), buf)
}

func TestWALCheckpointTruncate(t *testing.T) {
	t.Parallel()

	walPath, shmPath, dbPath := walPaths(t)
	db, err := vfs.Open(dbPath, false)
	require.NoError(t, err)
	defer db.Close()

	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w.Close(true)

	require.NoError(t, w.Append(1, page(0xaa), 1))
	oldSalt := w.salt1

	moved, err := w.Checkpoint(db, CheckpointTruncate)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Zero(t, w.MaxFrame())
	assert.NotEqual(t, oldSalt, w.salt1)

	f, err := vfs.Open(walPath, false)
	require.NoError(t, err)
	size, err := f.Size()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Zero(t, size)

	// The log restarts from frame 1 with a fresh header.
	require.NoError(t, w.Append(2, page(0xbb), 2))
	assert.Equal(t, uint32(1), w.MaxFrame())
	assert.Equal(t, page(0xbb), readFramePage(t, w, 2, w.MaxFrame()))
}

func TestWALRefreshSeesOtherWriter(t *testing.T) {
	t.Parallel()

	walPath, shmPath, _ := walPaths(t)
	w1, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w1.Close(false)

	w2, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w2.Close(true)

	require.NoError(t, w1.Append(1, page(0xaa), 1))
	require.NoError(t, w1.Sync())

	// w2 attached when the log was empty; Refresh picks the commit up
	// through the shared index.
	assert.Zero(t, w2.MaxFrame())
	require.NoError(t, w2.Refresh())
	assert.Equal(t, uint32(1), w2.MaxFrame())
	assert.Equal(t, page(0xaa), readFramePage(t, w2, 1, w2.MaxFrame()))
}

func TestWALChecksumOrderDependent(t *testing.T) {
	t.Parallel()

	a := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b := []byte{8, 7, 6, 5, 4, 3, 2, 1}

	s1a, s2a := Checksum(false, append(append([]byte{}, a...), b...), 0, 0)
	s1b, s2b := Checksum(false, append(append([]byte{}, b...), a...), 0, 0)
	assert.False(t, s1a == s1b && s2a == s2b)

	// Chaining equals one pass over the concatenation.
	s1, s2 := Checksum(false, a, 0, 0)
	s1, s2 = Checksum(false, b, s1, s2)
	assert.Equal(t, s1a, s1)
	assert.Equal(t, s2a, s2)
}

func TestIndexHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	shmPath := filepath.Join(t.TempDir(), "test.db-shm")
	x, err := OpenIndex(shmPath)
	require.NoError(t, err)
	defer x.Close()

	_, ok := x.ReadHeader()
	assert.False(t, ok)

	h := IndexHeader{
		MaxFrame:  12,
		DBSize:    34,
		PageSize:  65536,
		Change:    2,
		Salt1:     0x1111,
		Salt2:     0x2222,
		Cksum1:    0x3333,
		Cksum2:    0x4444,
		BigEndian: false,
		Backfill:  5,
	}
	x.Publish(h)

	got, ok := x.ReadHeader()
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestIndexReadMarks(t *testing.T) {
	t.Parallel()

	shmPath := filepath.Join(t.TempDir(), "test.db-shm")
	x, err := OpenIndex(shmPath)
	require.NoError(t, err)
	defer x.Close()

	_, ok := x.OldestReadMark()
	assert.False(t, ok)

	s1, err := x.AcquireReadMark(10)
	require.NoError(t, err)
	s2, err := x.AcquireReadMark(7)
	require.NoError(t, err)
	require.NotEqual(t, s1, s2)

	mark, ok := x.OldestReadMark()
	require.True(t, ok)
	assert.Equal(t, uint32(7), mark)

	x.ReleaseReadMark(s2)
	mark, ok = x.OldestReadMark()
	require.True(t, ok)
	assert.Equal(t, uint32(10), mark)

	x.ReleaseReadMark(s1)
	_, ok = x.OldestReadMark()
	assert.False(t, ok)
}

func TestWALReadFrameStripsFraming(t *testing.T) {
	t.Parallel()

	walPath, shmPath, _ := walPaths(t)
	w, err := Open(walPath, shmPath, testPageSize)
	require.NoError(t, err)
	defer w.Close(true)

	// An all-zero image makes any leaked frame header bytes (pgno,
	// commit size, salts) stand out in the read-back.
	img := page(0x00)
	require.NoError(t, w.Append(7, img, 7))

	buf := make([]byte, testPageSize)
	require.NoError(t, w.ReadFrame(w.FindFrame(7, w.MaxFrame()), buf))
	assert.Equal(t, img, buf)
}
