package btree

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlitecore/internal/base"
	"sqlitecore/internal/pager"
)

// rowPayload is the deterministic payload for a rowid, sized 1..80 bytes
// so trees at a 512-byte page size go several levels deep.
func rowPayload(rowid int64) []byte {
	n := int(rowid%80) + 1
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(rowid + int64(i))
	}
	return p
}

func requireClean(t *testing.T, b *Btree, roots ...base.Pgno) {
	t.Helper()
	problems := b.IntegrityCheck(roots, 20)
	for _, p := range problems {
		t.Errorf("integrity: %s", p)
	}
	require.Empty(t, problems)
}

func TestCreateTreeTypes(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})

	tbl, err := b.CreateTree(false)
	require.NoError(t, err)
	n, err := b.node(tbl)
	require.NoError(t, err)
	assert.Equal(t, base.PageTableLeaf, n.typ())
	assert.Zero(t, n.nCells())

	idx, err := b.CreateTree(true)
	require.NoError(t, err)
	n, err = b.node(idx)
	require.NoError(t, err)
	assert.Equal(t, base.PageIndexLeaf, n.typ())
}

func TestTableInsertAndSeek(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	require.NoError(t, b.InsertTable(root, 10, []byte("ten")))
	require.NoError(t, b.InsertTable(root, 5, []byte("five")))
	require.NoError(t, b.InsertTable(root, 20, []byte("twenty")))

	cur := b.NewCursor(root)
	found, err := cur.SeekRowid(10)
	require.NoError(t, err)
	assert.True(t, found)
	payload, err := cur.Payload()
	require.NoError(t, err)
	assert.Equal(t, []byte("ten"), payload)

	// A miss lands on the next larger rowid.
	found, err = cur.SeekRowid(6)
	require.NoError(t, err)
	assert.False(t, found)
	rowid, err := cur.Rowid()
	require.NoError(t, err)
	assert.Equal(t, int64(10), rowid)

	// Past the largest rowid the cursor is invalid.
	found, err = cur.SeekRowid(99)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, cur.Valid())
}

func TestTableReplaceOnDuplicateRowid(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	require.NoError(t, b.InsertTable(root, 1, []byte("old")))
	require.NoError(t, b.InsertTable(root, 1, []byte("new value")))

	cur := b.NewCursor(root)
	require.NoError(t, cur.First())
	payload, err := cur.Payload()
	require.NoError(t, err)
	assert.Equal(t, []byte("new value"), payload)

	require.NoError(t, cur.Next())
	assert.False(t, cur.Valid())
}

// Insert several hundred rows in shuffled order at the smallest page size
// and verify the full traversal. The cascading splits this produces caught
// a separator bug where interior keys stopped bounding their left subtrees.
func TestTableRandomOrderInsert(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	const nRows = 400
	rowids := make([]int64, nRows)
	for i := range rowids {
		rowids[i] = int64(i + 1)
	}
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(nRows, func(i, j int) { rowids[i], rowids[j] = rowids[j], rowids[i] })

	for _, rowid := range rowids {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}

	cur := b.NewCursor(root)
	require.NoError(t, cur.First())
	for want := int64(1); want <= nRows; want++ {
		require.True(t, cur.Valid(), "traversal ended at rowid %d", want)
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		require.Equal(t, want, rowid)
		payload, err := cur.Payload()
		require.NoError(t, err)
		require.Equal(t, rowPayload(want), payload)
		require.NoError(t, cur.Next())
	}
	assert.False(t, cur.Valid())

	// Walk it backwards too.
	require.NoError(t, cur.Last())
	for want := int64(nRows); want >= 1; want-- {
		require.True(t, cur.Valid())
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		require.Equal(t, want, rowid)
		require.NoError(t, cur.Prev())
	}
	assert.False(t, cur.Valid())

	for _, rowid := range []int64{1, 57, 256, 400} {
		found, err := cur.SeekRowid(rowid)
		require.NoError(t, err)
		assert.True(t, found, "rowid %d", rowid)
	}

	requireClean(t, b, root)
}

func TestTableOverflowPayload(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i * 7)
	}
	require.NoError(t, b.InsertTable(root, 1, big))
	require.NoError(t, b.InsertTable(root, 2, []byte("small")))

	cur := b.NewCursor(root)
	require.NoError(t, cur.First())
	payload, err := cur.Payload()
	require.NoError(t, err)
	assert.Equal(t, big, payload)
	requireClean(t, b, root)

	// Deleting the row releases its overflow chain to the freelist.
	before, err := b.freelistCount()
	require.NoError(t, err)
	removed, err := b.DeleteTable(root, 1)
	require.NoError(t, err)
	assert.True(t, removed)
	after, err := b.freelistCount()
	require.NoError(t, err)
	assert.Greater(t, after, before)
	requireClean(t, b, root)
}

func TestTableDeleteAndRebalance(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	const nRows = 300
	for rowid := int64(1); rowid <= nRows; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}

	// Delete in shuffled order, leaving every tenth row.
	rowids := make([]int64, 0, nRows)
	for rowid := int64(1); rowid <= nRows; rowid++ {
		if rowid%10 != 0 {
			rowids = append(rowids, rowid)
		}
	}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(rowids), func(i, j int) { rowids[i], rowids[j] = rowids[j], rowids[i] })
	for _, rowid := range rowids {
		removed, err := b.DeleteTable(root, rowid)
		require.NoError(t, err, "rowid %d", rowid)
		require.True(t, removed)
	}

	// Deleting a missing rowid is not an error.
	removed, err := b.DeleteTable(root, 5)
	require.NoError(t, err)
	assert.False(t, removed)

	cur := b.NewCursor(root)
	require.NoError(t, cur.First())
	for want := int64(10); want <= nRows; want += 10 {
		require.True(t, cur.Valid())
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		require.Equal(t, want, rowid)
		require.NoError(t, cur.Next())
	}
	assert.False(t, cur.Valid())
	requireClean(t, b, root)

	// Empty it out; the tree collapses back toward a lone leaf root.
	for rowid := int64(10); rowid <= nRows; rowid += 10 {
		removed, err := b.DeleteTable(root, rowid)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.NoError(t, cur.First())
	assert.False(t, cur.Valid())
	n, err := b.node(root)
	require.NoError(t, err)
	assert.True(t, n.isLeaf())
	requireClean(t, b, root)
}

func TestIndexInsertTraverseDelete(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(true)
	require.NoError(t, err)

	const nKeys = 250
	keys := make([][]byte, nKeys)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%06d-%02d", i*3, i%17))
	}
	rng := rand.New(rand.NewSource(99))
	order := rng.Perm(nKeys)
	for _, i := range order {
		require.NoError(t, b.InsertIndex(root, keys[i]))
	}

	// Duplicate insert is a no-op.
	require.NoError(t, b.InsertIndex(root, keys[0]))

	// Full traversal in sorted order, interior entries included.
	cur := b.NewCursor(root)
	require.NoError(t, cur.First())
	var got int
	var last []byte
	for cur.Valid() {
		key, err := cur.Payload()
		require.NoError(t, err)
		if last != nil {
			require.Negative(t, bytes.Compare(last, key))
		}
		last = append(last[:0], key...)
		got++
		require.NoError(t, cur.Next())
	}
	assert.Equal(t, nKeys, got)
	requireClean(t, b, root)

	found, err := cur.SeekKey(keys[100])
	require.NoError(t, err)
	assert.True(t, found)

	// A miss positions at the next larger key.
	found, err = cur.SeekKey([]byte("key-000000-0"))
	require.NoError(t, err)
	assert.False(t, found)
	key, err := cur.Payload()
	require.NoError(t, err)
	assert.Equal(t, keys[0], key)

	// Delete every key, hitting leaf and interior cells alike.
	rng.Shuffle(nKeys, func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for i, key := range keys {
		removed, err := b.DeleteIndex(root, key)
		require.NoError(t, err, "key %q", key)
		require.True(t, removed)
		if i%50 == 0 {
			requireClean(t, b, root)
		}
	}
	require.NoError(t, cur.First())
	assert.False(t, cur.Valid())
	requireClean(t, b, root)
}

func TestIndexOverflowKey(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(true)
	require.NoError(t, err)

	long := bytes.Repeat([]byte("abcdefgh"), 40) // 320 bytes, spills at 512-byte pages
	require.NoError(t, b.InsertIndex(root, long))
	require.NoError(t, b.InsertIndex(root, []byte("aaa")))

	cur := b.NewCursor(root)
	found, err := cur.SeekKey(long)
	require.NoError(t, err)
	assert.True(t, found)
	key, err := cur.Payload()
	require.NoError(t, err)
	assert.Equal(t, long, key)
	requireClean(t, b, root)

	removed, err := b.DeleteIndex(root, long)
	require.NoError(t, err)
	assert.True(t, removed)
	requireClean(t, b, root)
}

func TestClearTree(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)
	for rowid := int64(1); rowid <= 100; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}
	before, err := b.freelistCount()
	require.NoError(t, err)

	require.NoError(t, b.ClearTree(root))

	// The root survives as an empty leaf; interior, leaf, and overflow
	// pages all land on the freelist.
	n, err := b.node(root)
	require.NoError(t, err)
	assert.Equal(t, base.PageTableLeaf, n.typ())
	assert.Zero(t, n.nCells())
	after, err := b.freelistCount()
	require.NoError(t, err)
	assert.Greater(t, after, before)
	requireClean(t, b, root)

	// The cleared tree accepts new rows.
	require.NoError(t, b.InsertTable(root, 1, []byte("again")))
	requireClean(t, b, root)
}

func TestDropTree(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)
	for rowid := int64(1); rowid <= 50; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}

	require.NoError(t, b.DropTree(root))
	count, err := b.freelistCount()
	require.NoError(t, err)
	assert.Greater(t, count, uint32(0))
	requireClean(t, b)

	// Page 1 is the schema root and can never be dropped.
	require.ErrorIs(t, b.DropTree(1), base.ErrMisuse)
}

func TestFreelistReusesPages(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)
	for rowid := int64(1); rowid <= 200; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}
	require.NoError(t, b.ClearTree(root))

	grown := b.pager.PageCount()
	count, err := b.freelistCount()
	require.NoError(t, err)
	require.Greater(t, count, uint32(0))

	// Refilling the tree draws from the freelist instead of extending
	// the file.
	for rowid := int64(1); rowid <= 200; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}
	assert.LessOrEqual(t, b.pager.PageCount(), grown)
	requireClean(t, b, root)
}

func TestMetaSlots(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})

	// Slot 2 is the schema cookie, slot 7 the user version.
	require.NoError(t, b.SetMeta(2, 123))
	require.NoError(t, b.SetMeta(7, 0xfeedface))

	v, err := b.Meta(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(123), v)
	v, err = b.Meta(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xfeedface), v)

	_, err = b.Meta(0)
	require.ErrorIs(t, err, base.ErrMisuse)
	_, err = b.Meta(16)
	require.ErrorIs(t, err, base.ErrMisuse)
}

func TestCursorEmptyTree(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	cur := b.NewCursor(root)
	require.NoError(t, cur.First())
	assert.False(t, cur.Valid())
	require.NoError(t, cur.Last())
	assert.False(t, cur.Valid())

	_, err = cur.Rowid()
	require.ErrorIs(t, err, base.ErrMisuse)
}

func TestCursorInsertDelete(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	cur := b.NewCursor(root)
	for rowid := int64(1); rowid <= 20; rowid++ {
		require.NoError(t, cur.Insert(rowid, rowPayload(rowid)))
	}

	found, err := cur.SeekRowid(7)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, cur.Delete())
	assert.False(t, cur.Valid())

	found, err = cur.SeekRowid(7)
	require.NoError(t, err)
	assert.False(t, found)
	rowid, err := cur.Rowid()
	require.NoError(t, err)
	assert.Equal(t, int64(8), rowid)
}

func TestIntegrityCheckDetectsDamage(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)
	for rowid := int64(1); rowid <= 200; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}
	requireClean(t, b, root)

	// Swap two cell pointers on the root so its keys go out of order.
	n, err := b.writable(root)
	require.NoError(t, err)
	require.False(t, n.isLeaf())
	require.GreaterOrEqual(t, n.nCells(), 2)
	p0, p1 := n.cellPtr(0), n.cellPtr(1)
	n.setCellPtr(0, p1)
	n.setCellPtr(1, p0)

	problems := b.IntegrityCheck([]base.Pgno{root}, 20)
	assert.NotEmpty(t, problems)
}

func TestTableSequentialInsert(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	// Ascending inserts drive the rightmost-split path on every page
	// split; a wrong separator choice corrupts the tree a few hundred
	// rows in.
	const nRows = 400
	for rowid := int64(1); rowid <= nRows; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
		if rowid%100 == 0 {
			requireClean(t, b, root)
		}
	}

	cur := b.NewCursor(root)
	require.NoError(t, cur.First())
	for want := int64(1); want <= nRows; want++ {
		require.True(t, cur.Valid(), "traversal ended at rowid %d", want)
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		require.Equal(t, want, rowid)
		payload, err := cur.Payload()
		require.NoError(t, err)
		require.Equal(t, rowPayload(want), payload)
		require.NoError(t, cur.Next())
	}
	assert.False(t, cur.Valid())

	requireClean(t, b, root)
}
