package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlitecore/internal/base"
	"sqlitecore/internal/pager"
)

func TestPtrmapLayout(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{AutoVacuum: true})

	// Page 2 is the first pointer-map page and pages repeat every
	// usable/5+1 pages after it.
	stride := base.Pgno(b.ptrmapEntriesPerPage() + 1)
	assert.True(t, b.isPtrmapPage(2))
	assert.False(t, b.isPtrmapPage(3))
	assert.True(t, b.isPtrmapPage(2+stride))
	assert.Equal(t, base.Pgno(2), b.ptrmapPageFor(3))
	assert.Equal(t, base.Pgno(2+stride), b.ptrmapPageFor(3+stride))

	// The first tree created lands after the pointer-map page and is
	// registered as a root.
	root, err := b.CreateTree(false)
	require.NoError(t, err)
	assert.Equal(t, base.Pgno(3), root)
	typ, parent, err := b.ptrmapGet(root)
	require.NoError(t, err)
	assert.Equal(t, base.PtrmapRootPage, typ)
	assert.Zero(t, parent)
}

func TestPtrmapTracksTreePages(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{AutoVacuum: true})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	for rowid := int64(1); rowid <= 150; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}

	// Every allocated page must have a pointer-map entry consistent with
	// the tree structure; the integrity checker walks exactly that.
	requireClean(t, b, root)

	// A non-root tree page maps to its parent.
	n, err := b.node(root)
	require.NoError(t, err)
	require.False(t, n.isLeaf())
	child := n.childAt(0)
	typ, parent, err := b.ptrmapGet(child)
	require.NoError(t, err)
	assert.Equal(t, base.PtrmapBtree, typ)
	assert.Equal(t, root, parent)
}

func TestIncrVacuumShrinksFile(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{AutoVacuum: true, IncrVacuum: true})
	root, err := b.CreateTree(false)
	require.NoError(t, err)

	for rowid := int64(1); rowid <= 300; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}
	grown := b.pager.PageCount()

	for rowid := int64(1); rowid <= 300; rowid++ {
		removed, err := b.DeleteTable(root, rowid)
		require.NoError(t, err)
		require.True(t, removed)
	}
	nFree, err := b.freelistCount()
	require.NoError(t, err)
	require.Greater(t, nFree, uint32(0))

	for i := 0; ; i++ {
		require.Less(t, i, int(grown)+1, "vacuum did not terminate")
		done, err := b.IncrVacuumStep()
		require.NoError(t, err)
		if done {
			break
		}
	}

	nFree, err = b.freelistCount()
	require.NoError(t, err)
	assert.Zero(t, nFree)
	assert.Less(t, b.pager.PageCount(), grown)
	requireClean(t, b, root)
}

func TestIncrVacuumRelocatesLivePages(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{AutoVacuum: true, IncrVacuum: true})

	// Two trees; dropping the first leaves free pages in the middle of
	// the file, so vacuuming must relocate the second tree's pages, not
	// just truncate.
	first, err := b.CreateTree(false)
	require.NoError(t, err)
	for rowid := int64(1); rowid <= 150; rowid++ {
		require.NoError(t, b.InsertTable(first, rowid, rowPayload(rowid)))
	}
	second, err := b.CreateTree(false)
	require.NoError(t, err)
	for rowid := int64(1); rowid <= 150; rowid++ {
		require.NoError(t, b.InsertTable(second, rowid, rowPayload(rowid)))
	}

	require.NoError(t, b.DropTree(first))
	grown := b.pager.PageCount()

	for {
		done, err := b.IncrVacuumStep()
		require.NoError(t, err)
		if done {
			break
		}
	}

	assert.Less(t, b.pager.PageCount(), grown)
	requireClean(t, b, second)

	// The surviving tree is intact after its pages moved.
	cur := b.NewCursor(second)
	require.NoError(t, cur.First())
	for want := int64(1); want <= 150; want++ {
		require.True(t, cur.Valid())
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		require.Equal(t, want, rowid)
		payload, err := cur.Payload()
		require.NoError(t, err)
		require.Equal(t, rowPayload(want), payload)
		require.NoError(t, cur.Next())
	}
	assert.False(t, cur.Valid())
}

func TestAutoVacuumCommitEmptiesFreelist(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{AutoVacuum: true})
	root, err := b.CreateTree(false)
	require.NoError(t, err)
	for rowid := int64(1); rowid <= 200; rowid++ {
		require.NoError(t, b.InsertTable(root, rowid, rowPayload(rowid)))
	}
	require.NoError(t, b.ClearTree(root))

	require.NoError(t, b.AutoVacuumCommit())
	nFree, err := b.freelistCount()
	require.NoError(t, err)
	assert.Zero(t, nFree)
	requireClean(t, b, root)
}

func TestIncrVacuumRequiresPtrmap(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	_, err := b.IncrVacuumStep()
	require.ErrorIs(t, err, base.ErrMisuse)
}
