package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlitecore/internal/base"
	"sqlitecore/internal/pager"
)

// newTestBtree opens a fresh 512-byte-page database with a write
// transaction already started.
func newTestBtree(t *testing.T, opts pager.Options) *Btree {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = 512
	}
	p, err := pager.Open(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.BeginWrite())
	return New(p)
}

// freshLeaf allocates an empty table-leaf page and returns its node.
func freshLeaf(t *testing.T, b *Btree) node {
	t.Helper()
	root, err := b.CreateTree(false)
	require.NoError(t, err)
	n, err := b.writable(root)
	require.NoError(t, err)
	return n
}

func mustFree(t *testing.T, n node) int {
	t.Helper()
	free, err := n.freeBytes()
	require.NoError(t, err)
	return free
}

func TestAllocateSpaceFromGap(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	// Empty leaf: everything past the 8-byte page header is free.
	assert.Equal(t, 512-8, mustFree(t, n))
	assert.Equal(t, 512, n.contentStart())

	off, err := n.allocateSpace(40)
	require.NoError(t, err)
	assert.Equal(t, 512-40, off)
	assert.Equal(t, 512-40, n.contentStart())
	assert.Equal(t, 512-8-40, mustFree(t, n))

	// Allocations stack downward.
	off2, err := n.allocateSpace(24)
	require.NoError(t, err)
	assert.Equal(t, 512-40-24, off2)
}

func TestFreeSpaceAdjacentToGapAbsorbed(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	off, err := n.allocateSpace(40)
	require.NoError(t, err)
	require.NoError(t, n.freeSpace(off, 40))

	// The freed run touched the top of the content area, so it merges
	// back into the gap rather than lingering as a free block.
	assert.Equal(t, 512, n.contentStart())
	assert.Zero(t, n.freeHead())
	assert.Equal(t, 512-8, mustFree(t, n))
}

func TestFreeSpaceReuse(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	a, err := n.allocateSpace(20)
	require.NoError(t, err)
	_, err = n.allocateSpace(20)
	require.NoError(t, err)

	require.NoError(t, n.freeSpace(a, 20))
	free := mustFree(t, n)

	// A fit inside the freed block is carved from its tail, so the
	// allocation lands within the freed region and earlier blocks keep
	// their offsets.
	got, err := n.allocateSpace(8)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, a)
	assert.LessOrEqual(t, got+8, a+20)
	assert.Equal(t, free-8, mustFree(t, n))

	// A second carve from the same block stays disjoint.
	got2, err := n.allocateSpace(8)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got2, a)
	assert.Less(t, got2+8, got+8)
}

func TestFreeSpaceExactFitUnlinksBlock(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	a, err := n.allocateSpace(20)
	require.NoError(t, err)
	_, err = n.allocateSpace(20)
	require.NoError(t, err)
	require.NoError(t, n.freeSpace(a, 20))

	got, err := n.allocateSpace(20)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Zero(t, n.freeHead())
	assert.Zero(t, n.fragBytes())
}

func TestFreeSpaceShortRemainderFragments(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	a, err := n.allocateSpace(20)
	require.NoError(t, err)
	_, err = n.allocateSpace(20)
	require.NoError(t, err)
	require.NoError(t, n.freeSpace(a, 20))

	// 20-byte block minus an 18-byte fit leaves 2 bytes, too small for a
	// link; the whole block is consumed and 2 bytes turn fragmented.
	got, err := n.allocateSpace(18)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Zero(t, n.freeHead())
	assert.Equal(t, 2, n.fragBytes())
}

func TestFreeSpaceCoalesce(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	// Three adjacent allocations; free the outer two, then the middle.
	c1, err := n.allocateSpace(20)
	require.NoError(t, err)
	c2, err := n.allocateSpace(20)
	require.NoError(t, err)
	c3, err := n.allocateSpace(20)
	require.NoError(t, err)
	_, err = n.allocateSpace(20) // keeps the merged run off the gap
	require.NoError(t, err)

	require.NoError(t, n.freeSpace(c1, 20))
	require.NoError(t, n.freeSpace(c3, 20))
	require.NoError(t, n.freeSpace(c2, 20))

	// One block of 60 bytes, not three of 20.
	assert.Equal(t, c3, n.freeHead())
	assert.Equal(t, 60, int(base.GetU16(n.pg.Data, c3+2)))
	assert.Zero(t, int(base.GetU16(n.pg.Data, c3)))

	off, err := n.allocateSpace(50)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, off, c3)
}

func TestFreeSpaceTinyRunFragments(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	off, err := n.allocateSpace(20)
	require.NoError(t, err)
	_, err = n.allocateSpace(20)
	require.NoError(t, err)

	require.NoError(t, n.freeSpace(off, 3))
	assert.Equal(t, 3, n.fragBytes())
	assert.Zero(t, n.freeHead())
}

func TestFreeSpaceRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	require.ErrorIs(t, n.freeSpace(600, 8), base.ErrCorrupt)
	require.ErrorIs(t, n.freeSpace(100, 8), base.ErrCorrupt) // above contentStart
}

func TestDefragmentCompacts(t *testing.T) {
	t.Parallel()

	b := newTestBtree(t, pager.Options{})
	n := freshLeaf(t, b)

	// Fill the leaf with real cells, then punch holes by dropping every
	// other one.
	payload := make([]byte, 40)
	rowid := int64(1)
	for {
		cell, err := b.makeLeafCell(true, rowid, payload, n.pgno())
		require.NoError(t, err)
		ok, err := n.insertCell(n.nCells(), cell)
		require.NoError(t, err)
		if !ok {
			break
		}
		rowid++
	}
	full := n.nCells()
	require.Greater(t, full, 6)

	for i := full - 1; i >= 0; i -= 2 {
		require.NoError(t, n.dropCell(i))
	}
	free := mustFree(t, n)

	require.NoError(t, n.defragment())

	// Same cells, same free total, but one contiguous gap.
	assert.Equal(t, free, mustFree(t, n))
	assert.Zero(t, n.freeHead())
	assert.Zero(t, n.fragBytes())
	assert.Equal(t, n.contentStart(), n.cellPtr(n.nCells()-1)) // lowest cell sits at content start

	cells, err := n.readCells()
	require.NoError(t, err)
	assert.Len(t, cells, full-(full+1)/2)
}
