package cbtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageCapacity(t *testing.T) {
	require.Equal(t, 4, pageCapacity(80))
	require.Equal(t, 8, pageCapacity(128))
	require.Equal(t, (4096-pageHeaderSize)/tupleSize, pageCapacity(4096))
}

func TestPageInsertDelete(t *testing.T) {
	data := make([]byte, 128)
	p := initPage(data, 7, pageLeaf, 0)
	require.True(t, p.isLeaf())
	require.Equal(t, pgno(7), p.pageNo())
	require.True(t, p.isLeftmost())
	require.True(t, p.isRightmost())
	require.Equal(t, 0, p.numTuples())

	for i := 0; i < 4; i++ {
		tup := tuple{Count: 1}
		tup.setLocator(Locator{Block: uint32(i), Slot: uint16(i)})
		require.True(t, p.insertAt(i, tup))
	}
	require.Equal(t, 4, p.numTuples())
	require.Equal(t, uint32(4), p.sumCounts())

	// insert in the middle shifts the rest right
	mid := tuple{Count: 1}
	mid.setLocator(Locator{Block: 99, Slot: 9})
	require.True(t, p.insertAt(2, mid))
	require.Equal(t, Locator{Block: 99, Slot: 9}, p.tuple(2).locator())
	require.Equal(t, Locator{Block: 2, Slot: 2}, p.tuple(3).locator())
	require.Equal(t, Locator{Block: 3, Slot: 3}, p.tuple(4).locator())

	p.deleteAt(2)
	require.Equal(t, 4, p.numTuples())
	require.Equal(t, Locator{Block: 2, Slot: 2}, p.tuple(2).locator())

	// fill to capacity, then one more must be refused
	for p.numTuples() < p.capacity() {
		require.True(t, p.insertAt(p.numTuples(), tuple{Count: 1}))
	}
	require.False(t, p.insertAt(0, tuple{Count: 1}))
}

func TestPageParentPointer(t *testing.T) {
	data := make([]byte, 128)
	p := initPage(data, 3, 0, 1)
	require.False(t, p.hasParent())

	p.setParent(11, 4)
	require.True(t, p.hasParent())
	ppg, pidx := p.parent()
	require.Equal(t, pgno(11), ppg)
	require.Equal(t, 4, pidx)
}

func TestTupleChildPgno(t *testing.T) {
	var tup tuple
	tup.setLocator(Locator{Block: 42})
	tup.Count = 17
	require.Equal(t, pgno(42), tup.childPgno())
	require.Equal(t, uint32(17), tup.Count)
}

func TestMetaValidate(t *testing.T) {
	data := make([]byte, 128)
	initMetaPage(data, 5, 2)
	p := &page{data: data}
	md, err := p.validateMeta()
	require.NoError(t, err)
	require.Equal(t, pgno(5), md.Root)
	require.Equal(t, uint32(2), md.Height)

	md.Magic = 0xDEADBEEF
	_, err = p.validateMeta()
	require.Error(t, err)
	require.Equal(t, ErrInvalid, CodeOf(err))

	// a regular page is not a meta page
	other := make([]byte, 128)
	initPage(other, 1, pageLeaf, 0)
	_, err = (&page{data: other}).validateMeta()
	require.Error(t, err)
}

func TestRankWithin(t *testing.T) {
	data := make([]byte, 256)
	p := initPage(data, 2, 0, 1)
	for _, c := range []uint32{3, 1, 5} {
		p.insertAt(p.numTuples(), tuple{Count: c})
	}

	idx, before, _, found := rankWithin(p, 1, 0)
	require.True(t, found)
	require.Equal(t, 0, idx)
	require.Equal(t, uint32(0), before)

	idx, before, _, found = rankWithin(p, 4, 0)
	require.True(t, found)
	require.Equal(t, 1, idx)
	require.Equal(t, uint32(3), before)

	idx, before, _, found = rankWithin(p, 9, 0)
	require.True(t, found)
	require.Equal(t, 2, idx)
	require.Equal(t, uint32(4), before)

	_, _, total, found := rankWithin(p, 10, 0)
	require.False(t, found)
	require.Equal(t, uint32(9), total)

	// enter shifts the whole scale
	idx, _, _, found = rankWithin(p, 11, 5)
	require.True(t, found)
	require.Equal(t, 2, idx)
}
