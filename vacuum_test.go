package cbtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fillSequential(t *testing.T, tr *Tree, n uint32) {
	t.Helper()
	for i := uint32(1); i <= n; i++ {
		require.NoError(t, tr.Insert(i, Locator{Block: i}))
	}
}

func TestSweepNothing(t *testing.T) {
	tr, _ := newTestTree(t, smallPage)
	fillSequential(t, tr, 100)

	stats, err := tr.Sweep(func(Locator) (bool, error) { return false, nil })
	require.NoError(t, err)
	require.Equal(t, uint32(0), stats.TuplesRemoved)
	require.Equal(t, uint32(0), stats.PagesDeleted)
	require.Equal(t, uint32(100), verifyTree(t, tr))
}

func TestSweepEvenBlocks(t *testing.T) {
	tr, _ := newTestTree(t, smallPage)
	fillSequential(t, tr, 10)

	stats, err := tr.Sweep(func(loc Locator) (bool, error) {
		return loc.Block%2 == 0, nil
	})
	require.NoError(t, err)
	require.Equal(t, uint32(5), stats.TuplesRemoved)
	require.Equal(t, uint32(5), verifyTree(t, tr))

	// survivors close ranks: odd blocks at contiguous positions 1..5
	for i := uint32(1); i <= 5; i++ {
		loc, ok, err := tr.Lookup(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2*i-1, loc.Block, "rank %d", i)
	}
	_, ok, err := tr.Lookup(6)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweepEverything(t *testing.T) {
	tr, store := newTestTree(t, smallPage)
	fillSequential(t, tr, 200)
	pagesBefore := store.NumPages()

	stats, err := tr.Sweep(func(Locator) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.Equal(t, uint32(200), stats.TuplesRemoved)
	require.Greater(t, stats.PagesDeleted, uint32(0))
	require.Equal(t, stats.PagesDeleted, stats.PagesFree)

	// the tree is empty again: no root, height zero
	h, err := tr.Height()
	require.NoError(t, err)
	require.Equal(t, uint32(0), h)
	require.Equal(t, uint32(0), verifyTree(t, tr))

	// inserting after full drain starts a fresh tree reusing freed pages
	require.NoError(t, tr.Insert(1, Locator{Block: 7}))
	loc, ok, err := tr.Lookup(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(7), loc.Block)
	require.Equal(t, uint32(1), verifyTree(t, tr))
	require.Equal(t, pagesBefore, store.NumPages(), "freed pages must be reused, not grown past")
}

func TestSweepDrainsSingleLeaf(t *testing.T) {
	tr, _ := newTestTree(t, smallPage)
	fillSequential(t, tr, 3)

	stats, err := tr.Sweep(func(Locator) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.Equal(t, uint32(3), stats.TuplesRemoved)
	require.Equal(t, uint32(1), stats.PagesDeleted)

	h, err := tr.Height()
	require.NoError(t, err)
	require.Equal(t, uint32(0), h)

	require.NoError(t, tr.Insert(1, Locator{Block: 9}))
	require.Equal(t, uint32(1), verifyTree(t, tr))
}

func TestSweepIsIdempotent(t *testing.T) {
	tr, _ := newTestTree(t, smallPage)
	fillSequential(t, tr, 64)

	drop := func(loc Locator) (bool, error) { return loc.Block <= 32, nil }
	stats, err := tr.Sweep(drop)
	require.NoError(t, err)
	require.Equal(t, uint32(32), stats.TuplesRemoved)

	// a second identical sweep finds nothing left to do
	stats, err = tr.Sweep(drop)
	require.NoError(t, err)
	require.Equal(t, uint32(0), stats.TuplesRemoved)
	require.Equal(t, uint32(0), stats.PagesDeleted)
	require.Equal(t, uint32(32), verifyTree(t, tr))
}

func TestSweepCallbackError(t *testing.T) {
	tr, _ := newTestTree(t, smallPage)
	fillSequential(t, tr, 20)

	boom := &Error{Code: ErrInvalid, Message: "boom"}
	calls := 0
	_, err := tr.Sweep(func(Locator) (bool, error) {
		calls++
		if calls == 5 {
			return false, boom
		}
		return false, nil
	})
	require.ErrorIs(t, err, boom)
	// nothing was removed, so the tree is untouched
	require.Equal(t, uint32(20), verifyTree(t, tr))
}

func TestSweepOnEmptyTree(t *testing.T) {
	tr, _ := newTestTree(t, smallPage)
	stats, err := tr.Sweep(func(Locator) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.Equal(t, uint32(0), stats.TuplesRemoved)
}

func TestSweepThenInsertInterleaved(t *testing.T) {
	tr, _ := newTestTree(t, smallPage)
	fillSequential(t, tr, 100)

	for round := 0; round < 5; round++ {
		_, err := tr.Sweep(func(loc Locator) (bool, error) {
			return loc.Block%3 == uint32(round%3), nil
		})
		require.NoError(t, err)
		n := verifyTree(t, tr)
		for i := uint32(0); i < 20; i++ {
			require.NoError(t, tr.Insert(n+i+1, Locator{Block: 1000 + i}))
		}
		verifyTree(t, tr)
	}
}
