package cbtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func treeRoot(t *testing.T, store PageStore) pgno {
	t.Helper()
	mb, err := store.Get(metaPgno, LockRead)
	require.NoError(t, err)
	md, err := pageFrom(mb).validateMeta()
	require.NoError(t, err)
	root := md.Root
	store.Release(mb)
	return root
}

// pageTuples copies the tuples of a page out from under a read latch.
func pageTuples(t *testing.T, store PageStore, pg pgno) []tuple {
	t.Helper()
	b, err := store.Get(pg, LockRead)
	require.NoError(t, err)
	p := pageFrom(b)
	out := make([]tuple, p.numTuples())
	for i := range out {
		out[i] = *p.tuple(i)
	}
	store.Release(b)
	return out
}

// A path stack recorded during a read descent can go stale before the count
// delta is applied: another insert splitting a leaf to the left adds a
// separator to the shared parent and shifts every index after it. The delta
// must land on the separator that actually names the leaf, not on whatever
// tuple now sits at the recorded index.
func TestAncestorDeltaStaleFrameIndex(t *testing.T) {
	tr, store := newTestTree(t, smallPage)
	fillSequential(t, tr, 5)

	root := treeRoot(t, store)
	seps := pageTuples(t, store, root)
	require.GreaterOrEqual(t, len(seps), 2)
	last := len(seps) - 1
	leaf := seps[last].childPgno()

	// record a frame for the last leaf, then split the leftmost leaf so the
	// root gains a separator before it
	stale := &stackFrame{pgno: root, idx: last}
	total := uint32(5)
	for {
		require.NoError(t, tr.Insert(1, Locator{Block: 900 + total}))
		total++
		if len(pageTuples(t, store, root)) > len(seps) {
			break
		}
	}

	before := pageTuples(t, store, root)
	lb, err := store.Get(leaf, LockWrite)
	require.NoError(t, err)
	require.NoError(t, tr.changeParent(stale, lb, 1))

	after := pageTuples(t, store, root)
	require.Equal(t, len(before), len(after))
	for i := range after {
		want := before[i].Count
		if after[i].childPgno() == leaf {
			want++
		}
		require.Equal(t, want, after[i].Count, "root separator %d count", i)
	}

	// undo the delta and make sure the tree is whole again
	require.NoError(t, tr.changeParent(stale, lb, -1))
	store.Release(lb)
	require.Equal(t, total, verifyTree(t, tr))
}

// With no frames at all the delta must still reach the root, following
// parent back-pointers level by level.
func TestAncestorDeltaWithoutFrames(t *testing.T) {
	tr, store := newTestTree(t, smallPage)
	fillSequential(t, tr, 30)
	h, err := tr.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, h, uint32(3))

	// walk down to some leaf in the middle of the tree
	pg := treeRoot(t, store)
	for {
		b, err := store.Get(pg, LockRead)
		require.NoError(t, err)
		p := pageFrom(b)
		if p.isLeaf() {
			store.Release(b)
			break
		}
		pg = p.tuple(p.numTuples() - 1).childPgno()
		store.Release(b)
	}

	lb, err := store.Get(pg, LockWrite)
	require.NoError(t, err)
	require.NoError(t, tr.changeParent(nil, lb, 1))

	// the delta reached the root, so the live count reflects it
	n, err := tr.Count()
	require.NoError(t, err)
	require.Equal(t, uint32(31), n)

	require.NoError(t, tr.changeParent(nil, lb, -1))
	store.Release(lb)
	require.Equal(t, uint32(30), verifyTree(t, tr))
}

// A delta against a single-leaf tree has no ancestors to touch.
func TestAncestorDeltaRootLeaf(t *testing.T) {
	tr, store := newTestTree(t, smallPage)
	fillSequential(t, tr, 2)

	pg := treeRoot(t, store)
	lb, err := store.Get(pg, LockWrite)
	require.NoError(t, err)
	require.NoError(t, tr.changeParent(nil, lb, 1))
	store.Release(lb)
	require.Equal(t, uint32(2), verifyTree(t, tr))
}

// An insert slot past the end of a non-full page must fail loudly instead of
// silently dropping the entry.
func TestInsertSlotOutOfRange(t *testing.T) {
	tr, store := newTestTree(t, smallPage)
	fillSequential(t, tr, 1)

	pg := treeRoot(t, store)
	lb, err := store.Get(pg, LockWrite)
	require.NoError(t, err)

	tup := tuple{Count: 1}
	tup.setLocator(Locator{Block: 99})
	err = tr.insertOnPage(&stackFrame{pgno: pg, idx: 3}, tup, lb)
	require.Error(t, err)
	require.Equal(t, ErrCorrupted, CodeOf(err))

	require.Equal(t, uint32(1), verifyTree(t, tr))
}
