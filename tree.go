package cbtree

import "sync/atomic"

// Tree is a counted B-tree over a PageStore: an ordered sequence of locators
// addressed purely by rank. Every internal tuple carries the number of live
// entries below it, so locating the pos-th entry, inserting before it, and
// removing entries all run in a single root-to-leaf descent.
//
// A Tree is safe for concurrent use by multiple goroutines as long as the
// backing store latches pages per the PageStore contract. Sweep is the one
// exception; see its doc.
type Tree struct {
	store PageStore
	cache atomic.Pointer[metaSnapshot]
}

// Create formats an empty tree on store. The store must contain no pages:
// the meta record claims page zero, and a store that has already handed out
// page numbers cannot guarantee that.
func Create(store PageStore) (*Tree, error) {
	if store.PageSize() < MinPageSize {
		return nil, invalidErr("page size %d below minimum %d", store.PageSize(), MinPageSize)
	}
	if store.NumPages() != 0 {
		return nil, &Error{Code: ErrNotEmpty, Message: "store already contains pages"}
	}
	pg, err := store.Allocate()
	if err != nil {
		return nil, err
	}
	if pg != metaPgno {
		return nil, corruptErr(pg, "empty store allocated page %d, expected %d", pg, metaPgno)
	}
	data := make([]byte, store.PageSize())
	initMetaPage(data, invalidPgno, 0)
	if err := store.Write(metaPgno, data); err != nil {
		return nil, err
	}
	if err := store.Sync(); err != nil {
		return nil, err
	}
	return &Tree{store: store}, nil
}

// Open attaches to a tree previously built by Create or Build, validating
// the meta record before anything else touches the store.
func Open(store PageStore) (*Tree, error) {
	if store.PageSize() < MinPageSize {
		return nil, invalidErr("page size %d below minimum %d", store.PageSize(), MinPageSize)
	}
	t := &Tree{store: store}
	mb, err := store.Get(metaPgno, LockRead)
	if err != nil {
		return nil, err
	}
	_, err = pageFrom(mb).validateMeta()
	store.Release(mb)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Lookup returns the locator stored at rank pos (ranks start at 1). The
// second result is false when pos exceeds the live count.
func (t *Tree) Lookup(pos uint32) (Locator, bool, error) {
	if pos == 0 {
		return Locator{}, false, invalidErr("lookup position must be positive")
	}
	buf, st, err := t.search(pos, LockRead)
	if err != nil {
		return Locator{}, false, err
	}
	if buf == nil {
		return Locator{}, false, nil
	}
	loc := pageFrom(buf).tuple(st.idx).locator()
	t.store.Release(buf)
	return loc, true, nil
}

// Count returns the number of live entries. The root's counts cover the
// whole tree, but a read may land on a stale root mid-split, so the sibling
// chain on the root's level is walked to pick up entries that moved right.
func (t *Tree) Count() (uint32, error) {
	buf, err := t.getRoot(LockRead)
	if err != nil || buf == nil {
		return 0, err
	}
	total := uint32(0)
	for {
		p := pageFrom(buf)
		total += p.sumCounts()
		if p.isRightmost() {
			t.store.Release(buf)
			return total, nil
		}
		nxt := p.next()
		t.store.Release(buf)
		buf, err = t.store.Get(nxt, LockRead)
		if err != nil {
			return 0, err
		}
	}
}

// Height returns the number of levels, zero for an empty tree.
func (t *Tree) Height() (uint32, error) {
	mb, err := t.store.Get(metaPgno, LockRead)
	if err != nil {
		return 0, err
	}
	md, err := pageFrom(mb).validateMeta()
	if err != nil {
		t.store.Release(mb)
		return 0, err
	}
	h := md.Height
	t.store.Release(mb)
	return h, nil
}
