// Package cbtree implements a counted B-tree: an ordered sequence of record
// locators addressed by rank instead of by key. Every tuple on an internal
// page carries the number of live entries in its subtree, so finding the
// n-th entry, inserting before it, and sweeping entries out all run in one
// root-to-leaf descent.
//
// The tree runs on any PageStore. MemStore is the in-memory store used by
// the tests; pagestore.File is the durable single-file store.
//
//	store := cbtree.NewMemStore(4096)
//	t, err := cbtree.Create(store)
//	if err != nil {
//		// ...
//	}
//	if err := t.Insert(1, cbtree.Locator{Block: 7, Slot: 2}); err != nil {
//		// ...
//	}
//	loc, ok, err := t.Lookup(1)
//
// Ranks start at 1. Concurrent lookups and inserts are safe; the
// maintenance sweep requires that no structural writers run alongside it.
package cbtree
