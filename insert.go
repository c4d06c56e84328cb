package cbtree

// childFix is a pending parent back-pointer rewrite for a child page. Fixes
// are collected while a structural change holds its latches and applied
// afterwards, so the held set never grows beyond the page being changed, its
// new sibling, the old right sibling, and the parent.
type childFix struct {
	child  pgno
	parent pgno
	idx    int
}

func (t *Tree) applyChildFixes(fixes []childFix) error {
	for _, f := range fixes {
		cb, err := t.store.Get(f.child, LockWrite)
		if err != nil {
			return err
		}
		pageFrom(cb).setParent(f.parent, f.idx)
		t.store.MarkDirty(cb)
		t.store.Release(cb)
	}
	return nil
}

// Insert places a new entry for loc at rank pos, shifting every entry at or
// after pos one rank to the right. A pos beyond the current live count
// appends at the end of the sequence. pos must be positive.
func (t *Tree) Insert(pos uint32, loc Locator) error {
	if pos == 0 {
		return invalidErr("insert position must be positive")
	}

	buf, st, err := t.search(pos, LockWrite)
	if err != nil {
		return err
	}
	if buf == nil {
		// past the end: append after the last live entry
		total, err := t.Count()
		if err != nil {
			return err
		}
		if total == 0 {
			buf, err = t.getRoot(LockWrite) // creates the first root
			if err != nil {
				return err
			}
			rootPg := buf.Pgno
			t.store.Release(buf)
			buf, err = t.store.Get(rootPg, LockWrite)
			if err != nil {
				return err
			}
			st = &stackFrame{pgno: rootPg, idx: pageFrom(buf).numTuples()}
		} else {
			buf, st, err = t.search(total, LockWrite)
			if err != nil {
				return err
			}
			if buf == nil {
				return corruptErr(invalidPgno, "live entry %d vanished during insert", total)
			}
			st.idx++
		}
	}

	newTup := tuple{Count: 1}
	newTup.setLocator(loc)

	// Ancestor counts must reflect the entry before the leaf write, so the
	// tree is never observed under-counted.
	if err := t.changeParent(st.parent, buf, 1); err != nil {
		t.store.Release(buf)
		return err
	}
	return t.insertOnPage(st, newTup, buf)
}

// changeParent applies a signed count delta to the separator of every true
// ancestor of the write-latched leaf in buf, leaf-side first. The path-stack
// frames serve only as hints: separators shift and move to right siblings
// while the leaf latch is released during the search upgrade, and the root
// can grow above the recorded top. Every level is therefore resolved through
// findSeparator, which verifies the separator by child page number before it
// is touched.
//
// The ascent is latch-coupled: a page stays latched until the separator
// naming it has taken the delta one level up. A split of that page would
// re-derive the separator counts from its contents, which already carry the
// delta, so letting it split in that window would apply the delta twice.
func (t *Tree) changeParent(st *stackFrame, buf *Buf, delta int32) error {
	lp := pageFrom(buf)
	if lp.isRoot() {
		return nil
	}
	childPg := buf.Pgno
	level := lp.level()
	start, hint := lp.parent()
	f := st
	var held *Buf // the previous level's page; buf covers the first step
	for {
		if f != nil {
			start, hint = f.pgno, f.idx
		}
		pbuf, idx, err := t.findSeparator(childPg, level, start, hint)
		if err != nil {
			if held != nil {
				t.store.Release(held)
			}
			return err
		}
		pp := pageFrom(pbuf)
		tp := pp.tuple(idx)
		tp.Count = uint32(int32(tp.Count) + delta)
		t.store.MarkDirty(pbuf)
		if held != nil {
			t.store.Release(held)
		}
		if pp.isRoot() {
			t.store.Release(pbuf)
			return nil
		}
		childPg = pbuf.Pgno
		level = pp.level()
		start, hint = pp.parent()
		held = pbuf
		if f != nil {
			f = f.parent
		}
	}
}

// insertOnPage places tup before the tuple at st.idx on the write-latched
// page in buf, splitting when the page is full. Consumes buf.
func (t *Tree) insertOnPage(st *stackFrame, tup tuple, buf *Buf) error {
	p := pageFrom(buf)
	if p.numTuples() >= p.capacity() {
		return t.splitAndPromote(buf, tup, st)
	}

	if !p.insertAt(st.idx, tup) {
		pg := buf.Pgno
		t.store.Release(buf)
		return corruptErr(pg, "insert slot %d out of range", st.idx)
	}
	t.store.MarkDirty(buf)
	fixes := shiftedChildFixes(p, buf.Pgno, st.idx)
	t.store.Release(buf)
	return t.applyChildFixes(fixes)
}

// shiftedChildFixes records back-pointer rewrites for the children of every
// tuple at or after idx on an internal page whose tuples just shifted.
func shiftedChildFixes(p *page, pg pgno, idx int) []childFix {
	if p.isLeaf() {
		return nil
	}
	n := p.numTuples()
	fixes := make([]childFix, 0, n-idx)
	for j := idx; j < n; j++ {
		fixes = append(fixes, childFix{child: p.tuple(j).childPgno(), parent: pg, idx: j})
	}
	return fixes
}

// splitAndPromote splits the full write-latched page in buf around its
// midpoint, places tup in the proper half, and promotes separators upward
// level by level, splitting ancestors as needed. Split of the root grows the
// tree by one level. Consumes buf.
//
// Per level the latch set is bounded: the page being split, the new right
// page, the old right sibling (to repair its back-link), and the parent.
// Child back-pointer rewrites are deferred until every latch is released.
func (t *Tree) splitAndPromote(buf *Buf, newItem tuple, st *stackFrame) error {
	var fixes []childFix
	insertIdx := st.idx
	fr := st
	for {
		origPg := buf.Pgno
		origP := pageFrom(buf)
		level := origP.level()
		isLeaf := origP.isLeaf()
		wasRoot := origP.isRoot()

		rpg, err := t.store.Allocate()
		if err != nil {
			t.store.Release(buf)
			return err
		}
		rbuf, err := t.store.Get(rpg, LockWrite)
		if err != nil {
			t.store.Release(buf)
			return err
		}

		// The left half is assembled in a workspace and copied over the
		// original only once the whole split is known-good; on failure the
		// original page is untouched.
		left := make([]byte, len(buf.Data))
		flags := origP.header().Flags &^ pageRoot
		lp := initPage(left, origPg, flags, level)
		rp := initPage(rbuf.Data, rpg, flags, level)
		lh, rh, oh := lp.header(), rp.header(), origP.header()
		lh.Prev = oh.Prev
		lh.Next = rpg
		rh.Prev = origPg
		rh.Next = oh.Next
		lh.ParentPage, lh.ParentIdx = oh.ParentPage, oh.ParentIdx

		maxn := origP.numTuples()
		firstRight := maxn / 2
		newOnLeft := insertIdx < firstRight

		var leftCount, rightCount uint32
		overflow := false
		addTo := func(half *page, hostPg pgno, item tuple, isChild bool) {
			i := half.numTuples()
			if !half.insertAt(i, item) {
				overflow = true
				return
			}
			if isChild {
				fixes = append(fixes, childFix{child: item.childPgno(), parent: hostPg, idx: i})
			}
		}

		placed := false
		for i := 0; i < maxn; i++ {
			if i == insertIdx {
				if newOnLeft {
					addTo(lp, origPg, newItem, !isLeaf)
					leftCount += newItem.Count
				} else {
					addTo(rp, rpg, newItem, !isLeaf)
					rightCount += newItem.Count
				}
				placed = true
			}
			item := *origP.tuple(i)
			if i < firstRight {
				addTo(lp, origPg, item, !isLeaf)
				leftCount += item.Count
			} else {
				addTo(rp, rpg, item, !isLeaf)
				rightCount += item.Count
			}
		}
		if !placed {
			// the new tuple goes past the old last tuple, onto the right half
			addTo(rp, rpg, newItem, !isLeaf)
			rightCount += newItem.Count
		}
		if overflow {
			clear(rbuf.Data)
			t.store.Release(rbuf)
			t.store.Release(buf)
			return pageFullErr(origPg)
		}

		// Grab the old right sibling (if any) and fix its back-link. Its
		// prev must still name the page being split; anything else means
		// the sibling chain is corrupt and the split must not proceed.
		var sbuf *Buf
		if rh.Next != invalidPgno {
			sbuf, err = t.store.Get(rh.Next, LockWrite)
			if err != nil {
				t.store.Release(rbuf)
				t.store.Release(buf)
				return err
			}
			sp := pageFrom(sbuf)
			if sp.prev() != origPg {
				got := sp.prev()
				clear(rbuf.Data)
				t.store.Release(sbuf)
				t.store.Release(rbuf)
				t.store.Release(buf)
				return corruptErr(rh.Next,
					"right sibling links to %d instead of expected %d", got, origPg)
			}
			sp.header().Prev = rpg
			t.store.MarkDirty(sbuf)
		}

		// Both halves are correct: replace the original with the left half.
		copy(buf.Data, left)
		t.store.MarkDirty(buf)
		t.store.MarkDirty(rbuf)
		if sbuf != nil {
			t.store.Release(sbuf)
		}

		if wasRoot {
			return t.growRoot(buf, rbuf, leftCount, rightCount, level, fixes)
		}

		// The parent latch is taken while both halves are still held; the
		// old separator's count is rewritten below and must not move in
		// between. The frame hint can be stale, so findSeparator verifies
		// the separator by child page number and recovers when it moved.
		// Child-then-parent latch order cannot deadlock against descents,
		// which hold one latch at a time.
		start, hint := lp.parent()
		if fr != nil && fr.parent != nil {
			start, hint = fr.parent.pgno, fr.parent.idx
		}
		pbuf, sepIdx, err := t.findSeparator(origPg, level, start, hint)
		if err != nil {
			t.store.Release(rbuf)
			t.store.Release(buf)
			return err
		}
		pp := pageFrom(pbuf)
		// the left half keeps the old separator, with its count rewritten
		pp.tuple(sepIdx).Count = leftCount
		t.store.MarkDirty(pbuf)
		t.store.Release(rbuf)
		t.store.Release(buf)

		rightSep := tuple{Count: rightCount}
		rightSep.setLocator(Locator{Block: rpg})
		insertIdx = sepIdx + 1
		if fr != nil {
			fr = fr.parent
		}

		if pp.numTuples() < pp.capacity() {
			if !pp.insertAt(insertIdx, rightSep) {
				pg := pbuf.Pgno
				t.store.Release(pbuf)
				return corruptErr(pg, "separator slot %d out of range", insertIdx)
			}
			fixes = append(fixes, shiftedChildFixes(pp, pbuf.Pgno, insertIdx)...)
			t.store.Release(pbuf)
			return t.applyChildFixes(fixes)
		}

		// the parent is full too; carry the separator up as the new item,
		// keeping its latch so no insert lands on it before the split
		buf, newItem = pbuf, rightSep
	}
}

// growRoot builds a brand-new root above a split pair of former-root halves
// and swings the meta record's root pointer to it in one latched step.
// Consumes lbuf and rbuf.
func (t *Tree) growRoot(lbuf, rbuf *Buf, leftCount, rightCount uint32, level uint32, fixes []childFix) error {
	release := func() {
		t.store.Release(rbuf)
		t.store.Release(lbuf)
	}

	mbuf, err := t.store.Get(metaPgno, LockWrite)
	if err != nil {
		release()
		return err
	}
	md, err := pageFrom(mbuf).validateMeta()
	if err != nil {
		t.store.Release(mbuf)
		release()
		return err
	}

	rootPg, err := t.store.Allocate()
	if err != nil {
		t.store.Release(mbuf)
		release()
		return err
	}
	rootBuf, err := t.store.Get(rootPg, LockWrite)
	if err != nil {
		t.store.Release(mbuf)
		release()
		return err
	}
	rootP := initPage(rootBuf.Data, rootPg, pageRoot, level+1)

	md.Root = rootPg
	md.Height = level + 2
	t.store.MarkDirty(rootBuf)
	t.store.MarkDirty(mbuf)
	t.store.Release(mbuf)
	t.cache.Store(nil)

	lsep := tuple{Count: leftCount}
	lsep.setLocator(Locator{Block: lbuf.Pgno})
	rsep := tuple{Count: rightCount}
	rsep.setLocator(Locator{Block: rbuf.Pgno})
	if !rootP.insertAt(0, lsep) || !rootP.insertAt(1, rsep) {
		t.store.Release(rootBuf)
		release()
		return corruptErr(rootPg, "fresh root cannot hold its two separators")
	}

	pageFrom(lbuf).setParent(rootPg, 0)
	pageFrom(rbuf).setParent(rootPg, 1)
	t.store.MarkDirty(lbuf)
	t.store.MarkDirty(rbuf)

	t.store.Release(rootBuf)
	release()
	return t.applyChildFixes(fixes)
}
