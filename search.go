package cbtree

// stackFrame is one level of the per-operation descent path: the page, the
// tuple index the descent followed, and the number of leaf entries strictly
// left of that tuple across the whole tree. Frames link leaf-first toward
// the root; the chain belongs to the operation that built it and is never
// shared.
type stackFrame struct {
	pgno      pgno
	idx       int
	leftCount uint32
	parent    *stackFrame
}

// rankWithin scans a page left to right, accumulating child counts on top of
// enter (the count of entries left of this page). It returns the index of
// the first tuple whose running count reaches pos, the count strictly before
// that tuple, and the full running total for callers that continue rightward.
func rankWithin(p *page, pos, enter uint32) (idx int, before, total uint32, found bool) {
	left := enter
	for i := 0; i < p.numTuples(); i++ {
		c := p.tuple(i).Count
		left += c
		if left >= pos {
			return i, left - c, left, true
		}
	}
	return 0, 0, left, false
}

// search descends from the root to the leaf holding the pos-th live entry
// and returns the leaf's latched buffer plus the path stack. Both are nil
// when pos exceeds the live count (not an error). The descent itself always
// holds read latches, one page at a time; only the final leaf latch is
// upgraded when the caller asked for write access.
func (t *Tree) search(pos uint32, access LockMode) (*Buf, *stackFrame, error) {
	buf, err := t.getRoot(access)
	if buf == nil || err != nil {
		return nil, nil, err
	}

	var st *stackFrame
	enter := uint32(0)
	for {
		p := pageFrom(buf)
		idx, before, total, found := rankWithin(p, pos, enter)
		if !found {
			// A read descent may land on a page that lost entries to a
			// split after we passed its parent. Entries only ever move
			// right, so the sibling chain at this level recovers them.
			if access == LockRead && !p.isRightmost() {
				nxt := p.next()
				t.store.Release(buf)
				enter = total
				buf, err = t.store.Get(nxt, LockRead)
				if err != nil {
					return nil, nil, err
				}
				continue
			}
			t.store.Release(buf)
			return nil, nil, nil
		}

		st = &stackFrame{pgno: buf.Pgno, idx: idx, leftCount: before, parent: st}
		if p.isLeaf() {
			break
		}
		child := p.tuple(idx).childPgno()
		t.store.Release(buf)
		enter = before
		buf, err = t.store.Get(child, LockRead)
		if err != nil {
			return nil, nil, err
		}
	}

	if access == LockWrite {
		// trade the leaf's read latch for a write latch
		leafPg := buf.Pgno
		enter := st.leftCount - uint32(st.idx)
		t.store.Release(buf)
		buf, err = t.store.Get(leafPg, LockWrite)
		if err != nil {
			return nil, nil, err
		}
		// The latch was out of our hands between the release and the
		// reacquire. Entries can shift within the leaf or move to a new
		// right sibling in that window, so the slot is recomputed under
		// the exclusive latch, stepping right if the target moved.
		for {
			p := pageFrom(buf)
			off := pos - enter
			if off <= uint32(p.numTuples()) {
				st.pgno = buf.Pgno
				st.idx = int(off) - 1
				st.leftCount = enter + off - 1
				break
			}
			if p.isRightmost() {
				st.pgno = buf.Pgno
				st.idx = p.numTuples()
				st.leftCount = enter + uint32(p.numTuples())
				break
			}
			enter += uint32(p.numTuples())
			nxt := p.next()
			t.store.Release(buf)
			buf, err = t.store.Get(nxt, LockWrite)
			if err != nil {
				return nil, nil, err
			}
		}
	}
	return buf, st, nil
}

// findSeparator returns the write-latched ancestor page holding the
// separator tuple for childPg (a live page at the level below), plus the
// tuple's index. start and hint come from a path-stack frame or a parent
// back-pointer and may both be stale: separators shift within a page and
// move to right siblings, so a missed hint falls back to a full scan, then
// to the level's sibling chain, and finally to a fresh descent from the
// root. start may be invalidPgno to resolve from the root directly.
func (t *Tree) findSeparator(childPg pgno, childLevel uint32, start pgno, hint int) (*Buf, int, error) {
	fromRoot := false
	pg := start
	if pg == invalidPgno {
		var err error
		pg, err = t.levelLeftmost(childLevel + 1)
		if err != nil {
			return nil, 0, err
		}
		fromRoot = true
		hint = -1
	}

	for {
		buf, err := t.store.Get(pg, LockWrite)
		if err != nil {
			return nil, 0, err
		}
		p := pageFrom(buf)
		if p.level() == childLevel+1 && !p.ignore() {
			if hint >= 0 && hint < p.numTuples() && p.tuple(hint).childPgno() == childPg {
				return buf, hint, nil
			}
			for i := 0; i < p.numTuples(); i++ {
				if p.tuple(i).childPgno() == childPg {
					return buf, i, nil
				}
			}
			if !p.isRightmost() {
				pg = p.next()
				hint = -1
				t.store.Release(buf)
				continue
			}
		}
		t.store.Release(buf)
		if fromRoot {
			return nil, 0, corruptErr(childPg, "no separator on level %d", childLevel+1)
		}
		fromRoot = true
		hint = -1
		pg, err = t.levelLeftmost(childLevel + 1)
		if err != nil {
			return nil, 0, err
		}
	}
}

// levelLeftmost resolves the leftmost page of a level by descending from
// the root along first children, one read latch at a time.
func (t *Tree) levelLeftmost(level uint32) (pgno, error) {
	buf, err := t.getRoot(LockRead)
	if err != nil {
		return invalidPgno, err
	}
	if buf == nil {
		return invalidPgno, corruptErr(metaPgno, "no root while resolving level %d", level)
	}
	for {
		p := pageFrom(buf)
		if p.level() == level {
			pg := buf.Pgno
			t.store.Release(buf)
			return pg, nil
		}
		if p.isLeaf() || p.level() < level || p.numTuples() == 0 {
			pg, lvl := buf.Pgno, p.level()
			t.store.Release(buf)
			return invalidPgno, corruptErr(pg, "descent reached level %d looking for level %d", lvl, level)
		}
		child := p.tuple(0).childPgno()
		t.store.Release(buf)
		buf, err = t.store.Get(child, LockRead)
		if err != nil {
			return invalidPgno, err
		}
	}
}

// getRoot returns the current root page, read-latched, or (nil, nil) for an
// empty tree under read access. Write access creates the first root lazily.
//
// A cached meta snapshot normally saves the meta page access. The cache can
// be stale, so the cached root is checked more carefully than usual: it must
// be live, alone on its level, and at the cached level, otherwise the cache
// is thrown away and resolution restarts from the meta page.
func (t *Tree) getRoot(access LockMode) (*Buf, error) {
	if snap := t.cache.Load(); snap != nil {
		rb, err := t.store.Get(snap.root, LockRead)
		if err == nil {
			rp := pageFrom(rb)
			if !rp.ignore() && !rp.isMeta() && rp.level() == snap.height-1 &&
				rp.isLeftmost() && rp.isRightmost() {
				return rb, nil
			}
			t.store.Release(rb)
		}
		t.cache.Store(nil)
	}

	for {
		mb, err := t.store.Get(metaPgno, LockRead)
		if err != nil {
			return nil, err
		}
		md, err := pageFrom(mb).validateMeta()
		if err != nil {
			t.store.Release(mb)
			return nil, err
		}

		if md.Root == invalidPgno {
			if access == LockRead {
				t.store.Release(mb)
				return nil, nil
			}

			// trade the meta read latch for a write latch
			t.store.Release(mb)
			mb, err = t.store.Get(metaPgno, LockWrite)
			if err != nil {
				return nil, err
			}
			md, err = pageFrom(mb).validateMeta()
			if err != nil {
				t.store.Release(mb)
				return nil, err
			}
			if md.Root != invalidPgno {
				// someone else initialized the root between the latches;
				// release everything and start over
				t.store.Release(mb)
				continue
			}

			rootPg, err := t.store.Allocate()
			if err != nil {
				t.store.Release(mb)
				return nil, err
			}
			rb, err := t.store.Get(rootPg, LockWrite)
			if err != nil {
				t.store.Release(mb)
				return nil, err
			}
			initPage(rb.Data, rootPg, pageLeaf|pageRoot, 0)
			md.Root = rootPg
			md.Height = 1
			t.store.MarkDirty(rb)
			t.store.MarkDirty(mb)
			t.store.Release(mb)

			// swap the root's write latch for a read latch; nobody else
			// can reach the new page until the meta latch above is gone
			t.store.Release(rb)
			return t.store.Get(rootPg, LockRead)
		}

		rootPg, height := md.Root, md.Height
		t.cache.Store(&metaSnapshot{root: rootPg, height: height})
		t.store.Release(mb)

		for {
			rb, err := t.store.Get(rootPg, LockRead)
			if err != nil {
				return nil, err
			}
			rp := pageFrom(rb)
			if !rp.ignore() {
				if rp.level() != height-1 {
					lvl := rp.level()
					t.store.Release(rb)
					return nil, corruptErr(rootPg, "root has level %d, expected %d", lvl, height-1)
				}
				return rb, nil
			}
			// dead page where the root should be; step right
			if rp.isRightmost() {
				t.store.Release(rb)
				return nil, corruptErr(rootPg, "no live root page found")
			}
			rootPg = rp.next()
			t.store.Release(rb)
		}
	}
}
