package cbtree

// RemovalFunc decides, per live entry, whether the entry should be removed
// by a sweep. It must not call back into the tree.
type RemovalFunc func(loc Locator) (remove bool, err error)

// SweepStats reports what a sweep did.
type SweepStats struct {
	NumPages      uint32 // pages examined
	TuplesRemoved uint32 // live entries removed
	PagesDeleted  uint32 // leaf and internal pages flagged deleted
	PagesFree     uint32 // deleted pages reported to the store's FreeSpace
}

// Sweep walks every leaf page in page-number order, asks removeFn about each
// live entry, and removes the entries it approves. Leaves emptied by removal
// are flagged deleted and unlinked, and the change cascades: an internal
// page whose last child goes away is deleted too, up to and including root
// retraction on an emptied tree. Deleted pages are finally reported to the
// store's FreeSpace, when it has one.
//
// Sweep takes page latches but tolerates no concurrent structural writers:
// callers must ensure no Insert or Build runs during a sweep. Concurrent
// Lookup and Count are fine.
func (t *Tree) Sweep(removeFn RemovalFunc) (SweepStats, error) {
	var stats SweepStats

	for pg := pgno(1); ; pg++ {
		if pg >= t.store.NumPages() {
			break
		}
		stats.NumPages++
		if err := t.sweepPage(pg, removeFn, &stats); err != nil {
			return stats, err
		}
	}

	// second pass: hand deleted pages to the free-space catalog
	fs, ok := t.store.(FreeSpace)
	if !ok {
		return stats, nil
	}
	for pg := pgno(1); pg < t.store.NumPages(); pg++ {
		buf, err := t.store.Get(pg, LockRead)
		if err != nil {
			return stats, err
		}
		deleted := pageFrom(buf).isDeleted()
		t.store.Release(buf)
		if deleted {
			fs.FreePage(pg)
			stats.PagesFree++
		}
	}
	return stats, nil
}

func (t *Tree) sweepPage(pg pgno, removeFn RemovalFunc, stats *SweepStats) error {
	buf, err := t.store.Get(pg, LockRead)
	if err != nil {
		return err
	}
	p := pageFrom(buf)
	if !p.isLeaf() || p.ignore() || p.isMeta() {
		t.store.Release(buf)
		return nil
	}
	t.store.Release(buf)

	buf, err = t.store.Get(pg, LockWrite)
	if err != nil {
		return err
	}
	p = pageFrom(buf)
	if !p.isLeaf() || p.ignore() {
		t.store.Release(buf)
		return nil
	}

	i := 0
	for i < p.numTuples() {
		remove, err := removeFn(p.tuple(i).locator())
		if err != nil {
			t.store.Release(buf)
			return err
		}
		if !remove {
			i++
			continue
		}
		stats.TuplesRemoved++
		retired, err := t.deleteLeafTuple(buf, i, stats)
		if err != nil {
			return err
		}
		if retired {
			// the leaf emptied out and was deleted; its latch is gone
			return nil
		}
	}
	t.store.Release(buf)
	return nil
}

// deleteLeafTuple removes the tuple at index i from the write-latched leaf
// in buf, fixing ancestor counts first so the tree is never over-counted.
// When the removal empties the leaf, the leaf is retired from the tree and
// buf is consumed; retired reports that.
func (t *Tree) deleteLeafTuple(buf *Buf, i int, stats *SweepStats) (retired bool, err error) {
	p := pageFrom(buf)
	if !p.isRoot() {
		ppg, pidx := p.parent()
		if err := t.reduceParent(ppg, pidx); err != nil {
			t.store.Release(buf)
			return false, err
		}
	}
	p.deleteAt(i)
	t.store.MarkDirty(buf)

	if p.numTuples() > 0 {
		return false, nil
	}
	if err := t.deletePage(buf, stats); err != nil {
		return true, err
	}
	return true, nil
}

// reduceParent subtracts one from the separator counts on the path from the
// tuple at (ppg, pidx) up to the root, one latch at a time. Separator counts
// drop to zero here but separators are only removed by deletePage, so a
// count never re-propagates when its separator goes.
func (t *Tree) reduceParent(ppg pgno, pidx int) error {
	for {
		buf, err := t.store.Get(ppg, LockWrite)
		if err != nil {
			return err
		}
		p := pageFrom(buf)
		if pidx >= p.numTuples() {
			t.store.Release(buf)
			return corruptErr(ppg, "ancestor tuple %d out of range", pidx)
		}
		tp := p.tuple(pidx)
		if tp.Count == 0 {
			t.store.Release(buf)
			return corruptErr(ppg, "ancestor tuple %d already has count zero", pidx)
		}
		tp.Count--
		t.store.MarkDirty(buf)

		if p.isRoot() {
			t.store.Release(buf)
			return nil
		}
		ppg, pidx = p.parent()
		t.store.Release(buf)
	}
}

// deletePage retires the empty page in buf: unlink it from its sibling
// chain, flag it deleted, and remove its separator from the parent. An
// internal page emptied by that removal is retired the same way, up to root
// retraction when the whole tree empties. Consumes buf.
func (t *Tree) deletePage(buf *Buf, stats *SweepStats) error {
	var fixes []childFix

	for {
		p := pageFrom(buf)
		pg := buf.Pgno

		if err := t.unlinkSiblings(p, pg); err != nil {
			t.store.Release(buf)
			return err
		}
		p.orFlags(pageDeleted)
		t.store.MarkDirty(buf)
		stats.PagesDeleted++

		if p.isRoot() {
			// the whole tree is gone; retract the meta record
			t.store.Release(buf)
			if err := t.retractRoot(pg); err != nil {
				return err
			}
			break
		}

		ppg, pidx := p.parent()
		t.store.Release(buf)

		pbuf, err := t.store.Get(ppg, LockWrite)
		if err != nil {
			return err
		}
		pp := pageFrom(pbuf)
		if pidx >= pp.numTuples() || pp.tuple(pidx).childPgno() != pg {
			t.store.Release(pbuf)
			return corruptErr(ppg, "separator %d does not point at deleted child %d", pidx, pg)
		}
		if c := pp.tuple(pidx).Count; c != 0 {
			t.store.Release(pbuf)
			return corruptErr(ppg, "separator for empty child %d still counts %d", pg, c)
		}
		pp.deleteAt(pidx)
		t.store.MarkDirty(pbuf)
		fixes = append(fixes, shiftedChildFixes(pp, ppg, pidx)...)

		if pp.numTuples() > 0 {
			t.store.Release(pbuf)
			break
		}
		// the parent emptied out too; retire it the same way, all the way
		// up to root retraction when the whole tree empties
		buf = pbuf
	}
	return t.applyChildFixes(fixes)
}

// unlinkSiblings splices the page out of its level's doubly linked chain,
// verifying both neighbor back-links first. A deleted page keeps its own
// prev and next so a reader parked on it can still step right.
func (t *Tree) unlinkSiblings(p *page, pg pgno) error {
	prev, next := p.prev(), p.next()
	if prev != invalidPgno {
		pb, err := t.store.Get(prev, LockWrite)
		if err != nil {
			return err
		}
		lp := pageFrom(pb)
		if lp.next() != pg {
			got := lp.next()
			t.store.Release(pb)
			return corruptErr(prev, "left sibling links to %d instead of %d", got, pg)
		}
		lp.header().Next = next
		t.store.MarkDirty(pb)
		t.store.Release(pb)
	}
	if next != invalidPgno {
		nb, err := t.store.Get(next, LockWrite)
		if err != nil {
			return err
		}
		rp := pageFrom(nb)
		if rp.prev() != pg {
			got := rp.prev()
			t.store.Release(nb)
			return corruptErr(next, "right sibling links to %d instead of %d", got, pg)
		}
		rp.header().Prev = prev
		t.store.MarkDirty(nb)
		t.store.Release(nb)
	}
	return nil
}

// retractRoot clears the meta record after the root page rootPg was deleted.
func (t *Tree) retractRoot(rootPg pgno) error {
	mb, err := t.store.Get(metaPgno, LockWrite)
	if err != nil {
		return err
	}
	md, err := pageFrom(mb).validateMeta()
	if err != nil {
		t.store.Release(mb)
		return err
	}
	if md.Root != rootPg {
		t.store.Release(mb)
		return corruptErr(metaPgno, "meta root is %d, deleted root is %d", md.Root, rootPg)
	}
	md.Root = invalidPgno
	md.Height = 0
	t.store.MarkDirty(mb)
	t.store.Release(mb)
	t.cache.Store(nil)
	return nil
}
