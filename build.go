package cbtree

// RecordSupplier feeds locators to Build in sequence order. Next reports
// ok=false once the supply is exhausted.
type RecordSupplier interface {
	Next() (loc Locator, ok bool, err error)
}

// LocatorSlice adapts a slice to a RecordSupplier.
type LocatorSlice struct {
	locs []Locator
	i    int
}

// NewLocatorSlice returns a supplier that yields locs in order.
func NewLocatorSlice(locs []Locator) *LocatorSlice {
	return &LocatorSlice{locs: locs}
}

func (s *LocatorSlice) Next() (Locator, bool, error) {
	if s.i >= len(s.locs) {
		return Locator{}, false, nil
	}
	loc := s.locs[s.i]
	s.i++
	return loc, true, nil
}

// Fill factors for the bulk build, in percent of page capacity. Leaves are
// packed tighter than internal pages so that later inserts split internal
// pages less often.
const (
	leafFillFactor     = 90
	internalFillFactor = 70
	minFillFactor      = 10
)

// buildLevel is the rightmost open page of one tree level during a bulk
// build. Levels above it exist only once this one closes its first page.
type buildLevel struct {
	parent  *buildLevel
	data    []byte
	pg      pgno
	level   uint32
	count   uint32 // leaf entries under the open page
	maxFill int    // tuples before the page is closed
}

type builder struct {
	store    PageStore
	pageSize int
	leaf     *buildLevel
}

// Build creates a tree on an empty store from records in one sequential
// pass, writing each page exactly once. Pages fill to the level's fill
// factor rather than to capacity, leaving room for later inserts. Build
// owns the store for its duration; nothing else may touch it.
func Build(store PageStore, records RecordSupplier) (*Tree, error) {
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

	b := &builder{store: store, pageSize: store.PageSize()}
	b.leaf, err = b.openLevel(nil, 0)
	if err != nil {
		return nil, err
	}

	for {
		loc, ok, err := records.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		tup := tuple{Count: 1}
		tup.setLocator(loc)
		if err := b.addTuple(b.leaf, tup); err != nil {
			return nil, err
		}
	}

	root, height, err := b.finish()
	if err != nil {
		return nil, err
	}
	data := make([]byte, b.pageSize)
	initMetaPage(data, root, height)
	if err := store.Write(metaPgno, data); err != nil {
		return nil, err
	}
	if err := store.Sync(); err != nil {
		return nil, err
	}
	return &Tree{store: store}, nil
}

func (b *builder) openLevel(parent *buildLevel, level uint32) (*buildLevel, error) {
	pg, err := b.store.Allocate()
	if err != nil {
		return nil, err
	}
	bl := &buildLevel{
		parent: parent,
		data:   make([]byte, b.pageSize),
		pg:     pg,
		level:  level,
	}
	flags := pageFlags(0)
	if level == 0 {
		flags = pageLeaf
	}
	initPage(bl.data, pg, flags, level)
	bl.maxFill = fillLimit(pageCapacity(b.pageSize), level)
	return bl, nil
}

func fillLimit(capacity int, level uint32) int {
	pct := internalFillFactor
	if level == 0 {
		pct = leafFillFactor
	}
	n := capacity * pct / 100
	if lo := capacity * minFillFactor / 100; n < lo {
		n = lo
	}
	if n < 1 {
		n = 1
	}
	return n
}

// addTuple appends tup to the open page of bl, closing the page and opening
// a fresh right sibling when the fill limit is reached. Closing a page
// pushes its separator one level up, creating that level on first use.
func (b *builder) addTuple(bl *buildLevel, tup tuple) error {
	p := &page{data: bl.data}
	if p.numTuples() >= bl.maxFill {
		if err := b.closePage(bl); err != nil {
			return err
		}
		p = &page{data: bl.data}
	}
	p.insertAt(p.numTuples(), tup)
	bl.count += tup.Count
	return nil
}

// closePage finishes the open page of bl: its separator goes to the parent
// level, sibling links are stitched, and the page is written out. bl is
// reset in place around a freshly allocated right sibling.
func (b *builder) closePage(bl *buildLevel) error {
	if bl.parent == nil {
		parent, err := b.openLevel(nil, bl.level+1)
		if err != nil {
			return err
		}
		bl.parent = parent
	}

	sep := tuple{Count: bl.count}
	sep.setLocator(Locator{Block: bl.pg})
	if err := b.addTuple(bl.parent, sep); err != nil {
		return err
	}

	pp := &page{data: bl.parent.data}
	p := &page{data: bl.data}
	p.setParent(bl.parent.pg, pp.numTuples()-1)

	rpg, err := b.store.Allocate()
	if err != nil {
		return err
	}
	p.header().Next = rpg
	if err := b.store.Write(bl.pg, bl.data); err != nil {
		return err
	}

	prev := bl.pg
	flags := p.header().Flags &^ pageRoot
	initPage(bl.data, rpg, flags, bl.level)
	np := &page{data: bl.data}
	np.header().Prev = prev
	bl.pg = rpg
	bl.count = 0
	return nil
}

// finish closes out every open page bottom-up and returns the root page and
// tree height. An empty build yields no root at all.
func (b *builder) finish() (pgno, uint32, error) {
	bl := b.leaf
	for {
		p := &page{data: bl.data}
		if bl.parent == nil {
			if p.numTuples() == 0 && bl.level == 0 {
				// nothing was supplied; leave the preallocated page deleted
				// so a later sweep can hand it back for reuse
				p.orFlags(pageDeleted)
				if err := b.store.Write(bl.pg, bl.data); err != nil {
					return 0, 0, err
				}
				return invalidPgno, 0, nil
			}
			p.orFlags(pageRoot)
			if err := b.store.Write(bl.pg, bl.data); err != nil {
				return 0, 0, err
			}
			return bl.pg, bl.level + 1, nil
		}

		sep := tuple{Count: bl.count}
		sep.setLocator(Locator{Block: bl.pg})
		if err := b.addTuple(bl.parent, sep); err != nil {
			return 0, 0, err
		}
		pp := &page{data: bl.parent.data}
		p.setParent(bl.parent.pg, pp.numTuples()-1)
		if err := b.store.Write(bl.pg, bl.data); err != nil {
			return 0, 0, err
		}
		bl = bl.parent
	}
}
