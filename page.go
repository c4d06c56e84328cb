package cbtree

import "unsafe"

// pgno is a page number within the page store.
type pgno = uint32

const (
	// pageHeaderSize is the fixed page header size (32 bytes)
	pageHeaderSize = 32

	// tupleSize is the fixed on-page tuple size (12 bytes)
	tupleSize = 12

	// invalidPgno represents an invalid/absent page number
	invalidPgno pgno = 0xFFFFFFFF

	// metaPgno is the well-known page number of the meta page
	metaPgno pgno = 0

	// MinPageSize is the smallest page size the tree accepts. Anything
	// below this leaves fewer than four tuples per page, which makes
	// splitting degenerate.
	MinPageSize = pageHeaderSize + 4*tupleSize
)

// pageFlags describe a page's kind and status.
type pageFlags uint16

const (
	// pageLeaf indicates a level-0 page whose tuples point at records
	pageLeaf pageFlags = 0x01

	// pageRoot indicates the current root page
	pageRoot pageFlags = 0x02

	// pageMeta indicates the meta page
	pageMeta pageFlags = 0x04

	// pageDeleted indicates a page retired by the maintenance sweep;
	// its number may be reused by the store's free-space catalog
	pageDeleted pageFlags = 0x08

	// pageHalfDead indicates a page unlinked from its parent but still
	// reachable through sibling links
	pageHalfDead pageFlags = 0x10
)

// Locator identifies an external record (block + slot within the block).
// In an internal tuple the same shape addresses a child page: Block is the
// child's page number and Slot is the child's first tuple index.
type Locator struct {
	Block uint32
	Slot  uint16
}

// pageHeader is the common page header (32 bytes), overlaid on the first
// bytes of a page.
//
// Memory layout (little-endian):
//
//	Offset  Size  Field
//	0       4     pgno
//	4       4     prev sibling
//	8       4     next sibling
//	12      4     parent page
//	16      2     parent tuple index
//	18      2     flags
//	20      4     level (0 = leaf)
//	24      2     tuple count
//	26      6     reserved
type pageHeader struct {
	PageNo     pgno
	Prev       pgno
	Next       pgno
	ParentPage pgno
	ParentIdx  uint16
	Flags      pageFlags
	Level      uint32
	NumTuples  uint16
	Reserved   [6]byte
}

// tuple is the on-page entry (12 bytes): a locator plus the number of live
// leaf entries beneath it. Leaf tuples always carry count 1; internal tuples
// carry their child's subtree count. This is the augmentation that makes
// rank search possible.
type tuple struct {
	Block    uint32
	Slot     uint16
	reserved uint16
	Count    uint32
}

func (t *tuple) locator() Locator {
	return Locator{Block: t.Block, Slot: t.Slot}
}

func (t *tuple) setLocator(loc Locator) {
	t.Block = loc.Block
	t.Slot = loc.Slot
}

// childPgno returns the child page number for an internal tuple.
func (t *tuple) childPgno() pgno {
	return t.Block
}

// page provides access to a page's raw data.
type page struct {
	data []byte
}

func pageFrom(b *Buf) *page {
	return &page{data: b.Data}
}

func (p *page) header() *pageHeader {
	return (*pageHeader)(unsafe.Pointer(&p.data[0]))
}

func (p *page) pageNo() pgno        { return p.header().PageNo }
func (p *page) prev() pgno          { return p.header().Prev }
func (p *page) next() pgno          { return p.header().Next }
func (p *page) level() uint32       { return p.header().Level }
func (p *page) numTuples() int      { return int(p.header().NumTuples) }
func (p *page) isLeaf() bool        { return p.header().Flags&pageLeaf != 0 }
func (p *page) isRoot() bool        { return p.header().Flags&pageRoot != 0 }
func (p *page) isMeta() bool        { return p.header().Flags&pageMeta != 0 }
func (p *page) isDeleted() bool     { return p.header().Flags&pageDeleted != 0 }
func (p *page) isLeftmost() bool    { return p.header().Prev == invalidPgno }
func (p *page) isRightmost() bool   { return p.header().Next == invalidPgno }
func (p *page) hasParent() bool     { return p.header().ParentPage != invalidPgno }
func (p *page) parent() (pgno, int) { return p.header().ParentPage, int(p.header().ParentIdx) }

// ignore reports whether the page must be skipped by descents: deleted or
// half-dead pages are no longer part of the rank order.
func (p *page) ignore() bool {
	return p.header().Flags&(pageDeleted|pageHalfDead) != 0
}

func (p *page) setParent(parent pgno, idx int) {
	h := p.header()
	h.ParentPage = parent
	h.ParentIdx = uint16(idx)
}

func (p *page) setFlags(f pageFlags)   { p.header().Flags = f }
func (p *page) orFlags(f pageFlags)    { p.header().Flags |= f }
func (p *page) clearFlags(f pageFlags) { p.header().Flags &^= f }

// capacity returns the number of tuples a page of this size can hold.
func (p *page) capacity() int {
	return (len(p.data) - pageHeaderSize) / tupleSize
}

func pageCapacity(pageSize int) int {
	return (pageSize - pageHeaderSize) / tupleSize
}

// tuple returns the i-th tuple of the page (0-based). The pointer aliases
// page memory; it is valid only while the page latch is held.
func (p *page) tuple(i int) *tuple {
	off := pageHeaderSize + i*tupleSize
	return (*tuple)(unsafe.Pointer(&p.data[off]))
}

// insertAt places t before the tuple currently at index i, shifting the rest
// right. i may equal numTuples to append. Returns false when the page is full.
func (p *page) insertAt(i int, t tuple) bool {
	h := p.header()
	n := int(h.NumTuples)
	if n >= p.capacity() || i < 0 || i > n {
		return false
	}
	start := pageHeaderSize + i*tupleSize
	end := pageHeaderSize + n*tupleSize
	copy(p.data[start+tupleSize:end+tupleSize], p.data[start:end])
	*p.tuple(i) = t
	h.NumTuples = uint16(n + 1)
	return true
}

// deleteAt removes the tuple at index i, shifting the rest left.
func (p *page) deleteAt(i int) {
	h := p.header()
	n := int(h.NumTuples)
	if i < 0 || i >= n {
		return
	}
	start := pageHeaderSize + i*tupleSize
	end := pageHeaderSize + n*tupleSize
	copy(p.data[start:end-tupleSize], p.data[start+tupleSize:end])
	clear(p.data[end-tupleSize : end])
	h.NumTuples = uint16(n - 1)
}

// sumCounts returns the number of live leaf entries below this page.
func (p *page) sumCounts() uint32 {
	var sum uint32
	for i := 0; i < p.numTuples(); i++ {
		sum += p.tuple(i).Count
	}
	return sum
}

// initPage zeroes a page buffer and writes a fresh header.
func initPage(data []byte, pg pgno, flags pageFlags, level uint32) *page {
	clear(data)
	p := &page{data: data}
	h := p.header()
	h.PageNo = pg
	h.Prev = invalidPgno
	h.Next = invalidPgno
	h.ParentPage = invalidPgno
	h.Flags = flags
	h.Level = level
	return p
}
