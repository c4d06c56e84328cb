package cbtree

import "unsafe"

const (
	// cbtMagic identifies a cbtree meta record
	cbtMagic uint32 = 0x43425452 // "CBTR"

	// metaVersion is the current on-page format version
	metaVersion uint32 = 1
)

// meta is the meta record (16 bytes), overlaid on the meta page's contents
// right after the page header. It exists once per tree.
//
// Memory layout (little-endian):
//
//	Offset  Size  Field
//	0       4     magic
//	4       4     version
//	8       4     root page (invalidPgno when the tree is empty)
//	12      4     height (0 = empty tree; root level is height-1)
type meta struct {
	Magic   uint32
	Version uint32
	Root    pgno
	Height  uint32
}

func metaFrom(p *page) *meta {
	return (*meta)(unsafe.Pointer(&p.data[pageHeaderSize]))
}

// validate sanity-checks the meta page.
func (p *page) validateMeta() (*meta, error) {
	if len(p.data) < pageHeaderSize+int(unsafe.Sizeof(meta{})) {
		return nil, invalidErr("meta page too small")
	}
	if !p.isMeta() {
		return nil, invalidErr("page %d is not a meta page", p.pageNo())
	}
	md := metaFrom(p)
	if md.Magic != cbtMagic {
		return nil, invalidErr("bad meta magic %#x", md.Magic)
	}
	if md.Version != metaVersion {
		return nil, invalidErr("meta version %d, want %d", md.Version, metaVersion)
	}
	return md, nil
}

// initMetaPage formats a meta page in place.
func initMetaPage(data []byte, root pgno, height uint32) {
	p := initPage(data, metaPgno, pageMeta, 0)
	md := metaFrom(p)
	md.Magic = cbtMagic
	md.Version = metaVersion
	md.Root = root
	md.Height = height
}

// metaSnapshot is the read-through cache of the meta record, saving one meta
// page access per descent. It may go stale; getRoot revalidates it against
// the root page itself and discards it on mismatch.
type metaSnapshot struct {
	root   pgno
	height uint32
}
