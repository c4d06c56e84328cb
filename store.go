package cbtree

import "sync"

// LockMode selects the latch mode for a page access.
type LockMode int

const (
	// LockRead acquires the page's shared latch.
	LockRead LockMode = iota + 1

	// LockWrite acquires the page's exclusive latch.
	LockWrite
)

// Buf is a latched page handle returned by a PageStore. Data aliases the
// page image and stays valid until Release. One Buf belongs to exactly one
// Get or Allocate call; handles are not shared between operations.
type Buf struct {
	Pgno uint32
	Data []byte
	Mode LockMode
}

// PageStore is the durable block storage the tree runs on. Pages are
// fixed-size; page 0 holds the meta record. The store owns page-level
// latching and durability; the tree only requires that a full-page Write is
// atomic and that pages marked dirty survive a crash once Sync returns.
//
// The tree never frees pages itself: the maintenance sweep flags pages
// deleted and, if the store also implements FreeSpace, reports them for
// reuse.
type PageStore interface {
	// PageSize returns the fixed page size in bytes.
	PageSize() int

	// NumPages returns the number of allocated pages.
	NumPages() uint32

	// Allocate extends the store by one zeroed page and returns its number.
	Allocate() (uint32, error)

	// Get returns a latched handle for the page.
	Get(pg uint32, mode LockMode) (*Buf, error)

	// Release drops the handle's latch.
	Release(b *Buf)

	// MarkDirty includes the page in the next durable step.
	MarkDirty(b *Buf)

	// Write atomically replaces a full page image. Used by the bulk build,
	// which owns the whole store and never latches.
	Write(pg uint32, data []byte) error

	// Sync makes all dirty pages durable as one recoverable step.
	Sync() error
}

// FreeSpace is optionally implemented by stores that keep a free-page
// catalog. The maintenance sweep reports pages it flagged deleted.
type FreeSpace interface {
	FreePage(pg uint32)
}

// MemStore is the in-memory reference PageStore: heap pages and one RWMutex
// latch per page. It is the store the tree's concurrency discipline is
// specified against, and the store the tests run on.
type MemStore struct {
	mu       sync.Mutex
	pageSize int
	pages    [][]byte
	latches  []*sync.RWMutex
	free     []uint32
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(pageSize int) *MemStore {
	if pageSize < MinPageSize {
		pageSize = MinPageSize
	}
	return &MemStore{pageSize: pageSize}
}

// PageSize returns the fixed page size.
func (s *MemStore) PageSize() int { return s.pageSize }

// NumPages returns the number of allocated pages.
func (s *MemStore) NumPages() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.pages))
}

// Allocate adds a zeroed page, reusing a freed page number when one exists.
func (s *MemStore) Allocate() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		pg := s.free[n-1]
		s.free = s.free[:n-1]
		clear(s.pages[pg])
		return pg, nil
	}
	s.pages = append(s.pages, make([]byte, s.pageSize))
	s.latches = append(s.latches, new(sync.RWMutex))
	return uint32(len(s.pages) - 1), nil
}

// Get latches and returns the page.
func (s *MemStore) Get(pg uint32, mode LockMode) (*Buf, error) {
	s.mu.Lock()
	if pg >= uint32(len(s.pages)) {
		s.mu.Unlock()
		return nil, pageRangeErr(pg)
	}
	data := s.pages[pg]
	latch := s.latches[pg]
	s.mu.Unlock()

	if mode == LockWrite {
		latch.Lock()
	} else {
		latch.RLock()
	}
	return &Buf{Pgno: pg, Data: data, Mode: mode}, nil
}

// Release unlatches the page.
func (s *MemStore) Release(b *Buf) {
	s.mu.Lock()
	latch := s.latches[b.Pgno]
	s.mu.Unlock()
	if b.Mode == LockWrite {
		latch.Unlock()
	} else {
		latch.RUnlock()
	}
}

// MarkDirty is a no-op: memory is always "durable" here.
func (s *MemStore) MarkDirty(b *Buf) {}

// Write replaces a full page image.
func (s *MemStore) Write(pg uint32, data []byte) error {
	s.mu.Lock()
	if pg >= uint32(len(s.pages)) {
		s.mu.Unlock()
		return pageRangeErr(pg)
	}
	dst := s.pages[pg]
	latch := s.latches[pg]
	s.mu.Unlock()

	latch.Lock()
	copy(dst, data)
	latch.Unlock()
	return nil
}

// Sync is a no-op.
func (s *MemStore) Sync() error { return nil }

// FreePage records a page number for reuse by Allocate. Reporting the same
// page twice is harmless; sweeps may revisit deleted pages.
func (s *MemStore) FreePage(pg uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pg == 0 || pg >= uint32(len(s.pages)) {
		return
	}
	for _, f := range s.free {
		if f == pg {
			return
		}
	}
	s.free = append(s.free, pg)
}
