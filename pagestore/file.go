// Package pagestore implements a durable single-file PageStore for cbtree.
//
// Pages live in a frame table backed by an off-heap buffer arena. Dirty
// pages are held in memory until Sync; Sync writes their images to a
// page-image journal first, syncs it, then writes them home, so a crash at
// any point leaves either the old pages or a journal that Open replays.
package pagestore

import (
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cbtreedb/cbtree"
	"github.com/cbtreedb/cbtree/internal/fastmap"
	"github.com/cbtreedb/cbtree/internal/pagebuf"
)

// Error represents a pagestore failure.
type Error struct {
	Op   string
	Pgno uint32
	Err  error
}

func (e *Error) Error() string {
	if e.Pgno != noPage {
		return fmt.Sprintf("pagestore: %s: page %d: %v", e.Op, e.Pgno, e.Err)
	}
	return fmt.Sprintf("pagestore: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type strErr string

func (e strErr) Error() string { return string(e) }

const (
	errPageRange   = strErr("page number outside the store")
	errFileSize    = strErr("file size is not a multiple of the page size")
	errBadPageSize = strErr("page size mismatch")
	errClosed      = strErr("store is closed")
)

const noPage uint32 = 0xFFFFFFFF

// arenaSegment is the number of page slots each arena growth step adds.
const arenaSegment = 64

// frame is one cached page. pins and dirty are guarded by the store mutex;
// the page image itself by latch.
type frame struct {
	pgno  uint32
	buf   []byte
	slot  pagebuf.Slot
	latch sync.RWMutex
	pins  int
	dirty bool
}

// File is a PageStore over a single file. It also implements
// cbtree.FreeSpace; the free-page catalog is in memory only and is rebuilt
// by the next maintenance sweep after a reopen.
type File struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	numPages uint32
	frames   fastmap.Map
	arena    *pagebuf.Arena
	clean    *lru.Cache[uint32, *frame]
	free     []uint32
	closed   bool
}

// Open opens or creates the store at path. cacheSize bounds the number of
// clean pages kept cached; dirty and pinned pages are held regardless. A
// leftover journal from a crashed Sync is replayed before the store is
// usable; an incomplete journal is discarded.
func Open(path string, pageSize, cacheSize int) (*File, error) {
	if pageSize < cbtree.MinPageSize {
		return nil, &Error{Op: "open", Pgno: noPage, Err: errBadPageSize}
	}
	if cacheSize < 1 {
		cacheSize = 1
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &Error{Op: "open", Pgno: noPage, Err: err}
	}
	if err := replayJournal(f, path, pageSize); err != nil {
		f.Close()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &Error{Op: "open", Pgno: noPage, Err: err}
	}
	if fi.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, &Error{Op: "open", Pgno: noPage, Err: errFileSize}
	}

	arena, err := pagebuf.New(uint32(pageSize), arenaSegment)
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &File{
		f:        f,
		path:     path,
		pageSize: pageSize,
		numPages: uint32(fi.Size() / int64(pageSize)),
		arena:    arena,
	}
	// Evicted frames are always clean and unpinned; the callback runs
	// synchronously under s.mu from the Add below, so it may touch the
	// frame table directly.
	s.clean, err = lru.NewWithEvict(cacheSize, func(pg uint32, fr *frame) {
		s.frames.Delete(pg)
		s.arena.Free(fr.slot)
	})
	if err != nil {
		arena.Close()
		f.Close()
		return nil, &Error{Op: "open", Pgno: noPage, Err: err}
	}
	return s, nil
}

// PageSize returns the fixed page size.
func (s *File) PageSize() int { return s.pageSize }

// NumPages returns the number of allocated pages, including pages not yet
// synced to disk.
func (s *File) NumPages() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPages
}

// Allocate extends the store by one zeroed page, reusing a page from the
// free catalog when one exists. The page becomes durable on the next Sync.
func (s *File) Allocate() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, &Error{Op: "allocate", Pgno: noPage, Err: errClosed}
	}

	var pg uint32
	if n := len(s.free); n > 0 {
		pg = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		pg = s.numPages
		s.numPages++
	}

	fr := (*frame)(s.frames.Get(pg))
	if fr == nil {
		var err error
		fr, err = s.newFrame(pg)
		if err != nil {
			return 0, err
		}
	} else {
		s.clean.Remove(pg)
	}
	clear(fr.buf)
	fr.dirty = true
	return pg, nil
}

func (s *File) newFrame(pg uint32) (*frame, error) {
	buf, slot, err := s.arena.Alloc()
	if err != nil {
		return nil, err
	}
	fr := &frame{pgno: pg, buf: buf, slot: slot}
	s.frames.Set(pg, unsafe.Pointer(fr))
	return fr, nil
}

// Get returns a latched handle for the page, faulting it in from the file
// when it is not cached.
func (s *File) Get(pg uint32, mode cbtree.LockMode) (*cbtree.Buf, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &Error{Op: "get", Pgno: pg, Err: errClosed}
	}
	if pg >= s.numPages {
		s.mu.Unlock()
		return nil, &Error{Op: "get", Pgno: pg, Err: errPageRange}
	}

	fr := (*frame)(s.frames.Get(pg))
	if fr == nil {
		var err error
		fr, err = s.newFrame(pg)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		off := int64(pg) * int64(s.pageSize)
		if _, err := s.f.ReadAt(fr.buf, off); err != nil && err != io.EOF {
			s.frames.Delete(pg)
			s.arena.Free(fr.slot)
			s.mu.Unlock()
			return nil, &Error{Op: "get", Pgno: pg, Err: err}
		}
		// a short read past EOF leaves the tail zeroed: the page was
		// allocated but never synced
	} else {
		s.clean.Remove(pg)
	}
	fr.pins++
	s.mu.Unlock()

	if mode == cbtree.LockWrite {
		fr.latch.Lock()
	} else {
		fr.latch.RLock()
	}
	return &cbtree.Buf{Pgno: pg, Data: fr.buf, Mode: mode}, nil
}

// Release drops the handle's latch and unpins the frame. Clean unpinned
// frames become eligible for eviction.
func (s *File) Release(b *cbtree.Buf) {
	s.mu.Lock()
	fr := (*frame)(s.frames.Get(b.Pgno))
	s.mu.Unlock()
	if fr == nil {
		return
	}
	if b.Mode == cbtree.LockWrite {
		fr.latch.Unlock()
	} else {
		fr.latch.RUnlock()
	}

	s.mu.Lock()
	fr.pins--
	if fr.pins == 0 && !fr.dirty && !s.closed {
		s.clean.Add(b.Pgno, fr)
	}
	s.mu.Unlock()
}

// MarkDirty flags the page for the next Sync. Dirty frames are never
// evicted.
func (s *File) MarkDirty(b *cbtree.Buf) {
	s.mu.Lock()
	if fr := (*frame)(s.frames.Get(b.Pgno)); fr != nil {
		fr.dirty = true
		s.clean.Remove(b.Pgno)
	}
	s.mu.Unlock()
}

// Write replaces a full page image directly in the file, bypassing the
// journal. It is the bulk-build path: the builder owns the whole store and
// nothing it writes is reachable until the meta page goes out last.
func (s *File) Write(pg uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Error{Op: "write", Pgno: pg, Err: errClosed}
	}
	if pg >= s.numPages {
		return &Error{Op: "write", Pgno: pg, Err: errPageRange}
	}
	if fr := (*frame)(s.frames.Get(pg)); fr != nil {
		copy(fr.buf, data)
		fr.dirty = false
	}
	off := int64(pg) * int64(s.pageSize)
	if _, err := s.f.WriteAt(data[:s.pageSize], off); err != nil {
		return &Error{Op: "write", Pgno: pg, Err: err}
	}
	return nil
}

// Sync makes every dirty page durable as one recoverable step: all dirty
// images go to the journal, the journal is synced, then the pages are
// written home and the journal removed. A crash before the journal's commit
// mark loses nothing but this batch; a crash after it is repaired by replay
// on the next Open.
func (s *File) Sync() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Error{Op: "sync", Pgno: noPage, Err: errClosed}
	}
	var dirty []*frame
	s.frames.ForEach(func(pg uint32, v unsafe.Pointer) {
		fr := (*frame)(v)
		if fr.dirty {
			dirty = append(dirty, fr)
		}
	})
	s.mu.Unlock()

	if len(dirty) == 0 {
		if err := s.f.Sync(); err != nil {
			return &Error{Op: "sync", Pgno: noPage, Err: err}
		}
		return nil
	}

	if err := s.writeJournal(dirty); err != nil {
		return err
	}
	for _, fr := range dirty {
		off := int64(fr.pgno) * int64(s.pageSize)
		fr.latch.RLock()
		_, err := s.f.WriteAt(fr.buf, off)
		fr.latch.RUnlock()
		if err != nil {
			return &Error{Op: "sync", Pgno: fr.pgno, Err: err}
		}
	}
	if err := s.f.Sync(); err != nil {
		return &Error{Op: "sync", Pgno: noPage, Err: err}
	}
	if err := os.Remove(journalPath(s.path)); err != nil {
		return &Error{Op: "sync", Pgno: noPage, Err: err}
	}

	s.mu.Lock()
	for _, fr := range dirty {
		fr.dirty = false
		if fr.pins == 0 {
			s.clean.Add(fr.pgno, fr)
		}
	}
	s.mu.Unlock()
	return nil
}

// FreePage records a deleted page for reuse by Allocate. Duplicates are
// ignored; sweeps report the same pages again until they are reused.
func (s *File) FreePage(pg uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pg == 0 || pg >= s.numPages {
		return
	}
	for _, f := range s.free {
		if f == pg {
			return
		}
	}
	s.free = append(s.free, pg)
}

// Close syncs dirty pages and releases the file and the buffer arena.
// Outstanding handles become invalid.
func (s *File) Close() error {
	if err := s.Sync(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.clean.Purge()
	s.mu.Unlock()
	if err := s.arena.Close(); err != nil {
		s.f.Close()
		return err
	}
	if err := s.f.Close(); err != nil {
		return &Error{Op: "close", Pgno: noPage, Err: err}
	}
	return nil
}
