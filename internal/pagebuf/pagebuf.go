// Package pagebuf provides an arena of fixed-size page buffers backed by
// anonymous memory mappings. A buffer manager borrows page-sized slots from
// the arena instead of churning the Go heap with block-sized allocations;
// mapped segments also keep the page images out of GC scan range.
package pagebuf

import "sync"

// Slot identifies a borrowed page buffer within the arena.
type Slot uint32

// InvalidSlot is returned when allocation fails.
const InvalidSlot Slot = 0xFFFFFFFF

// Arena hands out page-sized byte slices from mapped segments.
type Arena struct {
	mu       sync.Mutex
	segments [][]byte
	pageSize uint32
	perSeg   uint32
	bitmap   *bitmap
}

// New creates an arena. perSegment is the number of page slots added each
// time the arena grows.
func New(pageSize, perSegment uint32) (*Arena, error) {
	if pageSize == 0 || perSegment == 0 {
		return nil, &Error{Op: "new", Err: errBadSize}
	}
	a := &Arena{
		pageSize: pageSize,
		perSeg:   perSegment,
		bitmap:   newBitmap(0),
	}
	if err := a.addSegment(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) addSegment() error {
	seg, err := mapSegment(int(a.pageSize * a.perSeg))
	if err != nil {
		return &Error{Op: "map segment", Err: err}
	}
	a.segments = append(a.segments, seg)
	a.bitmap.extend(uint32(len(a.segments)) * a.perSeg)
	return nil
}

// Alloc borrows a zeroed page buffer, growing the arena when full.
func (a *Arena) Alloc() ([]byte, Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.bitmap.allocate()
	if !ok {
		if err := a.addSegment(); err != nil {
			return nil, InvalidSlot, err
		}
		slot, ok = a.bitmap.allocate()
		if !ok {
			return nil, InvalidSlot, &Error{Op: "alloc", Err: errExhausted}
		}
	}
	buf := a.slice(slot)
	clear(buf)
	return buf, Slot(slot), nil
}

// Free returns a slot to the arena. The caller must not touch the buffer
// afterwards.
func (a *Arena) Free(slot Slot) {
	if slot == InvalidSlot {
		return
	}
	a.mu.Lock()
	a.bitmap.free(uint32(slot))
	a.mu.Unlock()
}

// InUse returns the number of borrowed slots.
func (a *Arena) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bitmap.inUse()
}

// Cap returns the total number of slots across all segments.
func (a *Arena) Cap() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(len(a.segments)) * a.perSeg
}

// Close unmaps all segments. Outstanding buffers become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, seg := range a.segments {
		if err := unmapSegment(seg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.segments = nil
	a.bitmap = newBitmap(0)
	return firstErr
}

func (a *Arena) slice(slot uint32) []byte {
	seg := a.segments[slot/a.perSeg]
	off := (slot % a.perSeg) * a.pageSize
	return seg[off : off+a.pageSize : off+a.pageSize]
}

// Error represents a pagebuf failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "pagebuf: " + e.Op + ": " + e.Err.Error()
	}
	return "pagebuf: " + e.Op
}

func (e *Error) Unwrap() error { return e.Err }

type strErr string

func (e strErr) Error() string { return string(e) }

const (
	errBadSize   = strErr("page size and segment size must be nonzero")
	errExhausted = strErr("no free slot after growth")
)
