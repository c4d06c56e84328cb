// Package fastmap provides a small open-addressed hash map for page numbers.
// Fibonacci hashing spreads the mostly-sequential page numbers a buffer
// manager produces; linear probing keeps lookups cache-friendly.
package fastmap

import "unsafe"

// Map is a hash map from uint32 page numbers to unsafe.Pointer values.
// The zero value is ready to use. Not safe for concurrent use; callers
// hold their own lock.
type Map struct {
	buckets []bucket
	count   int
	mask    uint32
}

type bucket struct {
	key   uint32
	value unsafe.Pointer
	used  bool // key 0 is a valid page number
}

// Fibonacci hash constant: 2^32 / golden ratio.
const fibHash32 = 2654435769

func (m *Map) hash(key uint32) uint32 {
	return key * fibHash32
}

// Get returns the value for key, or nil if absent.
func (m *Map) Get(key uint32) unsafe.Pointer {
	if len(m.buckets) == 0 {
		return nil
	}
	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return nil
		}
		if b.key == key {
			return b.value
		}
		idx = (idx + 1) & m.mask
	}
}

// Set stores a key-value pair, replacing any existing value.
func (m *Map) Set(key uint32, value unsafe.Pointer) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket, 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// Delete removes key from the map. Uses backward-shift deletion so no
// tombstones accumulate under the frame-table's churn.
func (m *Map) Delete(key uint32) {
	if len(m.buckets) == 0 {
		return
	}
	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return
		}
		if b.key == key {
			break
		}
		idx = (idx + 1) & m.mask
	}

	// Shift the following cluster back over the hole.
	hole := idx
	for {
		idx = (idx + 1) & m.mask
		b := &m.buckets[idx]
		if !b.used {
			break
		}
		home := m.hash(b.key) & m.mask
		// b may move into the hole only if its home position does not lie
		// strictly between the hole and its current slot.
		if ((idx - home) & m.mask) >= ((idx - hole) & m.mask) {
			m.buckets[hole] = *b
			hole = idx
		}
	}
	m.buckets[hole] = bucket{}
	m.count--
}

func (m *Map) grow() {
	oldBuckets := m.buckets
	newSize := len(oldBuckets) * 2
	m.buckets = make([]bucket, newSize)
	m.mask = uint32(newSize - 1)
	m.count = 0

	for i := range oldBuckets {
		if oldBuckets[i].used {
			m.Set(oldBuckets[i].key, oldBuckets[i].value)
		}
	}
}

// ForEach calls fn for every key-value pair.
func (m *Map) ForEach(fn func(uint32, unsafe.Pointer)) {
	for i := range m.buckets {
		if m.buckets[i].used {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return m.count
}
