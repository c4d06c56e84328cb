//go:build !unix

package pagebuf

// Heap fallback for platforms without the unix mmap surface.

func mapSegment(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapSegment(seg []byte) error {
	return nil
}
