//go:build unix

package pagebuf

import "golang.org/x/sys/unix"

func mapSegment(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapSegment(seg []byte) error {
	return unix.Munmap(seg)
}
