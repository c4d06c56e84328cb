package pagestore

import (
	"encoding/binary"
	"io"
	"os"
)

// Journal file layout, all little-endian:
//
//	magic     uint32
//	pageSize  uint32
//	count     uint32
//	count times:
//	  pgno    uint32
//	  image   pageSize bytes
//	commit    uint32
//
// The commit word is written last; a journal without it is a crashed Sync
// that never finished journaling and is discarded on Open.
const (
	journalMagic  uint32 = 0x43425457 // "CBTW"
	journalCommit uint32 = 0x434F4D54 // "COMT"
)

func journalPath(path string) string {
	return path + ".wal"
}

func (s *File) writeJournal(dirty []*frame) error {
	jp := journalPath(s.path)
	jf, err := os.OpenFile(jp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &Error{Op: "journal", Pgno: noPage, Err: err}
	}
	defer jf.Close()

	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], journalMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(s.pageSize))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(dirty)))
	if _, err := jf.Write(hdr[:]); err != nil {
		return &Error{Op: "journal", Pgno: noPage, Err: err}
	}

	var word [4]byte
	for _, fr := range dirty {
		binary.LittleEndian.PutUint32(word[:], fr.pgno)
		if _, err := jf.Write(word[:]); err != nil {
			return &Error{Op: "journal", Pgno: fr.pgno, Err: err}
		}
		if err := writeFrameImage(jf, fr); err != nil {
			return &Error{Op: "journal", Pgno: fr.pgno, Err: err}
		}
	}

	binary.LittleEndian.PutUint32(word[:], journalCommit)
	if _, err := jf.Write(word[:]); err != nil {
		return &Error{Op: "journal", Pgno: noPage, Err: err}
	}
	if err := jf.Sync(); err != nil {
		return &Error{Op: "journal", Pgno: noPage, Err: err}
	}
	return nil
}

// writeFrameImage copies the page image out under the frame's read latch,
// so the journal never records a half-written page.
func writeFrameImage(w io.Writer, fr *frame) error {
	fr.latch.RLock()
	defer fr.latch.RUnlock()
	_, err := w.Write(fr.buf)
	return err
}

// replayJournal applies a committed journal left over from a crashed Sync.
// An incomplete or mismatched journal is removed without touching the data
// file; the pages it covered were still intact there.
func replayJournal(f *os.File, path string, pageSize int) error {
	jp := journalPath(path)
	jf, err := os.Open(jp)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &Error{Op: "replay", Pgno: noPage, Err: err}
	}

	entries, ok := readJournal(jf, pageSize)
	jf.Close()
	if !ok {
		return removeJournal(jp)
	}

	for pg, image := range entries {
		off := int64(pg) * int64(pageSize)
		if _, err := f.WriteAt(image, off); err != nil {
			return &Error{Op: "replay", Pgno: pg, Err: err}
		}
	}
	if err := f.Sync(); err != nil {
		return &Error{Op: "replay", Pgno: noPage, Err: err}
	}
	return removeJournal(jp)
}

func removeJournal(jp string) error {
	if err := os.Remove(jp); err != nil {
		return &Error{Op: "replay", Pgno: noPage, Err: err}
	}
	return nil
}

// readJournal parses a journal, returning its page images only when the
// header checks out and the commit word is present.
func readJournal(jf *os.File, pageSize int) (map[uint32][]byte, bool) {
	var hdr [12]byte
	if _, err := io.ReadFull(jf, hdr[:]); err != nil {
		return nil, false
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != journalMagic {
		return nil, false
	}
	if binary.LittleEndian.Uint32(hdr[4:]) != uint32(pageSize) {
		return nil, false
	}
	count := binary.LittleEndian.Uint32(hdr[8:])

	entries := make(map[uint32][]byte, count)
	var word [4]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(jf, word[:]); err != nil {
			return nil, false
		}
		pg := binary.LittleEndian.Uint32(word[:])
		image := make([]byte, pageSize)
		if _, err := io.ReadFull(jf, image); err != nil {
			return nil, false
		}
		entries[pg] = image
	}
	if _, err := io.ReadFull(jf, word[:]); err != nil {
		return nil, false
	}
	if binary.LittleEndian.Uint32(word[:]) != journalCommit {
		return nil, false
	}
	return entries, true
}
