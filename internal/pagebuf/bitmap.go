package pagebuf

import "math/bits"

// bitmap tracks slot allocation with uint64 words.
type bitmap struct {
	words    []uint64
	numSlots uint32
	freeHint uint32 // where to start searching for a free slot
}

func newBitmap(numSlots uint32) *bitmap {
	return &bitmap{
		words:    make([]uint64, (numSlots+63)/64),
		numSlots: numSlots,
	}
}

// allocate finds and marks a free slot.
// Returns false if every slot is taken.
func (b *bitmap) allocate() (uint32, bool) {
	numWords := uint32(len(b.words))
	if numWords == 0 {
		return 0, false
	}

	startWord := b.freeHint / 64
	for i := uint32(0); i < numWords; i++ {
		wordIdx := (startWord + i) % numWords
		word := b.words[wordIdx]
		if word == ^uint64(0) {
			continue
		}
		bitPos := bits.TrailingZeros64(^word)
		slot := wordIdx*64 + uint32(bitPos)
		if slot >= b.numSlots {
			continue
		}
		b.words[wordIdx] |= 1 << bitPos
		b.freeHint = slot + 1
		return slot, true
	}
	return 0, false
}

// free marks a slot as available again.
func (b *bitmap) free(slot uint32) {
	if slot >= b.numSlots {
		return
	}
	b.words[slot/64] &^= 1 << (slot % 64)
	if slot < b.freeHint {
		b.freeHint = slot
	}
}

// extend grows the bitmap to track newCap slots.
func (b *bitmap) extend(newCap uint32) {
	if newCap <= b.numSlots {
		return
	}
	numWords := (newCap + 63) / 64
	if int(numWords) > len(b.words) {
		words := make([]uint64, numWords)
		copy(words, b.words)
		b.words = words
	}
	b.numSlots = newCap
}

// inUse returns the number of allocated slots.
func (b *bitmap) inUse() uint32 {
	var n uint32
	for _, w := range b.words {
		n += uint32(bits.OnesCount64(w))
	}
	return n
}
