package pagebuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFree(t *testing.T) {
	a, err := New(128, 4)
	require.NoError(t, err)
	defer a.Close()

	buf, slot, err := a.Alloc()
	require.NoError(t, err)
	require.Len(t, buf, 128)
	require.NotEqual(t, InvalidSlot, slot)
	require.Equal(t, uint32(1), a.InUse())

	for _, c := range buf {
		require.Zero(t, c)
	}
	buf[0] = 0xFF
	a.Free(slot)
	require.Equal(t, uint32(0), a.InUse())

	// the slot comes back zeroed on reuse
	buf2, slot2, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, slot, slot2)
	require.Zero(t, buf2[0])
}

func TestGrowth(t *testing.T) {
	a, err := New(64, 2)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, uint32(2), a.Cap())

	slots := make([]Slot, 0, 7)
	for i := 0; i < 7; i++ {
		buf, slot, err := a.Alloc()
		require.NoError(t, err)
		buf[0] = byte(i)
		slots = append(slots, slot)
	}
	require.Equal(t, uint32(7), a.InUse())
	require.GreaterOrEqual(t, a.Cap(), uint32(8))

	for _, s := range slots {
		a.Free(s)
	}
	require.Equal(t, uint32(0), a.InUse())
}

func TestBuffersDoNotOverlap(t *testing.T) {
	a, err := New(32, 8)
	require.NoError(t, err)
	defer a.Close()

	bufs := make([][]byte, 8)
	for i := range bufs {
		buf, _, err := a.Alloc()
		require.NoError(t, err)
		for j := range buf {
			buf[j] = byte(i)
		}
		bufs[i] = buf
	}
	for i, buf := range bufs {
		for _, c := range buf {
			require.Equal(t, byte(i), c, "buffer %d", i)
		}
	}
}

func TestBadSizes(t *testing.T) {
	_, err := New(0, 4)
	require.Error(t, err)
	_, err = New(128, 0)
	require.Error(t, err)
}
