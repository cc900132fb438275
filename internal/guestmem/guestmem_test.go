package guestmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionsCoverage(t *testing.T) {
	sizes := []uint64{16 << 20, 256 << 20, 2 << 30, 4 << 30, 8 << 30}
	for _, sz := range sizes {
		regions := Regions(sz)
		if sz <= GapStart {
			require.Len(t, regions, 1, "size %d", sz)
			assert.Equal(t, uint64(0), regions[0].GuestPhysAddr)
			assert.Equal(t, sz, regions[0].Size)
			continue
		}
		require.Len(t, regions, 2, "size %d", sz)
		assert.Equal(t, uint64(0), regions[0].GuestPhysAddr)
		assert.Equal(t, GapStart, regions[0].Size)
		assert.Equal(t, GapStart+GapSize, regions[1].GuestPhysAddr)
		assert.Equal(t, sz-GapStart, regions[1].Size)

		// the regions exactly cover [0, sz) once the hole is excised
		covered := regions[0].Size + regions[1].Size
		assert.Equal(t, sz, covered)
	}
}

func TestClamp(t *testing.T) {
	actual, clamped := Clamp(1 << 20)
	assert.True(t, clamped)
	assert.Equal(t, uint64(MinSize), actual)

	actual, clamped = Clamp(256 << 20)
	assert.False(t, clamped)
	assert.Equal(t, uint64(256<<20), actual)
}

func TestSpan(t *testing.T) {
	assert.Equal(t, uint64(256<<20), Span(256<<20))
	big := uint64(4) << 30
	assert.Equal(t, big+GapSize, Span(big))
}

// TestCloseIsIdempotent backs property 9: tearing down a GuestSpace
// twice must not panic or double-unmap.
func TestCloseIsIdempotent(t *testing.T) {
	mem, err := New(MinSize, false, false)
	require.NoError(t, err)
	require.NoError(t, mem.Close())
	require.NoError(t, mem.Close())
}

func TestBytesAndCStringRoundTrip(t *testing.T) {
	mem, err := New(MinSize, false, false)
	require.NoError(t, err)
	defer mem.Close()

	buf, err := mem.Bytes(0x1000, 6)
	require.NoError(t, err)
	copy(buf, "hello\x00")

	s, err := mem.CString(0x1000)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	_, err = mem.Bytes(GapStart, 4)
	assert.Error(t, err)
}
