package sbpf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAlignedBytes tests host alignment of region backing memory.
func TestAlignedBytes(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 33, 4096} {
		b := AlignedBytes(n)
		assert.Len(t, b, n)
		assert.True(t, IsAligned(b), "size %d", n)
	}

	b := AlignedBytes(16)
	assert.False(t, IsAligned(b[1:]))
}

// TestMemoryMapHeapSize tests heap size clamping.
func TestMemoryMapHeapSize(t *testing.T) {
	tests := []struct {
		name string
		size uint64
		want uint64
	}{
		{"zero uses default", 0, HeapDefault},
		{"below default", 1024, HeapDefault},
		{"requested", 64 * 1024, 64 * 1024},
		{"above max", HeapMax + 1024, HeapMax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemoryMap(nil, tt.size)
			assert.Equal(t, tt.want, m.HeapSize())
		})
	}
}

// TestMemoryMapTranslate tests region translation and bounds.
func TestMemoryMapTranslate(t *testing.T) {
	input := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	m := NewMemoryMap(input, HeapDefault)
	assert.True(t, IsAligned(m.Input()))

	v, err := m.Read8(VaddrInput + 8)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), v)

	_, err = m.Translate(VaddrInput+8, 2, false)
	assert.True(t, errors.Is(err, ErrInvalidMemoryAccess))

	// Last byte of the heap is addressable, one past it is not.
	require.NoError(t, m.Write8(VaddrHeap+HeapDefault-1, 0xAB))
	_, err = m.Translate(VaddrHeap+HeapDefault-1, 2, true)
	assert.ErrorIs(t, err, ErrInvalidMemoryAccess)

	_, err = m.Translate(VaddrStack, 8, false)
	assert.ErrorIs(t, err, ErrInvalidMemoryAccess)

	_, err = m.Translate(0, 1, false)
	assert.ErrorIs(t, err, ErrInvalidMemoryAccess)

	_, err = m.Translate(VaddrHeap+0xFFFFFFFF, ^uint64(0), false)
	assert.ErrorIs(t, err, ErrInvalidMemoryAccess)
}

// TestMemoryMapReadWrite tests little-endian accessors.
func TestMemoryMapReadWrite(t *testing.T) {
	m := NewMemoryMap(nil, HeapDefault)

	require.NoError(t, m.Write64(VaddrHeap+16, 0x0102030405060708))
	v64, err := m.Read64(VaddrHeap + 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)

	v8, err := m.Read8(VaddrHeap + 16)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x08), v8)

	require.NoError(t, m.Write32(VaddrHeap+32, 0xDEADBEEF))
	v32, err := m.Read32(VaddrHeap + 32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)

	require.NoError(t, m.Write(VaddrHeap+40, []byte("abc")))
	buf := make([]byte, 3)
	require.NoError(t, m.Read(VaddrHeap+40, buf))
	assert.Equal(t, "abc", string(buf))
}
