package entrypoint

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
)

func TestRawCursor(t *testing.T) {
	buf := sbpf.AlignedBytes(32)
	binary.LittleEndian.PutUint64(buf, 3)
	copy(buf[8:], "abc")
	binary.LittleEndian.PutUint64(buf[16:], 0x1122334455667788)

	c := newSliceCursor(buf)
	start := c.Pos()

	assert.Equal(t, "abc", string(c.GetSlice()))
	assert.Equal(t, uintptr(11), uintptr(c.Pos())-uintptr(start))

	c.Align(8)
	assert.Equal(t, uintptr(16), uintptr(c.Pos())-uintptr(start))
	c.Align(8)
	assert.Equal(t, uintptr(16), uintptr(c.Pos())-uintptr(start), "aligned position is unchanged")

	assert.Equal(t, uint64(0x1122334455667788), *Get[uint64](&c))

	raw := NewRawCursor(unsafe.Pointer(&buf[0]))
	p := raw.GetRaw(8)
	assert.Equal(t, unsafe.Pointer(&buf[0]), p)
	assert.Equal(t, unsafe.Pointer(&buf[8]), raw.Pos())
}

func TestSliceCursorBounds(t *testing.T) {
	buf := sbpf.AlignedBytes(24)
	binary.LittleEndian.PutUint64(buf, 1<<40)

	c := newSliceCursor(buf)
	assert.True(t, c.fits(24))
	assert.False(t, c.fits(25))
	assert.False(t, c.fits(^uintptr(0)))
	assert.False(t, c.sliceFits())
	assert.Panics(t, func() { c.GetSlice() })

	binary.LittleEndian.PutUint64(buf, 16)
	c = newSliceCursor(buf)
	assert.True(t, c.sliceFits())
	assert.Len(t, c.GetSlice(), 16)
	assert.True(t, c.fits(0))
	assert.False(t, c.sliceFits())
	assert.Panics(t, func() { c.GetRaw(1) })

	// Raw cursors have no end to check against.
	raw := NewRawCursor(unsafe.Pointer(&buf[0]))
	assert.True(t, raw.fits(^uintptr(0)))
	assert.True(t, raw.sliceFits())
}
