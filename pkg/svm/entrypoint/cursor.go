package entrypoint

import (
	"fmt"
	"unsafe"
)

// RawCursor reads sequentially from a buffer identified only by its start.
//
// A cursor created by NewRawCursor checks neither bounds nor alignment. The
// caller guarantees that the buffer holds what is being read, which is the
// case for input laid out by the runtime. A cursor created by newSliceCursor
// knows where its slice ends and panics on reads past it; walkers over
// slices call fits first and stop instead.
type RawCursor struct {
	ptr unsafe.Pointer
	end unsafe.Pointer
}

// NewRawCursor returns a cursor positioned at p.
func NewRawCursor(p unsafe.Pointer) RawCursor {
	return RawCursor{ptr: p}
}

// newSliceCursor returns a cursor over b which remembers where b ends.
func newSliceCursor(b []byte) RawCursor {
	p := unsafe.Pointer(unsafe.SliceData(b))
	return RawCursor{ptr: p, end: unsafe.Add(p, len(b))}
}

// Pos returns the current position.
func (c *RawCursor) Pos() unsafe.Pointer {
	return c.ptr
}

// fits reports whether n more bytes can be read. Raw cursors have no end
// and always fit.
func (c *RawCursor) fits(n uintptr) bool {
	return c.end == nil || n <= uintptr(c.end)-uintptr(c.ptr)
}

// sliceFits reports whether GetSlice would stay within the buffer.
func (c *RawCursor) sliceFits() bool {
	if c.end == nil {
		return true
	}
	if !c.fits(8) {
		return false
	}
	n := *(*uint64)(c.ptr)
	return n <= uint64(uintptr(c.end)-uintptr(c.ptr)-8)
}

// alignPad returns the bytes Align(n) would skip.
func (c *RawCursor) alignPad(n uintptr) uintptr {
	return (n - uintptr(c.ptr)%n) % n
}

// GetRaw returns the current position and advances the cursor by n bytes.
//
// There must be n bytes remaining in the buffer.
func (c *RawCursor) GetRaw(n uintptr) unsafe.Pointer {
	if !c.fits(n) {
		panic(fmt.Sprintf("entrypoint: read of %d bytes past end of input", n))
	}
	p := c.ptr
	c.ptr = unsafe.Add(p, n)
	return p
}

// Get returns a pointer to the T at the cursor and advances past it.
//
// There must be room for a T, the position must be aligned for T and the
// bytes must be a valid T.
func Get[T any](c *RawCursor) *T {
	var v T
	return (*T)(c.GetRaw(unsafe.Sizeof(v)))
}

// GetSlice reads a u64 length and returns that many following bytes,
// advancing past both.
//
// The position must be aligned for u64 and the buffer must hold the length
// and the bytes.
func (c *RawCursor) GetSlice() []byte {
	n := uintptr(*Get[uint64](c))
	p := c.GetRaw(n)
	return unsafe.Slice((*byte)(p), n)
}

// Align advances the cursor to the next address that is a multiple of n,
// which must be a power of two.
func (c *RawCursor) Align(n uintptr) {
	c.GetRaw(c.alignPad(n))
}
