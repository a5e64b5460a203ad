package heap

import (
	"fmt"
	"math"
)

// AlignUp rounds addr up to a multiple of align, which must be a power of
// two. The result wraps around on overflow; use alignUpChecked where that
// matters.
func AlignUp(addr, align uint64) uint64 {
	mask := align - 1
	if align == 0 || align&mask != 0 {
		panic(fmt.Sprintf("heap: alignment %d is not a power of two", align))
	}
	return (addr + mask) &^ mask
}

// alignUpChecked is AlignUp that reports overflow instead of wrapping.
func alignUpChecked(addr, align uint64) (uint64, bool) {
	if addr > math.MaxUint64-(align-1) {
		return 0, false
	}
	return AlignUp(addr, align), true
}

// EndOf returns the address one past an object of size bytes at addr.
func EndOf(addr, size uint64) uint64 {
	return addr + size
}

// Overlaps reports whether [a, a+aSize) and [b, b+bSize) share a byte.
// Empty ranges never overlap anything.
func Overlaps(a, aSize, b, bSize uint64) bool {
	if aSize == 0 || bSize == 0 {
		return false
	}
	return a < EndOf(b, bSize) && b < EndOf(a, aSize)
}

// AssertNoOverlap panics if the two ranges overlap.
func AssertNoOverlap(a, aSize, b, bSize uint64) {
	if Overlaps(a, aSize, b, bSize) {
		panic(fmt.Sprintf("heap: 0x%x..0x%x and 0x%x..0x%x overlap",
			a, EndOf(a, aSize), b, EndOf(b, bSize)))
	}
}

// Memcpy copies size bytes from src to dst in mem. The regions must not
// overlap.
func Memcpy(mem Memory, dst, src, size uint64) error {
	if size == 0 {
		return nil
	}
	AssertNoOverlap(dst, size, src, size)

	from, err := mem.Translate(src, size, false)
	if err != nil {
		return err
	}
	to, err := mem.Translate(dst, size, true)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}
