// Package heap implements a bump allocator for the sBPF heap region which
// does not assume a 32 KiB heap.
//
// The runtime's default allocator grows downward from a fixed 32 KiB mark and
// cannot use extra heap requested by the transaction. BumpAllocator starts at
// the heap start and grows upward until it runs into Bounds.Limit; touching
// memory beyond the heap actually granted faults, the way an overcommitted
// page does.
//
// The allocator keeps its state in a header at the front of the heap. The
// header also reserves a value of type G, which serves as process-wide
// mutable state for programs that cannot have mutable globals.
package heap

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
)

var (
	// ErrInvalidLayout is returned for a zero or non power of two alignment.
	ErrInvalidLayout = errors.New("invalid layout")

	// ErrInvalidBounds is returned when heap bounds are not ordered.
	ErrInvalidBounds = errors.New("invalid heap bounds")

	// ErrGlobalNotZeroable is returned when the global state type contains
	// Go pointers and so cannot live in zeroed VM memory.
	ErrGlobalNotZeroable = errors.New("global state type is not zeroable")

	// ErrHeapFault is returned when the allocator touches memory past the
	// heap granted to the invocation.
	ErrHeapFault = errors.New("heap fault")
)

// Memory is the address space the allocator manages.
type Memory interface {
	Translate(addr uint64, size uint64, write bool) ([]byte, error)
}

// Allocator is the allocation interface a program registers for its
// invocation.
type Allocator interface {
	Alloc(layout Layout) (uint64, error)
	Free(ptr uint64, layout Layout)
	Realloc(ptr uint64, layout Layout, newSize uint64) (uint64, error)
}

// Layout describes a requested block.
type Layout struct {
	Size  uint64
	Align uint64
}

// NewLayout returns a layout after checking that align is a power of two.
func NewLayout(size, align uint64) (Layout, error) {
	if align == 0 || align&(align-1) != 0 {
		return Layout{}, fmt.Errorf("%w: alignment %d", ErrInvalidLayout, align)
	}
	return Layout{Size: size, Align: align}, nil
}

// LayoutOf returns the layout of a T.
func LayoutOf[T any]() Layout {
	var v T
	return Layout{Size: uint64(unsafe.Sizeof(v)), Align: uint64(unsafe.Alignof(v))}
}

// Bounds describes the heap region.
type Bounds struct {
	// Start is the first address of the heap.
	Start uint64

	// SafeEnd is the end of the part of the heap guaranteed to exist.
	// The header must fit below it.
	SafeEnd uint64

	// Limit is the address past which there is definitely no heap.
	// Allocations never end beyond it.
	Limit uint64
}

// DefaultBounds returns the bounds used by a program that knows nothing
// about its heap size: the guaranteed 32 KiB is safe and the allocator may
// grow until the input region.
func DefaultBounds() Bounds {
	return Bounds{
		Start:   sbpf.VaddrHeap,
		SafeEnd: sbpf.VaddrHeap + sbpf.HeapDefault,
		Limit:   sbpf.VaddrInput,
	}
}

// BoundsForSize returns bounds for a heap known to be size bytes long.
func BoundsForSize(size uint64) Bounds {
	return Bounds{
		Start:   sbpf.VaddrHeap,
		SafeEnd: sbpf.VaddrHeap + size,
		Limit:   sbpf.VaddrHeap + size,
	}
}

// Options configures a BumpAllocator.
type Options struct {
	Bounds Bounds

	// Poke makes every allocation touch its last byte so that running past
	// the granted heap faults in Alloc rather than on first use.
	Poke bool
}

// DefaultOptions returns DefaultBounds with poking disabled.
func DefaultOptions() Options {
	return Options{Bounds: DefaultBounds()}
}

// header is stored at the first suitably aligned address of the heap.
// The heap starts zeroed, so endPos == 0 means nothing was allocated yet and
// global starts as G's zero value.
type header[G any] struct {
	endPos uint64
	global G
}

// BumpAllocator allocates from the heap by advancing a single end position.
//
// Only the most recent allocation can be freed or resized in place; any
// other free leaks. All state lives in heap memory, so allocators created
// over the same memory with the same G and bounds behave as one.
//
// BumpAllocator is not safe for concurrent use; an invocation is
// single-threaded.
type BumpAllocator[G any] struct {
	mem    Memory
	bounds Bounds
	poke   bool
}

// New creates an allocator over mem.
//
// G must not contain Go pointers: its value lives in VM memory that the
// garbage collector does not scan and starts out as zero bytes.
func New[G any](mem Memory, opts Options) (*BumpAllocator[G], error) {
	if err := checkZeroable(reflect.TypeOf((*G)(nil)).Elem()); err != nil {
		return nil, err
	}
	b := opts.Bounds
	if b.Start == 0 || b.Start > b.SafeEnd || b.SafeEnd > b.Limit {
		return nil, fmt.Errorf("%w: start 0x%x safe end 0x%x limit 0x%x", ErrInvalidBounds, b.Start, b.SafeEnd, b.Limit)
	}
	return &BumpAllocator[G]{mem: mem, bounds: b, poke: opts.Poke}, nil
}

// checkZeroable rejects types that cannot be produced by zeroing memory.
func checkZeroable(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkZeroable(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if err := checkZeroable(t.Field(i).Type); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has kind %s", ErrGlobalNotZeroable, t, t.Kind())
	}
}

// Bounds returns the heap bounds of the allocator.
func (a *BumpAllocator[G]) Bounds() Bounds {
	return a.bounds
}

// headerAddr returns the VM address of the header.
func (a *BumpAllocator[G]) headerAddr() uint64 {
	var h header[G]
	return AlignUp(a.bounds.Start, uint64(unsafe.Alignof(h)))
}

// HeaderEnd returns the first address past the header, where the first
// allocation starts before alignment.
func (a *BumpAllocator[G]) HeaderEnd() uint64 {
	var h header[G]
	return EndOf(a.headerAddr(), uint64(unsafe.Sizeof(h)))
}

// header returns the allocator header stored at the front of the heap.
//
// A header which does not fit in the safe part of the heap is a
// configuration error and panics.
func (a *BumpAllocator[G]) header() *header[G] {
	var h header[G]
	addr := a.headerAddr()
	size := uint64(unsafe.Sizeof(h))
	if EndOf(addr, size) > a.bounds.SafeEnd {
		panic(fmt.Sprintf("heap: global state too large (%d byte header, %d bytes safe)",
			size, a.bounds.SafeEnd-a.bounds.Start))
	}

	mem, err := a.mem.Translate(addr, size, true)
	if err != nil {
		panic(fmt.Sprintf("heap: header not addressable: %v", err))
	}
	p := unsafe.Pointer(unsafe.SliceData(mem))
	if uintptr(p)%unsafe.Alignof(h) != 0 {
		panic("heap: heap memory is not aligned in host address space")
	}
	return (*header[G])(p)
}

// updateEndPos aligns ptr to layout, checks that the block ends within the
// heap limit and, if so, moves the end position past it.
//
// Returns the aligned address, or 0 when the block does not fit.
func (a *BumpAllocator[G]) updateEndPos(h *header[G], ptr uint64, layout Layout) (uint64, error) {
	ptr, ok := alignUpChecked(ptr, layout.Align)
	if !ok || ptr > math.MaxUint64-layout.Size {
		return 0, nil
	}
	end := EndOf(ptr, layout.Size)
	if end > a.bounds.Limit {
		return 0, nil
	}
	if a.poke && layout.Size > 0 {
		if _, err := a.mem.Translate(end-1, 1, false); err != nil {
			return 0, fmt.Errorf("%w: allocation 0x%x..0x%x: %v", ErrHeapFault, ptr, end, err)
		}
	}
	h.endPos = end
	return ptr, nil
}

// Global returns the global state reserved at the front of the heap.
//
// The value starts zeroed and lives as long as the heap does.
func (a *BumpAllocator[G]) Global() *G {
	return &a.header().global
}

// EndPos returns the current end of allocated memory, or 0 if nothing has
// been allocated yet.
func (a *BumpAllocator[G]) EndPos() uint64 {
	return a.header().endPos
}

// Alloc allocates a block described by layout.
//
// Returns 0 with a nil error when the block does not fit below the heap
// limit. Callers must treat that as out of memory.
func (a *BumpAllocator[G]) Alloc(layout Layout) (uint64, error) {
	h := a.header()
	ptr := h.endPos
	if ptr == 0 {
		ptr = a.HeaderEnd()
	}
	return a.updateEndPos(h, ptr, layout)
}

// Free releases a block. Only the most recent allocation is reclaimed;
// anything else leaks.
func (a *BumpAllocator[G]) Free(ptr uint64, layout Layout) {
	h := a.header()
	if EndOf(ptr, layout.Size) == h.endPos {
		h.endPos = ptr
	}
}

// Realloc resizes the block at ptr to newSize bytes.
//
// The most recent allocation is resized in place. Shrinking any other block
// returns it unchanged. Growing any other block allocates a new one at the
// end of the heap and copies the old contents. If the copy faults nothing
// is allocated.
func (a *BumpAllocator[G]) Realloc(ptr uint64, layout Layout, newSize uint64) (uint64, error) {
	newLayout := Layout{Size: newSize, Align: layout.Align}
	h := a.header()
	tail := h.endPos

	switch {
	case EndOf(ptr, layout.Size) == tail:
		return a.updateEndPos(h, ptr, newLayout)
	case newSize <= layout.Size:
		return ptr, nil
	default:
		newPtr, err := a.updateEndPos(h, tail, newLayout)
		if err != nil || newPtr == 0 {
			return newPtr, err
		}
		// The new block starts at or past the old tail, which lies past the
		// end of the old block.
		if err := Memcpy(a.mem, newPtr, ptr, layout.Size); err != nil {
			h.endPos = tail
			return 0, fmt.Errorf("%w: %v", ErrHeapFault, err)
		}
		return newPtr, nil
	}
}

var _ Allocator = (*BumpAllocator[struct{}])(nil)
