package sbpf

import (
	"encoding/binary"
	"fmt"
)

// MemoryMap holds the host memory backing the heap and input regions of a
// single program invocation.
//
// Both regions are zero-initialized and HostAlign aligned. The heap is fixed
// in size for the lifetime of the invocation; nothing grows it.
type MemoryMap struct {
	heap  []byte
	input []byte
}

// NewMemoryMap creates a memory map with a zeroed heap of heapSize bytes.
//
// heapSize is clamped to [HeapDefault, HeapMax]. input is used in place when
// it is already aligned, otherwise it is copied into aligned memory.
func NewMemoryMap(input []byte, heapSize uint64) *MemoryMap {
	if heapSize < HeapDefault {
		heapSize = HeapDefault
	}
	if heapSize > HeapMax {
		heapSize = HeapMax
	}

	if !IsAligned(input) {
		aligned := AlignedBytes(len(input))
		copy(aligned, input)
		input = aligned
	}

	return &MemoryMap{
		heap:  AlignedBytes(int(heapSize)),
		input: input,
	}
}

// HeapSize returns the size of the heap region.
func (m *MemoryMap) HeapSize() uint64 {
	return uint64(len(m.heap))
}

// Input returns the backing memory of the input region.
func (m *MemoryMap) Input() []byte {
	return m.input
}

// Translate converts a virtual address to a memory slice.
func (m *MemoryMap) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	hi := addr >> 32
	lo := addr & 0xFFFFFFFF

	// Check for integer overflow in address calculation
	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}
	end := lo + size

	switch hi {
	case VaddrHeap >> 32:
		heapLen := uint64(len(m.heap))
		if end > heapLen {
			return nil, fmt.Errorf("%w: heap access at 0x%x (size %d, heap size %d)", ErrInvalidMemoryAccess, addr, size, heapLen)
		}
		return m.heap[lo:end], nil

	case VaddrInput >> 32:
		// Account data in the input region is writable by the program.
		inputLen := uint64(len(m.input))
		if end > inputLen {
			return nil, fmt.Errorf("%w: access beyond input segment at 0x%x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, inputLen)
		}
		return m.input[lo:end], nil

	case VaddrProgram >> 32, VaddrStack >> 32:
		return nil, fmt.Errorf("%w: region at 0x%x is not mapped for host programs", ErrInvalidMemoryAccess, addr)

	default:
		return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrInvalidMemoryAccess, addr)
	}
}

// Read reads bytes from virtual memory.
func (m *MemoryMap) Read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from virtual memory.
func (m *MemoryMap) Read8(addr uint64) (uint8, error) {
	mem, err := m.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read32 reads a 32-bit value from virtual memory (little-endian).
func (m *MemoryMap) Read32(addr uint64) (uint32, error) {
	mem, err := m.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a 64-bit value from virtual memory (little-endian).
func (m *MemoryMap) Read64(addr uint64) (uint64, error) {
	mem, err := m.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write writes bytes to virtual memory.
func (m *MemoryMap) Write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to virtual memory.
func (m *MemoryMap) Write8(addr uint64, x uint8) error {
	mem, err := m.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write32 writes a 32-bit value to virtual memory (little-endian).
func (m *MemoryMap) Write32(addr uint64, x uint32) error {
	mem, err := m.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a 64-bit value to virtual memory (little-endian).
func (m *MemoryMap) Write64(addr uint64, x uint64) error {
	mem, err := m.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}

var _ VM = (*MemoryMap)(nil)
