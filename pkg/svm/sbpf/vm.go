// Package sbpf models the memory map of the Solana Berkeley Packet Filter
// virtual machine.
//
// Memory is organized into four regions, each starting on a 4 GiB boundary:
// - Program (0x100000000): Read-only executable code
// - Stack   (0x200000000): Read-write stack frames
// - Heap    (0x300000000): Read-write heap memory
// - Input   (0x400000000): Serialized entrypoint parameters
//
// Programs hosted by this runtime see the heap and input regions through a
// MemoryMap and reach the host through Syscalls.
package sbpf

import (
	"errors"
	"unsafe"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000) // Read-only program code
	VaddrStack   = uint64(0x2_0000_0000) // Stack memory
	VaddrHeap    = uint64(0x3_0000_0000) // Heap memory
	VaddrInput   = uint64(0x4_0000_0000) // Input parameters
)

// Heap constants.
const (
	HeapDefault  = 32768  // 32 KB guaranteed heap
	HeapMax      = 262144 // 256 KB max heap
	HeapPageSize = 1024   // Unit in which extra heap is requested
)

// HostAlign is the alignment of every region's backing memory in host
// address space.
const HostAlign = 8

// Errors.
var (
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrUnknownSyscall      = errors.New("unknown syscall")
)

// VM is the view of the virtual machine handed to syscalls.
type VM interface {
	// Memory access
	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	// Memory translation
	Translate(addr uint64, size uint64, write bool) ([]byte, error)

	// HeapSize returns the size of the heap region granted to the invocation.
	HeapSize() uint64
}

// Syscall is the interface for host functions callable from programs.
type Syscall interface {
	// Invoke executes the syscall with the given arguments.
	// Arguments are passed in r1-r5, return value goes in r0.
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc is a function that implements Syscall.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallRegistry maps syscall hashes to implementations.
type SyscallRegistry func(hash uint32) (Syscall, bool)

// AlignedBytes returns a zeroed byte slice of length n whose first byte is
// HostAlign aligned.
//
// The runtime hands programs memory whose layout relies on 8-byte
// alignment; make([]byte) does not promise that.
func AlignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+HostAlign-1)/HostAlign)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// IsAligned reports whether b starts at a HostAlign aligned host address.
func IsAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%HostAlign == 0
}
