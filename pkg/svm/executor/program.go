package executor

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm"
	"github.com/fortiblox/stratus-heap/pkg/svm/entrypoint"
	"github.com/fortiblox/stratus-heap/pkg/svm/heap"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-heap/pkg/svm/syscall"
)

// ErrAllocatorInstalled is returned when a program installs a second
// allocator for the same invocation.
var ErrAllocatorInstalled = errors.New("allocator already installed")

// Program is a program hosted by the executor.
//
// Execute sees the invocation the way an on-chain program sees the VM: the
// serialized input at sbpf.VaddrInput, the heap at sbpf.VaddrHeap and the
// syscalls. A non-nil error fails the instruction.
type Program interface {
	Execute(inv *Invocation) error
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(inv *Invocation) error

// Execute implements Program.
func (f ProgramFunc) Execute(inv *Invocation) error {
	return f(inv)
}

// Invocation is one program invocation. It implements
// syscall.InvokeContext.
type Invocation struct {
	programID types.Pubkey
	data      []byte
	mem       *sbpf.MemoryMap
	meter     *svm.ComputeMeter
	syscalls  *syscall.Registry
	poke      bool
	alloc     heap.Allocator
	logs      []string
}

func newInvocation(programID types.Pubkey, data []byte, mem *sbpf.MemoryMap, meter *svm.ComputeMeter, poke bool) *Invocation {
	inv := &Invocation{
		programID: programID,
		data:      data,
		mem:       mem,
		meter:     meter,
		poke:      poke,
	}
	inv.syscalls = syscall.NewRegistry(inv)
	return inv
}

// ProgramID returns the id of the executing program.
func (inv *Invocation) ProgramID() types.Pubkey {
	return inv.programID
}

// Data returns the instruction data.
func (inv *Invocation) Data() []byte {
	return inv.data
}

// Memory returns the VM memory of the invocation.
func (inv *Invocation) Memory() *sbpf.MemoryMap {
	return inv.mem
}

// Input returns a pointer to the serialized input, which is 8-byte
// aligned. It is the address the program entrypoint receives.
func (inv *Invocation) Input() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(inv.mem.Input()))
}

// Syscall invokes the syscall called name.
func (inv *Invocation) Syscall(name string, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return inv.syscalls.Invoke(inv.mem, name, r1, r2, r3, r4, r5)
}

// Log implements syscall.InvokeContext.
func (inv *Invocation) Log(msg string) {
	inv.logs = append(inv.logs, "Program log: "+msg)
}

// LogData implements syscall.InvokeContext.
func (inv *Invocation) LogData(data [][]byte) {
	for _, d := range data {
		inv.logs = append(inv.logs, fmt.Sprintf("Program data: %x", d))
	}
}

// ConsumeCU implements syscall.InvokeContext.
func (inv *Invocation) ConsumeCU(cost uint64) error {
	return inv.meter.Consume(cost)
}

// RemainingCU implements syscall.InvokeContext.
func (inv *Invocation) RemainingCU() uint64 {
	return inv.meter.Remaining()
}

// Allocator implements syscall.InvokeContext. If the program has not
// installed an allocator, one without global state is installed.
func (inv *Invocation) Allocator() (heap.Allocator, error) {
	if inv.alloc == nil {
		if _, err := InstallAllocator[struct{}](inv); err != nil {
			return nil, err
		}
	}
	return inv.alloc, nil
}

// InstallAllocator creates the allocator of the invocation and registers
// it for sol_alloc_free_.
//
// The allocator is sized from the heap the transaction requested, which it
// finds in the input region. Without a request it assumes the default heap
// is safe and may grow until the input region. A program installs at most
// one allocator per invocation; later calls fail with
// ErrAllocatorInstalled.
func InstallAllocator[G any](inv *Invocation) (*heap.BumpAllocator[G], error) {
	if inv.alloc != nil {
		return nil, ErrAllocatorInstalled
	}

	opts := heap.DefaultOptions()
	opts.Poke = inv.poke
	if size, ok := entrypoint.ExtractHeapSize(inv.Input()); ok {
		opts.Bounds = heap.BoundsForSize(size)
	}

	a, err := heap.New[G](inv.mem, opts)
	if err != nil {
		return nil, err
	}
	inv.alloc = a
	return a, nil
}

var _ syscall.InvokeContext = (*Invocation)(nil)
