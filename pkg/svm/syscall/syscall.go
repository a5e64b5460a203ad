// Package syscall implements the syscalls available to hosted programs.
//
// Syscalls are host functions callable from programs. Each syscall is
// identified by the murmur3 hash of its name. Arguments are passed in
// registers r1-r5, and the return value is placed in r0.
package syscall

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/spaolacci/murmur3"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm"
	"github.com/fortiblox/stratus-heap/pkg/svm/heap"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
)

// Syscall errors.
var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCopyOverlapping = errors.New("overlapping copy")
	ErrNoAllocator     = errors.New("no allocator registered")
	ErrAbort           = errors.New("program aborted")
	ErrPanic           = errors.New("program panicked")
)

// Compute costs for syscalls not covered by the shared budget.
const (
	CULogBase    = uint64(100)
	CULogPerByte = uint64(1)
	CULogPubkey  = uint64(100)
	CULog64      = uint64(100)
)

// Maximum sizes.
const (
	MaxLogMsgLen = 10000            // Maximum log message length
	MaxMemOpSize = 10 * 1024 * 1024 // Maximum memory operation size (10 MB)
	MaxSlices    = 100              // Maximum slices for log data and hashing
)

// AllocAlign is the alignment of blocks returned by sol_alloc_free_.
const AllocAlign = 8

// InvokeContext provides execution context to syscalls.
type InvokeContext interface {
	// Logging
	Log(msg string)
	LogData(data [][]byte)

	// Compute metering
	ConsumeCU(cost uint64) error
	RemainingCU() uint64

	// Allocator returns the allocator registered for the invocation.
	Allocator() (heap.Allocator, error)
}

// Registry holds all registered syscalls.
type Registry struct {
	syscalls map[uint32]sbpf.Syscall
	names    map[uint32]string
}

// NewRegistry creates a new syscall registry with all standard syscalls.
func NewRegistry(ctx InvokeContext) *Registry {
	r := &Registry{
		syscalls: make(map[uint32]sbpf.Syscall),
		names:    make(map[uint32]string),
	}

	r.registerLogging(ctx)
	r.registerMemory(ctx)
	r.registerCrypto(ctx)
	r.registerMisc()

	return r
}

// Get returns a syscall by its hash.
func (r *Registry) Get(hash uint32) (sbpf.Syscall, bool) {
	sc, ok := r.syscalls[hash]
	return sc, ok
}

// Name returns the name a hash was registered under.
func (r *Registry) Name(hash uint32) (string, bool) {
	name, ok := r.names[hash]
	return name, ok
}

// Lookup returns the registry lookup function.
func (r *Registry) Lookup() sbpf.SyscallRegistry {
	return r.Get
}

// Invoke calls the syscall registered under name.
func (r *Registry) Invoke(vm sbpf.VM, name string, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	sc, ok := r.Get(Hash(name))
	if !ok {
		return 0, fmt.Errorf("%w: %s", sbpf.ErrUnknownSyscall, name)
	}
	return sc.Invoke(vm, r1, r2, r3, r4, r5)
}

// register adds a syscall to the registry.
func (r *Registry) register(name string, fn sbpf.SyscallFunc) {
	h := Hash(name)
	if prev, ok := r.names[h]; ok {
		panic(fmt.Sprintf("syscall: %s collides with %s", name, prev))
	}
	r.syscalls[h] = fn
	r.names[h] = name
}

// Hash returns the identifier of the syscall called name.
func Hash(name string) uint32 {
	return murmur3.Sum32([]byte(name))
}

// registerLogging registers logging syscalls.
func (r *Registry) registerLogging(ctx InvokeContext) {
	// sol_log_ - log a message
	r.register("sol_log_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		msgLen := r2
		if msgLen > MaxLogMsgLen {
			msgLen = MaxLogMsgLen
		}

		if err := ctx.ConsumeCU(CULogBase + CULogPerByte*msgLen); err != nil {
			return 0, err
		}

		msg := make([]byte, msgLen)
		if err := vm.Read(r1, msg); err != nil {
			return 0, err
		}

		ctx.Log(string(msg))
		return 0, nil
	})

	// sol_log_64_ - log 5 integers
	r.register("sol_log_64_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(CULog64); err != nil {
			return 0, err
		}

		ctx.Log(fmt.Sprintf("%#x, %#x, %#x, %#x, %#x", r1, r2, r3, r4, r5))
		return 0, nil
	})

	// sol_log_pubkey - log a pubkey
	r.register("sol_log_pubkey", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(CULogPubkey); err != nil {
			return 0, err
		}

		var key types.Pubkey
		if err := vm.Read(r1, key[:]); err != nil {
			return 0, err
		}

		ctx.Log(key.String())
		return 0, nil
	})

	// sol_log_compute_units_ - log remaining compute units
	r.register("sol_log_compute_units_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUSyscallBase); err != nil {
			return 0, err
		}

		ctx.Log(fmt.Sprintf("Program consumption: %d units remaining", ctx.RemainingCU()))
		return 0, nil
	})

	// sol_log_data - log arbitrary data slices
	r.register("sol_log_data", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 == 0 || r2 > MaxSlices {
			return 0, ErrInvalidArgument
		}

		if err := ctx.ConsumeCU(CULogBase); err != nil {
			return 0, err
		}

		data := make([][]byte, 0, r2)
		err := readSlices(vm, r1, r2, func(ptr, length uint64) error {
			if length > MaxLogMsgLen {
				return ErrInvalidLength
			}
			if err := ctx.ConsumeCU(CULogPerByte * length); err != nil {
				return err
			}
			slice := make([]byte, length)
			if err := vm.Read(ptr, slice); err != nil {
				return err
			}
			data = append(data, slice)
			return nil
		})
		if err != nil {
			return 0, err
		}

		ctx.LogData(data)
		return 0, nil
	})
}

// consumeMemOp charges for a memory syscall over n bytes.
func consumeMemOp(ctx InvokeContext, n uint64) error {
	if n > MaxMemOpSize {
		return ErrInvalidLength
	}
	return ctx.ConsumeCU(svm.CUMemoryOpBase + svm.CUMemoryOpPerByte*n)
}

// registerMemory registers memory syscalls.
func (r *Registry) registerMemory(ctx InvokeContext) {
	// sol_memcpy_ - copy between non-overlapping regions
	r.register("sol_memcpy_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, src, n := r1, r2, r3
		if err := consumeMemOp(ctx, n); err != nil {
			return 0, err
		}
		if heap.Overlaps(dst, n, src, n) {
			return 0, ErrCopyOverlapping
		}
		return 0, heap.Memcpy(vm, dst, src, n)
	})

	// sol_memmove_ - copy between possibly overlapping regions
	r.register("sol_memmove_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, src, n := r1, r2, r3
		if err := consumeMemOp(ctx, n); err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}

		from, err := vm.Translate(src, n, false)
		if err != nil {
			return 0, err
		}
		to, err := vm.Translate(dst, n, true)
		if err != nil {
			return 0, err
		}
		copy(to, from)
		return 0, nil
	})

	// sol_memset_ - set memory to a value
	r.register("sol_memset_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, val, n := r1, uint8(r2), r3
		if err := consumeMemOp(ctx, n); err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}

		to, err := vm.Translate(dst, n, true)
		if err != nil {
			return 0, err
		}
		for i := range to {
			to[i] = val
		}
		return 0, nil
	})

	// sol_memcmp_ - compare memory, storing the result at r4
	r.register("sol_memcmp_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		addr1, addr2, n, resultAddr := r1, r2, r3, r4
		if err := consumeMemOp(ctx, n); err != nil {
			return 0, err
		}

		var result int32
		if n > 0 {
			a, err := vm.Translate(addr1, n, false)
			if err != nil {
				return 0, err
			}
			b, err := vm.Translate(addr2, n, false)
			if err != nil {
				return 0, err
			}
			for i := range a {
				if a[i] != b[i] {
					result = int32(a[i]) - int32(b[i])
					break
				}
			}
		}

		return 0, vm.Write32(resultAddr, uint32(result))
	})

	// sol_alloc_free_ - allocate r1 bytes, or free the block at r2
	r.register("sol_alloc_free_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		size, freeAddr := r1, r2

		if err := ctx.ConsumeCU(svm.CUSyscallBase); err != nil {
			return 0, err
		}

		alloc, err := ctx.Allocator()
		if err != nil {
			return 0, err
		}
		if alloc == nil {
			return 0, ErrNoAllocator
		}

		layout := heap.Layout{Size: size, Align: AllocAlign}
		if freeAddr != 0 {
			alloc.Free(freeAddr, layout)
			return 0, nil
		}
		// A null pointer in r0 is out of memory.
		return alloc.Alloc(layout)
	})
}

// readSlices calls fn with each (ptr, len) pair of the n element slice
// descriptor array at addr.
func readSlices(vm sbpf.VM, addr, n uint64, fn func(ptr, length uint64) error) error {
	for i := uint64(0); i < n; i++ {
		ptr, err := vm.Read64(addr + i*16)
		if err != nil {
			return err
		}
		length, err := vm.Read64(addr + i*16 + 8)
		if err != nil {
			return err
		}
		if err := fn(ptr, length); err != nil {
			return err
		}
	}
	return nil
}

// hashSyscall returns a syscall hashing r2 slices described at r1 into the
// 32 bytes at r3.
func hashSyscall(ctx InvokeContext, newHash func() hash.Hash, base, perByte uint64) sbpf.SyscallFunc {
	return func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		numSlices, resultAddr := r2, r3
		if numSlices > MaxSlices {
			return 0, ErrInvalidArgument
		}

		if err := ctx.ConsumeCU(base); err != nil {
			return 0, err
		}

		h := newHash()
		err := readSlices(vm, r1, numSlices, func(ptr, length uint64) error {
			if length > MaxMemOpSize {
				return ErrInvalidLength
			}
			if err := ctx.ConsumeCU(perByte * length); err != nil {
				return err
			}
			if length == 0 {
				return nil
			}
			data, err := vm.Translate(ptr, length, false)
			if err != nil {
				return err
			}
			h.Write(data)
			return nil
		})
		if err != nil {
			return 0, err
		}

		return 0, vm.Write(resultAddr, h.Sum(nil))
	}
}

// registerCrypto registers cryptographic syscalls.
func (r *Registry) registerCrypto(ctx InvokeContext) {
	r.register("sol_sha256", hashSyscall(ctx, sha256.New, svm.CUSha256Base, svm.CUSha256PerByte))
	r.register("sol_keccak256", hashSyscall(ctx, sha3.NewLegacyKeccak256, svm.CUKeccak256Base, svm.CUKeccak256PerByte))
	r.register("sol_blake3", hashSyscall(ctx, func() hash.Hash { return blake3.New() }, svm.CUBlake3Base, svm.CUBlake3PerByte))
}

// registerMisc registers miscellaneous syscalls.
func (r *Registry) registerMisc() {
	// abort - terminate execution
	r.register("abort", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, ErrAbort
	})

	// sol_panic_ - panic with file name (r1, r2), line r3 and column r4
	r.register("sol_panic_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		fileLen := r2
		if fileLen > 256 {
			fileLen = 256
		}

		filename := make([]byte, fileLen)
		if err := vm.Read(r1, filename); err != nil {
			return 0, ErrPanic
		}
		return 0, fmt.Errorf("%w at %s:%d:%d", ErrPanic, filename, r3, r4)
	})
}

// Uint64Bytes returns v as little-endian bytes, the form sol_log_data
// callers use for integers.
func Uint64Bytes(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
