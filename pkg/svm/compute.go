// Package svm holds the compute budget and metering shared by the runtime
// packages.
package svm

import (
	"errors"
	"sync/atomic"

	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
)

// Compute unit costs.
const (
	CUDefault     = uint64(200_000)   // Default CU limit per instruction
	CUMax         = uint64(1_400_000) // Max CU limit per transaction
	CUSyscallBase = uint64(100)       // Base cost for syscalls

	CUSha256Base       = uint64(85)
	CUSha256PerByte    = uint64(1)
	CUKeccak256Base    = uint64(85)
	CUKeccak256PerByte = uint64(1)
	CUBlake3Base       = uint64(85)
	CUBlake3PerByte    = uint64(1)

	CUMemoryOpBase    = uint64(10) // Base cost for memory ops
	CUMemoryOpPerByte = uint64(1)

	// CUHeapCostDefault is charged for every 32 KiB of heap beyond the first.
	CUHeapCostDefault = uint64(8)

	CUComputeBudgetDefault = uint64(150) // Compute budget program
)

// Heap size limits accepted from a RequestHeapFrame.
const (
	HeapSizeDefault = uint32(sbpf.HeapDefault)
	HeapSizeMin     = uint32(sbpf.HeapDefault)
	HeapSizeMax     = uint32(sbpf.HeapMax)
)

// DefaultLoadedAccountsBytes is the loaded accounts limit when none is set.
const DefaultLoadedAccountsBytes = uint32(64 * 1024 * 1024)

var (
	// ErrComputeExceeded is returned when compute units are exhausted.
	ErrComputeExceeded = errors.New("compute budget exceeded")

	// ErrComputeInvalidLimit is returned for invalid compute limit.
	ErrComputeInvalidLimit = errors.New("invalid compute unit limit")
)

// HeapCost returns the compute units charged for a heap of size bytes.
func HeapCost(size uint32) uint64 {
	const page = uint64(sbpf.HeapDefault)
	pages := (uint64(size) + page - 1) / page
	if pages <= 1 {
		return 0
	}
	return (pages - 1) * CUHeapCostDefault
}

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	disabled  bool
}

// NewComputeMeter creates a compute meter. Limits above CUMax are clamped.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit > CUMax {
		limit = CUMax
	}
	return &ComputeMeter{remaining: limit, limit: limit}
}

// NewComputeMeterDisabled creates a meter that never runs out.
func NewComputeMeterDisabled() *ComputeMeter {
	return &ComputeMeter{remaining: CUMax, limit: CUMax, disabled: true}
}

// Consume attempts to consume the specified compute units.
// Returns ErrComputeExceeded if insufficient units remain, leaving the meter
// exhausted.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.disabled {
		return nil
	}

	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			atomic.StoreUint64(&cm.remaining, 0)
			return ErrComputeExceeded
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// IsExhausted returns true if compute units are exhausted.
func (cm *ComputeMeter) IsExhausted() bool {
	return atomic.LoadUint64(&cm.remaining) == 0
}

// ComputeBudgetLimits contains the parsed compute budget for a transaction.
type ComputeBudgetLimits struct {
	// ComputeUnitLimit is the maximum compute units for the transaction.
	ComputeUnitLimit uint32

	// ComputeUnitPrice is the price in micro-lamports per compute unit.
	ComputeUnitPrice uint64

	// HeapSize is the requested heap size in bytes.
	HeapSize uint32

	// LoadedAccountsBytes is the max bytes for loaded accounts.
	LoadedAccountsBytes uint32
}

// DefaultComputeBudgetLimits returns the default compute budget limits.
func DefaultComputeBudgetLimits() *ComputeBudgetLimits {
	return &ComputeBudgetLimits{
		ComputeUnitLimit:    uint32(CUDefault),
		HeapSize:            HeapSizeDefault,
		LoadedAccountsBytes: DefaultLoadedAccountsBytes,
	}
}
