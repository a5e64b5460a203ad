package entrypoint

import (
	"unsafe"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
)

// ExtractHeapSize returns the heap size requested by the transaction whose
// instruction input starts at input, if it requested one.
//
// The sender of a transaction asks for a heap larger than the default
// 32 KiB with a RequestHeapFrame instruction to the compute budget program.
// This function finds the instructions sysvar among the accounts passed to
// the program and scans the compute budget instructions at the front of the
// transaction for such a request. The runtime places all compute budget
// instructions first, so the scan stops at the first instruction addressed
// to any other program or the first one that fails to parse.
//
// No heap memory is allocated, so a program may call this before its
// allocator exists. If the instructions sysvar is not among the accounts
// the result is (0, false).
//
// input must point at an input region laid out by the runtime, 8-byte
// aligned. Anything else is undefined behavior.
func ExtractHeapSize(input unsafe.Pointer) (uint64, bool) {
	accounts := NewAccountsIter(input)
	return extractHeapSize(&accounts)
}

// ExtractHeapSizeFromInput is ExtractHeapSize for an input held in a slice.
//
// Reads never go past the end of input, so it is safe on truncated or
// corrupt data, which yields (0, false). An input that does not start at an
// 8-byte aligned address also yields (0, false).
func ExtractHeapSizeFromInput(input []byte) (uint64, bool) {
	if len(input) < 8 || !sbpf.IsAligned(input) {
		return 0, false
	}
	accounts := newAccountsIter(newSliceCursor(input))
	return extractHeapSize(&accounts)
}

func extractHeapSize(accounts *AccountsIter) (uint64, bool) {
	sysvar, ok := findInstructionsSysvar(accounts)
	if !ok {
		return 0, false
	}

	ixs := NewInstructionsIter(sysvar)
	for {
		ix, ok := ixs.Next()
		if !ok || *ix.ProgramID != types.ComputeBudgetProgramAddr {
			return 0, false
		}
		if size, ok := ParseRequestHeapFrame(ix.Data); ok {
			return size, true
		}
	}
}

// findInstructionsSysvar returns the data of the first unique account keyed
// by the instructions sysvar address.
func findInstructionsSysvar(accounts *AccountsIter) ([]byte, bool) {
	for {
		slot, ok := accounts.Next()
		if !ok {
			return nil, false
		}
		if !slot.Duplicate && *slot.Key == types.SysvarInstructionsAddr {
			return slot.Data, true
		}
	}
}
