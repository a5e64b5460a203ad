// Package computebudget implements the runtime side of the Compute Budget
// Program.
//
// Compute budget instructions do not touch accounts. They are collected
// from a transaction before it runs and fix the compute unit limit and
// price, the heap size and the loaded accounts limit for every instruction.
package computebudget

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-heap/pkg/svm/sysvar"
)

// ProgramID is the Compute Budget Program address.
var ProgramID = types.ComputeBudgetProgramAddr

// Instruction discriminants.
const (
	InstructionUnused = iota // deprecated RequestUnits
	InstructionRequestHeapFrame
	InstructionSetComputeUnitLimit
	InstructionSetComputeUnitPrice
	InstructionSetLoadedAccountsDataSizeLimit
)

// Error types.
var (
	ErrInvalidInstructionData = errors.New("invalid instruction data")
	ErrDuplicateInstruction   = errors.New("duplicate compute budget instruction")
	ErrInvalidHeapSize        = errors.New("invalid heap frame size")
	ErrInvalidLoadedAccounts  = errors.New("invalid loaded accounts data size limit")
)

// RequestHeapFrame returns an instruction requesting a heap of pages
// sbpf.HeapPageSize byte pages.
func RequestHeapFrame(pages uint32) sysvar.Instruction {
	return newInstruction(InstructionRequestHeapFrame, binary.LittleEndian.AppendUint32(nil, pages))
}

// SetComputeUnitLimit returns an instruction setting the transaction's
// compute unit limit.
func SetComputeUnitLimit(units uint32) sysvar.Instruction {
	return newInstruction(InstructionSetComputeUnitLimit, binary.LittleEndian.AppendUint32(nil, units))
}

// SetComputeUnitPrice returns an instruction setting the price per compute
// unit in micro-lamports.
func SetComputeUnitPrice(microLamports uint64) sysvar.Instruction {
	return newInstruction(InstructionSetComputeUnitPrice, binary.LittleEndian.AppendUint64(nil, microLamports))
}

// SetLoadedAccountsDataSizeLimit returns an instruction limiting the total
// size of loaded account data.
func SetLoadedAccountsDataSizeLimit(bytes uint32) sysvar.Instruction {
	return newInstruction(InstructionSetLoadedAccountsDataSizeLimit, binary.LittleEndian.AppendUint32(nil, bytes))
}

func newInstruction(discriminant byte, args []byte) sysvar.Instruction {
	return sysvar.Instruction{
		ProgramID: ProgramID,
		Data:      append([]byte{discriminant}, args...),
	}
}

// ProcessInstructions derives the compute budget of a transaction from its
// compute budget instructions.
//
// Each kind of instruction may appear at most once. Without
// SetComputeUnitLimit every other instruction gets svm.CUDefault units, up
// to svm.CUMax in total.
func ProcessInstructions(ixs []sysvar.Instruction) (*svm.ComputeBudgetLimits, error) {
	limits := svm.DefaultComputeBudgetLimits()
	seen := make(map[byte]int)
	var (
		hasLimit bool
		others   uint64
	)

	for i := range ixs {
		ix := &ixs[i]
		if ix.ProgramID != ProgramID {
			others++
			continue
		}
		if len(ix.Data) == 0 {
			return nil, fmt.Errorf("%w: instruction %d is empty", ErrInvalidInstructionData, i)
		}

		kind := ix.Data[0]
		if prev, ok := seen[kind]; ok {
			return nil, fmt.Errorf("%w: instructions %d and %d", ErrDuplicateInstruction, prev, i)
		}
		seen[kind] = i

		args := ix.Data[1:]
		switch kind {
		case InstructionRequestHeapFrame:
			if len(args) != 4 {
				return nil, invalidData(i, kind)
			}
			pages := uint64(binary.LittleEndian.Uint32(args))
			size := pages * sbpf.HeapPageSize
			if size < uint64(svm.HeapSizeMin) || size > uint64(svm.HeapSizeMax) {
				return nil, fmt.Errorf("%w: %d pages", ErrInvalidHeapSize, pages)
			}
			limits.HeapSize = uint32(size)
		case InstructionSetComputeUnitLimit:
			if len(args) != 4 {
				return nil, invalidData(i, kind)
			}
			hasLimit = true
			limits.ComputeUnitLimit = binary.LittleEndian.Uint32(args)
		case InstructionSetComputeUnitPrice:
			if len(args) != 8 {
				return nil, invalidData(i, kind)
			}
			limits.ComputeUnitPrice = binary.LittleEndian.Uint64(args)
		case InstructionSetLoadedAccountsDataSizeLimit:
			if len(args) != 4 {
				return nil, invalidData(i, kind)
			}
			n := binary.LittleEndian.Uint32(args)
			if n == 0 {
				return nil, fmt.Errorf("%w: zero", ErrInvalidLoadedAccounts)
			}
			if n < limits.LoadedAccountsBytes {
				limits.LoadedAccountsBytes = n
			}
		default:
			return nil, invalidData(i, kind)
		}
	}

	if !hasLimit {
		units := others * svm.CUDefault
		if units > svm.CUMax {
			units = svm.CUMax
		}
		limits.ComputeUnitLimit = uint32(units)
	}
	if uint64(limits.ComputeUnitLimit) > svm.CUMax {
		limits.ComputeUnitLimit = uint32(svm.CUMax)
	}

	return limits, nil
}

func invalidData(index int, kind byte) error {
	return fmt.Errorf("%w: instruction %d (kind %d)", ErrInvalidInstructionData, index, kind)
}
