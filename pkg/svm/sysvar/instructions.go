// Package sysvar builds the account data of runtime-provided sysvars.
package sysvar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fortiblox/stratus-heap/internal/types"
)

// ErrInstructionsTooLarge is returned when the encoded instructions do not
// fit the u16 offsets of the instructions sysvar.
var ErrInstructionsTooLarge = errors.New("instructions sysvar too large")

// Account meta flags in the instructions sysvar.
const (
	flagIsSigner   = 1 << 0
	flagIsWritable = 1 << 1
)

// AccountMeta is an account reference of an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a transaction instruction.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// EncodedSize returns the size of the instruction in the instructions sysvar.
func (ix *Instruction) EncodedSize() int {
	return 2 + len(ix.Accounts)*(1+types.PubkeySize) + types.PubkeySize + 2 + len(ix.Data)
}

// EncodeInstructions serializes a transaction's instructions into
// instructions sysvar account data:
//
//	instructions_count: u16
//	offsets:            [u16; instructions_count]
//	instructions:       encoded instructions, in order
//	current_index:      u16
//
// Each encoded instruction is
//
//	accounts_count: u16
//	accounts:       [(flags u8, Pubkey); accounts_count]
//	program_id:     Pubkey
//	data_len:       u16
//	data:           [u8; data_len]
func EncodeInstructions(ixs []Instruction, current uint16) ([]byte, error) {
	if len(ixs) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d instructions", ErrInstructionsTooLarge, len(ixs))
	}

	size := 2 + 2*len(ixs)
	for i := range ixs {
		if len(ixs[i].Accounts) > math.MaxUint16 || len(ixs[i].Data) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: instruction %d", ErrInstructionsTooLarge, i)
		}
		if size > math.MaxUint16 {
			return nil, fmt.Errorf("%w: offset of instruction %d", ErrInstructionsTooLarge, i)
		}
		size += ixs[i].EncodedSize()
	}
	size += 2

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf, uint16(len(ixs)))
	offset := 2 + 2*len(ixs)

	for i := range ixs {
		ix := &ixs[i]
		binary.LittleEndian.PutUint16(buf[2+2*i:], uint16(offset))

		binary.LittleEndian.PutUint16(buf[offset:], uint16(len(ix.Accounts)))
		offset += 2
		for _, meta := range ix.Accounts {
			var flags byte
			if meta.IsSigner {
				flags |= flagIsSigner
			}
			if meta.IsWritable {
				flags |= flagIsWritable
			}
			buf[offset] = flags
			copy(buf[offset+1:], meta.Pubkey[:])
			offset += 1 + types.PubkeySize
		}

		copy(buf[offset:], ix.ProgramID[:])
		offset += types.PubkeySize
		binary.LittleEndian.PutUint16(buf[offset:], uint16(len(ix.Data)))
		offset += 2
		copy(buf[offset:], ix.Data)
		offset += len(ix.Data)
	}

	binary.LittleEndian.PutUint16(buf[offset:], current)
	return buf, nil
}

// CurrentIndex returns the index of the executing instruction stored at the
// end of instructions sysvar data.
func CurrentIndex(data []byte) (uint16, bool) {
	if len(data) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data[len(data)-2:]), true
}
