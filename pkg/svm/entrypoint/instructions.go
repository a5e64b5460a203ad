package entrypoint

import (
	"encoding/binary"

	"github.com/fortiblox/stratus-heap/internal/types"
)

// Instructions sysvar layout sizes.
const (
	ixCountSize      = 2
	ixOffsetSize     = 2
	ixAccountMetaLen = 1 + types.PubkeySize
)

// Instruction is an instruction read from the instructions sysvar. Both
// fields borrow from the sysvar data.
type Instruction struct {
	ProgramID *types.Pubkey
	Data      []byte
}

// InstructionsIter walks the instructions stored in the instructions sysvar
// account data:
//
//	instructions_count: u16
//	offsets:            [u16; instructions_count]
//	...
//
// Each offset is relative to the start of the data and points at an encoded
// instruction; see ParseInstruction.
//
// The iterator is not fused. When an instruction fails to parse Next returns
// false, but a later call may succeed. Callers that treat the first false as
// the end must stop there themselves.
type InstructionsIter struct {
	data    []byte
	offsets []byte
}

// NewInstructionsIter starts a walk over instructions sysvar data. If the
// offset table is truncated the walk is empty.
func NewInstructionsIter(data []byte) InstructionsIter {
	it := InstructionsIter{data: data}
	if len(data) < ixCountSize {
		return it
	}
	count := int(binary.LittleEndian.Uint16(data))
	table := data[ixCountSize:]
	if len(table) < count*ixOffsetSize {
		return it
	}
	it.offsets = table[:count*ixOffsetSize]
	return it
}

// Remaining returns the number of offsets not yet consumed.
func (it *InstructionsIter) Remaining() int {
	return len(it.offsets) / ixOffsetSize
}

// Next returns the instruction at the next offset in the table.
func (it *InstructionsIter) Next() (Instruction, bool) {
	if len(it.offsets) < ixOffsetSize {
		return Instruction{}, false
	}
	offset := int(binary.LittleEndian.Uint16(it.offsets))
	it.offsets = it.offsets[ixOffsetSize:]
	if offset > len(it.data) {
		return Instruction{}, false
	}
	return ParseInstruction(it.data[offset:])
}

// ParseInstruction decodes one encoded instruction at the start of data:
//
//	accounts_count: u16
//	accounts:       [(u8, Pubkey); accounts_count]
//	program_id:     Pubkey
//	data_len:       u16
//	data:           [u8; data_len]
//
// data usually extends past the instruction. Account metas are skipped.
func ParseInstruction(data []byte) (Instruction, bool) {
	if len(data) < 2 {
		return Instruction{}, false
	}
	skip := int(binary.LittleEndian.Uint16(data)) * ixAccountMetaLen
	data = data[2:]
	if len(data) < skip {
		return Instruction{}, false
	}
	data = data[skip:]

	if len(data) < types.PubkeySize+2 {
		return Instruction{}, false
	}
	programID := (*types.Pubkey)(data[:types.PubkeySize])
	n := int(binary.LittleEndian.Uint16(data[types.PubkeySize:]))
	data = data[types.PubkeySize+2:]
	if len(data) < n {
		return Instruction{}, false
	}
	return Instruction{ProgramID: programID, Data: data[:n]}, true
}
