package computebudget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm"
	"github.com/fortiblox/stratus-heap/pkg/svm/entrypoint"
	"github.com/fortiblox/stratus-heap/pkg/svm/sysvar"
)

var transfer = sysvar.Instruction{ProgramID: types.SystemProgramAddr, Data: []byte{2, 0, 0, 0}}

func TestBuilders(t *testing.T) {
	ix := RequestHeapFrame(64)
	assert.Equal(t, ProgramID, ix.ProgramID)
	assert.Equal(t, []byte{1, 64, 0, 0, 0}, ix.Data)

	// The program side decodes the same bytes.
	size, ok := entrypoint.ParseRequestHeapFrame(ix.Data)
	require.True(t, ok)
	assert.Equal(t, uint64(64*1024), size)

	assert.Equal(t, []byte{2, 0x40, 0x0d, 0x03, 0x00}, SetComputeUnitLimit(200_000).Data)
	assert.Len(t, SetComputeUnitPrice(1).Data, 9)
	assert.Equal(t, byte(InstructionSetLoadedAccountsDataSizeLimit), SetLoadedAccountsDataSizeLimit(1).Data[0])
}

func TestProcessInstructions(t *testing.T) {
	limits, err := ProcessInstructions([]sysvar.Instruction{
		RequestHeapFrame(128),
		SetComputeUnitLimit(300_000),
		SetComputeUnitPrice(5000),
		SetLoadedAccountsDataSizeLimit(1 << 20),
		transfer,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(128*1024), limits.HeapSize)
	assert.Equal(t, uint32(300_000), limits.ComputeUnitLimit)
	assert.Equal(t, uint64(5000), limits.ComputeUnitPrice)
	assert.Equal(t, uint32(1<<20), limits.LoadedAccountsBytes)
}

func TestProcessInstructionsDefaults(t *testing.T) {
	limits, err := ProcessInstructions([]sysvar.Instruction{transfer, transfer})
	require.NoError(t, err)
	assert.Equal(t, svm.HeapSizeDefault, limits.HeapSize)
	assert.Equal(t, uint32(2*svm.CUDefault), limits.ComputeUnitLimit)
	assert.Equal(t, svm.DefaultLoadedAccountsBytes, limits.LoadedAccountsBytes)

	many := make([]sysvar.Instruction, 10)
	for i := range many {
		many[i] = transfer
	}
	limits, err = ProcessInstructions(many)
	require.NoError(t, err)
	assert.Equal(t, uint32(svm.CUMax), limits.ComputeUnitLimit)

	limits, err = ProcessInstructions([]sysvar.Instruction{SetComputeUnitLimit(5_000_000)})
	require.NoError(t, err)
	assert.Equal(t, uint32(svm.CUMax), limits.ComputeUnitLimit)
}

func TestProcessInstructionsErrors(t *testing.T) {
	tests := []struct {
		name string
		ixs  []sysvar.Instruction
		err  error
	}{
		{"duplicate heap", []sysvar.Instruction{RequestHeapFrame(32), RequestHeapFrame(64)}, ErrDuplicateInstruction},
		{"heap too small", []sysvar.Instruction{RequestHeapFrame(31)}, ErrInvalidHeapSize},
		{"heap too large", []sysvar.Instruction{RequestHeapFrame(257)}, ErrInvalidHeapSize},
		{"short payload", []sysvar.Instruction{{ProgramID: ProgramID, Data: []byte{1, 0}}}, ErrInvalidInstructionData},
		{"empty", []sysvar.Instruction{{ProgramID: ProgramID}}, ErrInvalidInstructionData},
		{"deprecated", []sysvar.Instruction{{ProgramID: ProgramID, Data: []byte{0}}}, ErrInvalidInstructionData},
		{"zero loaded bytes", []sysvar.Instruction{SetLoadedAccountsDataSizeLimit(0)}, ErrInvalidLoadedAccounts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ProcessInstructions(tt.ixs)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
