package sysvar

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm/entrypoint"
)

func TestEncodeInstructionsRoundTrip(t *testing.T) {
	ixs := []Instruction{
		{
			ProgramID: types.ComputeBudgetProgramAddr,
			Data:      []byte{1, 4, 0, 0, 0},
		},
		{
			ProgramID: types.Pubkey{9},
			Accounts: []AccountMeta{
				{Pubkey: types.Pubkey{1}, IsSigner: true, IsWritable: true},
				{Pubkey: types.Pubkey{2}},
			},
			Data: []byte("hello"),
		},
	}

	data, err := EncodeInstructions(ixs, 1)
	require.NoError(t, err)

	current, ok := CurrentIndex(data)
	require.True(t, ok)
	assert.Equal(t, uint16(1), current)

	it := entrypoint.NewInstructionsIter(data)
	assert.Equal(t, 2, it.Remaining())
	for i := range ixs {
		ix, ok := it.Next()
		require.True(t, ok, "instruction %d", i)
		assert.Equal(t, ixs[i].ProgramID, *ix.ProgramID)
		assert.True(t, bytes.Equal(ixs[i].Data, ix.Data))
	}
	_, ok = it.Next()
	assert.False(t, ok)

	// Account meta flags.
	second := 2 + 2*2 + ixs[0].EncodedSize()
	assert.Equal(t, byte(flagIsSigner|flagIsWritable), data[second+2])
	assert.Equal(t, byte(0), data[second+2+33])
}

func TestEncodeInstructionsTooLarge(t *testing.T) {
	ixs := []Instruction{{Data: make([]byte, 1<<16)}}
	_, err := EncodeInstructions(ixs, 0)
	assert.ErrorIs(t, err, ErrInstructionsTooLarge)

	// The offset of the third instruction no longer fits a u16.
	big := make([]byte, 40000)
	ixs = []Instruction{{Data: big}, {Data: big}, {}}
	_, err = EncodeInstructions(ixs, 0)
	assert.ErrorIs(t, err, ErrInstructionsTooLarge)

	_, ok := CurrentIndex(nil)
	assert.False(t, ok)
}
