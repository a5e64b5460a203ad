package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBudgetProgramBytes(t *testing.T) {
	want := Pubkey{3, 6, 70, 111, 229, 33, 23, 50, 255, 236, 173, 186, 114, 195, 155, 231, 188, 140, 229, 187, 197, 247, 18, 107, 44, 67, 155, 58, 64, 0, 0, 0}
	assert.Equal(t, want, ComputeBudgetProgramAddr)
	assert.Equal(t, "ComputeBudget111111111111111111111111111111", ComputeBudgetProgramAddr.String())
}

func TestPubkeyText(t *testing.T) {
	var p Pubkey
	require.NoError(t, p.UnmarshalText([]byte("Sysvar1nstructions1111111111111111111111111")))
	assert.Equal(t, SysvarInstructionsAddr, p)

	text, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Sysvar1nstructions1111111111111111111111111", string(text))

	_, err = PubkeyFromBase58("abc")
	assert.ErrorIs(t, err, ErrInvalidPubkey)

	_, err = PubkeyFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidPubkey)
}

func TestIsSysvar(t *testing.T) {
	assert.True(t, IsSysvar(SysvarInstructionsAddr))
	assert.False(t, IsSysvar(ComputeBudgetProgramAddr))
	assert.True(t, SystemProgramAddr.IsZero())
}
