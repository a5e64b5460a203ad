package svm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeMeter(t *testing.T) {
	cm := NewComputeMeter(1000)
	assert.NoError(t, cm.Consume(400))
	assert.Equal(t, uint64(600), cm.Remaining())
	assert.Equal(t, uint64(400), cm.Consumed())

	assert.ErrorIs(t, cm.Consume(601), ErrComputeExceeded)
	assert.True(t, cm.IsExhausted())
	assert.Equal(t, uint64(400), cm.Consumed())

	assert.Equal(t, CUMax, NewComputeMeter(CUMax+1).Limit())

	disabled := NewComputeMeterDisabled()
	assert.NoError(t, disabled.Consume(CUMax*2))
	assert.False(t, disabled.IsExhausted())
}

func TestHeapCost(t *testing.T) {
	assert.Zero(t, HeapCost(0))
	assert.Zero(t, HeapCost(HeapSizeDefault))
	assert.Equal(t, CUHeapCostDefault, HeapCost(HeapSizeDefault+1024))
	assert.Equal(t, 7*CUHeapCostDefault, HeapCost(HeapSizeMax))
}
