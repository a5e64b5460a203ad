package entrypoint

import (
	"encoding/binary"
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-heap/pkg/svm/sysvar"
)

func inputWithSysvar(t *testing.T, ixs ...sysvar.Instruction) []byte {
	t.Helper()
	accounts := testAccounts(3, 40)
	accounts = append(accounts,
		accounts[1],
		&AccountInfo{Key: types.SysvarInstructionsAddr, Owner: types.Pubkey{}, Data: encode(t, ixs...)},
	)
	input, err := SerializeInput(types.Pubkey{0xEE}, accounts, []byte("ix"))
	require.NoError(t, err)
	return input
}

func requestHeap(pages byte) sysvar.Instruction {
	return sysvar.Instruction{ProgramID: types.ComputeBudgetProgramAddr, Data: []byte{1, pages, 0, 0, 0}}
}

func TestExtractHeapSize(t *testing.T) {
	other := sysvar.Instruction{ProgramID: types.Pubkey{0x42}, Data: []byte{1, 8, 0, 0, 0}}
	limit := sysvar.Instruction{ProgramID: types.ComputeBudgetProgramAddr, Data: []byte{2, 0x40, 0x0d, 0x03, 0x00}}

	tests := []struct {
		name string
		ixs  []sysvar.Instruction
		want uint64
		ok   bool
	}{
		{"request first", []sysvar.Instruction{requestHeap(4), limit, other}, 4096, true},
		{"after other budget instructions", []sysvar.Instruction{limit, requestHeap(64)}, 64 * 1024, true},
		{"no request", []sysvar.Instruction{limit, other}, 0, false},
		{"request after other program", []sysvar.Instruction{other, requestHeap(4)}, 0, false},
		{"no instructions", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := inputWithSysvar(t, tt.ixs...)

			got, ok := ExtractHeapSize(unsafe.Pointer(&input[0]))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)

			got, ok = ExtractHeapSizeFromInput(input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractHeapSizeWithoutSysvar(t *testing.T) {
	input, err := SerializeInput(types.Pubkey{0xEE}, testAccounts(1, 2, 3), nil)
	require.NoError(t, err)

	_, ok := ExtractHeapSize(unsafe.Pointer(&input[0]))
	assert.False(t, ok)

	_, ok = ExtractHeapSizeFromInput(input[:4])
	assert.False(t, ok)
}

func TestExtractHeapSizeStopsAtBadInstruction(t *testing.T) {
	input := inputWithSysvar(t, requestHeap(1), requestHeap(8))

	// Corrupt the first offset. The second instruction parses but the scan
	// has already stopped.
	it := newAccountsIter(newSliceCursor(input))
	data, ok := findInstructionsSysvar(&it)
	require.True(t, ok)
	data[2], data[3] = 0xff, 0xff

	_, ok = ExtractHeapSizeFromInput(input)
	assert.False(t, ok)
}

func TestExtractHeapSizeDoesNotAllocate(t *testing.T) {
	input := inputWithSysvar(t, requestHeap(4))
	p := unsafe.Pointer(&input[0])

	allocs := testing.AllocsPerRun(100, func() {
		if _, ok := ExtractHeapSize(p); !ok {
			t.Fatal("no heap request found")
		}
	})
	assert.Zero(t, allocs)
}

func TestExtractHeapSizeFromCorruptInput(t *testing.T) {
	// count, then one unique entry whose data length is at byte 88.
	header := func(count, dataLen uint64) []byte {
		buf := sbpf.AlignedBytes(96)
		binary.LittleEndian.PutUint64(buf, count)
		buf[8] = NonDupMarker
		binary.LittleEndian.PutUint64(buf[88:], dataLen)
		return buf
	}
	dups := sbpf.AlignedBytes(64)
	binary.LittleEndian.PutUint64(dups, 1<<60)

	tests := []struct {
		name  string
		input []byte
	}{
		{"data length past end", header(2, 1<<40)},
		{"data length overflows", header(1, math.MaxUint64)},
		{"data length one past end", header(1, 1)},
		{"no room for padding", header(1, 0)},
		{"count past end", dups},
		{"head only", header(1, 0)[:16]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				size, ok := ExtractHeapSizeFromInput(tt.input)
				assert.False(t, ok)
				assert.Zero(t, size)
			})
		})
	}
}

func TestExtractHeapSizeFromTruncatedInput(t *testing.T) {
	input := inputWithSysvar(t, requestHeap(4))
	want, ok := ExtractHeapSizeFromInput(input)
	require.True(t, ok)

	for n := 0; n < len(input); n += 13 {
		got, ok := ExtractHeapSizeFromInput(input[:n])
		if ok {
			// Only the tail past the sysvar account may be cut.
			assert.Equal(t, want, got, "cut at %d", n)
		}
	}

	// Cut inside the sysvar account data.
	it := newAccountsIter(newSliceCursor(input))
	data, ok := findInstructionsSysvar(&it)
	require.True(t, ok)
	cut := int(uintptr(unsafe.Pointer(&data[0])) - uintptr(unsafe.Pointer(&input[0])))
	_, ok = ExtractHeapSizeFromInput(input[:cut+len(data)-1])
	assert.False(t, ok)

	_, ok = ExtractHeapSizeFromInput(sbpf.AlignedBytes(16)[1:])
	assert.False(t, ok, "unaligned input")
}

func TestAccountsIterStopsAtEnd(t *testing.T) {
	input, err := SerializeInput(types.Pubkey{0xEE}, testAccounts(3, 3), nil)
	require.NoError(t, err)

	it := newAccountsIter(newSliceCursor(input[:100]))
	assert.Equal(t, uint64(2), it.Remaining())
	_, ok := it.Next()
	assert.False(t, ok)
	assert.Zero(t, it.Remaining())
	_, ok = it.Next()
	assert.False(t, ok)
}
