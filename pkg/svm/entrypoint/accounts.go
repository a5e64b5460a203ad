// Package entrypoint implements both sides of the program entrypoint ABI:
// serializing accounts and instruction data into the input region, and
// reading them back from inside a program without allocating.
//
// The reading side exists so that a program can find out how much heap it was
// granted before its allocator exists. See ExtractHeapSize.
package entrypoint

import (
	"unsafe"

	"github.com/fortiblox/stratus-heap/internal/types"
)

// Input layout constants.
const (
	// NonDupMarker in the first byte of an account entry means the entry is
	// not a duplicate. Any other value is the index of the duplicated entry.
	NonDupMarker = 0xff

	// MaxPermittedDataIncrease is the zeroed space reserved after each
	// account's data so that the program can grow it.
	MaxPermittedDataIncrease = 10 * 1024

	// BPFAlignOfU128 is the alignment of u128 on sBPF, which the runtime uses
	// to realign the input after account data.
	BPFAlignOfU128 = 8
)

// accountHead is the fixed header of every account entry.
type accountHead struct {
	// DupInfo is NonDupMarker or the index of the duplicated entry. For a
	// duplicate the rest of the head is padding and nothing follows.
	DupInfo         uint8
	IsSigner        uint8
	IsWritable      uint8
	Executable      uint8
	OriginalDataLen uint32
}

// AccountSlot is one entry of the serialized account table.
type AccountSlot struct {
	// Duplicate is set when the entry refers back to entry Index.
	Duplicate bool
	Index     uint8

	// Key and Data point into the input buffer and are only set for unique
	// entries.
	Key  *types.Pubkey
	Data []byte
}

// AccountsIter walks the account table at the start of the input region.
//
// Only the key and data of each account are returned; other fields are
// skipped. The walk never allocates.
type AccountsIter struct {
	cursor RawCursor
	count  uint64
}

// NewAccountsIter starts a walk over input.
//
// input must point at an input region laid out by the runtime, 8-byte
// aligned. Anything else is undefined behavior.
func NewAccountsIter(input unsafe.Pointer) AccountsIter {
	return newAccountsIter(NewRawCursor(input))
}

func newAccountsIter(cursor RawCursor) AccountsIter {
	if !cursor.fits(8) {
		return AccountsIter{cursor: cursor}
	}
	count := *Get[uint64](&cursor)
	return AccountsIter{cursor: cursor, count: count}
}

// Remaining returns the number of entries not yet returned.
func (it *AccountsIter) Remaining() uint64 {
	return it.count
}

// Next returns the next entry, or false once the table is exhausted.
func (it *AccountsIter) Next() (AccountSlot, bool) {
	if it.count == 0 {
		return AccountSlot{}, false
	}
	it.count--

	// The cursor stays 8-byte aligned: every field is a multiple of eight
	// bytes except the data, which is followed by an explicit realignment.
	// Over a slice, every read is preceded by a fits check; a truncated
	// table ends the walk.
	c := &it.cursor
	if !c.fits(unsafe.Sizeof(accountHead{})) {
		return it.stop()
	}
	head := Get[accountHead](c)
	if head.DupInfo != NonDupMarker {
		return AccountSlot{Duplicate: true, Index: head.DupInfo}, true
	}

	if !c.fits(2*types.PubkeySize+8) {
		return it.stop()
	}
	key := Get[types.Pubkey](c)
	_ = Get[types.Pubkey](c) // owner
	_ = Get[uint64](c)       // lamports
	if !c.sliceFits() {
		return it.stop()
	}
	data := c.GetSlice()
	if !c.fits(MaxPermittedDataIncrease) {
		return it.stop()
	}
	c.GetRaw(MaxPermittedDataIncrease)
	if !c.fits(c.alignPad(BPFAlignOfU128) + 8) {
		return it.stop()
	}
	c.Align(BPFAlignOfU128)
	_ = Get[uint64](c) // rent epoch

	return AccountSlot{Key: key, Data: data}, true
}

// stop ends the walk early.
func (it *AccountsIter) stop() (AccountSlot, bool) {
	it.count = 0
	return AccountSlot{}, false
}
