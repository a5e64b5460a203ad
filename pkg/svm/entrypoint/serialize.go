package entrypoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
)

// Serialization errors.
var (
	ErrTooManyAccounts    = errors.New("too many accounts")
	ErrInvalidAccountData = errors.New("invalid account data")
	ErrInvalidRealloc     = errors.New("account data grew beyond permitted increase")
	ErrReadonlyModified   = errors.New("read-only account modified")
)

// MaxAccounts is the largest account table a duplicate marker can index.
const MaxAccounts = NonDupMarker

// Fixed sizes in the serialized account table.
const (
	dupEntrySize    = 8
	uniqueEntrySize = 8 + 32 + 32 + 8 + 8 + MaxPermittedDataIncrease + 8 // excluding data and padding
)

// AccountInfo holds account information for an invocation.
type AccountInfo struct {
	// Key is the account public key.
	Key types.Pubkey

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Lamports is the account balance.
	Lamports uint64

	// Data is the account data.
	Data []byte

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the rent epoch.
	RentEpoch uint64

	// IsSigner indicates if this account signed the transaction.
	IsSigner bool

	// IsWritable indicates if this account can be modified.
	IsWritable bool

	// originalData stores the original data for change detection.
	originalData []byte

	// originalLamports stores the original lamports.
	originalLamports uint64
}

// MarkOriginal marks the current state as original for change detection.
func (a *AccountInfo) MarkOriginal() {
	a.originalData = make([]byte, len(a.Data))
	copy(a.originalData, a.Data)
	a.originalLamports = a.Lamports
}

// IsModified returns true if the account has been modified.
func (a *AccountInfo) IsModified() bool {
	if a.Lamports != a.originalLamports {
		return true
	}
	if len(a.Data) != len(a.originalData) {
		return true
	}
	for i := range a.Data {
		if a.Data[i] != a.originalData[i] {
			return true
		}
	}
	return false
}

// alignPad returns the padding needed after n bytes of account data.
func alignPad(n int) int {
	return (BPFAlignOfU128 - n%BPFAlignOfU128) % BPFAlignOfU128
}

// duplicateOf returns, for every account, the index of the first account
// with the same key, or -1 if it is the first.
func duplicateOf(accounts []*AccountInfo) []int {
	dups := make([]int, len(accounts))
	first := make(map[types.Pubkey]int, len(accounts))
	for i, acc := range accounts {
		if j, ok := first[acc.Key]; ok {
			dups[i] = j
			continue
		}
		first[acc.Key] = i
		dups[i] = -1
	}
	return dups
}

// SerializeInput lays out the input region for a program invocation.
//
// Layout:
// - num_accounts (8 bytes, u64)
// - For each account, if it repeats an earlier key:
//   - index of the earlier entry (1 byte), padding (7 bytes)
//
// - Otherwise:
//   - NonDupMarker (1 byte)
//   - is_signer, is_writable, executable (1 byte each)
//   - original_data_len (4 bytes, u32)
//   - key (32 bytes)
//   - owner (32 bytes)
//   - lamports (8 bytes, u64)
//   - data_len (8 bytes, u64)
//   - data (data_len bytes)
//   - MaxPermittedDataIncrease zero bytes
//   - padding to 8-byte alignment
//   - rent_epoch (8 bytes, u64)
//
// - instruction_data_len (8 bytes, u64)
// - instruction_data
// - program_id (32 bytes)
//
// The returned buffer is 8-byte aligned. Every unique account is marked
// original for change detection.
func SerializeInput(programID types.Pubkey, accounts []*AccountInfo, data []byte) ([]byte, error) {
	if len(accounts) > MaxAccounts {
		return nil, fmt.Errorf("%w: %d", ErrTooManyAccounts, len(accounts))
	}
	dups := duplicateOf(accounts)

	// Calculate total size
	size := 8
	for i, acc := range accounts {
		if dups[i] >= 0 {
			size += dupEntrySize
			continue
		}
		size += uniqueEntrySize + len(acc.Data) + alignPad(len(acc.Data))
	}
	size += 8 + len(data) + types.PubkeySize

	buf := sbpf.AlignedBytes(size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(accounts)))
	offset += 8

	for i, acc := range accounts {
		if dups[i] >= 0 {
			buf[offset] = byte(dups[i])
			offset += dupEntrySize
			continue
		}
		acc.MarkOriginal()

		buf[offset] = NonDupMarker
		if acc.IsSigner {
			buf[offset+1] = 1
		}
		if acc.IsWritable {
			buf[offset+2] = 1
		}
		if acc.Executable {
			buf[offset+3] = 1
		}
		binary.LittleEndian.PutUint32(buf[offset+4:], uint32(len(acc.Data)))
		offset += 8

		copy(buf[offset:], acc.Key[:])
		offset += 32
		copy(buf[offset:], acc.Owner[:])
		offset += 32

		binary.LittleEndian.PutUint64(buf[offset:], acc.Lamports)
		offset += 8
		binary.LittleEndian.PutUint64(buf[offset:], uint64(len(acc.Data)))
		offset += 8

		copy(buf[offset:], acc.Data)
		offset += len(acc.Data) + MaxPermittedDataIncrease + alignPad(len(acc.Data))

		binary.LittleEndian.PutUint64(buf[offset:], acc.RentEpoch)
		offset += 8
	}

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(data)))
	offset += 8
	copy(buf[offset:], data)
	offset += len(data)
	copy(buf[offset:], programID[:])

	return buf, nil
}

// DeserializeOutput reads lamports and data of writable accounts back from
// the input region after the program returns. Read-only accounts must be
// unchanged.
//
// A program may change an account's data length by up to
// MaxPermittedDataIncrease bytes beyond its original length.
func DeserializeOutput(input []byte, accounts []*AccountInfo) error {
	dups := duplicateOf(accounts)
	offset := 8

	for i, acc := range accounts {
		if dups[i] >= 0 {
			offset += dupEntrySize
			continue
		}

		originalLen := len(acc.originalData)
		entrySize := uniqueEntrySize + originalLen + alignPad(originalLen)
		if offset+entrySize > len(input) {
			return fmt.Errorf("%w: account %d truncated", ErrInvalidAccountData, i)
		}

		// Skip head, key and owner
		pos := offset + 8 + 32 + 32
		lamports := binary.LittleEndian.Uint64(input[pos:])
		pos += 8

		dataLen := binary.LittleEndian.Uint64(input[pos:])
		pos += 8
		if dataLen > uint64(originalLen+MaxPermittedDataIncrease) {
			return fmt.Errorf("%w: account %s length %d (original %d)", ErrInvalidRealloc, acc.Key, dataLen, originalLen)
		}

		if !acc.IsWritable {
			if lamports != acc.originalLamports || !bytes.Equal(input[pos:pos+int(dataLen)], acc.originalData) {
				return fmt.Errorf("%w: %s", ErrReadonlyModified, acc.Key)
			}
			offset += entrySize
			continue
		}

		acc.Lamports = lamports

		if uint64(len(acc.Data)) != dataLen {
			acc.Data = make([]byte, dataLen)
		}
		copy(acc.Data, input[pos:pos+int(dataLen)])

		acc.RentEpoch = binary.LittleEndian.Uint64(input[offset+entrySize-8:])
		offset += entrySize
	}

	return nil
}
