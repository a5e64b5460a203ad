// Package accounts stores the accounts that programs run against.
//
// Accounts are keyed by public key and hold lamports, data and ownership.
// The executor loads the accounts of each instruction from a DB, lays them
// out in the program's input region and writes back the writable ones the
// program modified.
package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm/entrypoint"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when a stored account is malformed.
	ErrInvalidData = errors.New("invalid account data")
)

// MaxAccountDataSize is the largest data an account may hold.
const MaxAccountDataSize = 10 * 1024 * 1024

// recordVersion prefixes every encoded account.
const recordVersion = 1

// fixed part of an encoded account: version, lamports, data length, owner,
// executable, rent epoch
const recordHeaderSize = 1 + 8 + 8 + types.PubkeySize + 1 + 8

// Account is a stored account.
type Account struct {
	// Lamports is the account balance in lamports (1 SOL = 1e9 lamports).
	Lamports uint64

	// Data is the account data. At most MaxAccountDataSize bytes.
	Data []byte

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the epoch at which rent was last collected.
	RentEpoch uint64
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}

// IsZero returns true if the account has no lamports and no data.
// Zero accounts are deleted rather than stored.
func (a *Account) IsZero() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// Info returns the account as seen by an invocation. The data is copied.
func (a *Account) Info(key types.Pubkey, signer, writable bool) *entrypoint.AccountInfo {
	return &entrypoint.AccountInfo{
		Key:        key,
		Owner:      a.Owner,
		Lamports:   a.Lamports,
		Data:       append([]byte(nil), a.Data...),
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
		IsSigner:   signer,
		IsWritable: writable,
	}
}

// FromInfo returns the stored form of an account after an invocation.
func FromInfo(info *entrypoint.AccountInfo) *Account {
	return &Account{
		Lamports:   info.Lamports,
		Data:       append([]byte(nil), info.Data...),
		Owner:      info.Owner,
		Executable: info.Executable,
		RentEpoch:  info.RentEpoch,
	}
}

// MarshalBinary encodes the account for storage:
//
//	version (1) | lamports (8) | data_len (8) | data | owner (32) |
//	executable (1) | rent_epoch (8)
func (a *Account) MarshalBinary() ([]byte, error) {
	if len(a.Data) > MaxAccountDataSize {
		return nil, fmt.Errorf("%w: %d bytes of data", ErrInvalidData, len(a.Data))
	}
	buf := make([]byte, 0, recordHeaderSize+len(a.Data))
	buf = append(buf, recordVersion)
	buf = binary.LittleEndian.AppendUint64(buf, a.Lamports)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(a.Data)))
	buf = append(buf, a.Data...)
	buf = append(buf, a.Owner[:]...)
	if a.Executable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, a.RentEpoch)
	return buf, nil
}

// UnmarshalBinary decodes an account written by MarshalBinary.
func (a *Account) UnmarshalBinary(data []byte) error {
	if len(data) < recordHeaderSize {
		return fmt.Errorf("%w: %d byte record", ErrInvalidData, len(data))
	}
	if data[0] != recordVersion {
		return fmt.Errorf("%w: record version %d", ErrInvalidData, data[0])
	}
	data = data[1:]

	lamports := binary.LittleEndian.Uint64(data)
	dataLen := binary.LittleEndian.Uint64(data[8:])
	data = data[16:]
	if dataLen > MaxAccountDataSize || uint64(len(data)) != dataLen+types.PubkeySize+1+8 {
		return fmt.Errorf("%w: data length %d", ErrInvalidData, dataLen)
	}

	a.Lamports = lamports
	a.Data = append([]byte(nil), data[:dataLen]...)
	data = data[dataLen:]
	copy(a.Owner[:], data)
	a.Executable = data[types.PubkeySize] != 0
	a.RentEpoch = binary.LittleEndian.Uint64(data[types.PubkeySize+1:])
	return nil
}

// Entry pairs a pubkey with its account.
type Entry struct {
	Pubkey  types.Pubkey
	Account *Account
}

// DB is the accounts database interface.
// Implementations must be safe for concurrent use.
type DB interface {
	// GetAccount retrieves an account by public key.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account.
	// If the account is zero (no lamports and no data), it is deleted.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// SetAccounts stores several accounts atomically, with the same zero
	// account rule as SetAccount.
	SetAccounts(entries []Entry) error

	// DeleteAccount removes an account.
	// Returns nil if the account doesn't exist.
	DeleteAccount(pubkey types.Pubkey) error

	// HasAccount checks if an account exists.
	HasAccount(pubkey types.Pubkey) (bool, error)

	// AccountsCount returns the total number of accounts.
	AccountsCount() (uint64, error)

	// Close closes the database.
	Close() error
}
