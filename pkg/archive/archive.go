// Package archive stores serialized program inputs for later inspection.
//
// Each record is the input region of one instruction, keyed by slot and
// instruction index and compressed with zstd. Inputs come back 8-byte
// aligned, so they can be handed to the entrypoint readers directly.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm/entrypoint"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
)

var (
	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("input not found")

	// ErrClosed is returned when operating on a closed archive.
	ErrClosed = errors.New("archive closed")

	// ErrCorrupted is returned when a stored record is malformed.
	ErrCorrupted = errors.New("archive record corrupted")
)

// bucketInputs holds records keyed by EncodeKey.
var bucketInputs = []byte("inputs")

// MaxInputSize is the largest input accepted.
const MaxInputSize = 64 << 20

// record value: program id (32) | input length (8) | zstd frame
const valueHeaderSize = types.PubkeySize + 8

// Config configures an archive.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Record is one archived input.
type Record struct {
	Slot      uint64
	Index     uint32
	ProgramID types.Pubkey

	// Input is the serialized input region, 8-byte aligned.
	Input []byte
}

// HeapSize returns the heap size the input's transaction requested.
func (r *Record) HeapSize() (uint64, bool) {
	return entrypoint.ExtractHeapSizeFromInput(r.Input)
}

// Store is a bbolt-backed input archive.
type Store struct {
	db  *bolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens an archive.
func Open(config Config) (*Store, error) {
	if !config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketInputs)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// EncodeKey returns the key of an input: big-endian slot then index, so
// records sort by slot and instruction.
func EncodeKey(slot uint64, index uint32) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key, slot)
	binary.BigEndian.PutUint32(key[8:], index)
	return key
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(key []byte) (slot uint64, index uint32, ok bool) {
	if len(key) != 12 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(key), binary.BigEndian.Uint32(key[8:]), true
}

// Put stores the input of instruction index in slot, replacing any
// previous record.
func (s *Store) Put(slot uint64, index uint32, programID types.Pubkey, input []byte) error {
	if len(input) > MaxInputSize {
		return fmt.Errorf("input of %d bytes exceeds %d", len(input), MaxInputSize)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	value := make([]byte, valueHeaderSize, valueHeaderSize+len(input)/2)
	copy(value, programID[:])
	binary.LittleEndian.PutUint64(value[types.PubkeySize:], uint64(len(input)))
	value = s.enc.EncodeAll(input, value)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInputs).Put(EncodeKey(slot, index), value)
	})
}

// Get returns the input of instruction index in slot.
func (s *Store) Get(slot uint64, index uint32) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInputs)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(EncodeKey(slot, index))
		if v == nil {
			return ErrNotFound
		}
		var err error
		rec, err = s.decode(slot, index, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ForEach calls fn for every record in slot and index order.
// Return an error from fn to stop iteration.
func (s *Store) ForEach(fn func(rec *Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInputs)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			slot, index, ok := DecodeKey(k)
			if !ok {
				return fmt.Errorf("%w: key %x", ErrCorrupted, k)
			}
			rec, err := s.decode(slot, index, v)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

// decode expands a stored value. v is only valid during the transaction.
func (s *Store) decode(slot uint64, index uint32, v []byte) (*Record, error) {
	if len(v) < valueHeaderSize {
		return nil, fmt.Errorf("%w: %d byte value", ErrCorrupted, len(v))
	}
	rec := &Record{Slot: slot, Index: index}
	copy(rec.ProgramID[:], v)

	n := binary.LittleEndian.Uint64(v[types.PubkeySize:])
	if n > MaxInputSize {
		return nil, fmt.Errorf("%w: input length %d", ErrCorrupted, n)
	}
	buf := sbpf.AlignedBytes(int(n))
	out, err := s.dec.DecodeAll(v[valueHeaderSize:], buf[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if uint64(len(out)) != n {
		return nil, fmt.Errorf("%w: input length %d, want %d", ErrCorrupted, len(out), n)
	}
	rec.Input = out
	if !sbpf.IsAligned(out) {
		rec.Input = sbpf.AlignedBytes(len(out))
		copy(rec.Input, out)
	}
	return rec, nil
}

// Close closes the archive.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// ReadInputFile reads a serialized input from path, decompressing it if the
// name ends in .zst. The result is 8-byte aligned.
func ReadInputFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > MaxInputSize {
		return nil, fmt.Errorf("%s: input exceeds %d bytes", path, MaxInputSize)
	}

	aligned := sbpf.AlignedBytes(len(data))
	copy(aligned, data)
	return aligned, nil
}
