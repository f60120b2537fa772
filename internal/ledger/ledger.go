// Package ledger is the host runtime that stores accounts and runs
// instructions.
//
// Instructions execute one at a time. Each one stages its writes in a Tx
// and the writes are committed as a single Pebble batch, so an instruction
// is either applied in full or not at all.
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"Obscura/internal/logger"
	"Obscura/internal/storage"
	"Obscura/internal/types"
)

var (
	// ErrAccountNotFound is returned when an address holds no account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating over an existing account.
	ErrAccountExists = errors.New("account already exists")

	// ErrOutOfRange is returned when a byte range exceeds an account's data.
	ErrOutOfRange = errors.New("account range out of bounds")
)

// accountPrefix is the Pebble key prefix for accounts.
var accountPrefix = []byte("a:")

// Address identifies an account.
type Address [32]byte

// String returns the hex form of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// ParseAddress decodes a 64-character hex address.
func ParseAddress(s string) (Address, error) {
	var a Address

	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("decode address:\n%w", err)
	}

	if len(b) != len(a) {
		return a, fmt.Errorf("address must be %d bytes, got %d", len(a), len(b))
	}

	copy(a[:], b)

	return a, nil
}

// DeriveAddress derives a deterministic address from a program name and seeds:
// BLAKE3("obscura-address" || program || (LE32(len) || seed)...).
func DeriveAddress(program string, seeds ...[]byte) Address {
	h := blake3.New()
	h.Write([]byte("obscura-address"))
	h.Write([]byte(program))

	for _, s := range seeds {
		h.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(s))))
		h.Write(s)
	}

	var a Address
	h.Sum(a[:0])

	return a
}

// Account is the persisted form of one address.
type Account struct {
	Owner string // Owner is the program allowed to write the account
	Data  []byte // Data is the program-defined content
}

// Ledger runs instructions against the account store.
type Ledger struct {
	db *storage.Storage // db is the underlying Pebble storage
	mu sync.Mutex       // mu serializes instructions
}

// New creates a ledger over db.
func New(db *storage.Storage) *Ledger {
	return &Ledger{db: db}
}

// Storage returns the underlying store for read-only scans.
func (l *Ledger) Storage() *storage.Storage {
	return l.db
}

// Execute runs fn as one instruction signed by signer. The staged writes
// are committed when fn returns nil, or when fn called Tx.Persist; otherwise
// they are discarded. The error of fn is returned unchanged.
func (l *Ledger) Execute(name string, signer Address, fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	tx := newTx(l.db, signer)

	err := fn(tx)
	if err != nil && !tx.persist {
		logger.Debug("instruction failed", "name", name, "error", err)
		return err
	}

	if cerr := l.db.Apply(tx.mutations()); cerr != nil {
		return fmt.Errorf("commit %s:\n%w", name, cerr)
	}

	for _, hook := range tx.hooks {
		hook()
	}

	logger.Debug("instruction committed", "name", name, "writes", len(tx.order), logger.Timed(start))

	return err
}

// Account reads a committed account.
func (l *Ledger) Account(addr Address) (*Account, error) {
	data, err := l.db.Get(accountKey(addr))
	if err != nil {
		return nil, fmt.Errorf("read account %s:\n%w", addr, err)
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}

	return decodeAccount(data)
}

// ReadRange returns length bytes at offset of a committed account's data.
func (l *Ledger) ReadRange(addr Address, offset, length uint32) ([]byte, error) {
	acc, err := l.Account(addr)
	if err != nil {
		return nil, err
	}

	return acc.Range(offset, length)
}

// Range returns a copy of length bytes at offset.
func (a *Account) Range(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(a.Data)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d bytes", ErrOutOfRange, offset, end, len(a.Data))
	}

	return append([]byte(nil), a.Data[offset:end]...), nil
}

// accountKey builds the storage key of an address.
func accountKey(addr Address) []byte {
	key := make([]byte, len(accountPrefix)+len(addr))
	copy(key, accountPrefix)
	copy(key[len(accountPrefix):], addr[:])

	return key
}

// encodeAccount serializes an account as a FlatBuffers table.
func encodeAccount(acc *Account) []byte {
	builder := flatbuffers.NewBuilder(64 + len(acc.Data))

	ownerOff := builder.CreateString(acc.Owner)
	dataVec := builder.CreateByteVector(acc.Data)

	types.AccountStart(builder)
	types.AccountAddOwner(builder, ownerOff)
	types.AccountAddData(builder, dataVec)
	builder.Finish(types.AccountEnd(builder))

	return builder.FinishedBytes()
}

// decodeAccount parses a persisted account.
func decodeAccount(data []byte) (acc *Account, retErr error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if r := recover(); r != nil {
			acc, retErr = nil, fmt.Errorf("malformed account record")
		}
	}()

	t := types.GetRootAsAccount(data, 0)

	return &Account{
		Owner: string(t.Owner()),
		Data:  append([]byte(nil), t.DataBytes()...),
	}, nil
}
