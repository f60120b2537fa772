package args

import (
	"encoding/binary"
	"fmt"

	"Obscura/internal/output"
)

// Builder appends arguments in circuit parameter order.
type Builder struct {
	list []Argument
}

// NewBuilder returns an empty argument list builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// plaintext appends a revealed scalar of the given bit width.
func (b *Builder) plaintext(bits int, value [16]byte) *Builder {
	b.list = append(b.list, Argument{Kind: KindPlaintext, Width: bits, Value: value})
	return b
}

// le64 widens a uint64 into 16 little-endian bytes.
func le64(v uint64) [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[:8], v)

	return out
}

// PlaintextBool appends a revealed boolean.
func (b *Builder) PlaintextBool(v bool) *Builder {
	var x uint64
	if v {
		x = 1
	}

	return b.plaintext(1, le64(x))
}

// PlaintextU8 appends a revealed uint8.
func (b *Builder) PlaintextU8(v uint8) *Builder { return b.plaintext(8, le64(uint64(v))) }

// PlaintextU16 appends a revealed uint16.
func (b *Builder) PlaintextU16(v uint16) *Builder { return b.plaintext(16, le64(uint64(v))) }

// PlaintextU32 appends a revealed uint32.
func (b *Builder) PlaintextU32(v uint32) *Builder { return b.plaintext(32, le64(uint64(v))) }

// PlaintextU64 appends a revealed uint64.
func (b *Builder) PlaintextU64(v uint64) *Builder { return b.plaintext(64, le64(v)) }

// PlaintextU128 appends a revealed uint128 given as little-endian bytes.
func (b *Builder) PlaintextU128(v [16]byte) *Builder { return b.plaintext(128, v) }

// Nonce appends the nonce of the ciphertexts that follow.
func (b *Builder) Nonce(n [output.NonceSize]byte) *Builder {
	return b.PlaintextU128(n)
}

// X25519Pubkey appends the client public key the cluster derives the shared secret from.
func (b *Builder) X25519Pubkey(k [KeySize]byte) *Builder {
	b.list = append(b.list, Argument{Kind: KindPublicKey, PublicKey: k})
	return b
}

// encrypted appends one ciphertext slot for a scalar of the given bit width.
func (b *Builder) encrypted(bits int, ct [CiphertextSize]byte) *Builder {
	b.list = append(b.list, Argument{Kind: KindCiphertext, Width: bits, Ciphertext: ct})
	return b
}

// EncryptedBool appends an encrypted boolean.
func (b *Builder) EncryptedBool(ct [CiphertextSize]byte) *Builder { return b.encrypted(1, ct) }

// EncryptedU8 appends an encrypted uint8.
func (b *Builder) EncryptedU8(ct [CiphertextSize]byte) *Builder { return b.encrypted(8, ct) }

// EncryptedU16 appends an encrypted uint16.
func (b *Builder) EncryptedU16(ct [CiphertextSize]byte) *Builder { return b.encrypted(16, ct) }

// EncryptedU32 appends an encrypted uint32.
func (b *Builder) EncryptedU32(ct [CiphertextSize]byte) *Builder { return b.encrypted(32, ct) }

// EncryptedU64 appends an encrypted uint64.
func (b *Builder) EncryptedU64(ct [CiphertextSize]byte) *Builder { return b.encrypted(64, ct) }

// EncryptedU128 appends an encrypted uint128.
func (b *Builder) EncryptedU128(ct [CiphertextSize]byte) *Builder { return b.encrypted(128, ct) }

// Account appends a reference to length bytes at offset inside a ledger account.
func (b *Builder) Account(addr [AddressSize]byte, offset, length uint32) *Builder {
	b.list = append(b.list, Argument{Kind: KindAccount, Account: addr, Offset: offset, Length: length})
	return b
}

// Sealed feeds a persisted encrypted group back into a computation.
// The group must be stored at offset as nonce || ciphertexts; the nonce is
// taken from the same record so it always matches the stored ciphertexts.
func (b *Builder) Sealed(addr [AddressSize]byte, offset uint32, g output.Group) *Builder {
	length := uint32(len(g.Ciphertexts) * CiphertextSize)

	return b.Nonce(g.Nonce).Account(addr, offset+output.NonceSize, length)
}

// Len returns the number of arguments appended so far.
func (b *Builder) Len() int {
	return len(b.list)
}

// Build returns the arguments after structural validation.
func (b *Builder) Build() ([]Argument, error) {
	if len(b.list) > MaxArguments {
		return nil, fmt.Errorf("%w: %d arguments exceed %d", ErrMalformed, len(b.list), MaxArguments)
	}

	for i, a := range b.list {
		if err := a.validate(); err != nil {
			return nil, fmt.Errorf("argument %d:\n%w", i, err)
		}
	}

	out := make([]Argument, len(b.list))
	copy(out, b.list)

	return out, nil
}
