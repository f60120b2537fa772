// Package args encodes the ordered inputs of a computation request.
//
// Arguments are positional: the only binding between a caller and a circuit
// is the order in which arguments are appended. There are no names. The
// encoder catches structural mistakes (an unsupported width, an empty account
// reference) when Encode runs, but it cannot know the circuit's parameter
// list: a request with the wrong number, order or kind of arguments encodes
// fine and is only rejected by the execution cluster, which reports it as an
// aborted computation. Callers must treat an abort as a possible schema
// mismatch.
package args

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// KeySize is the size of an x25519 public key argument.
	KeySize = 32

	// CiphertextSize is the size of one ciphertext slot.
	CiphertextSize = 32

	// AddressSize is the size of a ledger account address.
	AddressSize = 32

	// MaxArguments bounds the argument count of one request.
	MaxArguments = 256
)

// ErrMalformed is returned for arguments that cannot be encoded or decoded.
var ErrMalformed = errors.New("malformed argument")

// Kind tags an argument.
type Kind uint8

const (
	KindPlaintext  Kind = iota + 1 // KindPlaintext is a revealed scalar
	KindPublicKey                  // KindPublicKey is an x25519 public key
	KindCiphertext                 // KindCiphertext is one encrypted scalar
	KindAccount                    // KindAccount points at ciphertext bytes already on the ledger
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPlaintext:
		return "plaintext"
	case KindPublicKey:
		return "pubkey"
	case KindCiphertext:
		return "ciphertext"
	case KindAccount:
		return "account"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Argument is one positional input of a computation.
type Argument struct {
	Kind       Kind                 // Kind selects which fields apply
	Width      int                  // Width in bits for plaintext and ciphertext scalars
	Value      [16]byte             // Value is the little-endian plaintext
	PublicKey  [KeySize]byte        // PublicKey is set for KindPublicKey
	Ciphertext [CiphertextSize]byte // Ciphertext is set for KindCiphertext
	Account    [AddressSize]byte    // Account is the referenced ledger address
	Offset     uint32               // Offset is the byte offset inside the account data
	Length     uint32               // Length is the number of bytes referenced
}

// Uint64 returns the low 64 bits of a plaintext value.
func (a Argument) Uint64() uint64 {
	return binary.LittleEndian.Uint64(a.Value[:8])
}

// validWidth reports whether bits is a supported scalar width.
func validWidth(bits int) bool {
	switch bits {
	case 1, 8, 16, 32, 64, 128:
		return true
	default:
		return false
	}
}

// byteWidth returns the encoded byte length of a plaintext of the given bit width.
func byteWidth(bits int) int {
	if bits == 1 {
		return 1
	}

	return bits / 8
}

// validate checks an argument's structure.
func (a Argument) validate() error {
	switch a.Kind {
	case KindPlaintext, KindCiphertext:
		if !validWidth(a.Width) {
			return fmt.Errorf("%w: %s width %d", ErrMalformed, a.Kind, a.Width)
		}
	case KindPublicKey:
		return nil
	case KindAccount:
		if a.Length == 0 {
			return fmt.Errorf("%w: empty account reference", ErrMalformed)
		}
		if uint64(a.Offset)+uint64(a.Length) > 1<<32-1 {
			return fmt.Errorf("%w: account reference overflows", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, a.Kind)
	}

	return nil
}

// Encode serializes arguments in order.
// Format: u16 count, then per argument a kind tag and a kind-specific body.
func Encode(list []Argument) ([]byte, error) {
	if len(list) > MaxArguments {
		return nil, fmt.Errorf("%w: %d arguments exceed %d", ErrMalformed, len(list), MaxArguments)
	}

	buf := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(list)*41), uint16(len(list)))

	for i, a := range list {
		if err := a.validate(); err != nil {
			return nil, fmt.Errorf("argument %d:\n%w", i, err)
		}

		buf = append(buf, byte(a.Kind))

		switch a.Kind {
		case KindPlaintext:
			buf = append(buf, byte(a.Width))
			buf = append(buf, a.Value[:byteWidth(a.Width)]...)
		case KindPublicKey:
			buf = append(buf, a.PublicKey[:]...)
		case KindCiphertext:
			buf = append(buf, byte(a.Width))
			buf = append(buf, a.Ciphertext[:]...)
		case KindAccount:
			buf = append(buf, a.Account[:]...)
			buf = binary.LittleEndian.AppendUint32(buf, a.Offset)
			buf = binary.LittleEndian.AppendUint32(buf, a.Length)
		}
	}

	return buf, nil
}

// Decode parses bytes written by Encode.
func Decode(data []byte) ([]Argument, error) {
	r := &reader{data: data}

	count, err := r.u16()
	if err != nil {
		return nil, err
	}

	if int(count) > MaxArguments {
		return nil, fmt.Errorf("%w: %d arguments exceed %d", ErrMalformed, count, MaxArguments)
	}

	list := make([]Argument, 0, count)

	for i := 0; i < int(count); i++ {
		a, err := r.argument()
		if err != nil {
			return nil, fmt.Errorf("argument %d:\n%w", i, err)
		}

		list = append(list, a)
	}

	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-r.pos)
	}

	return list, nil
}

// reader consumes encoded arguments.
type reader struct {
	data []byte
	pos  int
}

// take returns the next n bytes.
func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformed, r.pos)
	}

	b := r.data[r.pos : r.pos+n]
	r.pos += n

	return b, nil
}

// u16 reads a little-endian uint16.
func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// argument reads one tagged argument.
func (r *reader) argument() (Argument, error) {
	tag, err := r.take(1)
	if err != nil {
		return Argument{}, err
	}

	a := Argument{Kind: Kind(tag[0])}

	switch a.Kind {
	case KindPlaintext, KindCiphertext:
		w, err := r.take(1)
		if err != nil {
			return Argument{}, err
		}

		a.Width = int(w[0])
		if !validWidth(a.Width) {
			return Argument{}, fmt.Errorf("%w: %s width %d", ErrMalformed, a.Kind, a.Width)
		}

		if a.Kind == KindPlaintext {
			v, err := r.take(byteWidth(a.Width))
			if err != nil {
				return Argument{}, err
			}
			copy(a.Value[:], v)
		} else {
			ct, err := r.take(CiphertextSize)
			if err != nil {
				return Argument{}, err
			}
			copy(a.Ciphertext[:], ct)
		}

	case KindPublicKey:
		k, err := r.take(KeySize)
		if err != nil {
			return Argument{}, err
		}
		copy(a.PublicKey[:], k)

	case KindAccount:
		b, err := r.take(AddressSize + 8)
		if err != nil {
			return Argument{}, err
		}
		copy(a.Account[:], b[:AddressSize])
		a.Offset = binary.LittleEndian.Uint32(b[AddressSize:])
		a.Length = binary.LittleEndian.Uint32(b[AddressSize+4:])

	default:
		return Argument{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, tag[0])
	}

	return a, a.validate()
}
