package output

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOutputCorrupt is returned when a payload does not match its schema.
var ErrOutputCorrupt = errors.New("output corrupt")

// Group is one encrypted sub-result.
type Group struct {
	PublicKey   [PublicKeySize]byte    // PublicKey is set for shared groups only
	Nonce       [NonceSize]byte        // Nonce is shared by every ciphertext in the group
	Ciphertexts [][CiphertextSize]byte // Ciphertexts holds one slot per encrypted field
}

// Value is one decoded sub-result.
type Value struct {
	Kind   Kind    // Kind mirrors the schema field
	Scalar []byte  // Scalar holds little-endian bytes for KindScalar
	Group  Group   // Group is set for KindEnc and KindShared
	Tuple  []Value // Tuple holds nested values for KindTuple
}

// Uint64 interprets a scalar of up to 8 bytes.
func (v Value) Uint64() uint64 {
	var buf [8]byte
	copy(buf[:], v.Scalar)

	return binary.LittleEndian.Uint64(buf[:])
}

// Bool interprets a scalar as a boolean (any non-zero byte is true).
func (v Value) Bool() bool {
	for _, b := range v.Scalar {
		if b != 0 {
			return true
		}
	}

	return false
}

// U128 returns a 16-byte scalar as its little-endian bytes.
func (v Value) U128() [16]byte {
	var out [16]byte
	copy(out[:], v.Scalar)

	return out
}

// Decode splits payload according to schema.
// The payload length must equal schema.Size() exactly.
func Decode(schema Schema, payload []byte) ([]Value, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	if want := schema.Size(); len(payload) != want {
		return nil, fmt.Errorf("%w: payload is %d bytes, schema expects %d", ErrOutputCorrupt, len(payload), want)
	}

	r := &payloadReader{data: payload}

	values := make([]Value, len(schema))
	for i, f := range schema {
		v, err := r.read(f)
		if err != nil {
			return nil, fmt.Errorf("field %d:\n%w", i, err)
		}
		values[i] = v
	}

	return values, nil
}

// payloadReader consumes a payload with bounds checks on every read.
type payloadReader struct {
	data []byte
	pos  int
}

// take returns the next n bytes.
func (r *payloadReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: read of %d bytes at offset %d overruns %d", ErrOutputCorrupt, n, r.pos, len(r.data))
	}

	b := r.data[r.pos : r.pos+n]
	r.pos += n

	return b, nil
}

// read decodes a single field.
func (r *payloadReader) read(f Field) (Value, error) {
	switch f.Kind {
	case KindScalar:
		b, err := r.take(f.Width)
		if err != nil {
			return Value{}, err
		}

		scalar := make([]byte, len(b))
		copy(scalar, b)

		return Value{Kind: KindScalar, Scalar: scalar}, nil

	case KindEnc, KindShared:
		g, err := r.group(f)
		if err != nil {
			return Value{}, err
		}

		return Value{Kind: f.Kind, Group: g}, nil

	case KindTuple:
		values := make([]Value, len(f.Fields))
		for i, sub := range f.Fields {
			v, err := r.read(sub)
			if err != nil {
				return Value{}, err
			}
			values[i] = v
		}

		return Value{Kind: KindTuple, Tuple: values}, nil

	default:
		return Value{}, fmt.Errorf("%w: unknown kind %d", ErrSchema, f.Kind)
	}
}

// group decodes an encrypted group.
func (r *payloadReader) group(f Field) (Group, error) {
	var g Group

	if f.Kind == KindShared {
		b, err := r.take(PublicKeySize)
		if err != nil {
			return Group{}, err
		}
		copy(g.PublicKey[:], b)
	}

	b, err := r.take(NonceSize)
	if err != nil {
		return Group{}, err
	}
	copy(g.Nonce[:], b)

	g.Ciphertexts = make([][CiphertextSize]byte, f.Count)
	for i := range g.Ciphertexts {
		b, err := r.take(CiphertextSize)
		if err != nil {
			return Group{}, err
		}
		copy(g.Ciphertexts[i][:], b)
	}

	return g, nil
}
