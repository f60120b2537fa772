// Package output describes and decodes the payload a computation returns.
//
// A payload is the concatenation of sub-results in declaration order. Each
// sub-result is a little-endian plaintext scalar, an encrypted group
// (nonce || ciphertext_0 || ... || ciphertext_{n-1}), a shared encrypted group
// prefixed with the recipient's public key, or a tuple of those. Sizes are
// fixed by the schema, so decoding never inspects lengths inside the payload.
package output

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// NonceSize is the size of the nonce shared by one encrypted group.
	NonceSize = 16

	// CiphertextSize is the size of one ciphertext slot.
	CiphertextSize = 32

	// PublicKeySize is the size of the recipient key prefixing a shared group.
	PublicKeySize = 32

	// maxDepth bounds tuple nesting.
	maxDepth = 8

	// maxFields bounds the members of a schema or tuple.
	maxFields = 1024
)

// ErrSchema is returned for a malformed schema.
var ErrSchema = errors.New("invalid output schema")

// Kind tags a schema field.
type Kind uint8

const (
	KindScalar Kind = iota + 1 // KindScalar is a plaintext little-endian integer
	KindEnc                    // KindEnc is nonce || ciphertexts
	KindShared                 // KindShared is pubkey || nonce || ciphertexts
	KindTuple                  // KindTuple nests fields
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindEnc:
		return "enc"
	case KindShared:
		return "shared"
	case KindTuple:
		return "tuple"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is one sub-result of a payload.
type Field struct {
	Kind   Kind    // Kind selects which of the other fields apply
	Width  int     // Width is the scalar size in bytes
	Count  int     // Count is the number of ciphertext slots in a group
	Fields []Field // Fields are the members of a tuple
}

// Scalar declares a plaintext integer of width bytes.
func Scalar(width int) Field {
	return Field{Kind: KindScalar, Width: width}
}

// Bool declares a revealed boolean (one byte).
func Bool() Field { return Scalar(1) }

// U8 declares a revealed uint8.
func U8() Field { return Scalar(1) }

// U16 declares a revealed uint16.
func U16() Field { return Scalar(2) }

// U32 declares a revealed uint32.
func U32() Field { return Scalar(4) }

// U64 declares a revealed uint64.
func U64() Field { return Scalar(8) }

// U128 declares a revealed uint128.
func U128() Field { return Scalar(16) }

// Enc declares an encrypted group of n ciphertext slots sharing one nonce.
func Enc(n int) Field {
	return Field{Kind: KindEnc, Count: n}
}

// Shared declares an encrypted group re-keyed for a client, carrying its public key.
func Shared(n int) Field {
	return Field{Kind: KindShared, Count: n}
}

// Tuple declares a nested group of fields.
func Tuple(fields ...Field) Field {
	return Field{Kind: KindTuple, Fields: fields}
}

// Size returns the encoded size of the field in bytes.
func (f Field) Size() int {
	switch f.Kind {
	case KindScalar:
		return f.Width
	case KindEnc:
		return NonceSize + f.Count*CiphertextSize
	case KindShared:
		return PublicKeySize + NonceSize + f.Count*CiphertextSize
	case KindTuple:
		total := 0
		for _, sub := range f.Fields {
			total += sub.Size()
		}
		return total
	default:
		return 0
	}
}

// String renders the field as "u64", "enc(5)", "shared(3)" or "tuple(...)".
func (f Field) String() string {
	switch f.Kind {
	case KindScalar:
		return fmt.Sprintf("u%d", f.Width*8)
	case KindEnc, KindShared:
		return fmt.Sprintf("%s(%d)", f.Kind, f.Count)
	case KindTuple:
		return "tuple" + Schema(f.Fields).String()
	default:
		return f.Kind.String()
	}
}

// validate checks the field recursively.
func (f Field) validate(depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrSchema, maxDepth)
	}

	switch f.Kind {
	case KindScalar:
		switch f.Width {
		case 1, 2, 4, 8, 16:
			return nil
		default:
			return fmt.Errorf("%w: scalar width %d", ErrSchema, f.Width)
		}
	case KindEnc, KindShared:
		if f.Count < 1 || f.Count > maxFields {
			return fmt.Errorf("%w: %s group with %d ciphertexts", ErrSchema, f.Kind, f.Count)
		}
		return nil
	case KindTuple:
		if len(f.Fields) == 0 || len(f.Fields) > maxFields {
			return fmt.Errorf("%w: tuple with %d fields", ErrSchema, len(f.Fields))
		}
		for _, sub := range f.Fields {
			if err := sub.validate(depth + 1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrSchema, f.Kind)
	}
}

// Schema is the ordered return shape of a computation definition.
type Schema []Field

// Size returns the exact payload length the schema accepts.
func (s Schema) Size() int {
	return Tuple(s...).Size()
}

// String renders the schema as a parenthesized field list.
func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.String()
	}

	return "(" + strings.Join(parts, ",") + ")"
}

// Validate checks every field.
func (s Schema) Validate() error {
	if len(s) > maxFields {
		return fmt.Errorf("%w: %d fields", ErrSchema, len(s))
	}

	for i, f := range s {
		if err := f.validate(1); err != nil {
			return fmt.Errorf("field %d:\n%w", i, err)
		}
	}

	return nil
}

// MarshalBinary encodes the schema as a compact preorder tag stream.
func (s Schema) MarshalBinary() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	buf := binary.LittleEndian.AppendUint16(nil, uint16(len(s)))
	for _, f := range s {
		buf = appendField(buf, f)
	}

	return buf, nil
}

// appendField encodes one field: kind, then width / count / nested fields.
func appendField(buf []byte, f Field) []byte {
	buf = append(buf, byte(f.Kind))

	switch f.Kind {
	case KindScalar:
		buf = append(buf, byte(f.Width))
	case KindEnc, KindShared:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(f.Count))
	case KindTuple:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Fields)))
		for _, sub := range f.Fields {
			buf = appendField(buf, sub)
		}
	}

	return buf
}

// UnmarshalBinary decodes a schema written by MarshalBinary.
func (s *Schema) UnmarshalBinary(data []byte) error {
	r := &schemaReader{data: data}

	n, err := r.u16()
	if err != nil {
		return err
	}

	fields := make(Schema, 0, n)
	for i := 0; i < int(n); i++ {
		f, err := r.field(1)
		if err != nil {
			return err
		}
		fields = append(fields, f)
	}

	if r.pos != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrSchema, len(data)-r.pos)
	}

	if err := fields.Validate(); err != nil {
		return err
	}

	*s = fields

	return nil
}

// schemaReader walks an encoded schema.
type schemaReader struct {
	data []byte
	pos  int
}

// u8 reads one byte.
func (r *schemaReader) u8() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated", ErrSchema)
	}

	b := r.data[r.pos]
	r.pos++

	return b, nil
}

// u16 reads a little-endian uint16.
func (r *schemaReader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated", ErrSchema)
	}

	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2

	return v, nil
}

// field reads one field at the given depth.
func (r *schemaReader) field(depth int) (Field, error) {
	if depth > maxDepth {
		return Field{}, fmt.Errorf("%w: nesting deeper than %d", ErrSchema, maxDepth)
	}

	kind, err := r.u8()
	if err != nil {
		return Field{}, err
	}

	switch Kind(kind) {
	case KindScalar:
		w, err := r.u8()
		if err != nil {
			return Field{}, err
		}
		return Scalar(int(w)), nil

	case KindEnc, KindShared:
		n, err := r.u16()
		if err != nil {
			return Field{}, err
		}
		return Field{Kind: Kind(kind), Count: int(n)}, nil

	case KindTuple:
		n, err := r.u16()
		if err != nil {
			return Field{}, err
		}

		fields := make([]Field, 0, n)
		for i := 0; i < int(n); i++ {
			sub, err := r.field(depth + 1)
			if err != nil {
				return Field{}, err
			}
			fields = append(fields, sub)
		}
		return Tuple(fields...), nil

	default:
		return Field{}, fmt.Errorf("%w: unknown kind %d", ErrSchema, kind)
	}
}
