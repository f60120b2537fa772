package output

import (
	"encoding/binary"
	"fmt"
)

// Builder appends sub-results in declaration order.
// Clusters use it to produce payloads; Check confirms the result fits a schema.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty payload builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Bool appends a revealed boolean.
func (b *Builder) Bool(v bool) *Builder {
	if v {
		b.buf = append(b.buf, 1)
	} else {
		b.buf = append(b.buf, 0)
	}

	return b
}

// U8 appends a revealed uint8.
func (b *Builder) U8(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// U16 appends a revealed uint16.
func (b *Builder) U16(v uint16) *Builder {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return b
}

// U32 appends a revealed uint32.
func (b *Builder) U32(v uint32) *Builder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return b
}

// U64 appends a revealed uint64.
func (b *Builder) U64(v uint64) *Builder {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	return b
}

// U128 appends a revealed uint128 given as little-endian bytes.
func (b *Builder) U128(v [16]byte) *Builder {
	b.buf = append(b.buf, v[:]...)
	return b
}

// Enc appends an encrypted group without a public key.
func (b *Builder) Enc(g Group) *Builder {
	b.buf = append(b.buf, g.Nonce[:]...)
	for _, ct := range g.Ciphertexts {
		b.buf = append(b.buf, ct[:]...)
	}

	return b
}

// Shared appends an encrypted group prefixed with the recipient's key.
func (b *Builder) Shared(g Group) *Builder {
	b.buf = append(b.buf, g.PublicKey[:]...)
	return b.Enc(g)
}

// Bytes returns the payload built so far.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Check returns the payload if its length matches schema.
func (b *Builder) Check(schema Schema) ([]byte, error) {
	if want := schema.Size(); len(b.buf) != want {
		return nil, fmt.Errorf("%w: built %d bytes, schema expects %d", ErrOutputCorrupt, len(b.buf), want)
	}

	return b.buf, nil
}
