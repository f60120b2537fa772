// Package layout encodes application payloads with a fixed, Borsh-style
// layout: little-endian integers, raw byte arrays and encrypted groups
// written back to back with no length prefixes. Every field sits at an
// offset known in advance, so a circuit can be pointed at the ciphertexts
// of a field by account offset.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Obscura/internal/output"
)

// ErrLayout is returned when data does not match the expected layout.
var ErrLayout = errors.New("payload layout mismatch")

// GroupSize returns the encoded size of a group of n ciphertexts.
func GroupSize(n int) int {
	return output.NonceSize + n*output.CiphertextSize
}

// Writer appends fields in order.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with capacity for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// U8 appends one byte.
func (w *Writer) U8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

// Bool appends a boolean as one byte.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}

	return w.U8(0)
}

// U64 appends a little-endian uint64.
func (w *Writer) U64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

// Bytes32 appends a 32-byte array.
func (w *Writer) Bytes32(v [32]byte) *Writer {
	w.buf = append(w.buf, v[:]...)
	return w
}

// Group appends the nonce and exactly n ciphertexts of g. Missing
// ciphertexts are written as zeros so an unset group keeps its size.
func (w *Writer) Group(g output.Group, n int) *Writer {
	w.buf = append(w.buf, g.Nonce[:]...)

	for i := 0; i < n; i++ {
		var ct [output.CiphertextSize]byte
		if i < len(g.Ciphertexts) {
			ct = g.Ciphertexts[i]
		}
		w.buf = append(w.buf, ct[:]...)
	}

	return w
}

// Bytes returns the encoded payload.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes fields in order. The first failure sticks; later reads
// return zero values and Err reports it.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader reads data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// take returns the next n bytes.
func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: read of %d bytes at offset %d overruns %d", ErrLayout, n, r.pos, len(r.data))
		return nil
	}

	b := r.data[r.pos : r.pos+n]
	r.pos += n

	return b
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

// Bool reads a one-byte boolean.
func (r *Reader) Bool() bool {
	return r.U8() != 0
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

// Bytes32 reads a 32-byte array.
func (r *Reader) Bytes32() [32]byte {
	var v [32]byte
	copy(v[:], r.take(32))

	return v
}

// Group reads a nonce followed by n ciphertexts.
func (r *Reader) Group(n int) output.Group {
	var g output.Group
	copy(g.Nonce[:], r.take(output.NonceSize))

	g.Ciphertexts = make([][output.CiphertextSize]byte, n)
	for i := range g.Ciphertexts {
		copy(g.Ciphertexts[i][:], r.take(output.CiphertextSize))
	}

	return g
}

// Err returns the first read failure, or an error when bytes remain.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}

	if r.pos != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrLayout, len(r.data)-r.pos)
	}

	return nil
}
