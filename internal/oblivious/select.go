// Package oblivious holds the primitives circuits are written with so that
// control flow and instruction count never depend on secret values.
//
// Predicates are uint64 values restricted to 0 or 1. Every helper evaluates
// all of its operands; conditional updates go through Select, and loops run a
// public, fixed number of iterations with an accumulator flag turning the
// surplus iterations into no-ops.
package oblivious

import "math/bits"

// Select returns a when pred is 1 and b when pred is 0.
func Select(pred, a, b uint64) uint64 {
	mask := -(pred & 1)
	return (a & mask) | (b &^ mask)
}

// SelectBool is Select over booleans encoded as predicates.
func SelectBool(pred uint64, a, b bool) bool {
	return Select(pred, Bit(a), Bit(b)) == 1
}

// SelectBytes writes a into dst when pred is 1 and b otherwise.
// All three slices must have the same length.
func SelectBytes(pred uint64, dst, a, b []byte) {
	mask := byte(-(pred & 1))
	for i := range dst {
		dst[i] = (a[i] & mask) | (b[i] &^ mask)
	}
}

// Bit converts a boolean into a predicate.
func Bit(v bool) uint64 {
	var b uint64
	if v {
		b = 1
	}

	return b
}

// Not negates a predicate.
func Not(p uint64) uint64 {
	return (p & 1) ^ 1
}

// Less returns 1 when a < b.
func Less(a, b uint64) uint64 {
	_, borrow := bits.Sub64(a, b, 0)
	return borrow
}

// Greater returns 1 when a > b.
func Greater(a, b uint64) uint64 {
	return Less(b, a)
}

// Eq returns 1 when a == b.
func Eq(a, b uint64) uint64 {
	x := a ^ b
	return 1 ^ ((x | -x) >> 63)
}

// Index returns values[idx] after touching every element.
// An out-of-range idx yields 0.
func Index(values []uint8, idx uint64) uint8 {
	var out uint64
	for i, v := range values {
		out = Select(Eq(uint64(i), idx), uint64(v), out)
	}

	return uint8(out)
}

// Store sets values[idx] = v when pred is 1, touching every element either way.
func Store(values []uint8, idx uint64, v uint8, pred uint64) {
	for i := range values {
		hit := Eq(uint64(i), idx) & pred
		values[i] = uint8(Select(hit, uint64(v), uint64(values[i])))
	}
}
