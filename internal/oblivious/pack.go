package oblivious

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrEncoding is returned when a packed collection cannot be built or read.
var ErrEncoding = errors.New("packed collection encoding")

// Layout describes a packed collection: Elements values of Bits bits each,
// stored positionally in words of WordBits bits. Element i of a word holds
// bits [i*Bits, (i+1)*Bits); elements never straddle two words.
type Layout struct {
	Elements int // Elements is the collection length
	Bits     int // Bits is the width of one element
	WordBits int // WordBits is the width of one word, at most 256
}

// Validate checks the layout is representable.
func (l Layout) Validate() error {
	if l.Elements <= 0 {
		return fmt.Errorf("%w: %d elements", ErrEncoding, l.Elements)
	}
	if l.Bits <= 0 || l.Bits > 64 {
		return fmt.Errorf("%w: element width %d", ErrEncoding, l.Bits)
	}
	if l.WordBits < l.Bits || l.WordBits > 256 {
		return fmt.Errorf("%w: word width %d for %d-bit elements", ErrEncoding, l.WordBits, l.Bits)
	}

	return nil
}

// PerWord returns how many elements fit in one word.
func (l Layout) PerWord() int {
	return l.WordBits / l.Bits
}

// Words returns the number of words the collection occupies.
func (l Layout) Words() int {
	per := l.PerWord()
	return (l.Elements + per - 1) / per
}

// elementMask returns 2^Bits - 1.
func (l Layout) elementMask() *uint256.Int {
	m := new(uint256.Int).Lsh(uint256.NewInt(1), uint(l.Bits))
	return m.SubUint64(m, 1)
}

// inWord returns the number of elements stored in word w.
func (l Layout) inWord(w int) int {
	per := l.PerWord()
	return min(per, l.Elements-w*per)
}

// Pack encodes values into words. Every value must be below 2^Bits; an
// out-of-range value is an error, never truncated.
func (l Layout) Pack(values []uint64) ([]*uint256.Int, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	if len(values) != l.Elements {
		return nil, fmt.Errorf("%w: got %d elements, layout holds %d", ErrEncoding, len(values), l.Elements)
	}

	if l.Bits < 64 {
		for i, v := range values {
			if v>>uint(l.Bits) != 0 {
				return nil, fmt.Errorf("%w: element %d = %d does not fit in %d bits", ErrEncoding, i, v, l.Bits)
			}
		}
	}

	per := l.PerWord()
	words := make([]*uint256.Int, l.Words())
	tmp := new(uint256.Int)

	for w := range words {
		word := new(uint256.Int)

		for j := 0; j < l.inWord(w); j++ {
			tmp.SetUint64(values[w*per+j])
			tmp.Lsh(tmp, uint(j*l.Bits))
			word.Or(word, tmp)
		}

		words[w] = word
	}

	return words, nil
}

// Unpack decodes words produced by Pack. Words with bits set outside the
// element positions are rejected so that Pack and Unpack stay inverses.
func (l Layout) Unpack(words []*uint256.Int) ([]uint64, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	if len(words) != l.Words() {
		return nil, fmt.Errorf("%w: got %d words, layout needs %d", ErrEncoding, len(words), l.Words())
	}

	per := l.PerWord()
	mask := l.elementMask()
	values := make([]uint64, l.Elements)
	tmp := new(uint256.Int)

	for w, word := range words {
		if word == nil {
			return nil, fmt.Errorf("%w: word %d missing", ErrEncoding, w)
		}

		n := l.inWord(w)
		if !tmp.Rsh(word, uint(n*l.Bits)).IsZero() {
			return nil, fmt.Errorf("%w: word %d has bits above element %d", ErrEncoding, w, n)
		}

		for j := 0; j < n; j++ {
			tmp.Rsh(word, uint(j*l.Bits))
			tmp.And(tmp, mask)
			values[w*per+j] = tmp.Uint64()
		}
	}

	return values, nil
}

// WordBytes returns the size low bytes of w in little-endian order.
func WordBytes(w *uint256.Int, size int) []byte {
	be := w.Bytes32()
	out := make([]byte, size)

	for i := 0; i < size && i < 32; i++ {
		out[i] = be[31-i]
	}

	return out
}

// WordFromBytes reads a little-endian word of up to 32 bytes.
func WordFromBytes(b []byte) *uint256.Int {
	n := min(len(b), 32)
	be := make([]byte, n)

	for i := 0; i < n; i++ {
		be[n-1-i] = b[i]
	}

	return new(uint256.Int).SetBytes(be)
}
