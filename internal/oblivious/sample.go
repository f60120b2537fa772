package oblivious

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// ErrSampling is returned for an empty range or a non-positive round count.
var ErrSampling = errors.New("invalid sampling parameters")

// Source yields uniformly random 64-bit values.
// *math/rand/v2.ChaCha8 satisfies it; CryptoSource reads the OS generator.
type Source interface {
	Uint64() uint64
}

// CryptoSource draws from crypto/rand.
type CryptoSource struct{}

// Uint64 returns 8 random bytes as a little-endian integer.
func (CryptoSource) Uint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}

	return binary.LittleEndian.Uint64(b[:])
}

// SampleBelow draws a value in [0, n) by rejection sampling over the
// smallest power-of-two range covering n. It always runs exactly rounds
// trials; if none is accepted the result falls back to 0, which happens
// with probability BiasBound(n, rounds).
func SampleBelow(src Source, n uint64, rounds int) (uint64, error) {
	if n == 0 || rounds <= 0 {
		return 0, fmt.Errorf("%w: n=%d rounds=%d", ErrSampling, n, rounds)
	}

	mask := uint64(1)<<bits.Len64(n-1) - 1

	var result, selected uint64
	for i := 0; i < rounds; i++ {
		candidate := src.Uint64() & mask
		valid := Less(candidate, n)
		take := valid & Not(selected)

		result = Select(take, candidate, result)
		selected |= valid
	}

	return result, nil
}

// BiasBound returns the probability that SampleBelow exhausts all rounds.
// For n = 3 over 2 bits this is (1/4)^rounds.
func BiasBound(n uint64, rounds int) float64 {
	if n == 0 || rounds <= 0 {
		return 1
	}

	span := math.Ldexp(1, bits.Len64(n-1))
	reject := (span - float64(n)) / span

	return math.Pow(reject, float64(rounds))
}

// Shuffle permutes values in place with a Fisher-Yates pass whose swaps
// use linear scans, so memory access does not depend on the drawn indices.
func Shuffle(src Source, values []uint8) {
	for i := len(values) - 1; i > 0; i-- {
		j, _ := SampleBelow(src, uint64(i+1), 64)

		vi := values[i]
		vj := Index(values, j)

		Store(values, j, vi, 1)
		values[i] = vj
	}
}
