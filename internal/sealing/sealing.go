// Package sealing is the reference cipher between clients and the
// execution cluster.
//
// A client and the cluster agree on a key with x25519. Each field of an
// encrypted group is a 32-byte little-endian value XORed with its own
// XChaCha20 keystream block, keyed by the agreed secret and nonced by the
// group nonce and the field index. Ciphertexts carry no tag: integrity of
// results comes from the cluster attestation, not from the cipher.
package sealing

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"

	"Obscura/internal/oblivious"
	"Obscura/internal/output"
)

const (
	// KeySize is the size of x25519 keys and derived cipher keys.
	KeySize = 32

	// FieldSize is the size of one sealed field.
	FieldSize = output.CiphertextSize

	// kdfContext separates field keys from any other use of the secret.
	kdfContext = "obscura sealing 2025-06 field key"

	// selfContext derives the key a cluster uses for state only it reads.
	selfContext = "obscura sealing 2025-06 cluster state key"
)

// ErrKey is returned for an unusable key.
var ErrKey = errors.New("invalid sealing key")

// KeyPair is an x25519 key pair.
type KeyPair struct {
	Private [KeySize]byte // Private is the scalar
	Public  [KeySize]byte // Public is the curve point
}

// GenerateKey creates a key pair from r, or crypto/rand when r is nil.
func GenerateKey(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}

	var kp KeyPair
	if _, err := io.ReadFull(r, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("read private key:\n%w", err)
	}

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrKey, err)
	}
	copy(kp.Public[:], pub)

	return &kp, nil
}

// KeyFromSeed derives a deterministic key pair from a seed.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	var priv [KeySize]byte
	blake3.DeriveKey("obscura sealing 2025-06 seed", seed, priv[:])

	return GenerateKey(bytes.NewReader(priv[:]))
}

// Cipher seals and opens fields under one agreed key.
type Cipher struct {
	key [KeySize]byte
}

// NewCipher agrees a key between priv and the peer's public key.
func NewCipher(priv *KeyPair, peer [KeySize]byte) (*Cipher, error) {
	shared, err := curve25519.X25519(priv.Private[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrKey, err)
	}

	c := &Cipher{}
	blake3.DeriveKey(kdfContext, shared, c.key[:])

	return c, nil
}

// SelfCipher returns the cipher a key holder uses for data only it opens.
func SelfCipher(kp *KeyPair) *Cipher {
	c := &Cipher{}
	blake3.DeriveKey(selfContext, kp.Private[:], c.key[:])

	return c
}

// keystream returns the 32-byte block for field index under nonce.
func (c *Cipher) keystream(nonce [output.NonceSize]byte, index uint64) [FieldSize]byte {
	var xn [chacha20.NonceSizeX]byte
	copy(xn[:], nonce[:])
	binary.LittleEndian.PutUint64(xn[output.NonceSize:], index)

	// Key and nonce sizes are fixed, so construction cannot fail.
	s, _ := chacha20.NewUnauthenticatedCipher(c.key[:], xn[:])

	var block [FieldSize]byte
	s.XORKeyStream(block[:], block[:])

	return block
}

// xor applies the keystream of field index to v.
func (c *Cipher) xor(nonce [output.NonceSize]byte, index int, v [FieldSize]byte) [FieldSize]byte {
	ks := c.keystream(nonce, uint64(index))
	for i := range v {
		v[i] ^= ks[i]
	}

	return v
}

// Seal encrypts fields under nonce. Field i uses keystream block i.
func (c *Cipher) Seal(nonce [output.NonceSize]byte, fields [][FieldSize]byte) output.Group {
	g := output.Group{Nonce: nonce, Ciphertexts: make([][FieldSize]byte, len(fields))}
	for i, f := range fields {
		g.Ciphertexts[i] = c.xor(nonce, i, f)
	}

	return g
}

// Open decrypts every field of a group.
func (c *Cipher) Open(g output.Group) [][FieldSize]byte {
	fields := make([][FieldSize]byte, len(g.Ciphertexts))
	for i, ct := range g.Ciphertexts {
		fields[i] = c.xor(g.Nonce, i, ct)
	}

	return fields
}

// OpenField decrypts one ciphertext that sits at index within its group.
func (c *Cipher) OpenField(nonce [output.NonceSize]byte, index int, ct [FieldSize]byte) [FieldSize]byte {
	return c.xor(nonce, index, ct)
}

// SealUint64s is Seal for small scalar fields.
func (c *Cipher) SealUint64s(nonce [output.NonceSize]byte, values ...uint64) output.Group {
	fields := make([][FieldSize]byte, len(values))
	for i, v := range values {
		fields[i] = FromUint64(v)
	}

	return c.Seal(nonce, fields)
}

// FromUint64 encodes v as a little-endian field.
func FromUint64(v uint64) [FieldSize]byte {
	var f [FieldSize]byte
	binary.LittleEndian.PutUint64(f[:], v)

	return f
}

// ToUint64 reads the low 64 bits of a field.
func ToUint64(f [FieldSize]byte) uint64 {
	return binary.LittleEndian.Uint64(f[:8])
}

// FromWord encodes a packed word as a little-endian field.
func FromWord(w *uint256.Int) [FieldSize]byte {
	var f [FieldSize]byte
	copy(f[:], oblivious.WordBytes(w, FieldSize))

	return f
}

// ToWord decodes a little-endian field into a packed word.
func ToWord(f [FieldSize]byte) *uint256.Int {
	return oblivious.WordFromBytes(f[:])
}

// NewNonce draws a random group nonce.
func NewNonce() ([output.NonceSize]byte, error) {
	var n [output.NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("read nonce:\n%w", err)
	}

	return n, nil
}
