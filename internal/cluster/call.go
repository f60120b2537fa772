package cluster

import (
	"fmt"

	"Obscura/internal/args"
	"Obscura/internal/ledger"
	"Obscura/internal/oblivious"
	"Obscura/internal/output"
	"Obscura/internal/scheduler"
	"Obscura/internal/sealing"
)

// Call is the view a circuit has of one request. Arguments are consumed in
// order through typed readers; the first mismatch sticks and is reported by
// Err, so a circuit can read everything and check once.
type Call struct {
	Queued *scheduler.Queued // Queued is the request being executed

	list     []args.Argument  // list holds the decoded arguments
	accounts map[int][]byte   // accounts holds resolved account bytes by position
	pos      int              // pos is the next argument to read
	err      error            // err is the first read failure
	key      *sealing.KeyPair // key is the cluster's sealing key
	rand     oblivious.Source // rand drives shuffles and sampling
}

// newCall resolves account references through reader.
func newCall(q *scheduler.Queued, list []args.Argument, reader AccountReader, key *sealing.KeyPair, rand oblivious.Source) (*Call, error) {
	c := &Call{
		Queued:   q,
		list:     list,
		accounts: make(map[int][]byte),
		key:      key,
		rand:     rand,
	}

	for i, a := range list {
		if a.Kind != args.KindAccount {
			continue
		}

		data, err := reader.ReadRange(ledger.Address(a.Account), a.Offset, a.Length)
		if err != nil {
			return nil, fmt.Errorf("argument %d account %x:\n%w", i, a.Account[:4], err)
		}

		c.accounts[i] = data
	}

	return c, nil
}

// Rand returns the randomness source of the call.
func (c *Call) Rand() oblivious.Source {
	return c.rand
}

// Err returns the first argument error, or an error if arguments remain.
func (c *Call) Err() error {
	if c.err != nil {
		return c.err
	}

	if c.pos != len(c.list) {
		return fmt.Errorf("%d arguments supplied, circuit read %d", len(c.list), c.pos)
	}

	return nil
}

// next returns the next argument if it has the wanted kind.
func (c *Call) next(kind args.Kind) (int, args.Argument, bool) {
	if c.err != nil {
		return 0, args.Argument{}, false
	}

	if c.pos >= len(c.list) {
		c.err = fmt.Errorf("argument %d missing, want %s", c.pos, kind)
		return 0, args.Argument{}, false
	}

	i := c.pos
	a := c.list[i]
	c.pos++

	if a.Kind != kind {
		c.err = fmt.Errorf("argument %d is %s, want %s", i, a.Kind, kind)
		return 0, args.Argument{}, false
	}

	return i, a, true
}

// Plaintext reads a revealed scalar of up to 64 bits.
func (c *Call) Plaintext() uint64 {
	_, a, ok := c.next(args.KindPlaintext)
	if !ok {
		return 0
	}

	return a.Uint64()
}

// U8 reads a revealed 8-bit scalar.
func (c *Call) U8() uint8 {
	_, a, ok := c.next(args.KindPlaintext)
	if !ok {
		return 0
	}

	if a.Width != 8 {
		c.err = fmt.Errorf("argument %d is %d bits, want 8", c.pos-1, a.Width)
		return 0
	}

	return uint8(a.Uint64())
}

// Bool reads a revealed boolean.
func (c *Call) Bool() bool {
	return c.Plaintext() != 0
}

// PublicKey reads an x25519 public key.
func (c *Call) PublicKey() [args.KeySize]byte {
	_, a, ok := c.next(args.KindPublicKey)
	if !ok {
		return [args.KeySize]byte{}
	}

	return a.PublicKey
}

// Nonce reads a 128-bit plaintext nonce.
func (c *Call) Nonce() [output.NonceSize]byte {
	_, a, ok := c.next(args.KindPlaintext)
	if !ok {
		return [output.NonceSize]byte{}
	}

	if a.Width != 128 {
		c.err = fmt.Errorf("argument %d is %d bits, want a 128-bit nonce", c.pos-1, a.Width)
		return [output.NonceSize]byte{}
	}

	return a.Value
}

// ciphertexts reads n ciphertexts, either as one account reference holding
// n*32 bytes or as n ciphertext arguments.
func (c *Call) ciphertexts(n int) [][output.CiphertextSize]byte {
	if c.err != nil {
		return nil
	}

	if c.pos < len(c.list) && c.list[c.pos].Kind == args.KindAccount {
		i, _, _ := c.next(args.KindAccount)
		data := c.accounts[i]

		if len(data) != n*output.CiphertextSize {
			c.err = fmt.Errorf("argument %d references %d bytes, want %d ciphertexts", i, len(data), n)
			return nil
		}

		cts := make([][output.CiphertextSize]byte, n)
		for k := range cts {
			copy(cts[k][:], data[k*output.CiphertextSize:])
		}

		return cts
	}

	cts := make([][output.CiphertextSize]byte, n)
	for k := range cts {
		_, a, ok := c.next(args.KindCiphertext)
		if !ok {
			return nil
		}
		cts[k] = a.Ciphertext
	}

	return cts
}

// Mxe reads a group of n fields sealed to the cluster itself:
// a nonce followed by the ciphertexts.
func (c *Call) Mxe(n int) [][sealing.FieldSize]byte {
	nonce := c.Nonce()
	cts := c.ciphertexts(n)

	if c.err != nil {
		return make([][sealing.FieldSize]byte, n)
	}

	return sealing.SelfCipher(c.key).Open(output.Group{Nonce: nonce, Ciphertexts: cts})
}

// Shared reads a group of n fields sealed between a client and the cluster:
// the client's key, a nonce, then the ciphertexts. It returns the client key
// so results can be sealed back to the same owner.
func (c *Call) Shared(n int) ([args.KeySize]byte, [][sealing.FieldSize]byte) {
	pub := c.PublicKey()
	nonce := c.Nonce()
	cts := c.ciphertexts(n)

	if c.err != nil {
		return pub, make([][sealing.FieldSize]byte, n)
	}

	cipher, err := sealing.NewCipher(c.key, pub)
	if err != nil {
		c.err = err
		return pub, make([][sealing.FieldSize]byte, n)
	}

	return pub, cipher.Open(output.Group{Nonce: nonce, Ciphertexts: cts})
}

// SealMxe seals fields to the cluster under a fresh nonce.
func (c *Call) SealMxe(fields [][sealing.FieldSize]byte) (output.Group, error) {
	nonce, err := sealing.NewNonce()
	if err != nil {
		return output.Group{}, err
	}

	return sealing.SelfCipher(c.key).Seal(nonce, fields), nil
}

// SealShared seals fields to a client under a fresh nonce.
func (c *Call) SealShared(client [args.KeySize]byte, fields [][sealing.FieldSize]byte) (output.Group, error) {
	nonce, err := sealing.NewNonce()
	if err != nil {
		return output.Group{}, err
	}

	cipher, err := sealing.NewCipher(c.key, client)
	if err != nil {
		return output.Group{}, err
	}

	g := cipher.Seal(nonce, fields)
	g.PublicKey = client

	return g, nil
}
