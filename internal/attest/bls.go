package attest

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature.
	SignatureSize = 96
)

// blsDST is the domain separation tag for node signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair is the BLS key of one cluster node.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// GenerateKey creates a key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// DeriveNodeKey derives the key of node index from a cluster seed:
// BLAKE3("obscura-node-key" || seed || LE32(index)).
func DeriveNodeKey(seed []byte, index int) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte("obscura-node-key"))
	h.Write(seed)

	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(index))
	h.Write(idx[:])

	var derived [32]byte
	h.Sum(derived[:0])

	return KeyFromSeed(derived[:])
}

// KeyFromSeed creates a key pair from a deterministic seed of at least 32 bytes.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// verifySingle checks one node signature.
func verifySingle(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// aggregateSignatures combines signatures over the same message.
func aggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		if len(raw) != SignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(raw)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// verifyAggregated checks an aggregated signature against the signers' keys.
func verifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, raw := range publicKeys {
		if len(raw) != PublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(raw)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, blsDST)
}

// buildSignerMask sets bit i for every signer index i below total.
func buildSignerMask(indices []int, total int) []byte {
	mask := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			mask[idx/8] |= 1 << (idx % 8)
		}
	}

	return mask
}

// parseSignerMask returns the indices whose bit is set.
func parseSignerMask(mask []byte) []int {
	var indices []int

	for byteIdx, b := range mask {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
