package attest

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// ClusterIdentity is the public description of an execution cluster.
// Signer masks index into PublicKeys, so their order is part of the identity.
type ClusterIdentity struct {
	ID         [32]byte // ID commits to the keys and the threshold
	PublicKeys [][]byte // PublicKeys are the nodes' BLS keys in mask order
	Threshold  int      // Threshold is the minimum number of signers
}

// NewClusterIdentity builds an identity and derives its ID:
// BLAKE3("obscura-cluster" || LE32(threshold) || keys...).
func NewClusterIdentity(publicKeys [][]byte, threshold int) (*ClusterIdentity, error) {
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("cluster has no nodes")
	}

	if threshold <= 0 || threshold > len(publicKeys) {
		return nil, fmt.Errorf("threshold %d out of range for %d nodes", threshold, len(publicKeys))
	}

	h := blake3.New()
	h.Write([]byte("obscura-cluster"))

	var th [4]byte
	binary.LittleEndian.PutUint32(th[:], uint32(threshold))
	h.Write(th[:])

	keys := make([][]byte, len(publicKeys))
	for i, pk := range publicKeys {
		if len(pk) != PublicKeySize {
			return nil, fmt.Errorf("node %d: public key size %d", i, len(pk))
		}

		keys[i] = append([]byte(nil), pk...)
		h.Write(pk)
	}

	c := &ClusterIdentity{PublicKeys: keys, Threshold: threshold}
	h.Sum(c.ID[:0])

	return c, nil
}

// Size returns the number of nodes.
func (c *ClusterIdentity) Size() int {
	return len(c.PublicKeys)
}

// DeriveCluster derives n node keys from a seed and the matching identity.
func DeriveCluster(seed []byte, n, threshold int) ([]*KeyPair, *ClusterIdentity, error) {
	keys := make([]*KeyPair, n)
	pubs := make([][]byte, n)

	for i := range keys {
		k, err := DeriveNodeKey(seed, i)
		if err != nil {
			return nil, nil, fmt.Errorf("derive node %d:\n%w", i, err)
		}

		keys[i] = k
		pubs[i] = k.PublicKey()
	}

	id, err := NewClusterIdentity(pubs, threshold)
	if err != nil {
		return nil, nil, err
	}

	return keys, id, nil
}
