package attest

import (
	"fmt"
	"sort"
)

// Share is one node's signature over an output digest.
type Share struct {
	Index     int    // Index is the node's position in the cluster
	Signature []byte // Signature is the node's BLS signature
}

// Signer signs outputs on behalf of one cluster node.
type Signer struct {
	index int      // index is the node's position in the cluster
	key   *KeyPair // key is the node's BLS key
}

// NewSigner returns the signer of node index.
func NewSigner(index int, key *KeyPair) *Signer {
	return &Signer{index: index, key: key}
}

// Index returns the node position.
func (s *Signer) Index() int {
	return s.index
}

// Sign produces this node's share for out.
func (s *Signer) Sign(out *SignedOutput) Share {
	d := out.Digest()
	return Share{Index: s.index, Signature: s.key.Sign(d[:])}
}

// Aggregate verifies each share, combines the valid ones and stores the
// attestation on out. It fails when fewer than the threshold are valid.
func Aggregate(cluster *ClusterIdentity, out *SignedOutput, shares []Share) error {
	d := out.Digest()

	seen := make(map[int]bool, len(shares))
	var indices []int
	var sigs [][]byte

	shares = append([]Share(nil), shares...)
	sort.Slice(shares, func(i, j int) bool { return shares[i].Index < shares[j].Index })

	for _, sh := range shares {
		if sh.Index < 0 || sh.Index >= cluster.Size() || seen[sh.Index] {
			continue
		}

		if !verifySingle(sh.Signature, d[:], cluster.PublicKeys[sh.Index]) {
			continue
		}

		seen[sh.Index] = true
		indices = append(indices, sh.Index)
		sigs = append(sigs, sh.Signature)
	}

	if len(indices) < cluster.Threshold {
		return fmt.Errorf("only %d valid shares, threshold %d", len(indices), cluster.Threshold)
	}

	sig, err := aggregateSignatures(sigs)
	if err != nil {
		return fmt.Errorf("aggregate shares:\n%w", err)
	}

	out.Attestation = Attestation{
		Signature:  sig,
		SignerMask: buildSignerMask(indices, cluster.Size()),
	}

	return nil
}
