// Package attest binds computation results to the slot and cluster that
// produced them.
//
// A cluster signs the digest of a SignedOutput with each node's BLS key and
// aggregates the shares. Verify is the only supported way for a callback to
// accept a result: it checks the cluster, the instance, the slot, the signer
// threshold and the aggregated signature before any payload byte is used.
package attest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ErrVerificationFailed is returned when a result does not authenticate
// against the expected cluster and slot.
var ErrVerificationFailed = errors.New("output verification failed")

// outputDomain separates output digests from other signed messages.
const outputDomain = "obscura-output-v1"

// Status is the terminal tag of a computation.
type Status uint8

const (
	StatusSuccess Status = iota + 1 // StatusSuccess carries a payload
	StatusAborted                   // StatusAborted carries a reason
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ComputationOutput is a result without authentication.
type ComputationOutput struct {
	Status  Status // Status is success or aborted
	Reason  string // Reason explains an abort
	Payload []byte // Payload is the encoded result of a success
}

// Aborted reports whether the computation failed.
func (o ComputationOutput) Aborted() bool {
	return o.Status != StatusSuccess
}

// Attestation is the cluster's aggregated signature.
type Attestation struct {
	Signature  []byte // Signature is the aggregated BLS signature
	SignerMask []byte // SignerMask has bit i set when node i signed
}

// SignedOutput is a result bound to one slot of one instance.
type SignedOutput struct {
	Cluster    [32]byte // Cluster is the producing cluster's ID
	Instance   [32]byte // Instance is the application instance address
	Slot       uint64   // Slot is the caller-chosen slot
	Definition uint32   // Definition is the circuit offset
	ComputationOutput
	Attestation Attestation
}

// Digest returns the message the cluster signs.
func (s *SignedOutput) Digest() [32]byte {
	h := blake3.New()
	h.Write([]byte(outputDomain))
	h.Write(s.Cluster[:])
	h.Write(s.Instance[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.Slot)
	h.Write(buf[:])

	binary.LittleEndian.PutUint32(buf[:4], s.Definition)
	h.Write(buf[:4])

	h.Write([]byte{byte(s.Status)})

	binary.LittleEndian.PutUint32(buf[:4], uint32(len(s.Reason)))
	h.Write(buf[:4])
	h.Write([]byte(s.Reason))

	binary.LittleEndian.PutUint32(buf[:4], uint32(len(s.Payload)))
	h.Write(buf[:4])
	h.Write(s.Payload)

	var d [32]byte
	h.Sum(d[:0])

	return d
}

// Verify authenticates signed against the cluster expected to serve the
// request and the exact instance and slot it was submitted under.
// On success it returns the output; on any mismatch it returns an error
// wrapping ErrVerificationFailed and the output must be dropped.
func Verify(signed *SignedOutput, cluster *ClusterIdentity, instance [32]byte, slot uint64) (*ComputationOutput, error) {
	if signed == nil || cluster == nil {
		return nil, fmt.Errorf("%w: missing output or cluster", ErrVerificationFailed)
	}

	if signed.Cluster != cluster.ID {
		return nil, fmt.Errorf("%w: produced by cluster %x, expected %x", ErrVerificationFailed, signed.Cluster[:8], cluster.ID[:8])
	}

	if signed.Instance != instance || signed.Slot != slot {
		return nil, fmt.Errorf("%w: bound to slot %d, expected %d", ErrVerificationFailed, signed.Slot, slot)
	}

	if signed.Status != StatusSuccess && signed.Status != StatusAborted {
		return nil, fmt.Errorf("%w: unknown status %d", ErrVerificationFailed, signed.Status)
	}

	signers, err := signerKeys(signed.Attestation.SignerMask, cluster)
	if err != nil {
		return nil, err
	}

	digest := signed.Digest()
	if !verifyAggregated(signed.Attestation.Signature, digest[:], signers) {
		return nil, fmt.Errorf("%w: bad aggregated signature", ErrVerificationFailed)
	}

	out := signed.ComputationOutput

	return &out, nil
}

// signerKeys resolves the mask to public keys and enforces the threshold.
func signerKeys(mask []byte, cluster *ClusterIdentity) ([][]byte, error) {
	if len(mask) != (cluster.Size()+7)/8 {
		return nil, fmt.Errorf("%w: signer mask size %d", ErrVerificationFailed, len(mask))
	}

	indices := parseSignerMask(mask)
	if len(indices) < cluster.Threshold {
		return nil, fmt.Errorf("%w: %d signers, threshold %d", ErrVerificationFailed, len(indices), cluster.Threshold)
	}

	keys := make([][]byte, len(indices))
	for i, idx := range indices {
		if idx >= cluster.Size() {
			return nil, fmt.Errorf("%w: signer %d outside cluster", ErrVerificationFailed, idx)
		}

		keys[i] = cluster.PublicKeys[idx]
	}

	return keys, nil
}

// Unauthenticated accepts an output as delivered, reporting whether it
// succeeded. Anyone able to invoke the callback can forge its input.
//
// Deprecated: use Verify with a SignedOutput.
func Unauthenticated(out ComputationOutput) ([]byte, bool) {
	if out.Aborted() {
		return nil, false
	}

	return out.Payload, true
}
