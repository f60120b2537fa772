package attest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type testCluster struct {
	id      *ClusterIdentity
	signers []*Signer
}

func newTestCluster(t *testing.T, n, threshold int) *testCluster {
	t.Helper()

	keys, id, err := DeriveCluster(bytes.Repeat([]byte{0x42}, 32), n, threshold)
	require.NoError(t, err)

	c := &testCluster{id: id}
	for i, k := range keys {
		c.signers = append(c.signers, NewSigner(i, k))
	}

	return c
}

// sign attests out with the first count nodes.
func (c *testCluster) sign(t *testing.T, out *SignedOutput, count int) {
	t.Helper()

	var shares []Share
	for _, s := range c.signers[:count] {
		shares = append(shares, s.Sign(out))
	}

	require.NoError(t, Aggregate(c.id, out, shares))
}

func newOutput(c *testCluster) *SignedOutput {
	return &SignedOutput{
		Cluster:    c.id.ID,
		Instance:   [32]byte{0xAB},
		Slot:       7,
		Definition: 99,
		ComputationOutput: ComputationOutput{
			Status:  StatusSuccess,
			Payload: []byte{1, 2, 3, 4},
		},
	}
}

func TestVerifySuccess(t *testing.T) {
	c := newTestCluster(t, 4, 3)
	out := newOutput(c)
	c.sign(t, out, 3)

	got, err := Verify(out, c.id, out.Instance, 7)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got.Payload)
	require.False(t, got.Aborted())
}

func TestVerifyAbortedOutput(t *testing.T) {
	c := newTestCluster(t, 3, 2)
	out := newOutput(c)
	out.Status = StatusAborted
	out.Reason = "argument count mismatch"
	out.Payload = nil
	c.sign(t, out, 3)

	got, err := Verify(out, c.id, out.Instance, 7)
	require.NoError(t, err)
	require.True(t, got.Aborted())
	require.Equal(t, "argument count mismatch", got.Reason)
}

// TestVerifyFlippedAttestationByte checks every byte of the signature and mask.
func TestVerifyFlippedAttestationByte(t *testing.T) {
	c := newTestCluster(t, 4, 3)
	out := newOutput(c)
	c.sign(t, out, 3)

	for i := range out.Attestation.Signature {
		tampered := *out
		tampered.Attestation.Signature = append([]byte(nil), out.Attestation.Signature...)
		tampered.Attestation.Signature[i] ^= 0x01

		_, err := Verify(&tampered, c.id, out.Instance, 7)
		require.ErrorIs(t, err, ErrVerificationFailed, "signature byte %d", i)
	}

	tampered := *out
	tampered.Attestation.SignerMask = []byte{out.Attestation.SignerMask[0] ^ 0x08}

	_, err := Verify(&tampered, c.id, out.Instance, 7)
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyBindings(t *testing.T) {
	c := newTestCluster(t, 4, 3)
	other := &testCluster{}
	keys, id, err := DeriveCluster(bytes.Repeat([]byte{0x43}, 32), 4, 3)
	require.NoError(t, err)
	other.id = id
	for i, k := range keys {
		other.signers = append(other.signers, NewSigner(i, k))
	}

	out := newOutput(c)
	c.sign(t, out, 4)

	_, err = Verify(out, c.id, out.Instance, 8)
	require.ErrorIs(t, err, ErrVerificationFailed, "wrong slot")

	_, err = Verify(out, c.id, [32]byte{0xCD}, 7)
	require.ErrorIs(t, err, ErrVerificationFailed, "wrong instance")

	_, err = Verify(out, other.id, out.Instance, 7)
	require.ErrorIs(t, err, ErrVerificationFailed, "wrong cluster")

	// A foreign cluster claiming our ID cannot produce a valid signature.
	forged := newOutput(c)
	var shares []Share
	for _, s := range other.signers {
		shares = append(shares, s.Sign(forged))
	}
	require.Error(t, Aggregate(c.id, forged, shares))

	require.NoError(t, Aggregate(other.id, forged, shares))
	_, err = Verify(forged, c.id, forged.Instance, 7)
	require.ErrorIs(t, err, ErrVerificationFailed, "forged attestation")
}

func TestVerifyTamperedPayload(t *testing.T) {
	c := newTestCluster(t, 4, 3)
	out := newOutput(c)
	c.sign(t, out, 3)

	out.Payload = []byte{1, 2, 3, 5}

	_, err := Verify(out, c.id, out.Instance, 7)
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyBelowThreshold(t *testing.T) {
	c := newTestCluster(t, 4, 3)
	out := newOutput(c)

	shares := []Share{c.signers[0].Sign(out), c.signers[1].Sign(out)}
	require.Error(t, Aggregate(c.id, out, shares))

	// Hand-build an attestation from two valid signatures.
	sig, err := aggregateSignatures([][]byte{shares[0].Signature, shares[1].Signature})
	require.NoError(t, err)
	out.Attestation = Attestation{Signature: sig, SignerMask: buildSignerMask([]int{0, 1}, 4)}

	_, err = Verify(out, c.id, out.Instance, 7)
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestAggregateSkipsBadShares(t *testing.T) {
	c := newTestCluster(t, 4, 3)
	out := newOutput(c)

	shares := []Share{
		c.signers[0].Sign(out),
		c.signers[1].Sign(out),
		c.signers[1].Sign(out),
		{Index: 2, Signature: make([]byte, SignatureSize)},
		{Index: 9, Signature: make([]byte, SignatureSize)},
		c.signers[3].Sign(out),
	}

	require.NoError(t, Aggregate(c.id, out, shares))
	require.Equal(t, []int{0, 1, 3}, parseSignerMask(out.Attestation.SignerMask))

	_, err := Verify(out, c.id, out.Instance, 7)
	require.NoError(t, err)
}

func TestWireRoundTrip(t *testing.T) {
	c := newTestCluster(t, 3, 2)
	out := newOutput(c)
	c.sign(t, out, 2)

	got, err := Decode(Encode(out))
	require.NoError(t, err)
	require.Equal(t, out, got)

	_, err = Verify(got, c.id, out.Instance, 7)
	require.NoError(t, err)

	_, err = Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestClusterIdentity(t *testing.T) {
	c := newTestCluster(t, 3, 2)

	again, err := NewClusterIdentity(c.id.PublicKeys, 2)
	require.NoError(t, err)
	require.Equal(t, c.id.ID, again.ID)

	stricter, err := NewClusterIdentity(c.id.PublicKeys, 3)
	require.NoError(t, err)
	require.NotEqual(t, c.id.ID, stricter.ID)

	_, err = NewClusterIdentity(c.id.PublicKeys, 4)
	require.Error(t, err)

	_, err = NewClusterIdentity(nil, 1)
	require.Error(t, err)
}

func TestUnauthenticated(t *testing.T) {
	payload, ok := Unauthenticated(ComputationOutput{Status: StatusSuccess, Payload: []byte{9}})
	require.True(t, ok)
	require.Equal(t, []byte{9}, payload)

	_, ok = Unauthenticated(ComputationOutput{Status: StatusAborted})
	require.False(t, ok)
}
