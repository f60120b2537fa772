package attest

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Obscura/internal/types"
)

// Encode serializes a signed output as a FlatBuffers SignedOutput table.
func Encode(s *SignedOutput) []byte {
	builder := flatbuffers.NewBuilder(256 + len(s.Payload))

	clusterVec := builder.CreateByteVector(s.Cluster[:])
	instanceVec := builder.CreateByteVector(s.Instance[:])
	reasonOff := builder.CreateString(s.Reason)
	payloadVec := builder.CreateByteVector(s.Payload)
	sigVec := builder.CreateByteVector(s.Attestation.Signature)
	maskVec := builder.CreateByteVector(s.Attestation.SignerMask)

	types.SignedOutputStart(builder)
	types.SignedOutputAddCluster(builder, clusterVec)
	types.SignedOutputAddInstance(builder, instanceVec)
	types.SignedOutputAddSlot(builder, s.Slot)
	types.SignedOutputAddDefinition(builder, s.Definition)
	types.SignedOutputAddStatus(builder, byte(s.Status))
	types.SignedOutputAddReason(builder, reasonOff)
	types.SignedOutputAddPayload(builder, payloadVec)
	types.SignedOutputAddSignature(builder, sigVec)
	types.SignedOutputAddSignerMask(builder, maskVec)
	builder.Finish(types.SignedOutputEnd(builder))

	return builder.FinishedBytes()
}

// Decode parses bytes produced by Encode. It checks structure only;
// callers must still Verify the result.
func Decode(data []byte) (s *SignedOutput, retErr error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if r := recover(); r != nil {
			s, retErr = nil, fmt.Errorf("malformed signed output")
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("signed output too short")
	}

	t := types.GetRootAsSignedOutput(data, 0)

	if len(t.ClusterBytes()) != 32 || len(t.InstanceBytes()) != 32 {
		return nil, fmt.Errorf("invalid cluster or instance size")
	}

	s = &SignedOutput{
		Slot:       t.Slot(),
		Definition: t.Definition(),
		ComputationOutput: ComputationOutput{
			Status:  Status(t.Status()),
			Reason:  string(t.Reason()),
			Payload: append([]byte(nil), t.PayloadBytes()...),
		},
		Attestation: Attestation{
			Signature:  append([]byte(nil), t.SignatureBytes()...),
			SignerMask: append([]byte(nil), t.SignerMaskBytes()...),
		},
	}
	copy(s.Cluster[:], t.ClusterBytes())
	copy(s.Instance[:], t.InstanceBytes())

	return s, nil
}
