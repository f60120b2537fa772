package machine

import (
	"encoding/binary"
	"fmt"

	"Obscura/internal/ledger"
)

// PayloadOffset is where the payload starts inside an instance account:
// one state byte, then the 32-byte authority.
const PayloadOffset = 1 + 32

// lockPrefix keys the in-flight lock of an instance:
// "l:" + address -> BE64(slot) || issuer.
var lockPrefix = []byte("l:")

// lockSize is the encoded size of a lock value.
const lockSize = 8 + 32

// Instance is one persisted application instance.
type Instance[S State, P any] struct {
	Address   ledger.Address // Address is the instance account
	State     S              // State is the current named state
	Authority ledger.Address // Authority created the instance
	Payload   P              // Payload holds the program fields
}

// encodeInstance lays out state, authority and payload.
func encodeInstance[S State, P any](inst *Instance[S, P], codec Codec[P]) []byte {
	payload := codec.Marshal(inst.Payload)

	data := make([]byte, PayloadOffset, PayloadOffset+len(payload))
	data[0] = byte(inst.State)
	copy(data[1:PayloadOffset], inst.Authority[:])

	return append(data, payload...)
}

// decodeInstance parses an instance account.
func decodeInstance[S State, P any](addr ledger.Address, data []byte, codec Codec[P]) (*Instance[S, P], error) {
	if len(data) < PayloadOffset {
		return nil, fmt.Errorf("instance %s: %d bytes, want at least %d", addr, len(data), PayloadOffset)
	}

	payload, err := codec.Unmarshal(data[PayloadOffset:])
	if err != nil {
		return nil, fmt.Errorf("instance %s payload:\n%w", addr, err)
	}

	inst := &Instance[S, P]{
		Address: addr,
		State:   S(data[0]),
		Payload: payload,
	}
	copy(inst.Authority[:], data[1:PayloadOffset])

	return inst, nil
}

// lockKey builds the in-flight lock key of an instance.
func lockKey(addr ledger.Address) []byte {
	return append(append([]byte(nil), lockPrefix...), addr[:]...)
}

// lock is the in-flight computation of an instance.
type lock struct {
	Slot   uint64         // Slot is the pending computation
	Issuer ledger.Address // Issuer signed the instruction that scheduled it
}

func encodeLock(l lock) []byte {
	v := binary.BigEndian.AppendUint64(make([]byte, 0, lockSize), l.Slot)
	return append(v, l.Issuer[:]...)
}

// readLock returns the in-flight computation of an instance, if any.
func readLock(tx *ledger.Tx, addr ledger.Address) (lock, bool, error) {
	v, err := tx.Get(lockKey(addr))
	if err != nil {
		return lock{}, false, fmt.Errorf("read lock:\n%w", err)
	}

	if len(v) != lockSize {
		return lock{}, false, nil
	}

	l := lock{Slot: binary.BigEndian.Uint64(v)}
	copy(l.Issuer[:], v[8:])

	return l, true, nil
}
