package scheduler

import (
	"encoding/binary"
	"fmt"
	"strings"

	flatbuffers "github.com/google/flatbuffers/go"

	"Obscura/internal/ledger"
	"Obscura/internal/types"
)

var (
	// slotPrefix keys slot records: "s:" + instance + BE64(slot).
	slotPrefix = []byte("s:")

	// queuePrefix keys mempool entries: "q:" + BE64(sequence).
	queuePrefix = []byte("q:")

	// counter keys, each a BE64 value that only grows.
	counterSequence = []byte("m:seq")
	counterQueued   = []byte("m:queued")
	counterResolved = []byte("m:resolved")
	counterAborted  = []byte("m:aborted")
)

// Status is the lifecycle state of a slot.
type Status uint8

const (
	StatusPending  Status = iota + 1 // StatusPending awaits a callback
	StatusResolved                   // StatusResolved applied a successful output
	StatusAborted                    // StatusAborted consumed an abort
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Callback names the instruction the cluster result is delivered to.
type Callback struct {
	Program     string // Program owns the instance
	Instruction string // Instruction consumes the output
}

// String returns "program/instruction".
func (c Callback) String() string {
	return c.Program + "/" + c.Instruction
}

// parseCallback reverses Callback.String.
func parseCallback(s string) Callback {
	program, instruction, _ := strings.Cut(s, "/")
	return Callback{Program: program, Instruction: instruction}
}

// SlotRecord is what the scheduler keeps per slot.
type SlotRecord struct {
	Definition uint32   // Definition is the circuit offset
	Callback   Callback // Callback is fixed at submission
	Status     Status   // Status is pending until resolved
	Sequence   uint64   // Sequence is the mempool position
}

// Queued is a request on its way to the cluster.
type Queued struct {
	Sequence   uint64         // Sequence orders the mempool
	Definition uint32         // Definition is the circuit offset
	Instance   ledger.Address // Instance is the application instance
	Slot       uint64         // Slot is the caller-chosen slot
	Args       []byte         // Args is the encoded argument list
	Callback   Callback       // Callback receives the result
}

// slotKey builds the storage key of a slot.
func slotKey(instance ledger.Address, slot uint64) []byte {
	key := make([]byte, 0, len(slotPrefix)+len(instance)+8)
	key = append(key, slotPrefix...)
	key = append(key, instance[:]...)

	return binary.BigEndian.AppendUint64(key, slot)
}

// queueKey builds the storage key of a mempool entry.
func queueKey(seq uint64) []byte {
	key := append([]byte(nil), queuePrefix...)
	return binary.BigEndian.AppendUint64(key, seq)
}

// encodeSlot serializes a slot record.
func encodeSlot(r *SlotRecord) []byte {
	builder := flatbuffers.NewBuilder(64)

	cbOff := builder.CreateString(r.Callback.String())

	types.SlotRecordStart(builder)
	types.SlotRecordAddDefinition(builder, r.Definition)
	types.SlotRecordAddCallback(builder, cbOff)
	types.SlotRecordAddStatus(builder, byte(r.Status))
	types.SlotRecordAddSequence(builder, r.Sequence)
	builder.Finish(types.SlotRecordEnd(builder))

	return builder.FinishedBytes()
}

// decodeSlot parses a slot record.
func decodeSlot(data []byte) (r *SlotRecord, retErr error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if rec := recover(); rec != nil {
			r, retErr = nil, fmt.Errorf("malformed slot record")
		}
	}()

	t := types.GetRootAsSlotRecord(data, 0)

	return &SlotRecord{
		Definition: t.Definition(),
		Callback:   parseCallback(string(t.Callback())),
		Status:     Status(t.Status()),
		Sequence:   t.Sequence(),
	}, nil
}

// EncodeQueued serializes a mempool entry.
func EncodeQueued(q *Queued) []byte {
	builder := flatbuffers.NewBuilder(128 + len(q.Args))

	instanceVec := builder.CreateByteVector(q.Instance[:])
	argsVec := builder.CreateByteVector(q.Args)
	cbOff := builder.CreateString(q.Callback.String())

	types.QueuedComputationStart(builder)
	types.QueuedComputationAddSequence(builder, q.Sequence)
	types.QueuedComputationAddDefinition(builder, q.Definition)
	types.QueuedComputationAddInstance(builder, instanceVec)
	types.QueuedComputationAddSlot(builder, q.Slot)
	types.QueuedComputationAddArgs(builder, argsVec)
	types.QueuedComputationAddCallback(builder, cbOff)
	builder.Finish(types.QueuedComputationEnd(builder))

	return builder.FinishedBytes()
}

// DecodeQueued parses a mempool entry.
func DecodeQueued(data []byte) (q *Queued, retErr error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if r := recover(); r != nil {
			q, retErr = nil, fmt.Errorf("malformed queued computation")
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("queued computation too short")
	}

	t := types.GetRootAsQueuedComputation(data, 0)

	if len(t.InstanceBytes()) != len(ledger.Address{}) {
		return nil, fmt.Errorf("invalid instance size %d", len(t.InstanceBytes()))
	}

	q = &Queued{
		Sequence:   t.Sequence(),
		Definition: t.Definition(),
		Slot:       t.Slot(),
		Args:       append([]byte(nil), t.ArgsBytes()...),
		Callback:   parseCallback(string(t.Callback())),
	}
	copy(q.Instance[:], t.InstanceBytes())

	return q, nil
}

// readCounter returns a counter value, zero when unset.
func readCounter(get func([]byte) ([]byte, error), key []byte) (uint64, error) {
	v, err := get(key)
	if err != nil {
		return 0, err
	}

	if len(v) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(v), nil
}

// bumpCounter increments a counter inside tx and returns the new value.
func bumpCounter(tx *ledger.Tx, key []byte) (uint64, error) {
	n, err := readCounter(tx.Get, key)
	if err != nil {
		return 0, fmt.Errorf("read counter %s:\n%w", key, err)
	}

	n++
	tx.Set(key, binary.BigEndian.AppendUint64(nil, n))

	return n, nil
}
