// Package voting runs confidential yes/no polls. Each ballot is encrypted
// by the voter and added to a tally only the cluster can read. Closing the
// poll reveals whether it passed, never the counts.
package voting

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Obscura/internal/args"
	"Obscura/internal/compdef"
	"Obscura/internal/layout"
	"Obscura/internal/ledger"
	"Obscura/internal/machine"
	"Obscura/internal/output"
	"Obscura/internal/scheduler"
	"Obscura/internal/sealing"
)

// Program is the owner name of every poll account.
const Program = "voting"

// ErrAlreadyVoted is returned for a second ballot from the same signer.
var ErrAlreadyVoted = errors.New("signer already voted")

// ballotPrefix marks applied ballots: "b:" + poll + voter -> 0x01.
var ballotPrefix = []byte("b:")

// State is the phase of a poll.
type State uint8

const (
	StateCreated  State = iota // StateCreated waits for the encrypted tally
	StateOpen                  // StateOpen accepts ballots
	StateRevealed              // StateRevealed holds the result
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpen:
		return "open"
	case StateRevealed:
		return "revealed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Poll is the persisted poll.
type Poll struct {
	Tally    output.Group // Tally holds yes and no counts, sealed to the cluster
	Question [32]byte     // Question is a fixed-size label
	Ballots  uint64       // Ballots counts the ballots folded in
	Passed   bool         // Passed is set on reveal when yes outnumbers no
}

const (
	tallyFields = 2
	tallyOffset = 0
	payloadSize = output.NonceSize + tallyFields*output.CiphertextSize + 32 + 8 + 1
)

type pollCodec struct{}

func (pollCodec) Marshal(p Poll) []byte {
	return layout.NewWriter(payloadSize).
		Group(p.Tally, tallyFields).
		Bytes32(p.Question).
		U64(p.Ballots).
		Bool(p.Passed).
		Bytes()
}

func (pollCodec) Unmarshal(data []byte) (Poll, error) {
	r := layout.NewReader(data)

	p := Poll{
		Tally:    r.Group(tallyFields),
		Question: r.Bytes32(),
		Ballots:  r.U64(),
		Passed:   r.Bool(),
	}

	return p, r.Err()
}

// Instance is one poll.
type Instance = machine.Instance[State, Poll]

// Polls runs polls.
type Polls struct {
	*machine.Machine[State, Poll]
}

func spec() machine.Spec[State, Poll] {
	return machine.Spec[State, Poll]{
		Program: Program,
		Initial: StateCreated,
		Codec:   pollCodec{},
		Transitions: []machine.Transition[State, Poll]{
			{
				Instruction: "init_vote_stats",
				From:        []State{StateCreated},
				Circuit:     CircuitInit,
				To:          []State{StateOpen},
				Apply: func(inst *Instance, values []output.Value) (State, error) {
					inst.Payload.Tally = values[0].Group
					return StateOpen, nil
				},
			},
			{
				Instruction: "vote",
				From:        []State{StateOpen},
				Circuit:     CircuitVote,
				To:          []State{StateOpen},
				Open:        true,
				Apply: func(inst *Instance, values []output.Value) (State, error) {
					inst.Payload.Tally = values[0].Group
					inst.Payload.Ballots++
					return StateOpen, nil
				},
				Commit: func(tx *ledger.Tx, inst *Instance, voter ledger.Address) error {
					tx.Set(ballotKey(inst.Address, voter), []byte{1})
					return nil
				},
			},
			{
				Instruction: "reveal_result",
				From:        []State{StateOpen},
				Circuit:     CircuitReveal,
				To:          []State{StateRevealed},
				Apply: func(inst *Instance, values []output.Value) (State, error) {
					inst.Payload.Passed = values[0].Bool()
					return StateRevealed, nil
				},
			},
		},
	}
}

// Install registers the poll definitions and returns the program.
func Install(reg *compdef.Registry, sched *scheduler.Scheduler) (*Polls, error) {
	for _, c := range circuits {
		if _, err := reg.Ensure(c.name, c.returns); err != nil {
			return nil, err
		}
	}

	m, err := machine.New(spec(), sched, reg)
	if err != nil {
		return nil, err
	}

	return &Polls{Machine: m}, nil
}

// PollAddress derives the account of a poll.
func PollAddress(authority ledger.Address, id uint64) ledger.Address {
	return ledger.DeriveAddress(Program, authority[:], binary.LittleEndian.AppendUint64(nil, id))
}

// Create opens a poll owned by the signer. The question is truncated to 32 bytes.
func (p *Polls) Create(tx *ledger.Tx, addr ledger.Address, question string) (*Instance, error) {
	var q [32]byte
	copy(q[:], question)

	return p.Machine.Create(tx, addr, Poll{Question: q})
}

// Init asks the cluster for a zero tally.
func (p *Polls) Init(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return p.Submit(tx, addr, "init_vote_stats", slot, func(*Instance) ([]args.Argument, error) {
		return args.NewBuilder().Build()
	})
}

// Vote adds a ballot sealed with SealVote. Each signer votes once: the
// ballot is marked when its result is applied, and the in-flight lock
// keeps a second ballot out while one is pending.
func (p *Polls) Vote(tx *ledger.Tx, addr ledger.Address, slot uint64, voterKey [sealing.KeySize]byte, ballot output.Group) (scheduler.SlotHandle, error) {
	if len(ballot.Ciphertexts) != 1 {
		return scheduler.SlotHandle{}, fmt.Errorf("%w: ballot has %d ciphertexts, want 1", scheduler.ErrSubmissionRejected, len(ballot.Ciphertexts))
	}

	key := ballotKey(addr, tx.Signer())

	cast, err := tx.Get(key)
	if err != nil {
		return scheduler.SlotHandle{}, fmt.Errorf("read ballot marker:\n%w", err)
	}
	if cast != nil {
		return scheduler.SlotHandle{}, fmt.Errorf("%w: %w: %s", scheduler.ErrSubmissionRejected, ErrAlreadyVoted, tx.Signer())
	}

	return p.Submit(tx, addr, "vote", slot, func(inst *Instance) ([]args.Argument, error) {
		return args.NewBuilder().
			X25519Pubkey(voterKey).
			Nonce(ballot.Nonce).
			EncryptedBool(ballot.Ciphertexts[0]).
			Sealed(inst.Address, uint32(machine.PayloadOffset+tallyOffset), inst.Payload.Tally).
			Build()
	})
}

// Reveal discloses whether the poll passed.
func (p *Polls) Reveal(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return p.Submit(tx, addr, "reveal_result", slot, func(inst *Instance) ([]args.Argument, error) {
		return args.NewBuilder().
			Sealed(inst.Address, uint32(machine.PayloadOffset+tallyOffset), inst.Payload.Tally).
			Build()
	})
}

// SealVote encrypts a ballot for the cluster.
func SealVote(c *sealing.Cipher, nonce [output.NonceSize]byte, yes bool) output.Group {
	var v uint64
	if yes {
		v = 1
	}

	return c.SealUint64s(nonce, v)
}

// ballotKey builds the marker key of a voter in a poll.
func ballotKey(poll, voter ledger.Address) []byte {
	key := make([]byte, 0, len(ballotPrefix)+64)
	key = append(key, ballotPrefix...)
	key = append(key, poll[:]...)

	return append(key, voter[:]...)
}
