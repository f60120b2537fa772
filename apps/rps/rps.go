// Package rps plays rock-paper-scissors against a house whose move is
// drawn inside the cluster. The player's move stays encrypted; only the
// result of each round is revealed.
package rps

import (
	"encoding/binary"
	"fmt"

	"Obscura/internal/args"
	"Obscura/internal/cluster"
	"Obscura/internal/compdef"
	"Obscura/internal/layout"
	"Obscura/internal/ledger"
	"Obscura/internal/machine"
	"Obscura/internal/oblivious"
	"Obscura/internal/output"
	"Obscura/internal/scheduler"
	"Obscura/internal/sealing"
)

// Program is the owner name of every session account.
const Program = "rps"

// CircuitPlay is the only circuit of the program.
const CircuitPlay = "play_rps"

// Moves.
const (
	Rock uint64 = iota
	Paper
	Scissors
)

// State is the phase of a session.
type State uint8

// StateReady accepts the next round.
const StateReady State = 0

// String returns the state name.
func (s State) String() string {
	if s == StateReady {
		return "ready"
	}

	return fmt.Sprintf("state(%d)", uint8(s))
}

// Session is the persisted score against the house.
type Session struct {
	Rounds  uint64 // Rounds counts completed rounds
	Wins    uint64 // Wins counts player wins
	Losses  uint64 // Losses counts house wins
	Invalid uint64 // Invalid counts rounds lost to an out-of-range move
	Last    uint8  // Last is the result of the latest round
}

const payloadSize = 4*8 + 1

type sessionCodec struct{}

func (sessionCodec) Marshal(s Session) []byte {
	return layout.NewWriter(payloadSize).
		U64(s.Rounds).
		U64(s.Wins).
		U64(s.Losses).
		U64(s.Invalid).
		U8(s.Last).
		Bytes()
}

func (sessionCodec) Unmarshal(data []byte) (Session, error) {
	r := layout.NewReader(data)

	s := Session{
		Rounds:  r.U64(),
		Wins:    r.U64(),
		Losses:  r.U64(),
		Invalid: r.U64(),
		Last:    r.U8(),
	}

	return s, r.Err()
}

// Instance is one session.
type Instance = machine.Instance[State, Session]

// House runs sessions.
type House struct {
	*machine.Machine[State, Session]
}

var returns = output.Schema{output.U8()}

func spec() machine.Spec[State, Session] {
	return machine.Spec[State, Session]{
		Program: Program,
		Initial: StateReady,
		Codec:   sessionCodec{},
		Transitions: []machine.Transition[State, Session]{
			{
				Instruction: "play_rps",
				From:        []State{StateReady},
				Circuit:     CircuitPlay,
				To:          []State{StateReady},
				Apply:       applyRound,
			},
		},
	}
}

// Install registers the definition and returns the house.
func Install(reg *compdef.Registry, sched *scheduler.Scheduler) (*House, error) {
	if _, err := reg.Ensure(CircuitPlay, returns); err != nil {
		return nil, err
	}

	m, err := machine.New(spec(), sched, reg)
	if err != nil {
		return nil, err
	}

	return &House{Machine: m}, nil
}

// Serve registers the circuit on a cluster.
func Serve(cl *cluster.Cluster) error {
	def, err := compdef.Define(CircuitPlay, returns)
	if err != nil {
		return fmt.Errorf("define %s:\n%w", CircuitPlay, err)
	}

	cl.Register(def, playRound)

	return nil
}

// SessionAddress derives the account of a player's session.
func SessionAddress(player ledger.Address, id uint64) ledger.Address {
	return ledger.DeriveAddress(Program, player[:], binary.LittleEndian.AppendUint64(nil, id))
}

// Create opens a session for the signer.
func (h *House) Create(tx *ledger.Tx, addr ledger.Address) (*Instance, error) {
	return h.Machine.Create(tx, addr, Session{})
}

// Play submits a move sealed with SealMove.
func (h *House) Play(tx *ledger.Tx, addr ledger.Address, slot uint64, playerKey [sealing.KeySize]byte, move output.Group) (scheduler.SlotHandle, error) {
	if len(move.Ciphertexts) != 1 {
		return scheduler.SlotHandle{}, fmt.Errorf("%w: move has %d ciphertexts, want 1", scheduler.ErrSubmissionRejected, len(move.Ciphertexts))
	}

	return h.Submit(tx, addr, "play_rps", slot, func(*Instance) ([]args.Argument, error) {
		return args.NewBuilder().
			X25519Pubkey(playerKey).
			Nonce(move.Nonce).
			EncryptedU8(move.Ciphertexts[0]).
			Build()
	})
}

// SealMove encrypts a move for the cluster.
func SealMove(c *sealing.Cipher, nonce [output.NonceSize]byte, move uint64) output.Group {
	return c.SealUint64s(nonce, move)
}

// playRound draws the house move and scores the round.
func playRound(c *cluster.Call) ([]byte, error) {
	_, move := c.Shared(1)
	if err := c.Err(); err != nil {
		return nil, err
	}

	house := oblivious.HouseMove(c.Rand())

	return output.NewBuilder().U8(oblivious.RPSOutcome(sealing.ToUint64(move[0]), house)).Bytes(), nil
}

func applyRound(inst *Instance, values []output.Value) (State, error) {
	s := &inst.Payload
	s.Last = uint8(values[0].Uint64())
	s.Rounds++

	switch s.Last {
	case oblivious.RPSPlayer:
		s.Wins++
	case oblivious.RPSHouse:
		s.Losses++
	case oblivious.RPSInvalid:
		s.Invalid++
	}

	return StateReady, nil
}
