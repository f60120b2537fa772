// Package blackjack is a single-player blackjack table against a dealer
// run by the cluster. The deck and the dealer's hand are sealed to the
// cluster; the player's hand is sealed to the player. The host only ever
// sees card counts, bust flags and the final result.
package blackjack

import (
	"encoding/binary"
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

// Program is the owner name of every game account.
const Program = "blackjack"

// State is the phase of a game.
type State uint8

const (
	StateInitial    State = iota // StateInitial waits for the deal
	StatePlayerTurn              // StatePlayerTurn accepts hit, stand and double down
	StateDealerTurn              // StateDealerTurn waits for the dealer to play
	StateSettling                // StateSettling waits for the result
	StateResolved                // StateResolved is final
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StatePlayerTurn:
		return "player_turn"
	case StateDealerTurn:
		return "dealer_turn"
	case StateSettling:
		return "settling"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Byte offsets of the sealed groups inside the payload.
const (
	deckOffset       = 0
	dealerOffset     = deckOffset + deckGroupSize
	playerOffset     = dealerOffset + handGroupSize
	faceUpOffset     = playerOffset + handGroupSize
	dealerViewOffset = faceUpOffset + handGroupSize
	playerKeyOffset  = dealerViewOffset + handGroupSize
	payloadSize      = playerKeyOffset + 32 + 4

	deckGroupSize = output.NonceSize + deckWords*output.CiphertextSize
	handGroupSize = output.NonceSize + output.CiphertextSize
)

// Game is the persisted table.
type Game struct {
	Deck       output.Group // Deck is the shuffled deck, sealed to the cluster
	Dealer     output.Group // Dealer is the dealer's hand, sealed to the cluster
	Player     output.Group // Player is the player's hand, sealed to the player
	FaceUp     output.Group // FaceUp is the dealer's visible card, sealed to the player
	DealerView output.Group // DealerView is the dealer's final hand, sealed to the player
	PlayerKey  [32]byte     // PlayerKey is the player's x25519 key
	PlayerSize uint8        // PlayerSize is the number of player cards
	DealerSize uint8        // DealerSize is the number of dealer cards
	Doubled    bool         // Doubled is set after a double down
	Result     uint8        // Result is an oblivious outcome once resolved
}

type gameCodec struct{}

func (gameCodec) Marshal(g Game) []byte {
	return layout.NewWriter(payloadSize).
		Group(g.Deck, deckWords).
		Group(g.Dealer, 1).
		Group(g.Player, 1).
		Group(g.FaceUp, 1).
		Group(g.DealerView, 1).
		Bytes32(g.PlayerKey).
		U8(g.PlayerSize).
		U8(g.DealerSize).
		Bool(g.Doubled).
		U8(g.Result).
		Bytes()
}

func (gameCodec) Unmarshal(data []byte) (Game, error) {
	r := layout.NewReader(data)

	g := Game{
		Deck:       r.Group(deckWords),
		Dealer:     r.Group(1),
		Player:     r.Group(1),
		FaceUp:     r.Group(1),
		DealerView: r.Group(1),
		PlayerKey:  r.Bytes32(),
		PlayerSize: r.U8(),
		DealerSize: r.U8(),
		Doubled:    r.Bool(),
		Result:     r.U8(),
	}

	return g, r.Err()
}

// Instance is one table.
type Instance = machine.Instance[State, Game]

// Table runs blackjack games.
type Table struct {
	*machine.Machine[State, Game]
}

// spec declares the game's transitions.
func spec() machine.Spec[State, Game] {
	return machine.Spec[State, Game]{
		Program: Program,
		Initial: StateInitial,
		Codec:   gameCodec{},
		Transitions: []machine.Transition[State, Game]{
			{
				Instruction: "shuffle_and_deal",
				From:        []State{StateInitial},
				Circuit:     CircuitShuffleAndDeal,
				To:          []State{StatePlayerTurn},
				Apply:       applyDeal,
			},
			{
				Instruction: "player_hit",
				From:        []State{StatePlayerTurn},
				Circuit:     CircuitPlayerHit,
				To:          []State{StatePlayerTurn, StateSettling},
				Apply:       applyHit,
			},
			{
				Instruction: "player_double_down",
				From:        []State{StatePlayerTurn},
				Circuit:     CircuitDoubleDown,
				To:          []State{StateDealerTurn, StateSettling},
				Apply:       applyDoubleDown,
			},
			{
				Instruction: "player_stand",
				From:        []State{StatePlayerTurn},
				Circuit:     CircuitPlayerStand,
				To:          []State{StateDealerTurn, StateSettling},
				Apply:       applyStand,
			},
			{
				Instruction: "dealer_play",
				From:        []State{StateDealerTurn},
				Circuit:     CircuitDealerPlay,
				To:          []State{StateSettling},
				Apply:       applyDealerPlay,
			},
			{
				Instruction: "resolve_game",
				From:        []State{StateSettling},
				Circuit:     CircuitResolveGame,
				To:          []State{StateResolved},
				Apply:       applyResolve,
			},
		},
	}
}

// Install registers the game's definitions and returns the table.
func Install(reg *compdef.Registry, sched *scheduler.Scheduler) (*Table, error) {
	for _, c := range circuits {
		if _, err := reg.Ensure(c.name, c.returns); err != nil {
			return nil, err
		}
	}

	m, err := machine.New(spec(), sched, reg)
	if err != nil {
		return nil, err
	}

	return &Table{Machine: m}, nil
}

// GameAddress derives the account of a player's game.
func GameAddress(player ledger.Address, gameID uint64) ledger.Address {
	return ledger.DeriveAddress(Program, player[:], le64(gameID))
}

// Create opens a table for the signer, whose hands are sealed to playerKey.
func (t *Table) Create(tx *ledger.Tx, addr ledger.Address, playerKey [sealing.KeySize]byte) (*Instance, error) {
	return t.Machine.Create(tx, addr, Game{PlayerKey: playerKey})
}

// ShuffleAndDeal asks the cluster for a fresh shuffle and the opening hands.
func (t *Table) ShuffleAndDeal(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return t.Submit(tx, addr, "shuffle_and_deal", slot, func(inst *Instance) ([]args.Argument, error) {
		return args.NewBuilder().X25519Pubkey(inst.Payload.PlayerKey).Build()
	})
}

// Hit draws one card for the player.
func (t *Table) Hit(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return t.Submit(tx, addr, "player_hit", slot, drawArgs)
}

// DoubleDown draws one last card for the player.
func (t *Table) DoubleDown(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return t.Submit(tx, addr, "player_double_down", slot, drawArgs)
}

// Stand ends the player's turn.
func (t *Table) Stand(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return t.Submit(tx, addr, "player_stand", slot, func(inst *Instance) ([]args.Argument, error) {
		g := inst.Payload

		return args.NewBuilder().
			X25519Pubkey(g.PlayerKey).
			Sealed(inst.Address, accountOffset(playerOffset), g.Player).
			PlaintextU8(g.PlayerSize).
			Build()
	})
}

// DealerPlay lets the dealer draw to 17.
func (t *Table) DealerPlay(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return t.Submit(tx, addr, "dealer_play", slot, func(inst *Instance) ([]args.Argument, error) {
		g := inst.Payload

		return args.NewBuilder().
			Sealed(inst.Address, accountOffset(deckOffset), g.Deck).
			Sealed(inst.Address, accountOffset(dealerOffset), g.Dealer).
			X25519Pubkey(g.PlayerKey).
			PlaintextU8(g.PlayerSize).
			PlaintextU8(g.DealerSize).
			Build()
	})
}

// Resolve compares the final hands.
func (t *Table) Resolve(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return t.Submit(tx, addr, "resolve_game", slot, func(inst *Instance) ([]args.Argument, error) {
		g := inst.Payload

		return args.NewBuilder().
			X25519Pubkey(g.PlayerKey).
			Sealed(inst.Address, accountOffset(playerOffset), g.Player).
			Sealed(inst.Address, accountOffset(dealerOffset), g.Dealer).
			PlaintextU8(g.PlayerSize).
			PlaintextU8(g.DealerSize).
			Build()
	})
}

// drawArgs builds the arguments of hit and double down.
func drawArgs(inst *Instance) ([]args.Argument, error) {
	g := inst.Payload

	return args.NewBuilder().
		Sealed(inst.Address, accountOffset(deckOffset), g.Deck).
		X25519Pubkey(g.PlayerKey).
		Sealed(inst.Address, accountOffset(playerOffset), g.Player).
		PlaintextU8(g.PlayerSize).
		PlaintextU8(g.DealerSize).
		Build()
}

// accountOffset converts a payload offset into an account data offset.
func accountOffset(off int) uint32 {
	return uint32(machine.PayloadOffset + off)
}

func applyDeal(inst *Instance, values []output.Value) (State, error) {
	g := &inst.Payload

	g.Deck = values[0].Group
	g.Dealer = values[1].Group
	g.Player = values[2].Group
	g.FaceUp = values[3].Group
	g.PlayerSize = uint8(values[4].Uint64())
	g.DealerSize = uint8(values[5].Uint64())

	return StatePlayerTurn, nil
}

func applyHit(inst *Instance, values []output.Value) (State, error) {
	g := &inst.Payload

	g.Player = values[0].Group
	g.PlayerSize = min(g.PlayerSize+1, handCards)

	if values[1].Bool() {
		return StateSettling, nil
	}

	return StatePlayerTurn, nil
}

func applyDoubleDown(inst *Instance, values []output.Value) (State, error) {
	if _, err := applyHit(inst, values); err != nil {
		return 0, err
	}

	inst.Payload.Doubled = true

	if values[1].Bool() {
		return StateSettling, nil
	}

	return StateDealerTurn, nil
}

func applyStand(_ *Instance, values []output.Value) (State, error) {
	if values[0].Bool() {
		return StateSettling, nil
	}

	return StateDealerTurn, nil
}

func applyDealerPlay(inst *Instance, values []output.Value) (State, error) {
	g := &inst.Payload

	g.Dealer = values[0].Group
	g.DealerView = values[1].Group
	g.DealerSize = uint8(values[2].Uint64())

	return StateSettling, nil
}

func applyResolve(inst *Instance, values []output.Value) (State, error) {
	inst.Payload.Result = uint8(values[0].Uint64())
	return StateResolved, nil
}

func le64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
