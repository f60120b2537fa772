// Package auction runs sealed-bid auctions. Bids are encrypted by each
// bidder for the cluster and folded into a running state only the cluster
// can read; the host learns the number of bids and, once the auction
// closes, the winner and the price.
package auction

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

// Program is the owner name of every auction account.
const Program = "auction"

// State is the phase of an auction.
type State uint8

const (
	StateCreated  State = iota // StateCreated waits for the encrypted state
	StateOpen                  // StateOpen accepts bids
	StateResolved              // StateResolved holds the revealed result
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpen:
		return "open"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Kind selects the price the winner pays.
type Kind uint8

const (
	FirstPrice Kind = iota // FirstPrice charges the winning bid
	Vickrey                // Vickrey charges the runner-up bid
)

// Auction is the persisted auction.
type Auction struct {
	State   output.Group // State is the running bid state, sealed to the cluster
	Kind    Kind         // Kind is the pricing rule
	Bids    uint64       // Bids counts the bids folded in
	Winner  [32]byte     // Winner is revealed on close
	Payment uint64       // Payment is revealed on close
}

const (
	stateFields = 5
	stateOffset = 0
	payloadSize = output.NonceSize + stateFields*output.CiphertextSize + 1 + 8 + 32 + 8
)

type auctionCodec struct{}

func (auctionCodec) Marshal(a Auction) []byte {
	return layout.NewWriter(payloadSize).
		Group(a.State, stateFields).
		U8(uint8(a.Kind)).
		U64(a.Bids).
		Bytes32(a.Winner).
		U64(a.Payment).
		Bytes()
}

func (auctionCodec) Unmarshal(data []byte) (Auction, error) {
	r := layout.NewReader(data)

	a := Auction{
		State:   r.Group(stateFields),
		Kind:    Kind(r.U8()),
		Bids:    r.U64(),
		Winner:  r.Bytes32(),
		Payment: r.U64(),
	}

	return a, r.Err()
}

// Instance is one auction.
type Instance = machine.Instance[State, Auction]

// House runs auctions.
type House struct {
	*machine.Machine[State, Auction]
}

func spec() machine.Spec[State, Auction] {
	return machine.Spec[State, Auction]{
		Program: Program,
		Initial: StateCreated,
		Codec:   auctionCodec{},
		Transitions: []machine.Transition[State, Auction]{
			{
				Instruction: "init_auction_state",
				From:        []State{StateCreated},
				Circuit:     CircuitInit,
				To:          []State{StateOpen},
				Apply:       applyState,
			},
			{
				Instruction: "place_bid",
				From:        []State{StateOpen},
				Circuit:     CircuitPlaceBid,
				To:          []State{StateOpen},
				Open:        true,
				Apply:       applyBid,
			},
			{
				Instruction: "determine_winner_first_price",
				From:        []State{StateOpen},
				Circuit:     CircuitFirstPrice,
				To:          []State{StateResolved},
				Apply:       applyResult,
			},
			{
				Instruction: "determine_winner_vickrey",
				From:        []State{StateOpen},
				Circuit:     CircuitVickrey,
				To:          []State{StateResolved},
				Apply:       applyResult,
			},
		},
	}
}

// Install registers the auction definitions and returns the house.
func Install(reg *compdef.Registry, sched *scheduler.Scheduler) (*House, error) {
	for _, c := range circuits {
		if _, err := reg.Ensure(c.name, c.returns); err != nil {
			return nil, err
		}
	}

	m, err := machine.New(spec(), sched, reg)
	if err != nil {
		return nil, err
	}

	return &House{Machine: m}, nil
}

// AuctionAddress derives the account of an auction.
func AuctionAddress(authority ledger.Address, id uint64) ledger.Address {
	return ledger.DeriveAddress(Program, authority[:], binary.LittleEndian.AppendUint64(nil, id))
}

// Create opens an auction owned by the signer.
func (h *House) Create(tx *ledger.Tx, addr ledger.Address, kind Kind) (*Instance, error) {
	if kind != FirstPrice && kind != Vickrey {
		return nil, fmt.Errorf("unknown auction kind %d", kind)
	}

	return h.Machine.Create(tx, addr, Auction{Kind: kind})
}

// Init asks the cluster for an empty encrypted bid state.
func (h *House) Init(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	return h.Submit(tx, addr, "init_auction_state", slot, func(*Instance) ([]args.Argument, error) {
		return args.NewBuilder().Build()
	})
}

// PlaceBid folds a bid sealed with SealBid into the auction. Any signer may bid.
func (h *House) PlaceBid(tx *ledger.Tx, addr ledger.Address, slot uint64, bidderKey [sealing.KeySize]byte, bid output.Group) (scheduler.SlotHandle, error) {
	if len(bid.Ciphertexts) != bidFields {
		return scheduler.SlotHandle{}, fmt.Errorf("%w: bid has %d ciphertexts, want %d", scheduler.ErrSubmissionRejected, len(bid.Ciphertexts), bidFields)
	}

	return h.Submit(tx, addr, "place_bid", slot, func(inst *Instance) ([]args.Argument, error) {
		return args.NewBuilder().
			X25519Pubkey(bidderKey).
			Nonce(bid.Nonce).
			EncryptedU128(bid.Ciphertexts[0]).
			EncryptedU128(bid.Ciphertexts[1]).
			EncryptedU64(bid.Ciphertexts[2]).
			Sealed(inst.Address, uint32(machine.PayloadOffset+stateOffset), inst.Payload.State).
			Build()
	})
}

// Close reveals the winner under the auction's pricing rule.
func (h *House) Close(tx *ledger.Tx, addr ledger.Address, slot uint64) (scheduler.SlotHandle, error) {
	inst, err := h.Load(tx, addr)
	if err != nil {
		return scheduler.SlotHandle{}, fmt.Errorf("%w:\n%w", scheduler.ErrSubmissionRejected, err)
	}

	instruction := "determine_winner_first_price"
	if inst.Payload.Kind == Vickrey {
		instruction = "determine_winner_vickrey"
	}

	return h.Submit(tx, addr, instruction, slot, func(inst *Instance) ([]args.Argument, error) {
		return args.NewBuilder().
			Sealed(inst.Address, uint32(machine.PayloadOffset+stateOffset), inst.Payload.State).
			Build()
	})
}

// SealBid encrypts a bid for the cluster. The bidder is part of the
// ciphertext so the winner is only known once the auction closes.
func SealBid(c *sealing.Cipher, nonce [output.NonceSize]byte, bidder ledger.Address, amount uint64) output.Group {
	lo, hi := splitKey(bidder)
	return c.Seal(nonce, [][sealing.FieldSize]byte{lo, hi, sealing.FromUint64(amount)})
}

func applyState(inst *Instance, values []output.Value) (State, error) {
	inst.Payload.State = values[0].Group
	return StateOpen, nil
}

func applyBid(inst *Instance, values []output.Value) (State, error) {
	inst.Payload.State = values[0].Group
	inst.Payload.Bids++

	return StateOpen, nil
}

func applyResult(inst *Instance, values []output.Value) (State, error) {
	result := values[0].Tuple

	lo, hi := result[0].U128(), result[1].U128()
	copy(inst.Payload.Winner[:16], lo[:])
	copy(inst.Payload.Winner[16:], hi[:])
	inst.Payload.Payment = result[2].Uint64()

	return StateResolved, nil
}
