package auction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"Obscura/internal/ledger"
	"Obscura/internal/machine"
	"Obscura/internal/output"
	"Obscura/internal/scheduler"
	"Obscura/internal/sealing"
	"Obscura/internal/testkit"
)

type fixture struct {
	env   *testkit.Env
	house *House
	owner ledger.Address
	addr  ledger.Address
	slot  uint64
}

func newFixture(t *testing.T, kind Kind) *fixture {
	t.Helper()

	e := testkit.New(t)
	require.NoError(t, Serve(e.Cluster))

	house, err := Install(e.Registry, e.Scheduler)
	require.NoError(t, err)
	require.NoError(t, e.Host.Register(house))

	f := &fixture{env: e, house: house, owner: ledger.Address{0xaa}}
	f.addr = AuctionAddress(f.owner, 7)

	err = e.Do(f.owner, func(tx *ledger.Tx) error {
		_, err := house.Create(tx, f.addr, kind)
		return err
	})
	require.NoError(t, err)

	return f
}

func (f *fixture) next() uint64 {
	f.slot++
	return f.slot
}

func (f *fixture) init(t *testing.T) {
	t.Helper()

	slot := f.next()
	require.NoError(t, f.env.Do(f.owner, func(tx *ledger.Tx) error {
		_, err := f.house.Init(tx, f.addr, slot)
		return err
	}))
	require.Empty(t, f.env.Settle(t))
}

// submitBid seals amount for bidder and submits it without settling.
func (f *fixture) submitBid(t *testing.T, bidder ledger.Address, amount uint64) error {
	t.Helper()

	kp, cipher := f.env.Client(t, bidder.String())
	nonce, err := sealing.NewNonce()
	require.NoError(t, err)

	bid := SealBid(cipher, nonce, bidder, amount)
	slot := f.next()

	return f.env.Do(bidder, func(tx *ledger.Tx) error {
		_, err := f.house.PlaceBid(tx, f.addr, slot, kp.Public, bid)
		return err
	})
}

func (f *fixture) bid(t *testing.T, bidder ledger.Address, amount uint64) {
	t.Helper()

	require.NoError(t, f.submitBid(t, bidder, amount))
	require.Empty(t, f.env.Settle(t))
}

func (f *fixture) close(t *testing.T) *Instance {
	t.Helper()

	slot := f.next()
	require.NoError(t, f.env.Do(f.owner, func(tx *ledger.Tx) error {
		_, err := f.house.Close(tx, f.addr, slot)
		return err
	}))
	require.Empty(t, f.env.Settle(t))

	return f.load(t)
}

func (f *fixture) load(t *testing.T) *Instance {
	t.Helper()

	var inst *Instance
	require.NoError(t, f.env.Do(f.owner, func(tx *ledger.Tx) error {
		var err error
		inst, err = f.house.Load(tx, f.addr)
		return err
	}))

	return inst
}

var (
	alice = ledger.Address{0x01}
	bob   = ledger.Address{0x02}
	carol = ledger.Address{0x03}
)

func TestAuctionPricing(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		bids    map[ledger.Address]uint64
		winner  ledger.Address
		payment uint64
	}{
		{"first price", FirstPrice, map[ledger.Address]uint64{alice: 100, bob: 250, carol: 180}, bob, 250},
		{"vickrey", Vickrey, map[ledger.Address]uint64{alice: 100, bob: 250, carol: 180}, bob, 180},
		{"single vickrey bid pays zero", Vickrey, map[ledger.Address]uint64{carol: 40}, carol, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.kind)
			f.init(t)

			for _, bidder := range []ledger.Address{alice, bob, carol} {
				if amount, ok := tt.bids[bidder]; ok {
					f.bid(t, bidder, amount)
				}
			}

			inst := f.close(t)
			require.Equal(t, StateResolved, inst.State)
			require.Equal(t, uint64(len(tt.bids)), inst.Payload.Bids)
			require.Equal(t, [32]byte(tt.winner), inst.Payload.Winner)
			require.Equal(t, tt.payment, inst.Payload.Payment)
		})
	}
}

func TestTieKeepsFirstBidder(t *testing.T) {
	f := newFixture(t, Vickrey)
	f.init(t)

	f.bid(t, alice, 300)
	f.bid(t, bob, 300)

	inst := f.close(t)
	require.Equal(t, [32]byte(alice), inst.Payload.Winner)
	require.Equal(t, uint64(300), inst.Payload.Payment)
}

func TestBidStateStaysSealed(t *testing.T) {
	f := newFixture(t, FirstPrice)
	f.init(t)

	before := f.load(t).Payload.State
	f.bid(t, alice, 55)
	after := f.load(t).Payload.State

	require.NotEqual(t, before.Nonce, after.Nonce)
	require.Equal(t, [32]byte{}, f.load(t).Payload.Winner)
}

func TestAuctionGuards(t *testing.T) {
	f := newFixture(t, FirstPrice)

	err := f.submitBid(t, alice, 10)
	require.ErrorIs(t, err, machine.ErrIllegalState)

	f.init(t)

	require.NoError(t, f.submitBid(t, alice, 10))
	require.ErrorIs(t, f.submitBid(t, bob, 20), machine.ErrBusy)
	require.Empty(t, f.env.Settle(t))

	slot := f.next()
	err = f.env.Do(bob, func(tx *ledger.Tx) error {
		_, err := f.house.Close(tx, f.addr, slot)
		return err
	})
	require.ErrorIs(t, err, machine.ErrUnauthorized)

	err = f.env.Do(alice, func(tx *ledger.Tx) error {
		_, err := f.house.PlaceBid(tx, f.addr, f.next(), [32]byte{}, output.Group{})
		return err
	})
	require.ErrorIs(t, err, scheduler.ErrSubmissionRejected)

	require.Error(t, f.env.Do(f.owner, func(tx *ledger.Tx) error {
		_, err := f.house.Create(tx, AuctionAddress(f.owner, 8), Kind(9))
		return err
	}))
}
