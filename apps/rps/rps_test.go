package rps

import (
	"testing"

	"github.com/stretchr/testify/require"

	"Obscura/internal/ledger"
	"Obscura/internal/machine"
	"Obscura/internal/oblivious"
	"Obscura/internal/output"
	"Obscura/internal/scheduler"
	"Obscura/internal/sealing"
	"Obscura/internal/testkit"
)

// houseSource makes every house move the same.
type houseSource uint64

func (h houseSource) Uint64() uint64 { return uint64(h) }

type fixture struct {
	env    *testkit.Env
	house  *House
	player ledger.Address
	addr   ledger.Address
	key    *sealing.KeyPair
	cipher *sealing.Cipher
	slot   uint64
}

func newFixture(t *testing.T, opts ...testkit.Option) *fixture {
	t.Helper()

	e := testkit.New(t, opts...)
	require.NoError(t, Serve(e.Cluster))

	house, err := Install(e.Registry, e.Scheduler)
	require.NoError(t, err)
	require.NoError(t, e.Host.Register(house))

	key, cipher := e.Client(t, "player")

	f := &fixture{env: e, house: house, player: ledger.Address{0x42}, key: key, cipher: cipher}
	f.addr = SessionAddress(f.player, 1)

	require.NoError(t, e.Do(f.player, func(tx *ledger.Tx) error {
		_, err := house.Create(tx, f.addr)
		return err
	}))

	return f
}

func (f *fixture) submit(move output.Group) error {
	f.slot++
	slot := f.slot

	return f.env.Do(f.player, func(tx *ledger.Tx) error {
		_, err := f.house.Play(tx, f.addr, slot, f.key.Public, move)
		return err
	})
}

func (f *fixture) play(t *testing.T, move uint64) *Instance {
	t.Helper()

	nonce, err := sealing.NewNonce()
	require.NoError(t, err)

	require.NoError(t, f.submit(SealMove(f.cipher, nonce, move)))
	require.Empty(t, f.env.Settle(t))

	var inst *Instance
	require.NoError(t, f.env.Do(f.player, func(tx *ledger.Tx) error {
		var err error
		inst, err = f.house.Load(tx, f.addr)
		return err
	}))

	return inst
}

func TestRoundAgainstPaper(t *testing.T) {
	f := newFixture(t, testkit.WithRand(houseSource(Paper)))

	tests := []struct {
		move uint64
		want uint8
	}{
		{Rock, oblivious.RPSHouse},
		{Paper, oblivious.RPSTie},
		{Scissors, oblivious.RPSPlayer},
		{7, oblivious.RPSInvalid},
	}

	for _, tt := range tests {
		inst := f.play(t, tt.move)
		require.Equal(t, StateReady, inst.State)
		require.Equal(t, tt.want, inst.Payload.Last, "move %d", tt.move)
	}

	s := f.play(t, Scissors).Payload
	require.Equal(t, Session{Rounds: 5, Wins: 2, Losses: 1, Invalid: 1, Last: oblivious.RPSPlayer}, s)
}

func TestRandomHouse(t *testing.T) {
	f := newFixture(t)

	s := f.play(t, Rock).Payload
	require.Equal(t, uint64(1), s.Rounds)
	require.Contains(t, []uint8{oblivious.RPSTie, oblivious.RPSPlayer, oblivious.RPSHouse}, s.Last)
}

func TestPlayGuards(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.submit(output.Group{}), scheduler.ErrSubmissionRejected)

	move := SealMove(f.cipher, [16]byte{1}, Rock)
	require.NoError(t, f.submit(move))
	require.ErrorIs(t, f.submit(move), machine.ErrBusy)

	f.slot++
	err := f.env.Do(ledger.Address{0x01}, func(tx *ledger.Tx) error {
		_, err := f.house.Play(tx, f.addr, f.slot, f.key.Public, move)
		return err
	})
	require.ErrorIs(t, err, machine.ErrUnauthorized)
}
