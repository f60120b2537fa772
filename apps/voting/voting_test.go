package voting

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"Obscura/internal/cluster"
	"Obscura/internal/compdef"
	"Obscura/internal/ledger"
	"Obscura/internal/machine"
	"Obscura/internal/sealing"
	"Obscura/internal/testkit"
)

type fixture struct {
	env   *testkit.Env
	polls *Polls
	owner ledger.Address
	addr  ledger.Address
	slot  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	e := testkit.New(t)
	require.NoError(t, Serve(e.Cluster))

	polls, err := Install(e.Registry, e.Scheduler)
	require.NoError(t, err)
	require.NoError(t, e.Host.Register(polls))

	f := &fixture{env: e, polls: polls, owner: ledger.Address{0xee}}
	f.addr = PollAddress(f.owner, 1)

	require.NoError(t, e.Do(f.owner, func(tx *ledger.Tx) error {
		_, err := polls.Create(tx, f.addr, "ship it?")
		return err
	}))

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
		_, err := f.polls.Init(tx, f.addr, slot)
		return err
	}))
	require.Empty(t, f.env.Settle(t))
}

func (f *fixture) vote(t *testing.T, voter ledger.Address, yes bool) error {
	t.Helper()

	kp, cipher := f.env.Client(t, voter.String())
	nonce, err := sealing.NewNonce()
	require.NoError(t, err)

	ballot := SealVote(cipher, nonce, yes)
	slot := f.next()

	err = f.env.Do(voter, func(tx *ledger.Tx) error {
		_, err := f.polls.Vote(tx, f.addr, slot, kp.Public, ballot)
		return err
	})
	if err != nil {
		return err
	}

	require.Empty(t, f.env.Settle(t))

	return nil
}

func (f *fixture) reveal(t *testing.T) *Instance {
	t.Helper()

	slot := f.next()
	require.NoError(t, f.env.Do(f.owner, func(tx *ledger.Tx) error {
		_, err := f.polls.Reveal(tx, f.addr, slot)
		return err
	}))
	require.Empty(t, f.env.Settle(t))

	var inst *Instance
	require.NoError(t, f.env.Do(f.owner, func(tx *ledger.Tx) error {
		var err error
		inst, err = f.polls.Load(tx, f.addr)
		return err
	}))

	return inst
}

func TestPollResult(t *testing.T) {
	tests := []struct {
		name   string
		votes  []bool
		passed bool
	}{
		{"majority yes", []bool{true, false, true}, true},
		{"majority no", []bool{false, false, true}, false},
		{"tie fails", []bool{true, false}, false},
		{"no ballots", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.init(t)

			for i, v := range tt.votes {
				require.NoError(t, f.vote(t, ledger.Address{byte(i + 1)}, v))
			}

			inst := f.reveal(t)
			require.Equal(t, StateRevealed, inst.State)
			require.Equal(t, tt.passed, inst.Payload.Passed)
			require.Equal(t, uint64(len(tt.votes)), inst.Payload.Ballots)
			require.Equal(t, "ship it?", string(inst.Payload.Question[:8]))
		})
	}
}

func TestOneBallotPerSigner(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	voter := ledger.Address{0x01}
	require.NoError(t, f.vote(t, voter, true))
	require.ErrorIs(t, f.vote(t, voter, false), ErrAlreadyVoted)

	require.True(t, f.reveal(t).Payload.Passed)
}

func TestAbortedBallotCanBeRecast(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	vote := circuits[1]
	def, err := compdef.Define(vote.name, vote.returns)
	require.NoError(t, err)

	f.env.Cluster.Register(def, func(*cluster.Call) ([]byte, error) {
		return nil, errors.New("node failure")
	})

	voter := ledger.Address{0x01}
	kp, cipher := f.env.Client(t, voter.String())
	nonce, err := sealing.NewNonce()
	require.NoError(t, err)

	require.NoError(t, f.env.Do(voter, func(tx *ledger.Tx) error {
		_, err := f.polls.Vote(tx, f.addr, f.next(), kp.Public, SealVote(cipher, nonce, true))
		return err
	}))

	errs := f.env.Settle(t)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], machine.ErrComputationAborted)

	f.env.Cluster.Register(def, vote.run)

	require.NoError(t, f.vote(t, voter, true))
	require.ErrorIs(t, f.vote(t, voter, false), ErrAlreadyVoted)

	inst := f.reveal(t)
	require.Equal(t, uint64(1), inst.Payload.Ballots)
	require.True(t, inst.Payload.Passed)
}

func TestPendingBallotBlocksOthers(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	voters := []ledger.Address{{0x01}, {0x02}}
	for i, voter := range voters {
		kp, cipher := f.env.Client(t, voter.String())
		nonce, err := sealing.NewNonce()
		require.NoError(t, err)

		err = f.env.Do(voter, func(tx *ledger.Tx) error {
			_, err := f.polls.Vote(tx, f.addr, f.next(), kp.Public, SealVote(cipher, nonce, true))
			return err
		})
		if i == 0 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, machine.ErrBusy)
		}
	}

	require.Empty(t, f.env.Settle(t))
	require.NoError(t, f.vote(t, voters[1], true))
}

func TestVoteGuards(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.vote(t, ledger.Address{0x01}, true), machine.ErrIllegalState)

	f.init(t)

	slot := f.next()
	err := f.env.Do(ledger.Address{0x01}, func(tx *ledger.Tx) error {
		_, err := f.polls.Reveal(tx, f.addr, slot)
		return err
	})
	require.ErrorIs(t, err, machine.ErrUnauthorized)

	// a rejected ballot leaves the voter free to vote again
	require.NoError(t, f.vote(t, ledger.Address{0x01}, true))
}
