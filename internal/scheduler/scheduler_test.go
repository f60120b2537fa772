package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"Obscura/internal/args"
	"Obscura/internal/compdef"
	"Obscura/internal/ledger"
	"Obscura/internal/output"
	"Obscura/internal/storage"
)

const testDefinition = 42

// fakeDefinitions knows a single offset.
type fakeDefinitions struct{}

func (fakeDefinitions) ByOffset(offset uint32) (*compdef.Definition, error) {
	if offset != testDefinition {
		return nil, compdef.ErrNotRegistered
	}

	return &compdef.Definition{Name: "test", Offset: offset, Returns: output.Schema{output.U8()}}, nil
}

// recordingDispatcher collects dispatched requests and can be made to fail.
type recordingDispatcher struct {
	mu   sync.Mutex
	got  []*Queued
	fail error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, q *Queued) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fail != nil {
		return d.fail
	}

	d.got = append(d.got, q)

	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.got)
}

type fixture struct {
	ledger *ledger.Ledger
	sched  *Scheduler
	disp   *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := ledger.New(db)
	d := &recordingDispatcher{}
	s := New(Config{PumpInterval: 10 * time.Millisecond, BatchSize: 2}, l, fakeDefinitions{}, d)
	t.Cleanup(s.Stop)

	return &fixture{ledger: l, sched: s, disp: d}
}

var (
	instance = ledger.Address{0x11}
	callback = Callback{Program: "blackjack", Instruction: "deal_callback"}
)

func request(slot uint64) Request {
	list, _ := args.NewBuilder().PlaintextU8(1).Build()

	return Request{
		Definition: testDefinition,
		Instance:   instance,
		Slot:       slot,
		Args:       list,
		Callback:   callback,
	}
}

func (f *fixture) submit(req Request) (SlotHandle, error) {
	var h SlotHandle

	err := f.ledger.Execute("submit", ledger.Address{}, func(tx *ledger.Tx) error {
		var err error
		h, err = f.sched.Submit(tx, req)
		return err
	})

	return h, err
}

func TestSubmitRecordsSlot(t *testing.T) {
	f := newFixture(t)

	h, err := f.submit(request(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1), h.Sequence)

	err = f.ledger.Execute("lookup", ledger.Address{}, func(tx *ledger.Tx) error {
		rec, err := f.sched.Lookup(tx, instance, 1)
		require.NoError(t, err)
		require.Equal(t, StatusPending, rec.Status)
		require.Equal(t, callback, rec.Callback)
		require.Equal(t, uint32(testDefinition), rec.Definition)
		return nil
	})
	require.NoError(t, err)

	st, err := ReadStats(f.ledger.Storage())
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.Queued)
	require.Equal(t, 1, st.Mempool)
}

func TestSubmitDuplicateSlot(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(request(5))
	require.NoError(t, err)

	// The second request tries to rebind the slot to another callback.
	dup := request(5)
	dup.Callback = Callback{Program: "blackjack", Instruction: "other"}

	_, err = f.submit(dup)
	require.ErrorIs(t, err, ErrSubmissionRejected)
	require.ErrorIs(t, err, ErrDuplicateSlot)

	err = f.ledger.Execute("lookup", ledger.Address{}, func(tx *ledger.Tx) error {
		rec, err := f.sched.Lookup(tx, instance, 5)
		require.NoError(t, err)
		require.Equal(t, callback, rec.Callback)
		return nil
	})
	require.NoError(t, err)

	n, err := f.sched.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSubmitSameSlotOtherInstance(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(request(5))
	require.NoError(t, err)

	other := request(5)
	other.Instance = ledger.Address{0x22}

	_, err = f.submit(other)
	require.NoError(t, err)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)

	unknown := request(1)
	unknown.Definition = 7
	_, err := f.submit(unknown)
	require.ErrorIs(t, err, ErrSubmissionRejected)
	require.ErrorIs(t, err, ErrUnknownDefinition)

	noCallback := request(1)
	noCallback.Callback = Callback{}
	_, err = f.submit(noCallback)
	require.ErrorIs(t, err, ErrSubmissionRejected)

	malformed := request(1)
	malformed.Args = []args.Argument{{Kind: args.KindAccount}}
	_, err = f.submit(malformed)
	require.ErrorIs(t, err, ErrSubmissionRejected)
	require.ErrorIs(t, err, args.ErrMalformed)

	st, err := ReadStats(f.ledger.Storage())
	require.NoError(t, err)
	require.Equal(t, Stats{}, st)
	require.Equal(t, 0, f.disp.count())
}

func TestResolveAtMostOnce(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(request(3))
	require.NoError(t, err)

	resolve := func(aborted bool) error {
		return f.ledger.Execute("resolve", ledger.Address{}, func(tx *ledger.Tx) error {
			_, err := f.sched.Resolve(tx, instance, 3, aborted)
			return err
		})
	}

	require.NoError(t, resolve(false))
	require.ErrorIs(t, resolve(false), ErrAlreadyResolved)
	require.ErrorIs(t, resolve(true), ErrAlreadyResolved)

	// A resolved slot stays taken.
	_, err = f.submit(request(3))
	require.ErrorIs(t, err, ErrDuplicateSlot)

	err = f.ledger.Execute("resolve", ledger.Address{}, func(tx *ledger.Tx) error {
		_, err := f.sched.Resolve(tx, instance, 99, false)
		return err
	})
	require.ErrorIs(t, err, ErrSlotNotFound)

	st, err := ReadStats(f.ledger.Storage())
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.Resolved)
	require.Equal(t, uint64(0), st.Aborted)
}

func TestDrainInOrderAndBatched(t *testing.T) {
	f := newFixture(t)

	for slot := uint64(10); slot < 13; slot++ {
		_, err := f.submit(request(slot))
		require.NoError(t, err)
	}

	n, err := f.sched.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = f.sched.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, 3, f.disp.count())
	for i, q := range f.disp.got {
		require.Equal(t, uint64(10+i), q.Slot)
		require.Equal(t, uint64(i+1), q.Sequence)
		require.Equal(t, callback, q.Callback)

		decoded, err := args.Decode(q.Args)
		require.NoError(t, err)
		require.Len(t, decoded, 1)
	}

	st, err := ReadStats(f.ledger.Storage())
	require.NoError(t, err)
	require.Equal(t, 0, st.Mempool)
}

func TestDrainKeepsEntryOnDispatchError(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(request(1))
	require.NoError(t, err)

	f.disp.fail = errors.New("cluster unreachable")

	_, err = f.sched.Drain(context.Background())
	require.Error(t, err)

	st, err := ReadStats(f.ledger.Storage())
	require.NoError(t, err)
	require.Equal(t, 1, st.Mempool)

	f.disp.fail = nil

	n, err := f.sched.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPumpDispatchesAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.sched.Start(context.Background())

	_, err := f.submit(request(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.disp.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRejectedInstructionQueuesNothing(t *testing.T) {
	f := newFixture(t)

	err := f.ledger.Execute("submit", ledger.Address{}, func(tx *ledger.Tx) error {
		if _, err := f.sched.Submit(tx, request(1)); err != nil {
			return err
		}
		return errors.New("later check failed")
	})
	require.Error(t, err)

	st, err := ReadStats(f.ledger.Storage())
	require.NoError(t, err)
	require.Equal(t, Stats{}, st)

	_, err = f.submit(request(1))
	require.NoError(t, err)
}

func TestReadSlots(t *testing.T) {
	f := newFixture(t)

	for _, slot := range []uint64{300, 2, 7} {
		_, err := f.submit(request(slot))
		require.NoError(t, err)
	}

	slots, err := ReadSlots(f.ledger.Storage(), instance)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	require.Equal(t, uint64(2), slots[0].Slot)
	require.Equal(t, uint64(7), slots[1].Slot)
	require.Equal(t, uint64(300), slots[2].Slot)
}
