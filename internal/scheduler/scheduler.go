// Package scheduler allocates slots for computation requests and hands
// them to the execution cluster.
//
// Submit runs inside a ledger instruction: it checks the request, records
// the slot with its callback binding and appends the encoded request to a
// durable mempool. Nothing leaves the host until the instruction commits;
// a background pump then drains the mempool into a Dispatcher. A slot is
// resolved at most once and its record is kept afterwards, so a slot id is
// never reused for the same instance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Obscura/internal/args"
	"Obscura/internal/attest"
	"Obscura/internal/compdef"
	"Obscura/internal/ledger"
	"Obscura/internal/logger"
)

var (
	// ErrSubmissionRejected is returned for any request refused at submission.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrDuplicateSlot is returned when the slot id was already used.
	ErrDuplicateSlot = errors.New("slot already in use")

	// ErrUnknownDefinition is returned when the circuit is not registered.
	ErrUnknownDefinition = errors.New("unknown computation definition")

	// ErrSlotNotFound is returned for a slot that was never submitted.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrAlreadyResolved is returned when a slot receives a second result.
	ErrAlreadyResolved = errors.New("slot already resolved")
)

const (
	defaultPumpInterval = 50 * time.Millisecond
	defaultBatchSize    = 64
)

// Definitions resolves circuit offsets. *compdef.Registry satisfies it.
type Definitions interface {
	ByOffset(offset uint32) (*compdef.Definition, error)
}

// Dispatcher hands a queued request to the execution cluster.
// It returns nil only once the cluster has queued the request; on error
// the entry stays in the mempool and is offered again.
type Dispatcher interface {
	Dispatch(ctx context.Context, q *Queued) error
}

// Config holds the shared resources a scheduler routes through.
type Config struct {
	Cluster      *attest.ClusterIdentity // Cluster is expected to sign every result
	PumpInterval time.Duration           // PumpInterval is the mempool poll period
	BatchSize    int                     // BatchSize bounds entries per pump round
}

// Request is one computation to schedule.
type Request struct {
	Definition uint32          // Definition is the circuit offset
	Instance   ledger.Address  // Instance is the application instance
	Slot       uint64          // Slot is unique per instance
	Args       []args.Argument // Args are positional circuit inputs
	Callback   Callback        // Callback receives the result
}

// SlotHandle identifies a scheduled request.
type SlotHandle struct {
	Instance   ledger.Address // Instance is the application instance
	Slot       uint64         // Slot is the caller-chosen slot
	Definition uint32         // Definition is the circuit offset
	Sequence   uint64         // Sequence is the mempool position
}

// Scheduler owns the slot table and the mempool.
type Scheduler struct {
	cfg        Config         // cfg is the injected routing configuration
	ledger     *ledger.Ledger // ledger runs mempool acknowledgements
	defs       Definitions    // defs checks that circuits exist
	dispatcher Dispatcher     // dispatcher reaches the cluster

	drainMu sync.Mutex // drainMu keeps one drain at a time

	wake chan struct{}  // wake triggers an early pump round
	stop chan struct{}  // stop ends the pump
	once sync.Once      // once guards stop
	wg   sync.WaitGroup // wg tracks the pump goroutine
}

// New creates a scheduler.
func New(cfg Config, l *ledger.Ledger, defs Definitions, d Dispatcher) *Scheduler {
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = defaultPumpInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	return &Scheduler{
		cfg:        cfg,
		ledger:     l,
		defs:       defs,
		dispatcher: d,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Cluster returns the cluster results must be signed by.
func (s *Scheduler) Cluster() *attest.ClusterIdentity {
	return s.cfg.Cluster
}

// Submit schedules req inside tx. It returns immediately; the request
// leaves the host only after tx commits. A rejected request makes no
// staged write and no external call.
func (s *Scheduler) Submit(tx *ledger.Tx, req Request) (SlotHandle, error) {
	if _, err := s.defs.ByOffset(req.Definition); err != nil {
		return SlotHandle{}, fmt.Errorf("%w: %w: offset %d", ErrSubmissionRejected, ErrUnknownDefinition, req.Definition)
	}

	if req.Callback.Program == "" || req.Callback.Instruction == "" {
		return SlotHandle{}, fmt.Errorf("%w: missing callback", ErrSubmissionRejected)
	}

	encoded, err := args.Encode(req.Args)
	if err != nil {
		return SlotHandle{}, fmt.Errorf("%w:\n%w", ErrSubmissionRejected, err)
	}

	key := slotKey(req.Instance, req.Slot)

	existing, err := tx.Get(key)
	if err != nil {
		return SlotHandle{}, fmt.Errorf("read slot:\n%w", err)
	}

	if existing != nil {
		return SlotHandle{}, fmt.Errorf("%w: %w: instance %s slot %d", ErrSubmissionRejected, ErrDuplicateSlot, req.Instance, req.Slot)
	}

	seq, err := bumpCounter(tx, counterSequence)
	if err != nil {
		return SlotHandle{}, err
	}

	if _, err := bumpCounter(tx, counterQueued); err != nil {
		return SlotHandle{}, err
	}

	tx.Set(key, encodeSlot(&SlotRecord{
		Definition: req.Definition,
		Callback:   req.Callback,
		Status:     StatusPending,
		Sequence:   seq,
	}))

	tx.Set(queueKey(seq), EncodeQueued(&Queued{
		Sequence:   seq,
		Definition: req.Definition,
		Instance:   req.Instance,
		Slot:       req.Slot,
		Args:       encoded,
		Callback:   req.Callback,
	}))

	tx.AfterCommit(s.notify)

	logger.Debug("computation queued",
		"definition", req.Definition,
		"slot", req.Slot,
		"seq", seq,
		"callback", req.Callback.String(),
	)

	return SlotHandle{Instance: req.Instance, Slot: req.Slot, Definition: req.Definition, Sequence: seq}, nil
}

// Lookup returns the record of a slot.
func (s *Scheduler) Lookup(tx *ledger.Tx, instance ledger.Address, slot uint64) (*SlotRecord, error) {
	return LookupSlot(tx, instance, slot)
}

// LookupSlot reads a slot record inside tx without a scheduler, for
// callback routing.
func LookupSlot(tx *ledger.Tx, instance ledger.Address, slot uint64) (*SlotRecord, error) {
	data, err := tx.Get(slotKey(instance, slot))
	if err != nil {
		return nil, fmt.Errorf("read slot:\n%w", err)
	}

	if data == nil {
		return nil, fmt.Errorf("%w: instance %s slot %d", ErrSlotNotFound, instance, slot)
	}

	return decodeSlot(data)
}

// Resolve marks a pending slot as consumed. A slot resolves at most once;
// later results for it return ErrAlreadyResolved.
func (s *Scheduler) Resolve(tx *ledger.Tx, instance ledger.Address, slot uint64, aborted bool) (*SlotRecord, error) {
	rec, err := s.Lookup(tx, instance, slot)
	if err != nil {
		return nil, err
	}

	if rec.Status != StatusPending {
		return nil, fmt.Errorf("%w: instance %s slot %d is %s", ErrAlreadyResolved, instance, slot, rec.Status)
	}

	counter := counterResolved
	rec.Status = StatusResolved

	if aborted {
		counter = counterAborted
		rec.Status = StatusAborted
	}

	if _, err := bumpCounter(tx, counter); err != nil {
		return nil, err
	}

	tx.Set(slotKey(instance, slot), encodeSlot(rec))

	return rec, nil
}

// notify wakes the pump without blocking.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
