// Package runtime hosts the application programs and routes cluster
// results to the program that scheduled them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"Obscura/internal/attest"
	"Obscura/internal/ledger"
	"Obscura/internal/logger"
	"Obscura/internal/machine"
	"Obscura/internal/output"
	"Obscura/internal/scheduler"
)

var (
	// ErrUnknownProgram is returned when a slot is bound to a program the
	// host does not run.
	ErrUnknownProgram = errors.New("unknown program")

	// ErrDuplicateProgram is returned when two handlers claim one program.
	ErrDuplicateProgram = errors.New("program already registered")
)

// Handler consumes results for one program. *machine.Machine satisfies it.
type Handler interface {
	Program() string
	HandleCallback(tx *ledger.Tx, signed *attest.SignedOutput) error
}

// Counters summarizes deliveries since start.
type Counters struct {
	Delivered uint64 `json:"delivered"` // Delivered results were applied
	Aborted   uint64 `json:"aborted"`   // Aborted results consumed their slot
	Rejected  uint64 `json:"rejected"`  // Rejected results changed nothing
}

// Host routes results into programs.
type Host struct {
	ledger   *ledger.Ledger     // ledger runs each callback as one instruction
	handlers map[string]Handler // handlers maps program name to handler
	mu       sync.RWMutex       // mu protects handlers

	delivered atomic.Uint64 // delivered counts applied results
	aborted   atomic.Uint64 // aborted counts aborted or undecodable results
	rejected  atomic.Uint64 // rejected counts dropped results
}

// New creates a host over a ledger.
func New(l *ledger.Ledger) *Host {
	return &Host{
		ledger:   l,
		handlers: make(map[string]Handler),
	}
}

// Register adds a program handler.
func (h *Host) Register(handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := handler.Program()
	if _, ok := h.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProgram, name)
	}

	h.handlers[name] = handler

	return nil
}

// Programs returns the registered program names.
func (h *Host) Programs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}

	return names
}

// Deliver runs the callback of a result as one ledger instruction. The
// program is taken from the slot record written at submission, never from
// the result itself, so a result can only reach the program that asked.
func (h *Host) Deliver(ctx context.Context, signed *attest.SignedOutput) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	instance := ledger.Address(signed.Instance)

	err := h.ledger.Execute("callback", ledger.Address{}, func(tx *ledger.Tx) error {
		rec, err := scheduler.LookupSlot(tx, instance, signed.Slot)
		if err != nil {
			return err
		}

		h.mu.RLock()
		handler, ok := h.handlers[rec.Callback.Program]
		h.mu.RUnlock()

		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProgram, rec.Callback.Program)
		}

		return handler.HandleCallback(tx, signed)
	})

	h.count(instance, signed, err)

	return err
}

// count updates the counters and logs the outcome of one delivery.
func (h *Host) count(instance ledger.Address, signed *attest.SignedOutput, err error) {
	switch {
	case err == nil:
		h.delivered.Add(1)

	case errors.Is(err, machine.ErrComputationAborted), errors.Is(err, output.ErrOutputCorrupt):
		h.aborted.Add(1)

	default:
		h.rejected.Add(1)
		logger.Warn("result rejected",
			"instance", instance.String(),
			"slot", signed.Slot,
			"error", err,
		)
	}
}

// Counters returns the delivery counters.
func (h *Host) Counters() Counters {
	return Counters{
		Delivered: h.delivered.Load(),
		Aborted:   h.aborted.Load(),
		Rejected:  h.rejected.Load(),
	}
}
