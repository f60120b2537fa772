package machine

import (
	"fmt"

	"Obscura/internal/args"
	"Obscura/internal/attest"
	"Obscura/internal/compdef"
	"Obscura/internal/ledger"
	"Obscura/internal/logger"
	"Obscura/internal/output"
	"Obscura/internal/scheduler"
)

// Notify is called after a transition commits.
type Notify[S State, P any] func(inst *Instance[S, P], from S)

// Machine runs one program.
type Machine[S State, P any] struct {
	spec    Spec[S, P]           // spec is the program description
	sched   *scheduler.Scheduler // sched allocates slots
	defs    *compdef.Registry    // defs resolves circuits and return schemas
	offsets map[string]uint32    // offsets maps instruction to circuit offset
	notify  Notify[S, P]         // notify observes committed transitions
}

// New builds a machine. Every circuit the spec names must be registered.
func New[S State, P any](spec Spec[S, P], sched *scheduler.Scheduler, defs *compdef.Registry) (*Machine[S, P], error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	m := &Machine[S, P]{
		spec:    spec,
		sched:   sched,
		defs:    defs,
		offsets: make(map[string]uint32, len(spec.Transitions)),
	}

	for _, t := range spec.Transitions {
		def, err := defs.Lookup(t.Circuit)
		if err != nil {
			return nil, fmt.Errorf("program %s instruction %s:\n%w", spec.Program, t.Instruction, err)
		}

		m.offsets[t.Instruction] = def.Offset
	}

	return m, nil
}

// Program returns the program name.
func (m *Machine[S, P]) Program() string {
	return m.spec.Program
}

// OnTransition registers an observer of committed transitions.
func (m *Machine[S, P]) OnTransition(fn Notify[S, P]) {
	m.notify = fn
}

// Create stores a new instance in the initial state, owned by the signer.
func (m *Machine[S, P]) Create(tx *ledger.Tx, addr ledger.Address, payload P) (*Instance[S, P], error) {
	inst := &Instance[S, P]{
		Address:   addr,
		State:     m.spec.Initial,
		Authority: tx.Signer(),
		Payload:   payload,
	}

	if err := tx.CreateAccount(addr, m.spec.Program, encodeInstance(inst, m.spec.Codec)); err != nil {
		return nil, fmt.Errorf("create %s instance:\n%w", m.spec.Program, err)
	}

	logger.Debug("instance created", "program", m.spec.Program, "address", addr.String())

	return inst, nil
}

// Load reads an instance.
func (m *Machine[S, P]) Load(tx *ledger.Tx, addr ledger.Address) (*Instance[S, P], error) {
	acc, err := tx.Account(addr)
	if err != nil {
		return nil, err
	}

	if acc.Owner != m.spec.Program {
		return nil, fmt.Errorf("account %s belongs to %q, not %q", addr, acc.Owner, m.spec.Program)
	}

	return decodeInstance[S](addr, acc.Data, m.spec.Codec)
}

// ArgsFunc builds the circuit arguments from the current instance.
type ArgsFunc[S State, P any] func(inst *Instance[S, P]) ([]args.Argument, error)

// Submit issues an instruction against an instance. It rejects the request
// before anything is scheduled when the instruction is unknown, illegal in
// the current state, not allowed for the signer, or when another computation
// is in flight. It never modifies the instance itself.
func (m *Machine[S, P]) Submit(tx *ledger.Tx, addr ledger.Address, instruction string, slot uint64, build ArgsFunc[S, P]) (scheduler.SlotHandle, error) {
	t, err := m.spec.transition(instruction)
	if err != nil {
		return scheduler.SlotHandle{}, fmt.Errorf("%w: %w", scheduler.ErrSubmissionRejected, err)
	}

	inst, err := m.Load(tx, addr)
	if err != nil {
		return scheduler.SlotHandle{}, fmt.Errorf("%w:\n%w", scheduler.ErrSubmissionRejected, err)
	}

	if !t.allows(inst.State) {
		return scheduler.SlotHandle{}, fmt.Errorf("%w: %w: %s in state %s", scheduler.ErrSubmissionRejected, ErrIllegalState, instruction, inst.State)
	}

	if !t.Open && tx.Signer() != inst.Authority {
		return scheduler.SlotHandle{}, fmt.Errorf("%w: %w: %s", scheduler.ErrSubmissionRejected, ErrUnauthorized, instruction)
	}

	if pending, busy, err := readLock(tx, addr); err != nil {
		return scheduler.SlotHandle{}, err
	} else if busy {
		return scheduler.SlotHandle{}, fmt.Errorf("%w: %w: slot %d", scheduler.ErrSubmissionRejected, ErrBusy, pending.Slot)
	}

	list, err := build(inst)
	if err != nil {
		return scheduler.SlotHandle{}, fmt.Errorf("%w:\n%w", scheduler.ErrSubmissionRejected, err)
	}

	h, err := m.sched.Submit(tx, scheduler.Request{
		Definition: m.offsets[instruction],
		Instance:   addr,
		Slot:       slot,
		Args:       list,
		Callback:   scheduler.Callback{Program: m.spec.Program, Instruction: instruction},
	})
	if err != nil {
		return scheduler.SlotHandle{}, err
	}

	tx.Set(lockKey(addr), encodeLock(lock{Slot: slot, Issuer: tx.Signer()}))

	return h, nil
}

// HandleCallback consumes a cluster result. The result must authenticate
// against the scheduler's cluster and the exact slot it claims; otherwise
// it is dropped with no change. A verified result resolves its slot once.
// An abort or an undecodable payload consumes the slot and releases the
// instance without touching its state.
func (m *Machine[S, P]) HandleCallback(tx *ledger.Tx, signed *attest.SignedOutput) error {
	addr := ledger.Address(signed.Instance)

	rec, err := m.sched.Lookup(tx, addr, signed.Slot)
	if err != nil {
		return err
	}

	if rec.Callback.Program != m.spec.Program {
		return fmt.Errorf("slot %d is bound to %s, not %s", signed.Slot, rec.Callback.Program, m.spec.Program)
	}

	out, err := attest.Verify(signed, m.sched.Cluster(), signed.Instance, signed.Slot)
	if err != nil {
		return err
	}

	if signed.Definition != rec.Definition {
		return fmt.Errorf("%w: result for definition %d, slot bound to %d", attest.ErrVerificationFailed, signed.Definition, rec.Definition)
	}

	if _, err := m.sched.Resolve(tx, addr, signed.Slot, out.Aborted()); err != nil {
		return err
	}

	issuer := m.release(tx, addr, signed.Slot)

	if out.Aborted() {
		tx.Persist()
		logger.Warn("computation aborted", "program", m.spec.Program, "slot", signed.Slot, "reason", out.Reason)

		return fmt.Errorf("%w: %s", ErrComputationAborted, out.Reason)
	}

	if err := m.apply(tx, addr, rec.Callback.Instruction, issuer, out.Payload); err != nil {
		tx.Persist()
		return err
	}

	return nil
}

// release drops the in-flight lock if it belongs to slot and returns the
// signer that took it.
func (m *Machine[S, P]) release(tx *ledger.Tx, addr ledger.Address, slot uint64) ledger.Address {
	pending, busy, err := readLock(tx, addr)
	if err != nil || !busy || pending.Slot != slot {
		return ledger.Address{}
	}

	tx.Delete(lockKey(addr))

	return pending.Issuer
}

// apply decodes a verified payload and moves the instance to its next
// state. On error nothing of the instance is staged.
func (m *Machine[S, P]) apply(tx *ledger.Tx, addr ledger.Address, instruction string, issuer ledger.Address, payload []byte) error {
	t, err := m.spec.transition(instruction)
	if err != nil {
		return err
	}

	def, err := m.defs.ByOffset(m.offsets[instruction])
	if err != nil {
		return err
	}

	values, err := output.Decode(def.Returns, payload)
	if err != nil {
		return fmt.Errorf("%s/%s:\n%w", m.spec.Program, instruction, err)
	}

	inst, err := m.Load(tx, addr)
	if err != nil {
		return err
	}

	if !t.allows(inst.State) {
		return fmt.Errorf("%w: %s result in state %s", ErrIllegalState, instruction, inst.State)
	}

	from := inst.State

	next, err := t.Apply(inst, values)
	if err != nil {
		return fmt.Errorf("%s/%s apply:\n%w", m.spec.Program, instruction, err)
	}

	if !t.reaches(next) {
		return fmt.Errorf("%w: %s/%s to %s", ErrBadTransition, m.spec.Program, instruction, next)
	}

	inst.State = next

	if t.Commit != nil {
		if err := t.Commit(tx, inst, issuer); err != nil {
			return fmt.Errorf("%s/%s commit:\n%w", m.spec.Program, instruction, err)
		}
	}

	if err := tx.WriteAccount(addr, m.spec.Program, encodeInstance(inst, m.spec.Codec)); err != nil {
		return err
	}

	if m.notify != nil {
		tx.AfterCommit(func() { m.notify(inst, from) })
	}

	logger.Info("state transition",
		"program", m.spec.Program,
		"instruction", instruction,
		"from", from.String(),
		"to", next.String(),
	)

	return nil
}
