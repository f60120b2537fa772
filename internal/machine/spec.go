// Package machine runs the lifecycle shared by every confidential
// application: a persisted instance in one named state, instructions that
// are legal only from some states, and transitions applied only when a
// verified result for the matching slot arrives.
//
// Submitting an instruction never touches the instance: it checks that the
// instruction is legal, takes the instance's in-flight lock and schedules
// the computation. The callback verifies the result, resolves the slot,
// decodes the payload and only then moves the instance to its next state.
package machine

import (
	"errors"
	"fmt"
	"slices"

	"Obscura/internal/ledger"
	"Obscura/internal/output"
)

var (
	// ErrIllegalState is returned for an instruction issued from a state
	// that does not allow it.
	ErrIllegalState = errors.New("instruction not allowed in current state")

	// ErrUnauthorized is returned when the signer may not issue an instruction.
	ErrUnauthorized = errors.New("signer not authorized")

	// ErrBusy is returned while the instance waits for a computation.
	ErrBusy = errors.New("computation in flight")

	// ErrUnknownInstruction is returned for an instruction the program lacks.
	ErrUnknownInstruction = errors.New("unknown instruction")

	// ErrComputationAborted is returned when the cluster reports a failure.
	// The slot is consumed and the instance keeps its state.
	ErrComputationAborted = errors.New("computation aborted")

	// ErrBadTransition is returned when a result leads to an undeclared state.
	ErrBadTransition = errors.New("transition to undeclared state")
)

// State is a small enum naming the states of one program.
type State interface {
	~uint8
	String() string
}

// Codec persists an instance payload with a fixed layout, so that
// ciphertexts inside it can be referenced by byte offset.
type Codec[P any] interface {
	Marshal(P) []byte
	Unmarshal([]byte) (P, error)
}

// ApplyFunc folds decoded output into the instance payload and returns the
// next state.
type ApplyFunc[S State, P any] func(inst *Instance[S, P], values []output.Value) (S, error)

// CommitFunc stages records kept beside the instance when a result is
// applied. issuer is the signer of the instruction that scheduled it. On
// error it must leave nothing staged.
type CommitFunc[S State, P any] func(tx *ledger.Tx, inst *Instance[S, P], issuer ledger.Address) error

// Transition describes one instruction.
type Transition[S State, P any] struct {
	Instruction string           // Instruction names the entry point
	From        []S              // From lists the states the instruction is legal in
	Circuit     string           // Circuit names the computation definition
	To          []S              // To lists the states a result may lead to
	Open        bool             // Open lets any signer issue the instruction
	Apply       ApplyFunc[S, P]  // Apply consumes the verified output
	Commit      CommitFunc[S, P] // Commit optionally stages side records with the transition
}

// Spec is the full description of a program.
type Spec[S State, P any] struct {
	Program     string             // Program names the owner of every instance
	Initial     S                  // Initial is the state of a new instance
	Codec       Codec[P]           // Codec persists the payload
	Transitions []Transition[S, P] // Transitions lists every instruction
}

// validate checks the spec is self-consistent.
func (s *Spec[S, P]) validate() error {
	if s.Program == "" {
		return fmt.Errorf("program name is empty")
	}

	if s.Codec == nil {
		return fmt.Errorf("program %s has no codec", s.Program)
	}

	seen := make(map[string]bool, len(s.Transitions))

	for _, t := range s.Transitions {
		if seen[t.Instruction] {
			return fmt.Errorf("program %s: instruction %q declared twice", s.Program, t.Instruction)
		}
		seen[t.Instruction] = true

		if len(t.From) == 0 || len(t.To) == 0 {
			return fmt.Errorf("program %s: instruction %q needs source and target states", s.Program, t.Instruction)
		}

		if t.Circuit == "" || t.Apply == nil {
			return fmt.Errorf("program %s: instruction %q needs a circuit and an apply function", s.Program, t.Instruction)
		}
	}

	return nil
}

// transition returns the declaration of an instruction.
func (s *Spec[S, P]) transition(instruction string) (*Transition[S, P], error) {
	for i := range s.Transitions {
		if s.Transitions[i].Instruction == instruction {
			return &s.Transitions[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownInstruction, s.Program, instruction)
}

// allows reports whether the instruction is legal from state.
func (t *Transition[S, P]) allows(state S) bool {
	return slices.Contains(t.From, state)
}

// reaches reports whether state is a declared outcome.
func (t *Transition[S, P]) reaches(state S) bool {
	return slices.Contains(t.To, state)
}
