package scheduler

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Obscura/internal/ledger"
	"Obscura/internal/storage"
)

// errStopIteration ends a prefix scan early.
var errStopIteration = errors.New("stop iteration")

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Queued   uint64 `json:"queued"`   // Queued counts accepted submissions
	Resolved uint64 `json:"resolved"` // Resolved counts applied successes
	Aborted  uint64 `json:"aborted"`  // Aborted counts consumed aborts
	Mempool  int    `json:"mempool"`  // Mempool counts undispatched entries
}

// ReadStats reads the committed counters.
func ReadStats(db *storage.Storage) (Stats, error) {
	var st Stats
	var err error

	if st.Queued, err = readCounter(db.Get, counterQueued); err != nil {
		return st, err
	}

	if st.Resolved, err = readCounter(db.Get, counterResolved); err != nil {
		return st, err
	}

	if st.Aborted, err = readCounter(db.Get, counterAborted); err != nil {
		return st, err
	}

	err = db.IteratePrefix(queuePrefix, func(_, _ []byte) error {
		st.Mempool++
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("count mempool:\n%w", err)
	}

	return st, nil
}

// SlotEntry is one slot of an instance.
type SlotEntry struct {
	Slot uint64 // Slot is the caller-chosen slot
	SlotRecord
}

// ReadSlots lists the committed slots of an instance in slot order.
func ReadSlots(db *storage.Storage, instance ledger.Address) ([]SlotEntry, error) {
	prefix := append(append([]byte(nil), slotPrefix...), instance[:]...)

	var out []SlotEntry

	err := db.IteratePrefix(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+8 {
			return nil
		}

		rec, err := decodeSlot(value)
		if err != nil {
			return err
		}

		out = append(out, SlotEntry{Slot: binary.BigEndian.Uint64(key[len(prefix):]), SlotRecord: *rec})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read slots:\n%w", err)
	}

	return out, nil
}
