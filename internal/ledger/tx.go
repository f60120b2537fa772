package ledger

import (
	"fmt"

	"Obscura/internal/storage"
)

// Tx stages the writes of one instruction. Reads see staged writes first.
type Tx struct {
	db      *storage.Storage  // db serves reads of unstaged keys
	signer  Address           // signer authorized the instruction
	writes  map[string][]byte // writes maps key to value, nil for deletion
	order   []string          // order keeps first-write order for the batch
	hooks   []func()          // hooks run after a successful commit
	persist bool              // persist commits staged writes even on failure
}

// newTx creates an empty transaction.
func newTx(db *storage.Storage, signer Address) *Tx {
	return &Tx{
		db:     db,
		signer: signer,
		writes: make(map[string][]byte),
	}
}

// Signer returns the address that signed the instruction.
func (tx *Tx) Signer() Address {
	return tx.signer
}

// Get returns the value of key, or nil if absent.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if v, ok := tx.writes[string(key)]; ok {
		return v, nil
	}

	return tx.db.Get(key)
}

// Set stages a write.
func (tx *Tx) Set(key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)

	tx.stage(key, v)
}

// Delete stages a deletion.
func (tx *Tx) Delete(key []byte) {
	tx.stage(key, nil)
}

// stage records a mutation, keeping first-write order.
func (tx *Tx) stage(key, value []byte) {
	k := string(key)
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}

	tx.writes[k] = value
}

// AfterCommit registers fn to run once the instruction is committed.
func (tx *Tx) AfterCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

// Persist commits the staged writes even if the instruction then fails.
func (tx *Tx) Persist() {
	tx.persist = true
}

// mutations returns the staged writes in order.
func (tx *Tx) mutations() []storage.Mutation {
	muts := make([]storage.Mutation, len(tx.order))
	for i, k := range tx.order {
		muts[i] = storage.Mutation{Key: []byte(k), Value: tx.writes[k]}
	}

	return muts
}

// Account reads an account, including staged changes.
func (tx *Tx) Account(addr Address) (*Account, error) {
	data, err := tx.Get(accountKey(addr))
	if err != nil {
		return nil, fmt.Errorf("read account %s:\n%w", addr, err)
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}

	return decodeAccount(data)
}

// CreateAccount stages a new account owned by owner.
func (tx *Tx) CreateAccount(addr Address, owner string, data []byte) error {
	existing, err := tx.Get(accountKey(addr))
	if err != nil {
		return fmt.Errorf("read account %s:\n%w", addr, err)
	}

	if existing != nil {
		return fmt.Errorf("%w: %s", ErrAccountExists, addr)
	}

	tx.Set(accountKey(addr), encodeAccount(&Account{Owner: owner, Data: data}))

	return nil
}

// WriteAccount replaces the data of an existing account owned by owner.
func (tx *Tx) WriteAccount(addr Address, owner string, data []byte) error {
	acc, err := tx.Account(addr)
	if err != nil {
		return err
	}

	if acc.Owner != owner {
		return fmt.Errorf("account %s owned by %q, not %q", addr, acc.Owner, owner)
	}

	tx.Set(accountKey(addr), encodeAccount(&Account{Owner: owner, Data: data}))

	return nil
}
