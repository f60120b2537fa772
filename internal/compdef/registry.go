package compdef

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"Obscura/internal/logger"
	"Obscura/internal/output"
	"Obscura/internal/storage"
	"Obscura/internal/types"
)

var (
	// ErrAlreadyRegistered is returned when a name is registered twice.
	ErrAlreadyRegistered = errors.New("computation definition already registered")

	// ErrOffsetCollision is returned when two names derive the same offset.
	ErrOffsetCollision = errors.New("computation definition offset collision")

	// ErrNotRegistered is returned when a name or offset has no definition.
	ErrNotRegistered = errors.New("computation definition not registered")
)

// keyPrefix is the Pebble key prefix for definitions, followed by the big-endian offset.
var keyPrefix = []byte("c:")

// descriptorDomain separates descriptor hashes from other blake3 uses.
const descriptorDomain = "obscura-compdef"

// Definition is a registered circuit.
type Definition struct {
	Name       string        // Name is the human-readable circuit name
	Offset     uint32        // Offset is the numeric identifier derived from Name
	Descriptor [32]byte      // Descriptor identifies the definition record
	Returns    output.Schema // Returns is the declared output shape
}

// OffsetOf derives the numeric identifier of a circuit name:
// the first four bytes of blake3(name), little endian.
func OffsetOf(name string) uint32 {
	h := blake3.Sum256([]byte(name))
	return binary.LittleEndian.Uint32(h[:4])
}

// DescriptorOf derives the descriptor of an offset.
func DescriptorOf(offset uint32) [32]byte {
	h := blake3.New()
	h.Write([]byte(descriptorDomain))

	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], offset)
	h.Write(off[:])

	var d [32]byte
	h.Sum(d[:0])

	return d
}

// Registry maps circuit names to definitions.
// Persisted to Pebble with "c:" prefix and cached in memory.
type Registry struct {
	db *storage.Storage // db is the underlying Pebble storage

	mu       sync.RWMutex           // mu protects the maps
	byName   map[string]*Definition // byName indexes definitions by name
	byOffset map[uint32]*Definition // byOffset indexes definitions by offset
}

// New creates a registry and loads every persisted definition.
func New(db *storage.Storage) (*Registry, error) {
	r := &Registry{
		db:       db,
		byName:   make(map[string]*Definition),
		byOffset: make(map[uint32]*Definition),
	}

	err := db.IteratePrefix(keyPrefix, func(_, value []byte) error {
		def, err := decodeDefinition(value)
		if err != nil {
			return err
		}

		r.byName[def.Name] = def
		r.byOffset[def.Offset] = def

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load definitions:\n%w", err)
	}

	return r, nil
}

// Define builds the definition of name without registering it. Hosts and
// clusters derive identical definitions from the same name and schema.
func Define(name string, returns output.Schema) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("empty definition name")
	}

	if err := returns.Validate(); err != nil {
		return nil, fmt.Errorf("definition %q:\n%w", name, err)
	}

	offset := OffsetOf(name)

	return &Definition{
		Name:       name,
		Offset:     offset,
		Descriptor: DescriptorOf(offset),
		Returns:    returns,
	}, nil
}

// Register creates the definition of name. It fails if name is already
// registered or if another name already owns the derived offset.
func (r *Registry) Register(name string, returns output.Schema) (*Definition, error) {
	def, err := Define(name, returns)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}

	if other, ok := r.byOffset[def.Offset]; ok {
		return nil, fmt.Errorf("%w: %q and %q both map to %d", ErrOffsetCollision, name, other.Name, def.Offset)
	}

	data, err := encodeDefinition(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition %q:\n%w", name, err)
	}

	if err := r.db.Set(definitionKey(def.Offset), data); err != nil {
		return nil, fmt.Errorf("persist definition %q:\n%w", name, err)
	}

	r.byName[name] = def
	r.byOffset[def.Offset] = def

	logger.Info("computation definition registered", "name", name, "offset", def.Offset)

	return def, nil
}

// Ensure returns the definition of name, registering it on first use.
// A definition persisted with a different schema is an error: results
// already queued under it would no longer decode.
func (r *Registry) Ensure(name string, returns output.Schema) (*Definition, error) {
	if def, err := r.Lookup(name); err == nil {
		if !sameSchema(def.Returns, returns) {
			return nil, fmt.Errorf("%w: %q registered with another schema", ErrAlreadyRegistered, name)
		}

		return def, nil
	}

	return r.Register(name, returns)
}

// sameSchema compares two schemas by their encoding.
func sameSchema(a, b output.Schema) bool {
	ea, errA := a.MarshalBinary()
	eb, errB := b.MarshalBinary()

	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	return def, nil
}

// ByOffset returns the definition with the given numeric identifier.
func (r *Registry) ByOffset(offset uint32) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byOffset[offset]
	if !ok {
		return nil, fmt.Errorf("%w: offset %d", ErrNotRegistered, offset)
	}

	return def, nil
}

// List returns every definition ordered by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defs := make([]*Definition, 0, len(r.byName))
	for _, d := range r.byName {
		defs = append(defs, d)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs
}

// definitionKey builds the storage key of an offset.
func definitionKey(offset uint32) []byte {
	key := make([]byte, len(keyPrefix)+4)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint32(key[len(keyPrefix):], offset)

	return key
}

// encodeDefinition serializes a definition as a FlatBuffers table.
func encodeDefinition(def *Definition) ([]byte, error) {
	returns, err := def.Returns.MarshalBinary()
	if err != nil {
		return nil, err
	}

	builder := flatbuffers.NewBuilder(128 + len(returns))

	nameOff := builder.CreateString(def.Name)
	descVec := builder.CreateByteVector(def.Descriptor[:])
	returnsVec := builder.CreateByteVector(returns)

	types.ComputationDefinitionStart(builder)
	types.ComputationDefinitionAddName(builder, nameOff)
	types.ComputationDefinitionAddOffset(builder, def.Offset)
	types.ComputationDefinitionAddDescriptor(builder, descVec)
	types.ComputationDefinitionAddReturns(builder, returnsVec)
	builder.Finish(types.ComputationDefinitionEnd(builder))

	return builder.FinishedBytes(), nil
}

// decodeDefinition parses a persisted definition.
func decodeDefinition(data []byte) (def *Definition, retErr error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if r := recover(); r != nil {
			def, retErr = nil, fmt.Errorf("malformed definition record")
		}
	}()

	t := types.GetRootAsComputationDefinition(data, 0)

	def = &Definition{
		Name:   string(t.Name()),
		Offset: t.Offset(),
	}

	if len(t.DescriptorBytes()) != len(def.Descriptor) {
		return nil, fmt.Errorf("definition %q: descriptor size %d", def.Name, len(t.DescriptorBytes()))
	}
	copy(def.Descriptor[:], t.DescriptorBytes())

	if err := def.Returns.UnmarshalBinary(t.ReturnsBytes()); err != nil {
		return nil, fmt.Errorf("definition %q:\n%w", def.Name, err)
	}

	return def, nil
}
