package output

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// shuffleSchema is the return shape of the blackjack deal: deck, dealer
// hole card, player hand for the client, and two revealed hand sizes.
var shuffleSchema = Schema{Enc(3), Enc(1), Shared(3), U8(), U8()}

func TestSchemaSize(t *testing.T) {
	require.Equal(t, 16+3*32+16+32+32+16+3*32+1+1, shuffleSchema.Size())
	require.Equal(t, 0, Schema{}.Size())
	require.Equal(t, 8+16+32, Schema{Tuple(U64(), Enc(1))}.Size())
}

func TestDecodeRoundTrip(t *testing.T) {
	deck := Group{Nonce: [16]byte{1}, Ciphertexts: [][32]byte{{0xA}, {0xB}, {0xC}}}
	hole := Group{Nonce: [16]byte{2}, Ciphertexts: [][32]byte{{0xD}}}
	player := Group{PublicKey: [32]byte{9}, Nonce: [16]byte{3}, Ciphertexts: [][32]byte{{1}, {2}, {3}}}

	payload, err := NewBuilder().Enc(deck).Enc(hole).Shared(player).U8(2).U8(2).Check(shuffleSchema)
	require.NoError(t, err)

	values, err := Decode(shuffleSchema, payload)
	require.NoError(t, err)
	require.Len(t, values, 5)

	require.Equal(t, deck.Nonce, values[0].Group.Nonce)
	require.Equal(t, deck.Ciphertexts, values[0].Group.Ciphertexts)
	require.Equal(t, player.PublicKey, values[2].Group.PublicKey)
	require.Equal(t, player.Ciphertexts, values[2].Group.Ciphertexts)
	require.Equal(t, uint64(2), values[3].Uint64())
	require.Equal(t, uint64(2), values[4].Uint64())
}

// TestDecodeShortPayload checks a payload one byte short is rejected.
func TestDecodeShortPayload(t *testing.T) {
	payload := make([]byte, shuffleSchema.Size()-1)

	_, err := Decode(shuffleSchema, payload)
	require.True(t, errors.Is(err, ErrOutputCorrupt), "got %v", err)
}

func TestDecodeLongPayload(t *testing.T) {
	payload := make([]byte, shuffleSchema.Size()+1)

	_, err := Decode(shuffleSchema, payload)
	require.ErrorIs(t, err, ErrOutputCorrupt)
}

func TestDecodeNestedTuple(t *testing.T) {
	schema := Schema{Tuple(U64(), Tuple(Bool(), U16())), U32()}

	payload := NewBuilder().U64(50).Bool(true).U16(0x0102).U32(30).Bytes()

	values, err := Decode(schema, payload)
	require.NoError(t, err)

	require.Equal(t, uint64(50), values[0].Tuple[0].Uint64())
	require.True(t, values[0].Tuple[1].Tuple[0].Bool())
	require.Equal(t, uint64(0x0102), values[0].Tuple[1].Tuple[1].Uint64())
	require.Equal(t, uint64(30), values[1].Uint64())
}

func TestDecodeRejectsInvalidSchema(t *testing.T) {
	_, err := Decode(Schema{Scalar(3)}, make([]byte, 3))
	require.ErrorIs(t, err, ErrSchema)

	_, err = Decode(Schema{Enc(0)}, make([]byte, 16))
	require.ErrorIs(t, err, ErrSchema)
}

func TestSchemaMarshalRoundTrip(t *testing.T) {
	schema := Schema{Enc(3), Shared(1), Tuple(U64(), U128()), Bool()}

	data, err := schema.MarshalBinary()
	require.NoError(t, err)

	var got Schema
	require.NoError(t, got.UnmarshalBinary(data))
	require.Equal(t, schema, got)
	require.Equal(t, schema.Size(), got.Size())
}

func TestSchemaUnmarshalRejectsGarbage(t *testing.T) {
	var s Schema

	require.ErrorIs(t, s.UnmarshalBinary([]byte{1}), ErrSchema)
	require.ErrorIs(t, s.UnmarshalBinary([]byte{1, 0, 9}), ErrSchema)

	valid, err := Schema{U8()}.MarshalBinary()
	require.NoError(t, err)
	require.ErrorIs(t, s.UnmarshalBinary(append(valid, 0)), ErrSchema)
}

func TestSchemaString(t *testing.T) {
	s := Schema{U64(), Enc(5), Tuple(Shared(3), Bool())}
	require.Equal(t, "(u64,enc(5),tuple(shared(3),u8))", s.String())
}
