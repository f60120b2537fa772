package sealing

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"Obscura/internal/oblivious"
)

func pair(t *testing.T) (*Cipher, *Cipher) {
	t.Helper()

	client, err := KeyFromSeed([]byte("client"))
	require.NoError(t, err)

	cluster, err := KeyFromSeed([]byte("cluster"))
	require.NoError(t, err)

	a, err := NewCipher(client, cluster.Public)
	require.NoError(t, err)

	b, err := NewCipher(cluster, client.Public)
	require.NoError(t, err)

	return a, b
}

func TestAgreedKeysMatch(t *testing.T) {
	client, cluster := pair(t)

	nonce := [16]byte{1, 2, 3}
	g := client.SealUint64s(nonce, 7, 0, 1<<40)

	fields := cluster.Open(g)
	require.Len(t, fields, 3)
	require.Equal(t, uint64(7), ToUint64(fields[0]))
	require.Equal(t, uint64(0), ToUint64(fields[1]))
	require.Equal(t, uint64(1<<40), ToUint64(fields[2]))
}

func TestFieldsUseDistinctKeystreams(t *testing.T) {
	client, _ := pair(t)

	g := client.SealUint64s([16]byte{9}, 5, 5)
	require.NotEqual(t, g.Ciphertexts[0], g.Ciphertexts[1])

	other := client.SealUint64s([16]byte{10}, 5, 5)
	require.NotEqual(t, g.Ciphertexts[0], other.Ciphertexts[0])
}

func TestOpenFieldMatchesGroup(t *testing.T) {
	client, cluster := pair(t)

	nonce := [16]byte{4}
	g := client.SealUint64s(nonce, 11, 22, 33)

	require.Equal(t, uint64(33), ToUint64(cluster.OpenField(nonce, 2, g.Ciphertexts[2])))

	// Opening a field at the wrong index yields garbage, not the value.
	require.NotEqual(t, uint64(33), ToUint64(cluster.OpenField(nonce, 1, g.Ciphertexts[2])))
}

func TestSelfCipherIsPrivate(t *testing.T) {
	kp, err := KeyFromSeed([]byte("cluster"))
	require.NoError(t, err)

	other, err := KeyFromSeed([]byte("other"))
	require.NoError(t, err)

	g := SelfCipher(kp).SealUint64s([16]byte{}, 42)
	require.Equal(t, uint64(42), ToUint64(SelfCipher(kp).Open(g)[0]))
	require.NotEqual(t, uint64(42), ToUint64(SelfCipher(other).Open(g)[0]))
}

func TestPackedWordRoundTrip(t *testing.T) {
	layout := oblivious.Layout{Elements: 52, Bits: 6, WordBits: 128}

	values := make([]uint64, 52)
	for i := range values {
		values[i] = uint64(i)
	}

	words, err := layout.Pack(values)
	require.NoError(t, err)

	_, cluster := pair(t)

	fields := make([][FieldSize]byte, len(words))
	for i, w := range words {
		fields[i] = FromWord(w)
	}

	g := cluster.Seal([16]byte{7}, fields)
	opened := cluster.Open(g)

	back := make([]*uint256.Int, len(opened))
	for i, f := range opened {
		back[i] = ToWord(f)
	}

	got, err := layout.Unpack(back)
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestKeyFromSeedDeterministic(t *testing.T) {
	a, err := KeyFromSeed([]byte("x"))
	require.NoError(t, err)

	b, err := KeyFromSeed([]byte("x"))
	require.NoError(t, err)

	require.Equal(t, a.Public, b.Public)
}
