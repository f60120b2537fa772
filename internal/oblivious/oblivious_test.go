package oblivious

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var deckLayout = Layout{Elements: 52, Bits: 6, WordBits: 128}

func TestSelectHelpers(t *testing.T) {
	require.Equal(t, uint64(7), Select(1, 7, 9))
	require.Equal(t, uint64(9), Select(0, 7, 9))
	require.True(t, SelectBool(1, true, false))
	require.False(t, SelectBool(0, true, false))

	require.Equal(t, uint64(1), Less(3, 4))
	require.Equal(t, uint64(0), Less(4, 4))
	require.Equal(t, uint64(1), Greater(^uint64(0), 0))
	require.Equal(t, uint64(1), Eq(5, 5))
	require.Equal(t, uint64(0), Eq(5, 6))
	require.Equal(t, uint64(0), Not(1))

	dst := make([]byte, 3)
	SelectBytes(1, dst, []byte{1, 2, 3}, []byte{4, 5, 6})
	require.Equal(t, []byte{1, 2, 3}, dst)
	SelectBytes(0, dst, []byte{1, 2, 3}, []byte{4, 5, 6})
	require.Equal(t, []byte{4, 5, 6}, dst)

	vals := []uint8{10, 20, 30}
	require.Equal(t, uint8(20), Index(vals, 1))
	require.Equal(t, uint8(0), Index(vals, 7))

	Store(vals, 2, 99, 1)
	Store(vals, 0, 99, 0)
	require.Equal(t, []uint8{10, 20, 99}, vals)
}

func TestDeckLayout(t *testing.T) {
	require.Equal(t, 21, deckLayout.PerWord())
	require.Equal(t, 3, deckLayout.Words())
}

func TestPackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for iter := 0; iter < 100; iter++ {
		values := make([]uint64, 52)
		for i := range values {
			values[i] = rng.Uint64N(64)
		}

		words, err := deckLayout.Pack(values)
		require.NoError(t, err)
		require.Len(t, words, 3)

		got, err := deckLayout.Unpack(words)
		require.NoError(t, err)
		require.Equal(t, values, got)
	}
}

func TestPackPositional(t *testing.T) {
	values := make([]uint64, 52)
	values[0] = 1
	values[1] = 2
	values[21] = 63
	values[51] = 5

	words, err := deckLayout.Pack(values)
	require.NoError(t, err)

	require.Equal(t, uint64(1+2*64), words[0].Uint64())
	require.Equal(t, uint64(63), words[1].Uint64())

	want := new(uint256.Int).Lsh(uint256.NewInt(5), 9*6)
	require.True(t, want.Eq(words[2]))
}

func TestPackRejectsOutOfRange(t *testing.T) {
	values := make([]uint64, 52)
	values[30] = 64

	_, err := deckLayout.Pack(values)
	require.ErrorIs(t, err, ErrEncoding)

	_, err = deckLayout.Pack(make([]uint64, 51))
	require.ErrorIs(t, err, ErrEncoding)
}

func TestUnpackRejectsStrayBits(t *testing.T) {
	words, err := deckLayout.Pack(make([]uint64, 52))
	require.NoError(t, err)

	// Bit 60 of the last word lies past its 10 elements.
	words[2].Lsh(uint256.NewInt(1), 60)

	_, err = deckLayout.Unpack(words)
	require.ErrorIs(t, err, ErrEncoding)

	_, err = deckLayout.Unpack(words[:2])
	require.ErrorIs(t, err, ErrEncoding)
}

func TestLayoutValidate(t *testing.T) {
	require.ErrorIs(t, Layout{Elements: 0, Bits: 6, WordBits: 128}.Validate(), ErrEncoding)
	require.ErrorIs(t, Layout{Elements: 4, Bits: 65, WordBits: 128}.Validate(), ErrEncoding)
	require.ErrorIs(t, Layout{Elements: 4, Bits: 8, WordBits: 257}.Validate(), ErrEncoding)
	require.NoError(t, Layout{Elements: 4, Bits: 64, WordBits: 256}.Validate())
}

func TestWordBytes(t *testing.T) {
	w := uint256.NewInt(0x0102)

	b := WordBytes(w, 16)
	require.Len(t, b, 16)
	require.Equal(t, byte(0x02), b[0])
	require.Equal(t, byte(0x01), b[1])

	require.True(t, w.Eq(WordFromBytes(b)))
}

func TestSampleBelow(t *testing.T) {
	src := rand.NewChaCha8([32]byte{7})
	seen := make(map[uint64]int)

	for i := 0; i < 3000; i++ {
		v, err := SampleBelow(src, 3, RPSRounds)
		require.NoError(t, err)
		require.Less(t, v, uint64(3))
		seen[v]++
	}

	require.Len(t, seen, 3)

	_, err := SampleBelow(src, 0, 16)
	require.ErrorIs(t, err, ErrSampling)

	_, err = SampleBelow(src, 3, 0)
	require.ErrorIs(t, err, ErrSampling)
}

func TestBiasBound(t *testing.T) {
	require.InDelta(t, 1.0/4294967296.0, BiasBound(3, 16), 1e-20)
	require.Equal(t, 0.0, BiasBound(4, 16))
}

func TestBiasBoundFullWidth(t *testing.T) {
	require.InDelta(t, 0.25, BiasBound(1<<63+1, 2), 1e-12)

	got := BiasBound(math.MaxUint64, 4)
	require.False(t, math.IsNaN(got))
	require.GreaterOrEqual(t, got, 0.0)
	require.LessOrEqual(t, got, 1.0)
}

// constSource always returns the same value.
type constSource uint64

func (c constSource) Uint64() uint64 { return uint64(c) }

func TestSampleBelowFallback(t *testing.T) {
	v, err := SampleBelow(constSource(3), 3, RPSRounds)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)
}

func TestShuffleIsPermutation(t *testing.T) {
	deck := make([]uint8, DeckSize)
	for i := range deck {
		deck[i] = uint8(i)
	}

	Shuffle(rand.NewChaCha8([32]byte{1}), deck)

	seen := make(map[uint8]bool)
	for _, c := range deck {
		seen[c] = true
	}
	require.Len(t, seen, DeckSize)
}

func hand(cards ...uint8) ([HandSize]uint8, uint8) {
	var h [HandSize]uint8
	for i := range h {
		h[i] = EmptyCard
	}
	copy(h[:], cards)

	return h, uint8(len(cards))
}

func TestEvaluateHandAceKing(t *testing.T) {
	h, n := hand(Card(0, 1), Card(1, 13))

	hv := EvaluateHand(h, n)
	require.Equal(t, uint64(21), hv.Value)
	require.Equal(t, uint64(0), hv.Downgrades)
}

func TestEvaluateHandTwoAces(t *testing.T) {
	h, n := hand(Card(0, 1), Card(2, 1), Card(3, 9))

	hv := EvaluateHand(h, n)
	require.Equal(t, uint64(31), hv.Raw)
	require.Equal(t, uint64(1), hv.Downgrades)
	require.Equal(t, uint64(21), hv.Value)
}

func TestEvaluateHandIgnoresPastLength(t *testing.T) {
	h, _ := hand(Card(0, 10), Card(0, 12), Card(0, 5))

	require.Equal(t, uint64(20), EvaluateHand(h, 2).Value)
	require.Equal(t, uint64(25), EvaluateHand(h, 3).Value)
}

func TestDealerDrawStopsAtSeventeen(t *testing.T) {
	var deck [DeckSize]uint8
	for i := range deck {
		deck[i] = Card(0, 2)
	}
	// Player holds deck[0], deck[2]; dealer deck[1], deck[3]; next card is deck[4].
	deck[4] = Card(1, 5)
	deck[5] = Card(2, 13)

	dealer, size := hand(Card(3, 10), Card(3, 2))

	size = DealerDraw(&deck, &dealer, size, 2)
	require.Equal(t, uint8(3), size)
	require.Equal(t, Card(1, 5), dealer[2])
	require.Equal(t, uint8(EmptyCard), dealer[3])
	require.Equal(t, uint64(17), EvaluateHand(dealer, size).Value)
}

func TestDraw(t *testing.T) {
	var deck [DeckSize]uint8
	deck[4] = Card(2, 7)

	h, n := hand(Card(0, 10), Card(0, 3))
	n = Draw(&deck, &h, n, 4)

	require.Equal(t, uint8(3), n)
	require.Equal(t, uint64(20), EvaluateHand(h, n).Value)

	full, _ := hand()
	require.Equal(t, uint8(HandSize), Draw(&deck, &full, HandSize, 4))
}

func TestOutcome(t *testing.T) {
	twenty, n20 := hand(Card(0, 10), Card(0, 13))
	bust, nb := hand(Card(0, 10), Card(0, 13), Card(0, 5))
	eighteen, n18 := hand(Card(1, 10), Card(1, 8))

	require.Equal(t, PlayerBust, Outcome(bust, bust, nb, nb))
	require.Equal(t, DealerBust, Outcome(twenty, bust, n20, nb))
	require.Equal(t, PlayerWins, Outcome(twenty, eighteen, n20, n18))
	require.Equal(t, DealerWins, Outcome(eighteen, twenty, n18, n20))
	require.Equal(t, Push, Outcome(twenty, twenty, n20, n20))
}

func TestVickreyBid(t *testing.T) {
	a, b, c := [32]byte{'A'}, [32]byte{'B'}, [32]byte{'C'}

	var s BidState
	s = PlaceBid(s, a, 10)
	s = PlaceBid(s, b, 50)
	s = PlaceBid(s, c, 30)

	require.Equal(t, uint64(50), s.Highest)
	require.Equal(t, b, s.HighestBidder)
	require.Equal(t, uint64(30), s.Second)
	require.Equal(t, uint64(3), s.Count)

	winner, price := VickreyBid(s, true)
	require.Equal(t, b, winner)
	require.Equal(t, uint64(30), price)

	_, price = VickreyBid(s, false)
	require.Equal(t, uint64(50), price)
}

func TestTally(t *testing.T) {
	yes, no := Tally(0, 0, true)
	yes, no = Tally(yes, no, false)
	yes, no = Tally(yes, no, true)

	require.Equal(t, uint64(2), yes)
	require.Equal(t, uint64(1), no)
}

func TestRPSOutcome(t *testing.T) {
	require.Equal(t, RPSTie, RPSOutcome(1, 1))
	require.Equal(t, RPSPlayer, RPSOutcome(0, 2))
	require.Equal(t, RPSPlayer, RPSOutcome(1, 0))
	require.Equal(t, RPSPlayer, RPSOutcome(2, 1))
	require.Equal(t, RPSHouse, RPSOutcome(2, 0))
	require.Equal(t, RPSInvalid, RPSOutcome(3, 3))
	require.Less(t, HouseMove(rand.NewChaCha8([32]byte{3})), uint64(3))
}
