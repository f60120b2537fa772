package oblivious

const (
	// HandSize is the capacity of a blackjack hand.
	HandSize = 11

	// DeckSize is the number of cards in a deck.
	DeckSize = 52

	// EmptyCard fills unused hand positions.
	EmptyCard = 53

	// DealerStand is the value at which the dealer stops drawing.
	DealerStand = 17

	// dealerDraws bounds the dealer's extra cards: two dealt, hand capped at HandSize.
	dealerDraws = HandSize - 2
)

// Card returns the deck index of a card; rank runs 1 (ace) to 13 (king).
func Card(suit, rank uint8) uint8 {
	return suit*13 + rank - 1
}

// HandValue is the evaluation of one hand.
type HandValue struct {
	Raw        uint64 // Raw counts every ace as 11
	Downgrades uint64 // Downgrades is the number of aces counted as 1
	Value      uint64 // Value is the best total
}

// EvaluateHand scores the first length cards of a hand. Aces start at 11
// and are downgraded by 10, one per pass, while the total exceeds 21.
// Both loops run HandSize iterations regardless of the cards.
func EvaluateHand(hand [HandSize]uint8, length uint8) HandValue {
	var value, aces uint64

	for i := 0; i < HandSize; i++ {
		card := uint64(hand[i])
		present := Less(uint64(i), uint64(length)) & Less(card, DeckSize)

		rank := card % 13
		ace := Eq(rank, 0)
		points := Select(ace, 11, Select(Less(rank, 10), rank+1, 10))

		value += Select(present, points, 0)
		aces += present & ace
	}

	hv := HandValue{Raw: value}

	for i := 0; i < HandSize; i++ {
		down := Greater(value, 21) & Not(Eq(aces, 0))

		value -= Select(down, 10, 0)
		aces -= down
		hv.Downgrades += down
	}

	hv.Value = value

	return hv
}

// Draw appends deck[drawn] to the hand when it has room. drawn is the
// number of cards already dealt from the deck. It returns the new length.
func Draw(deck *[DeckSize]uint8, hand *[HandSize]uint8, length, drawn uint8) uint8 {
	room := Less(uint64(length), HandSize)
	card := Index(deck[:], uint64(drawn))

	Store(hand[:], uint64(length), card, room)

	return length + uint8(room)
}

// DealerDraw plays the dealer's hand: draw while the value is below
// DealerStand. It runs a fixed number of iterations; once the dealer
// stands the remaining iterations change nothing. Cards are taken from
// the deck after the playerSize + dealerSize cards already dealt.
func DealerDraw(deck *[DeckSize]uint8, hand *[HandSize]uint8, dealerSize, playerSize uint8) uint8 {
	size := uint64(dealerSize)

	for i := 0; i < dealerDraws; i++ {
		value := EvaluateHand(*hand, uint8(size)).Value
		draw := Less(value, DealerStand) & Less(size, HandSize)

		card := Index(deck[:], uint64(playerSize)+size)
		Store(hand[:], size, card, draw)

		size += draw
	}

	return uint8(size)
}

// Blackjack results.
const (
	PlayerBust uint8 = iota
	DealerBust
	PlayerWins
	DealerWins
	Push
)

// Outcome compares two final hands. A player bust takes precedence over
// a dealer bust.
func Outcome(player, dealer [HandSize]uint8, playerSize, dealerSize uint8) uint8 {
	pv := EvaluateHand(player, playerSize).Value
	dv := EvaluateHand(dealer, dealerSize).Value

	r := uint64(Push)
	r = Select(Greater(dv, pv), uint64(DealerWins), r)
	r = Select(Greater(pv, dv), uint64(PlayerWins), r)
	r = Select(Greater(dv, 21), uint64(DealerBust), r)
	r = Select(Greater(pv, 21), uint64(PlayerBust), r)

	return uint8(r)
}

// BidState is the running state of a sealed-bid auction.
type BidState struct {
	Highest       uint64   // Highest is the best bid so far
	HighestBidder [32]byte // HighestBidder placed Highest
	Second        uint64   // Second is the runner-up bid
	Count         uint64   // Count is the number of bids placed
}

// PlaceBid folds one bid into the state without branching on its amount.
// A bid equal to the current highest only competes for second place.
func PlaceBid(s BidState, bidder [32]byte, amount uint64) BidState {
	top := Greater(amount, s.Highest)
	runner := Greater(amount, s.Second)

	next := BidState{
		Highest: Select(top, amount, s.Highest),
		Second:  Select(top, s.Highest, Select(runner, amount, s.Second)),
		Count:   s.Count + 1,
	}
	SelectBytes(top, next.HighestBidder[:], bidder[:], s.HighestBidder[:])

	return next
}

// VickreyBid returns the winner and the price they pay. With secondPrice
// the winner pays the runner-up bid, otherwise their own.
func VickreyBid(s BidState, secondPrice bool) ([32]byte, uint64) {
	return s.HighestBidder, Select(Bit(secondPrice), s.Second, s.Highest)
}

// Tally adds one vote to a yes/no count.
func Tally(yes, no uint64, vote bool) (uint64, uint64) {
	v := Bit(vote)
	return yes + v, no + Not(v)
}

// Rock-paper-scissors results.
const (
	RPSTie uint8 = iota
	RPSPlayer
	RPSHouse
	RPSInvalid
)

// RPSRounds is the number of rejection rounds for the house move.
const RPSRounds = 16

// HouseMove samples rock (0), paper (1) or scissors (2).
func HouseMove(src Source) uint64 {
	m, _ := SampleBelow(src, 3, RPSRounds)
	return m
}

// RPSOutcome scores a player move against the house move.
// A player move above 2 is invalid.
func RPSOutcome(player, house uint64) uint8 {
	beats := (Eq(player, 0) & Eq(house, 2)) |
		(Eq(player, 1) & Eq(house, 0)) |
		(Eq(player, 2) & Eq(house, 1))

	r := uint64(RPSHouse)
	r = Select(beats, uint64(RPSPlayer), r)
	r = Select(Eq(player, house), uint64(RPSTie), r)
	r = Select(Greater(player, 2), uint64(RPSInvalid), r)

	return uint8(r)
}
