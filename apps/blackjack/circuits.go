package blackjack

import (
	"fmt"

	"github.com/holiman/uint256"

	"Obscura/internal/cluster"
	"Obscura/internal/compdef"
	"Obscura/internal/oblivious"
	"Obscura/internal/output"
	"Obscura/internal/sealing"
)

// Circuit names.
const (
	CircuitShuffleAndDeal = "shuffle_and_deal_cards"
	CircuitPlayerHit      = "player_hit"
	CircuitDoubleDown     = "player_double_down"
	CircuitPlayerStand    = "player_stand"
	CircuitDealerPlay     = "dealer_play"
	CircuitResolveGame    = "resolve_game"
)

const (
	handCards = oblivious.HandSize
	deckWords = 3 // deckWords is deckLayout.Words()
	cardBits  = 6
	wordBits  = 128
)

var (
	deckLayout = oblivious.Layout{Elements: oblivious.DeckSize, Bits: cardBits, WordBits: wordBits}
	handLayout = oblivious.Layout{Elements: oblivious.HandSize, Bits: cardBits, WordBits: wordBits}
)

// circuit pairs a definition with its cluster implementation.
type circuit struct {
	name    string
	returns output.Schema
	run     cluster.Circuit
}

var circuits = []circuit{
	{
		name:    CircuitShuffleAndDeal,
		returns: output.Schema{output.Enc(deckWords), output.Enc(1), output.Shared(1), output.Shared(1), output.U8(), output.U8()},
		run:     shuffleAndDeal,
	},
	{
		name:    CircuitPlayerHit,
		returns: output.Schema{output.Shared(1), output.Bool()},
		run:     playerDraw,
	},
	{
		name:    CircuitDoubleDown,
		returns: output.Schema{output.Shared(1), output.Bool()},
		run:     playerDraw,
	},
	{
		name:    CircuitPlayerStand,
		returns: output.Schema{output.Bool()},
		run:     playerStand,
	},
	{
		name:    CircuitDealerPlay,
		returns: output.Schema{output.Enc(1), output.Shared(1), output.U8()},
		run:     dealerPlay,
	},
	{
		name:    CircuitResolveGame,
		returns: output.Schema{output.U8()},
		run:     resolveGame,
	},
}

// Serve registers the game's circuits on a cluster.
func Serve(cl *cluster.Cluster) error {
	for _, c := range circuits {
		def, err := compdef.Define(c.name, c.returns)
		if err != nil {
			return fmt.Errorf("define %s:\n%w", c.name, err)
		}

		cl.Register(def, c.run)
	}

	return nil
}

// shuffleAndDeal shuffles a fresh deck and deals two cards each,
// alternating player and dealer. The dealer's first card is face up.
func shuffleAndDeal(c *cluster.Call) ([]byte, error) {
	player := c.PublicKey()
	if err := c.Err(); err != nil {
		return nil, err
	}

	var deck [oblivious.DeckSize]uint8
	for i := range deck {
		deck[i] = uint8(i)
	}
	oblivious.Shuffle(c.Rand(), deck[:])

	hand, dealer, faceUp := emptyHand(), emptyHand(), emptyHand()
	hand[0], hand[1] = deck[0], deck[2]
	dealer[0], dealer[1] = deck[1], deck[3]
	faceUp[0] = deck[1]

	deckG, err := sealCards(c, nil, deckLayout, deck[:])
	if err != nil {
		return nil, err
	}

	dealerG, err := sealCards(c, nil, handLayout, dealer[:])
	if err != nil {
		return nil, err
	}

	handG, err := sealCards(c, &player, handLayout, hand[:])
	if err != nil {
		return nil, err
	}

	faceUpG, err := sealCards(c, &player, handLayout, faceUp[:])
	if err != nil {
		return nil, err
	}

	return output.NewBuilder().
		Enc(deckG).
		Enc(dealerG).
		Shared(handG).
		Shared(faceUpG).
		U8(2).
		U8(2).
		Bytes(), nil
}

// playerDraw deals the next card of the deck to the player and reports a bust.
func playerDraw(c *cluster.Call) ([]byte, error) {
	deckF := c.Mxe(deckWords)
	player, handF := c.Shared(1)
	size := c.U8()
	dealt := c.U8()
	if err := c.Err(); err != nil {
		return nil, err
	}

	var deck [oblivious.DeckSize]uint8
	if err := unpackCards(deckLayout, deckF, deck[:]); err != nil {
		return nil, err
	}

	var hand [oblivious.HandSize]uint8
	if err := unpackCards(handLayout, handF, hand[:]); err != nil {
		return nil, err
	}

	size = oblivious.Draw(&deck, &hand, size, size+dealt)
	bust := oblivious.Greater(oblivious.EvaluateHand(hand, size).Value, 21)

	handG, err := sealCards(c, &player, handLayout, hand[:])
	if err != nil {
		return nil, err
	}

	return output.NewBuilder().Shared(handG).Bool(bust == 1).Bytes(), nil
}

// playerStand reports whether the standing hand is bust.
func playerStand(c *cluster.Call) ([]byte, error) {
	_, handF := c.Shared(1)
	size := c.U8()
	if err := c.Err(); err != nil {
		return nil, err
	}

	var hand [oblivious.HandSize]uint8
	if err := unpackCards(handLayout, handF, hand[:]); err != nil {
		return nil, err
	}

	bust := oblivious.Greater(oblivious.EvaluateHand(hand, size).Value, 21)

	return output.NewBuilder().Bool(bust == 1).Bytes(), nil
}

// dealerPlay draws for the dealer until 17 and reveals the hand to the player.
func dealerPlay(c *cluster.Call) ([]byte, error) {
	deckF := c.Mxe(deckWords)
	dealerF := c.Mxe(1)
	player := c.PublicKey()
	playerSize := c.U8()
	dealerSize := c.U8()
	if err := c.Err(); err != nil {
		return nil, err
	}

	var deck [oblivious.DeckSize]uint8
	if err := unpackCards(deckLayout, deckF, deck[:]); err != nil {
		return nil, err
	}

	var dealer [oblivious.HandSize]uint8
	if err := unpackCards(handLayout, dealerF, dealer[:]); err != nil {
		return nil, err
	}

	dealerSize = oblivious.DealerDraw(&deck, &dealer, dealerSize, playerSize)

	dealerG, err := sealCards(c, nil, handLayout, dealer[:])
	if err != nil {
		return nil, err
	}

	viewG, err := sealCards(c, &player, handLayout, dealer[:])
	if err != nil {
		return nil, err
	}

	return output.NewBuilder().Enc(dealerG).Shared(viewG).U8(dealerSize).Bytes(), nil
}

// resolveGame compares the two final hands.
func resolveGame(c *cluster.Call) ([]byte, error) {
	_, playerF := c.Shared(1)
	dealerF := c.Mxe(1)
	playerSize := c.U8()
	dealerSize := c.U8()
	if err := c.Err(); err != nil {
		return nil, err
	}

	var player, dealer [oblivious.HandSize]uint8
	if err := unpackCards(handLayout, playerF, player[:]); err != nil {
		return nil, err
	}
	if err := unpackCards(handLayout, dealerF, dealer[:]); err != nil {
		return nil, err
	}

	return output.NewBuilder().U8(oblivious.Outcome(player, dealer, playerSize, dealerSize)).Bytes(), nil
}

// sealCards packs cards and seals them to the cluster, or to owner when set.
func sealCards(c *cluster.Call, owner *[sealing.KeySize]byte, l oblivious.Layout, cards []uint8) (output.Group, error) {
	fields, err := packCards(l, cards)
	if err != nil {
		return output.Group{}, err
	}

	if owner == nil {
		return c.SealMxe(fields)
	}

	return c.SealShared(*owner, fields)
}

// emptyHand returns a hand with every position unused.
func emptyHand() [oblivious.HandSize]uint8 {
	var h [oblivious.HandSize]uint8
	for i := range h {
		h[i] = oblivious.EmptyCard
	}

	return h
}

// packCards encodes cards into field elements.
func packCards(l oblivious.Layout, cards []uint8) ([][sealing.FieldSize]byte, error) {
	values := make([]uint64, len(cards))
	for i, c := range cards {
		values[i] = uint64(c)
	}

	words, err := l.Pack(values)
	if err != nil {
		return nil, err
	}

	fields := make([][sealing.FieldSize]byte, len(words))
	for i, w := range words {
		fields[i] = sealing.FromWord(w)
	}

	return fields, nil
}

// unpackCards decodes field elements into dst.
func unpackCards(l oblivious.Layout, fields [][sealing.FieldSize]byte, dst []uint8) error {
	words := make([]*uint256.Int, len(fields))
	for i, f := range fields {
		words[i] = sealing.ToWord(f)
	}

	values, err := l.Unpack(words)
	if err != nil {
		return fmt.Errorf("unpack cards:\n%w", err)
	}

	for i, v := range values {
		dst[i] = uint8(v)
	}

	return nil
}

// OpenHand decrypts a hand sealed to the player and returns its first size cards.
func OpenHand(c *sealing.Cipher, g output.Group, size uint8) ([]uint8, error) {
	var hand [oblivious.HandSize]uint8
	if err := unpackCards(handLayout, c.Open(g), hand[:]); err != nil {
		return nil, err
	}

	return hand[:min(int(size), len(hand))], nil
}
