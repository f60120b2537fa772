package auction

import (
	"fmt"

	"Obscura/internal/cluster"
	"Obscura/internal/compdef"
	"Obscura/internal/oblivious"
	"Obscura/internal/output"
	"Obscura/internal/sealing"
)

// Circuit names.
const (
	CircuitInit       = "init_auction_state"
	CircuitPlaceBid   = "place_bid"
	CircuitFirstPrice = "determine_winner_first_price"
	CircuitVickrey    = "determine_winner_vickrey"
)

// bidFields is the number of ciphertexts in a bid: bidder low half,
// bidder high half, amount.
const bidFields = 3

// resultSchema reveals the winner as two 128-bit halves and the price.
var resultSchema = output.Schema{output.Tuple(output.U128(), output.U128(), output.U64())}

type circuit struct {
	name    string
	returns output.Schema
	run     cluster.Circuit
}

var circuits = []circuit{
	{name: CircuitInit, returns: output.Schema{output.Enc(stateFields)}, run: initState},
	{name: CircuitPlaceBid, returns: output.Schema{output.Enc(stateFields)}, run: placeBid},
	{name: CircuitFirstPrice, returns: resultSchema, run: determineWinner(false)},
	{name: CircuitVickrey, returns: resultSchema, run: determineWinner(true)},
}

// Serve registers the auction circuits on a cluster.
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

func initState(c *cluster.Call) ([]byte, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	g, err := c.SealMxe(encodeState(oblivious.BidState{}))
	if err != nil {
		return nil, err
	}

	return output.NewBuilder().Enc(g).Bytes(), nil
}

func placeBid(c *cluster.Call) ([]byte, error) {
	_, bid := c.Shared(bidFields)
	state := c.Mxe(stateFields)
	if err := c.Err(); err != nil {
		return nil, err
	}

	s := oblivious.PlaceBid(decodeState(state), joinKey(bid[0], bid[1]), sealing.ToUint64(bid[2]))

	g, err := c.SealMxe(encodeState(s))
	if err != nil {
		return nil, err
	}

	return output.NewBuilder().Enc(g).Bytes(), nil
}

// determineWinner reveals the highest bidder and the price under either rule.
func determineWinner(secondPrice bool) cluster.Circuit {
	return func(c *cluster.Call) ([]byte, error) {
		state := c.Mxe(stateFields)
		if err := c.Err(); err != nil {
			return nil, err
		}

		winner, price := oblivious.VickreyBid(decodeState(state), secondPrice)

		var lo, hi [16]byte
		copy(lo[:], winner[:16])
		copy(hi[:], winner[16:])

		return output.NewBuilder().U128(lo).U128(hi).U64(price).Bytes(), nil
	}
}

// encodeState lays a bid state out as highest, bidder low, bidder high,
// second, count.
func encodeState(s oblivious.BidState) [][sealing.FieldSize]byte {
	lo, hi := splitKey(s.HighestBidder)

	return [][sealing.FieldSize]byte{
		sealing.FromUint64(s.Highest),
		lo,
		hi,
		sealing.FromUint64(s.Second),
		sealing.FromUint64(s.Count),
	}
}

func decodeState(fields [][sealing.FieldSize]byte) oblivious.BidState {
	return oblivious.BidState{
		Highest:       sealing.ToUint64(fields[0]),
		HighestBidder: joinKey(fields[1], fields[2]),
		Second:        sealing.ToUint64(fields[3]),
		Count:         sealing.ToUint64(fields[4]),
	}
}

// splitKey stores each half of a 32-byte key in its own field.
func splitKey(key [32]byte) (lo, hi [sealing.FieldSize]byte) {
	copy(lo[:16], key[:16])
	copy(hi[:16], key[16:])

	return lo, hi
}

func joinKey(lo, hi [sealing.FieldSize]byte) [32]byte {
	var key [32]byte
	copy(key[:16], lo[:16])
	copy(key[16:], hi[:16])

	return key
}
