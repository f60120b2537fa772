package voting

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
	CircuitInit   = "init_vote_stats"
	CircuitVote   = "vote"
	CircuitReveal = "reveal_result"
)

type circuit struct {
	name    string
	returns output.Schema
	run     cluster.Circuit
}

var circuits = []circuit{
	{name: CircuitInit, returns: output.Schema{output.Enc(tallyFields)}, run: initTally},
	{name: CircuitVote, returns: output.Schema{output.Enc(tallyFields)}, run: castVote},
	{name: CircuitReveal, returns: output.Schema{output.Bool()}, run: revealResult},
}

// Serve registers the poll circuits on a cluster.
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

func initTally(c *cluster.Call) ([]byte, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	return sealTally(c, 0, 0)
}

func castVote(c *cluster.Call) ([]byte, error) {
	_, ballot := c.Shared(1)
	tally := c.Mxe(tallyFields)
	if err := c.Err(); err != nil {
		return nil, err
	}

	yes, no := oblivious.Tally(sealing.ToUint64(tally[0]), sealing.ToUint64(tally[1]), sealing.ToUint64(ballot[0]) != 0)

	return sealTally(c, yes, no)
}

func revealResult(c *cluster.Call) ([]byte, error) {
	tally := c.Mxe(tallyFields)
	if err := c.Err(); err != nil {
		return nil, err
	}

	passed := oblivious.Greater(sealing.ToUint64(tally[0]), sealing.ToUint64(tally[1]))

	return output.NewBuilder().Bool(passed == 1).Bytes(), nil
}

func sealTally(c *cluster.Call, yes, no uint64) ([]byte, error) {
	g, err := c.SealMxe([][sealing.FieldSize]byte{sealing.FromUint64(yes), sealing.FromUint64(no)})
	if err != nil {
		return nil, err
	}

	return output.NewBuilder().Enc(g).Bytes(), nil
}
