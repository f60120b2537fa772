// Package cluster is a reference execution cluster. It runs circuits as Go
// functions over the oblivious kernels, seals results with the cluster key,
// signs them with every node's BLS key and delivers them to a callback sink.
//
// Requests are executed by a worker pool, so results come back in whatever
// order the workers finish, never necessarily in submission order.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Obscura/internal/args"
	"Obscura/internal/attest"
	"Obscura/internal/compdef"
	"Obscura/internal/ledger"
	"Obscura/internal/logger"
	"Obscura/internal/oblivious"
	"Obscura/internal/output"
	"Obscura/internal/scheduler"
	"Obscura/internal/sealing"
)

var (
	// ErrCircuitNotFound is returned when no circuit serves a definition.
	ErrCircuitNotFound = errors.New("circuit not found")

	// ErrStopped is returned by Dispatch once the cluster is stopped.
	ErrStopped = errors.New("cluster stopped")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// AccountReader reads the ledger bytes an account argument references.
// *ledger.Ledger satisfies it.
type AccountReader interface {
	ReadRange(addr ledger.Address, offset, length uint32) ([]byte, error)
}

// CallbackSink receives signed results.
type CallbackSink interface {
	Deliver(ctx context.Context, signed *attest.SignedOutput) error
}

// Circuit computes the payload of one request.
// A returned error aborts the computation with the error text as reason.
type Circuit func(c *Call) ([]byte, error)

// Config holds the cluster runtime parameters.
type Config struct {
	Workers   int // Workers is the number of concurrent executions
	QueueSize int // QueueSize bounds accepted but unstarted requests
	Online    int // Online is how many nodes sign; zero means all
}

// entry is a registered circuit.
type entry struct {
	def *compdef.Definition // def carries the name and return schema
	fn  Circuit             // fn is the circuit body
}

// Cluster executes queued computations.
type Cluster struct {
	cfg      Config                  // cfg holds runtime parameters
	identity *attest.ClusterIdentity // identity is what callbacks verify against
	signers  []*attest.Signer        // signers are the online nodes
	key      *sealing.KeyPair        // key seals cluster state and client results
	reader   AccountReader           // reader resolves account arguments
	sink     CallbackSink            // sink receives results

	circuits map[uint32]entry // circuits maps definition offset to circuit
	mu       sync.RWMutex     // mu protects circuits

	jobs chan *scheduler.Queued // jobs feeds the workers
	stop chan struct{}          // stop ends the workers
	once sync.Once              // once guards stop
	wg   sync.WaitGroup         // wg tracks the workers

	rand oblivious.Source // rand drives circuit randomness
}

// New creates a cluster from its node keys. The identity is derived from
// the keys in order with the given signing threshold.
func New(cfg Config, nodes []*attest.KeyPair, threshold int, key *sealing.KeyPair, reader AccountReader, sink CallbackSink) (*Cluster, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	pubs := make([][]byte, len(nodes))
	for i, n := range nodes {
		pubs[i] = n.PublicKey()
	}

	identity, err := attest.NewClusterIdentity(pubs, threshold)
	if err != nil {
		return nil, fmt.Errorf("cluster identity:\n%w", err)
	}

	online := len(nodes)
	if cfg.Online > 0 && cfg.Online < online {
		online = cfg.Online
	}

	signers := make([]*attest.Signer, online)
	for i := range signers {
		signers[i] = attest.NewSigner(i, nodes[i])
	}

	return &Cluster{
		cfg:      cfg,
		identity: identity,
		signers:  signers,
		key:      key,
		reader:   reader,
		sink:     sink,
		circuits: make(map[uint32]entry),
		jobs:     make(chan *scheduler.Queued, cfg.QueueSize),
		stop:     make(chan struct{}),
		rand:     oblivious.CryptoSource{},
	}, nil
}

// Identity returns the public identity callbacks verify against.
func (c *Cluster) Identity() *attest.ClusterIdentity {
	return c.identity
}

// PublicKey returns the key clients seal their inputs to.
func (c *Cluster) PublicKey() [sealing.KeySize]byte {
	return c.key.Public
}

// SetSink sets the destination of results. It must be called before Start.
func (c *Cluster) SetSink(sink CallbackSink) {
	c.sink = sink
}

// SetRand replaces the randomness source, for reproducible runs.
func (c *Cluster) SetRand(src oblivious.Source) {
	c.rand = src
}

// Register binds a circuit to a definition.
func (c *Cluster) Register(def *compdef.Definition, fn Circuit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.circuits[def.Offset] = entry{def: def, fn: fn}
}

// Dispatch accepts a request for execution. It blocks while the queue is
// full and returns once the request is queued.
func (c *Cluster) Dispatch(ctx context.Context, q *scheduler.Queued) error {
	select {
	case <-c.stop:
		return ErrStopped
	default:
	}

	select {
	case c.jobs <- q:
		return nil
	case <-c.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers.
func (c *Cluster) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()
			c.work(ctx)
		}()
	}

	logger.Info("cluster started",
		"workers", c.cfg.Workers,
		"nodes", c.identity.Size(),
		"threshold", c.identity.Threshold,
	)
}

// Stop ends the workers and waits for running executions.
func (c *Cluster) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// work executes jobs until stopped.
func (c *Cluster) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case q := <-c.jobs:
			signed, err := c.Execute(q)
			if err != nil {
				logger.Error("sign result", "slot", q.Slot, "error", err)
				continue
			}

			if err := c.sink.Deliver(ctx, signed); err != nil {
				logger.Warn("callback rejected",
					"slot", q.Slot,
					"status", signed.Status.String(),
					"error", err,
				)
			}
		}
	}
}

// Execute runs one request and returns the signed result. Circuit failures
// become aborted outputs; only a signing failure is returned as an error.
func (c *Cluster) Execute(q *scheduler.Queued) (*attest.SignedOutput, error) {
	start := time.Now()

	out := c.run(q)

	signed := &attest.SignedOutput{
		Cluster:           c.identity.ID,
		Instance:          q.Instance,
		Slot:              q.Slot,
		Definition:        q.Definition,
		ComputationOutput: out,
	}

	shares := make([]attest.Share, len(c.signers))
	for i, s := range c.signers {
		shares[i] = s.Sign(signed)
	}

	if err := attest.Aggregate(c.identity, signed, shares); err != nil {
		return nil, fmt.Errorf("slot %d:\n%w", q.Slot, err)
	}

	logger.Debug("computation executed",
		"definition", q.Definition,
		"slot", q.Slot,
		"status", out.Status.String(),
		logger.Timed(start),
	)

	return signed, nil
}

// run produces the unsigned output of a request.
func (c *Cluster) run(q *scheduler.Queued) attest.ComputationOutput {
	c.mu.RLock()
	e, ok := c.circuits[q.Definition]
	c.mu.RUnlock()

	if !ok {
		return abort(fmt.Errorf("%w: offset %d", ErrCircuitNotFound, q.Definition))
	}

	list, err := args.Decode(q.Args)
	if err != nil {
		return abort(err)
	}

	call, err := newCall(q, list, c.reader, c.key, c.rand)
	if err != nil {
		return abort(err)
	}

	payload, err := invoke(e.fn, call)
	if err != nil {
		return abort(fmt.Errorf("%s:\n%w", e.def.Name, err))
	}

	if want := e.def.Returns.Size(); len(payload) != want {
		return abort(fmt.Errorf("%s: %w: produced %d bytes, schema expects %d", e.def.Name, output.ErrOutputCorrupt, len(payload), want))
	}

	return attest.ComputationOutput{Status: attest.StatusSuccess, Payload: payload}
}

// invoke runs a circuit, turning argument errors and panics into errors.
func invoke(fn Circuit, call *Call) (payload []byte, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("circuit panic: %v", r)
		}
	}()

	payload, err := fn(call)
	if err != nil {
		return nil, err
	}

	if err := call.Err(); err != nil {
		return nil, err
	}

	return payload, nil
}

// abort builds an aborted output.
func abort(err error) attest.ComputationOutput {
	return attest.ComputationOutput{Status: attest.StatusAborted, Reason: err.Error()}
}
