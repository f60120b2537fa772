// Package testkit wires a complete in-process deployment for tests: ledger,
// registry, scheduler, reference cluster and callback host. Requests are
// collected instead of pumped so a test decides when, and in which order,
// each result is executed and delivered.
package testkit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"Obscura/internal/attest"
	"Obscura/internal/cluster"
	"Obscura/internal/compdef"
	"Obscura/internal/ledger"
	"Obscura/internal/oblivious"
	"Obscura/internal/runtime"
	"Obscura/internal/scheduler"
	"Obscura/internal/sealing"
	"Obscura/internal/storage"
)

// options holds the configuration of an Env.
type options struct {
	nodes     int              // nodes is the cluster size
	threshold int              // threshold is the signing threshold
	online    int              // online is the number of signing nodes
	rand      oblivious.Source // rand replaces the cluster randomness
}

// Option configures an Env.
type Option func(*options)

// WithNodes sets the cluster size and threshold.
func WithNodes(n, threshold int) Option {
	return func(o *options) { o.nodes, o.threshold = n, threshold }
}

// WithOnline limits the number of nodes that sign.
func WithOnline(n int) Option { return func(o *options) { o.online = n } }

// WithRand makes cluster randomness reproducible.
func WithRand(src oblivious.Source) Option { return func(o *options) { o.rand = src } }

// Env is one in-process deployment.
type Env struct {
	Ledger    *ledger.Ledger       // Ledger holds every account and slot
	Registry  *compdef.Registry    // Registry holds the definitions
	Scheduler *scheduler.Scheduler // Scheduler queues computations
	Cluster   *cluster.Cluster     // Cluster executes them
	Host      *runtime.Host        // Host routes results

	mu      sync.Mutex          // mu protects pending
	pending []*scheduler.Queued // pending holds dispatched, unexecuted requests
}

// New builds an Env backed by a temporary Pebble store.
func New(t testing.TB, opts ...Option) *Env {
	t.Helper()

	o := options{nodes: 4, threshold: 3}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := compdef.New(db)
	require.NoError(t, err)

	nodes, _, err := attest.DeriveCluster([]byte(t.Name()), o.nodes, o.threshold)
	require.NoError(t, err)

	key, err := sealing.KeyFromSeed([]byte(t.Name()))
	require.NoError(t, err)

	l := ledger.New(db)
	host := runtime.New(l)

	cl, err := cluster.New(cluster.Config{Online: o.online}, nodes, o.threshold, key, l, host)
	require.NoError(t, err)

	if o.rand != nil {
		cl.SetRand(o.rand)
	}

	e := &Env{
		Ledger:   l,
		Registry: reg,
		Cluster:  cl,
		Host:     host,
	}

	e.Scheduler = scheduler.New(scheduler.Config{Cluster: cl.Identity()}, l, reg, e)
	t.Cleanup(e.Scheduler.Stop)

	return e
}

// Dispatch collects a request; it makes Env the scheduler's dispatcher.
func (e *Env) Dispatch(_ context.Context, q *scheduler.Queued) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = append(e.pending, q)

	return nil
}

// Do runs fn as one ledger instruction signed by signer.
func (e *Env) Do(signer ledger.Address, fn func(tx *ledger.Tx) error) error {
	return e.Ledger.Execute("test", signer, fn)
}

// Pending drains the mempool and returns every request not yet executed,
// in submission order. The returned requests are no longer pending.
func (e *Env) Pending(t testing.TB) []*scheduler.Queued {
	t.Helper()

	for {
		n, err := e.Scheduler.Drain(context.Background())
		require.NoError(t, err)

		if n == 0 {
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.pending
	e.pending = nil

	return out
}

// Execute runs one request on the cluster.
func (e *Env) Execute(t testing.TB, q *scheduler.Queued) *attest.SignedOutput {
	t.Helper()

	signed, err := e.Cluster.Execute(q)
	require.NoError(t, err)

	return signed
}

// Deliver hands a result to the host.
func (e *Env) Deliver(signed *attest.SignedOutput) error {
	return e.Host.Deliver(context.Background(), signed)
}

// Settle executes and delivers every pending request in submission order
// until nothing is left, and returns the delivery errors.
func (e *Env) Settle(t testing.TB) []error {
	t.Helper()

	var errs []error

	for {
		batch := e.Pending(t)
		if len(batch) == 0 {
			return errs
		}

		for _, q := range batch {
			if err := e.Deliver(e.Execute(t, q)); err != nil {
				errs = append(errs, err)
			}
		}
	}
}

// Client returns a sealing key for a test participant and the cipher it
// shares with the cluster.
func (e *Env) Client(t testing.TB, name string) (*sealing.KeyPair, *sealing.Cipher) {
	t.Helper()

	kp, err := sealing.KeyFromSeed([]byte(name))
	require.NoError(t, err)

	c, err := sealing.NewCipher(kp, e.Cluster.PublicKey())
	require.NoError(t, err)

	return kp, c
}
