package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"Obscura/internal/attest"
	"Obscura/internal/ledger"
	"Obscura/internal/logger"
	"Obscura/internal/scheduler"
	"Obscura/internal/types"
)

var (
	// ErrNoPeer is returned when no remote side is connected.
	ErrNoPeer = errors.New("no connected peer")

	// ErrNotReady is returned by a cluster link with no dispatcher yet.
	ErrNotReady = errors.New("cluster not ready")
)

const (
	// requestTimeout bounds one exchange between host and cluster.
	requestTimeout = 10 * time.Second

	// maxHeld caps the results a cluster link keeps for a missing host.
	maxHeld = 4096
)

// Sink consumes results arriving from a cluster.
type Sink interface {
	Deliver(ctx context.Context, signed *attest.SignedOutput) error
}

// AccountSource serves account byte ranges.
type AccountSource interface {
	ReadRange(addr ledger.Address, offset, length uint32) ([]byte, error)
}

// HostLink is the host end: it dispatches mempool entries to a cluster
// peer, answers account reads, and hands results to the sink.
type HostLink struct {
	node     *Node         // node carries the traffic
	accounts AccountSource // accounts serves reads
	sink     Sink          // sink receives results
}

// NewHostLink binds a node to the host side of the protocol.
func NewHostLink(node *Node, accounts AccountSource, sink Sink) *HostLink {
	h := &HostLink{node: node, accounts: accounts, sink: sink}

	node.HandleRequest(KindOutput, h.onOutput)
	node.HandleRequest(KindAccountRead, h.onAccountRead)

	return h
}

// Dispatch hands a request to a connected cluster node and returns once
// that node has queued it. It implements scheduler.Dispatcher; any failure
// leaves the entry in the mempool for the next pump round.
func (h *HostLink) Dispatch(ctx context.Context, q *scheduler.Queued) error {
	p := h.node.AnyPeer()
	if p == nil {
		return ErrNoPeer
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if _, err := p.Request(ctx, KindQueued, scheduler.EncodeQueued(q)); err != nil {
		return fmt.Errorf("dispatch slot %d:\n%w", q.Slot, err)
	}

	return nil
}

// onOutput runs a result through the sink. Verdicts are final, so any
// outcome is acknowledged; only a closing host leaves the result with the
// cluster.
func (h *HostLink) onOutput(p *Peer, body []byte) ([]byte, error) {
	signed, err := attest.Decode(body)
	if err != nil {
		logger.Warn("undecodable result", "peer", p.Address(), "error", err)
		return nil, nil
	}

	if err := h.sink.Deliver(h.node.ctx, signed); err != nil && h.node.ctx.Err() != nil {
		return nil, err
	}

	return nil, nil
}

func (h *HostLink) onAccountRead(_ *Peer, body []byte) ([]byte, error) {
	req, err := decodeAccountRead(body)
	if err != nil {
		return nil, err
	}

	data, err := h.accounts.ReadRange(req.Address, req.Offset, req.Length)
	if err != nil {
		req.Error = err.Error()
	}
	req.Data = data

	return encodeAccountRead(req), nil
}

// ClusterLink is the cluster end: it feeds incoming requests to the
// cluster, reads accounts from the host, and sends results back. Results
// that cannot reach a host are held and sent again when one connects.
type ClusterLink struct {
	node       *Node                // node carries the traffic
	dispatcher scheduler.Dispatcher // dispatcher queues requests on the cluster
	mu         sync.RWMutex         // mu protects dispatcher

	held     []*attest.SignedOutput // held are results no host acknowledged yet
	heldMu   sync.Mutex             // heldMu protects held
	flushing sync.Mutex             // flushing serializes resends
}

// NewClusterLink binds a node to the cluster side of the protocol.
// The dispatcher may be set later with SetDispatcher; until then requests
// are refused and stay queued on the host.
func NewClusterLink(node *Node, d scheduler.Dispatcher) *ClusterLink {
	c := &ClusterLink{node: node, dispatcher: d}

	node.HandleRequest(KindQueued, c.onQueued)
	node.OnPeer(func(_ *Peer, up bool) {
		if up {
			go c.Flush(node.ctx)
		}
	})

	return c
}

// SetDispatcher sets the consumer of incoming requests.
func (c *ClusterLink) SetDispatcher(d scheduler.Dispatcher) {
	c.mu.Lock()
	c.dispatcher = d
	c.mu.Unlock()
}

// onQueued acknowledges a request only once the cluster has queued it.
func (c *ClusterLink) onQueued(p *Peer, body []byte) ([]byte, error) {
	q, err := scheduler.DecodeQueued(body)
	if err != nil {
		logger.Warn("undecodable request", "peer", p.Address(), "error", err)
		return nil, err
	}

	c.mu.RLock()
	d := c.dispatcher
	c.mu.RUnlock()

	if d == nil {
		return nil, ErrNotReady
	}

	if err := d.Dispatch(c.node.ctx, q); err != nil {
		logger.Warn("request refused", "slot", q.Slot, "error", err)
		return nil, err
	}

	return nil, nil
}

// ReadRange reads account bytes from the host. It implements cluster.AccountReader.
func (c *ClusterLink) ReadRange(addr ledger.Address, offset, length uint32) ([]byte, error) {
	p := c.node.AnyPeer()
	if p == nil {
		return nil, ErrNoPeer
	}

	ctx, cancel := context.WithTimeout(c.node.ctx, requestTimeout)
	defer cancel()

	body, err := p.Request(ctx, KindAccountRead, encodeAccountRead(&accountRead{Address: addr, Offset: offset, Length: length}))
	if err != nil {
		return nil, fmt.Errorf("account read %s:\n%w", addr, err)
	}

	resp, err := decodeAccountRead(body)
	if err != nil {
		return nil, err
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("account read %s: %s", addr, resp.Error)
	}

	if uint32(len(resp.Data)) != length {
		return nil, fmt.Errorf("account read %s: got %d bytes, want %d", addr, len(resp.Data), length)
	}

	return resp.Data, nil
}

// Deliver sends a result to the host. It implements cluster.CallbackSink.
// A result the host does not acknowledge is held for Flush instead of
// being lost; Deliver then returns nil.
func (c *ClusterLink) Deliver(ctx context.Context, signed *attest.SignedOutput) error {
	if err := c.send(ctx, signed); err != nil {
		logger.Warn("result held", "slot", signed.Slot, "error", err)
		c.hold(signed)

		return nil
	}

	c.Flush(ctx)

	return nil
}

// Flush resends held results in order and stops at the first failure.
func (c *ClusterLink) Flush(ctx context.Context) {
	c.flushing.Lock()
	defer c.flushing.Unlock()

	for {
		c.heldMu.Lock()
		if len(c.held) == 0 {
			c.heldMu.Unlock()
			return
		}
		next := c.held[0]
		c.heldMu.Unlock()

		if err := c.send(ctx, next); err != nil {
			return
		}

		c.heldMu.Lock()
		c.held = c.held[1:]
		c.heldMu.Unlock()

		logger.Debug("held result sent", "slot", next.Slot)
	}
}

// Held returns the number of results waiting for a host.
func (c *ClusterLink) Held() int {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()

	return len(c.held)
}

func (c *ClusterLink) send(ctx context.Context, signed *attest.SignedOutput) error {
	p := c.node.AnyPeer()
	if p == nil {
		return ErrNoPeer
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	_, err := p.Request(ctx, KindOutput, attest.Encode(signed))

	return err
}

func (c *ClusterLink) hold(signed *attest.SignedOutput) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()

	if len(c.held) == maxHeld {
		logger.Error("held results full, dropping oldest", "slot", c.held[0].Slot)
		c.held = c.held[1:]
	}

	c.held = append(c.held, signed)
}

// accountRead is one read request or its answer.
type accountRead struct {
	Address ledger.Address // Address is the account read
	Offset  uint32         // Offset is the first byte
	Length  uint32         // Length is the byte count
	Data    []byte         // Data is set in answers
	Error   string         // Error is set in failed answers
}

func encodeAccountRead(r *accountRead) []byte {
	builder := flatbuffers.NewBuilder(64 + len(r.Data))

	addrVec := builder.CreateByteVector(r.Address[:])
	dataVec := builder.CreateByteVector(r.Data)
	errOff := builder.CreateString(r.Error)

	types.AccountReadStart(builder)
	types.AccountReadAddAddress(builder, addrVec)
	types.AccountReadAddOffset(builder, r.Offset)
	types.AccountReadAddLength(builder, r.Length)
	types.AccountReadAddData(builder, dataVec)
	types.AccountReadAddError(builder, errOff)
	builder.Finish(types.AccountReadEnd(builder))

	return builder.FinishedBytes()
}

func decodeAccountRead(data []byte) (r *accountRead, retErr error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if rec := recover(); rec != nil {
			r, retErr = nil, fmt.Errorf("malformed account read")
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("account read too short")
	}

	t := types.GetRootAsAccountRead(data, 0)

	if len(t.AddressBytes()) != len(ledger.Address{}) {
		return nil, fmt.Errorf("invalid address size %d", len(t.AddressBytes()))
	}

	r = &accountRead{
		Offset: t.Offset(),
		Length: t.Length(),
		Data:   append([]byte(nil), t.DataBytes()...),
		Error:  string(t.Error()),
	}
	copy(r.Address[:], t.AddressBytes())

	return r, nil
}
