package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Obscura/internal/logger"
)

// defaultRequestTimeout is the default timeout for Request calls.
const defaultRequestTimeout = 30 * time.Second

// Peer represents a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address as seen on the connection
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	closed    atomic.Bool       // closed indicates if the peer is closed
	dropped   atomic.Bool       // dropped is set once the node forgot the peer
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends a frame on a new stream and waits for the answer. The
// answer arrives only after the remote handler succeeded; a handler error
// closes the stream unanswered and Request fails. The context bounds the
// exchange; without a deadline defaultRequestTimeout applies.
func (p *Peer) Request(ctx context.Context, kind Kind, body []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	frame, err := encodeFrame(kind, body)
	if err != nil {
		return nil, err
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, frame); err != nil {
		return nil, fmt.Errorf("write %s request:\n%w", kind, err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read %s answer:\n%w", kind, err)
	}

	respKind, respBody, err := decodeFrame(response)
	if err != nil {
		return nil, err
	}

	if respKind != kind {
		return nil, fmt.Errorf("answer kind %s, want %s", respKind, kind)
	}

	return respBody, nil
}

// receiveLoop serves incoming streams until the connection ends.
func (p *Peer) receiveLoop() {
	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.serve(stream)
	}

	p.handleDisconnect()
}

// serve answers one request frame.
func (p *Peer) serve(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	kind, body, err := decodeFrame(data)
	if err != nil {
		logger.Debug("bad request frame", "peer", p.address, "error", err)
		return
	}

	response, err := p.node.routes.answer(p, kind, body)
	if err != nil {
		logger.Debug("request refused", "peer", p.address, "kind", kind.String(), "error", err)
		stream.CancelWrite(1)

		return
	}

	frame, err := encodeFrame(kind, response)
	if err != nil {
		return
	}

	writeMessage(stream, frame)
}

// handleDisconnect runs once when the connection ends, whichever side
// closed it.
func (p *Peer) handleDisconnect() {
	p.closed.Store(true)

	if p.dropped.Swap(true) {
		return
	}

	p.node.dropPeer(p)
}
