// Package network carries computation traffic between a host and a cluster
// over QUIC. Nodes authenticate each other by the ed25519 key in their
// self-signed certificates and may restrict peers to an allowlist. Every
// message is a length-prefixed frame holding a kind, flags and a
// FlatBuffers body, zstd-compressed when large. Every exchange is a request
// on its own stream, answered only once the receiver has taken charge of it.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Obscura/internal/logger"
)

const (
	// defaultRedialDelay is the first wait before dialling a lost peer again.
	defaultRedialDelay = 5 * time.Second

	// maxRedialDelay caps the backoff between redials.
	maxRedialDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "obscura/1"
)

// RequestHandler answers a request frame. Returning an error leaves the
// request unanswered.
type RequestHandler func(p *Peer, body []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey  ed25519.PrivateKey  // PrivateKey is the node's ed25519 private key
	ListenAddr  string              // ListenAddr is the address to listen on (e.g., ":9000")
	RedialDelay time.Duration       // RedialDelay is the first wait before redialling a lost peer
	Allowed     []ed25519.PublicKey // Allowed restricts peers; empty accepts any key
}

// Node accepts and dials peers and routes their frames by kind.
type Node struct {
	publicKey   ed25519.PublicKey // publicKey is the node's ed25519 public key
	listenAddr  string            // listenAddr is the address to listen on
	tlsConfig   *tls.Config       // tlsConfig carries the self-signed identity
	quicConfig  *quic.Config      // quicConfig holds keepalive and idle limits
	allowed     allowlist         // allowed holds the accepted peer keys
	redialDelay time.Duration     // redialDelay is the first redial backoff

	listener *quic.Listener // listener is set by Start

	peers  *peerSet // peers tracks live connections and dialled addresses
	routes *router  // routes maps kinds to handlers

	ctx    context.Context    // ctx ends when the node closes
	cancel context.CancelFunc // cancel ends ctx
	wg     sync.WaitGroup     // wg tracks receive and redial goroutines
}

// NewNode creates a node. It does not listen until Start.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	redial := cfg.RedialDelay
	if redial <= 0 {
		redial = defaultRedialDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // keys are checked against the allowlist instead
			NextProtos:         []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		allowed:     newAllowlist(cfg.Allowed),
		redialDelay: redial,
		peers:       newPeerSet(),
		routes:      newRouter(),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the bound listen address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start binds the listener and accepts peers in the background.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		for {
			conn, err := listener.Accept(n.ctx)
			if err != nil {
				return
			}

			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				n.admit(conn, "")
			}()
		}
	}()

	logger.Info("network listening", "addr", n.Addr(), "key", hex.EncodeToString(n.publicKey[:8]))

	return nil
}

// Connect dials addr. A peer reached this way is redialled if the
// connection drops.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	return n.admit(conn, addr)
}

// Peers returns the connected peers.
func (n *Node) Peers() []*Peer {
	return n.peers.list()
}

// PeerByKey returns the peer with the given key, or nil.
func (n *Node) PeerByKey(pubkey ed25519.PublicKey) *Peer {
	return n.peers.get(hex.EncodeToString(pubkey))
}

// AnyPeer returns one connected peer, or nil if none is connected.
func (n *Node) AnyPeer() *Peer {
	return n.peers.any()
}

// HandleRequest routes request frames of kind to fn.
func (n *Node) HandleRequest(kind Kind, fn RequestHandler) {
	n.routes.request(kind, fn)
}

// OnPeer registers fn to run when a peer connects (up) or drops.
func (n *Node) OnPeer(fn func(p *Peer, up bool)) {
	n.routes.watch(fn)
}

// Close stops listening, closes every peer and waits for the
// background goroutines.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	for _, p := range n.peers.drain() {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// admit checks the remote key and starts receiving from a connection.
// dialled is the address we reached it on, or "" for an incoming peer.
func (n *Node) admit(conn *quic.Conn, dialled string) (*Peer, error) {
	remote := conn.RemoteAddr().String()

	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err == nil {
		err = n.allowed.check(pubKey)
	}

	if err != nil {
		logger.Warn("peer rejected", "addr", remote, "error", err)
		conn.CloseWithError(1, "rejected")

		return nil, err
	}

	p := &Peer{publicKey: pubKey, address: remote, conn: conn, node: n}
	n.peers.add(p, dialled)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		p.receiveLoop()
	}()

	n.routes.notify(p, true)

	return p, nil
}

// dropPeer forgets a closed peer and redials it if we reached it first.
func (n *Node) dropPeer(p *Peer) {
	addr := n.peers.remove(p)

	n.routes.notify(p, false)

	if addr == "" || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redial(hex.EncodeToString(p.publicKey), addr)
	}()
}

// redial dials addr with exponential backoff until a connection to key
// exists again or the node closes.
func (n *Node) redial(key, addr string) {
	for delay := n.redialDelay; ; delay = min(delay*2, maxRedialDelay) {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		if n.peers.get(key) != nil {
			return
		}

		_, err := n.Connect(addr)
		if err == nil {
			return
		}

		logger.Debug("redial failed", "addr", addr, "delay", delay, "error", err)
	}
}
