package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"Obscura/internal/attest"
	"Obscura/internal/ledger"
	"Obscura/internal/scheduler"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startNode creates and starts a node on a random local port.
func startNode(t *testing.T, allowed ...ed25519.PublicKey) *Node {
	t.Helper()

	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
		Allowed:    allowed,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for %s", what)
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Fatal("expected listen address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestNewNodeValidation tests required configuration fields.
func TestNewNodeValidation(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected error without private key")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Fatal("expected error without listen address")
	}
}

// TestNodeConnect tests connecting two nodes.
func TestNodeConnect(t *testing.T) {
	server := startNode(t)

	var serverConnected atomic.Bool
	server.OnPeer(func(p *Peer, up bool) {
		if up {
			serverConnected.Store(true)
		}
	})

	client := startNode(t)

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), server.PublicKey()) {
		t.Error("peer public key mismatch")
	}

	waitFor(t, "server connect", serverConnected.Load)

	if client.PeerByKey(server.PublicKey()) == nil {
		t.Error("client should know the server")
	}

	if client.AnyPeer() == nil {
		t.Error("client should have a peer")
	}
}

// TestUnroutedRequest tests that a request without a handler fails.
func TestUnroutedRequest(t *testing.T) {
	server := startNode(t)
	client := startNode(t)

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := peer.Request(ctx, KindAccountRead, []byte("ping")); err == nil {
		t.Fatal("expected error for a kind with no handler")
	}
}

// TestRedialAfterDrop tests that a dialled peer is reached again after
// the remote side drops the connection.
func TestRedialAfterDrop(t *testing.T) {
	server := startNode(t)

	client, err := NewNode(Config{
		PrivateKey:  generateTestKey(t),
		ListenAddr:  "127.0.0.1:0",
		RedialDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var ups atomic.Int32
	server.OnPeer(func(p *Peer, up bool) {
		if up {
			ups.Add(1)
		}
	})

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "first connection", func() bool { return ups.Load() == 1 })

	first := server.PeerByKey(client.PublicKey())
	if first == nil {
		t.Fatal("server should know the client")
	}
	first.Close()

	waitFor(t, "redial", func() bool { return ups.Load() >= 2 })
}

// TestRequestResponse tests a request answered on a bidirectional stream.
func TestRequestResponse(t *testing.T) {
	server := startNode(t)

	server.HandleRequest(KindAccountRead, func(p *Peer, body []byte) ([]byte, error) {
		if string(body) == "fail" {
			return nil, errors.New("refused")
		}
		return append([]byte("echo:"), body...), nil
	})

	client := startNode(t)

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := peer.Request(ctx, KindAccountRead, []byte("ping"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp) != "echo:ping" {
		t.Errorf("response = %q, want echo:ping", resp)
	}

	if _, err := peer.Request(ctx, KindAccountRead, []byte("fail")); err == nil {
		t.Error("expected error for refused request")
	}
}

// TestAllowlistRejectsUnknownKey tests that a node drops peers outside its allowlist.
func TestAllowlistRejectsUnknownKey(t *testing.T) {
	trusted := generateTestKey(t)
	server := startNode(t, trusted.Public().(ed25519.PublicKey))

	var connected atomic.Bool
	server.OnPeer(func(p *Peer, up bool) {
		connected.Store(true)
	})

	stranger := startNode(t)

	// The dial may complete before the server closes the connection.
	stranger.Connect(server.Addr())
	time.Sleep(300 * time.Millisecond)

	if connected.Load() {
		t.Error("server accepted a key outside its allowlist")
	}

	if len(server.Peers()) != 0 {
		t.Errorf("server has %d peers, want 0", len(server.Peers()))
	}
}

// TestAllowlistCheck tests the allowlist membership rules.
func TestAllowlistCheck(t *testing.T) {
	known := generateTestKey(t).Public().(ed25519.PublicKey)
	unknown := generateTestKey(t).Public().(ed25519.PublicKey)

	if err := newAllowlist(nil).check(unknown); err != nil {
		t.Errorf("empty allowlist should accept any key: %v", err)
	}

	a := newAllowlist([]ed25519.PublicKey{known})

	if err := a.check(known); err != nil {
		t.Errorf("known key rejected: %v", err)
	}

	if err := a.check(unknown); !errors.Is(err, ErrPeerNotAllowed) {
		t.Errorf("unknown key: got %v, want ErrPeerNotAllowed", err)
	}
}

// TestFrameRoundTrip tests frame encoding with and without compression.
func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		body       []byte
		compressed bool
	}{
		{"empty", nil, false},
		{"small", []byte("small body"), false},
		{"large", bytes.Repeat([]byte("obscura "), 1024), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := encodeFrame(KindOutput, tt.body)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			if got := frame[1]&flagCompressed != 0; got != tt.compressed {
				t.Errorf("compressed = %v, want %v", got, tt.compressed)
			}

			if tt.compressed && len(frame) >= len(tt.body) {
				t.Errorf("compressed frame is %d bytes for a %d byte body", len(frame), len(tt.body))
			}

			kind, body, err := decodeFrame(frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			if kind != KindOutput {
				t.Errorf("kind = %s, want %s", kind, KindOutput)
			}

			if !bytes.Equal(body, tt.body) {
				t.Error("body mismatch")
			}
		})
	}
}

// TestDecodeFrameErrors tests rejection of malformed frames.
func TestDecodeFrameErrors(t *testing.T) {
	if _, _, err := decodeFrame([]byte{1}); err == nil {
		t.Error("expected error for short frame")
	}

	if _, _, err := decodeFrame([]byte{byte(KindOutput), flagCompressed, 0xde, 0xad}); err == nil {
		t.Error("expected error for corrupt compressed body")
	}
}

// TestMessageFraming tests length-prefixed reads and writes.
func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, []byte("first")); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := writeMessage(&buf, []byte("second")); err != nil {
		t.Fatalf("write second: %v", err)
	}

	for _, want := range []string{"first", "second"} {
		got, err := readMessage(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Errorf("read %q, want %q", got, want)
		}
	}

	if _, err := readMessage(&buf); err == nil {
		t.Error("expected error on empty reader")
	}
}

// TestKindString tests kind names.
func TestKindString(t *testing.T) {
	if KindAccountRead.String() != "account_read" {
		t.Errorf("got %s", KindAccountRead.String())
	}

	if Kind(99).String() != "kind(99)" {
		t.Errorf("got %s", Kind(99).String())
	}
}

// memAccounts serves reads from a map.
type memAccounts map[ledger.Address][]byte

func (m memAccounts) ReadRange(addr ledger.Address, offset, length uint32) ([]byte, error) {
	data, ok := m[addr]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}

	if uint64(offset)+uint64(length) > uint64(len(data)) {
		return nil, ledger.ErrOutOfRange
	}

	return data[offset : offset+length], nil
}

// chanSink collects delivered results.
type chanSink chan *attest.SignedOutput

func (c chanSink) Deliver(_ context.Context, s *attest.SignedOutput) error {
	c <- s
	return nil
}

// chanDispatcher collects dispatched requests.
type chanDispatcher chan *scheduler.Queued

func (c chanDispatcher) Dispatch(_ context.Context, q *scheduler.Queued) error {
	c <- q
	return nil
}

// linkPair connects a host link to a cluster link.
func linkPair(t *testing.T, accounts AccountSource) (*HostLink, *ClusterLink, chanSink, chanDispatcher) {
	t.Helper()

	sink := make(chanSink, 4)
	dispatched := make(chanDispatcher, 4)

	hostNode := startNode(t)
	host := NewHostLink(hostNode, accounts, sink)

	clusterNode := startNode(t)
	cl := NewClusterLink(clusterNode, dispatched)

	if _, err := clusterNode.Connect(hostNode.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "host peer", func() bool { return hostNode.AnyPeer() != nil })

	return host, cl, sink, dispatched
}

// TestLinkDispatch tests a mempool entry travelling from host to cluster.
func TestLinkDispatch(t *testing.T) {
	host, _, _, dispatched := linkPair(t, memAccounts{})

	q := &scheduler.Queued{
		Sequence:   4,
		Definition: 2,
		Instance:   ledger.DeriveAddress("test", []byte("instance")),
		Slot:       11,
		Args:       []byte{1, 2, 3},
		Callback:   scheduler.Callback{Program: "test", Instruction: "done"},
	}

	if err := host.Dispatch(context.Background(), q); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case got := <-dispatched:
		if got.Slot != q.Slot || got.Instance != q.Instance || got.Definition != q.Definition {
			t.Errorf("dispatched %+v, want %+v", got, q)
		}
		if !bytes.Equal(got.Args, q.Args) {
			t.Error("args mismatch")
		}
		if got.Callback != q.Callback {
			t.Errorf("callback = %s, want %s", got.Callback, q.Callback)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}
}

// TestLinkDeliver tests a signed result travelling from cluster to host.
func TestLinkDeliver(t *testing.T) {
	_, cl, sink, _ := linkPair(t, memAccounts{})

	signed := &attest.SignedOutput{
		Cluster:    [32]byte{1},
		Instance:   [32]byte{2},
		Slot:       9,
		Definition: 3,
		ComputationOutput: attest.ComputationOutput{
			Status:  attest.StatusSuccess,
			Payload: []byte("payload"),
		},
		Attestation: attest.Attestation{Signature: []byte{7}, SignerMask: []byte{1}},
	}

	if err := cl.Deliver(context.Background(), signed); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	select {
	case got := <-sink:
		if got.Slot != 9 || got.Definition != 3 || got.Cluster != signed.Cluster {
			t.Errorf("delivered %+v", got)
		}
		if string(got.Payload) != "payload" {
			t.Errorf("payload = %q", got.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

// TestLinkReadRange tests account reads served by the host.
func TestLinkReadRange(t *testing.T) {
	addr := ledger.DeriveAddress("test", []byte("account"))
	accounts := memAccounts{addr: []byte("0123456789")}

	_, cl, _, _ := linkPair(t, accounts)

	data, err := cl.ReadRange(addr, 2, 4)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}

	if string(data) != "2345" {
		t.Errorf("data = %q, want 2345", data)
	}

	if _, err := cl.ReadRange(addr, 8, 4); err == nil {
		t.Error("expected error for out of range read")
	}

	missing := ledger.DeriveAddress("test", []byte("missing"))
	if _, err := cl.ReadRange(missing, 0, 1); err == nil {
		t.Error("expected error for missing account")
	}
}

// TestLinkWithoutPeer tests that links fail cleanly before any connection.
func TestLinkWithoutPeer(t *testing.T) {
	host := NewHostLink(startNode(t), memAccounts{}, make(chanSink, 1))
	cl := NewClusterLink(startNode(t), nil)

	if err := host.Dispatch(context.Background(), &scheduler.Queued{}); !errors.Is(err, ErrNoPeer) {
		t.Errorf("dispatch: got %v, want ErrNoPeer", err)
	}

	if _, err := cl.ReadRange(ledger.Address{}, 0, 1); !errors.Is(err, ErrNoPeer) {
		t.Errorf("read range: got %v, want ErrNoPeer", err)
	}

	if err := cl.Deliver(context.Background(), &attest.SignedOutput{}); err != nil {
		t.Errorf("deliver: got %v, want the result held", err)
	}

	if n := cl.Held(); n != 1 {
		t.Errorf("held = %d, want 1", n)
	}
}

// refusingDispatcher turns every request away.
type refusingDispatcher struct{ err error }

func (r refusingDispatcher) Dispatch(context.Context, *scheduler.Queued) error {
	return r.err
}

// TestLinkDispatchRefused tests that the host sees an error whenever the
// cluster does not queue the request, so the entry stays in the mempool.
func TestLinkDispatchRefused(t *testing.T) {
	cases := []struct {
		name       string
		dispatcher scheduler.Dispatcher
	}{
		{"no dispatcher", nil},
		{"stopped cluster", refusingDispatcher{err: errors.New("cluster stopped")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hostNode := startNode(t)
			host := NewHostLink(hostNode, memAccounts{}, make(chanSink, 1))

			clusterNode := startNode(t)
			NewClusterLink(clusterNode, tc.dispatcher)

			if _, err := clusterNode.Connect(hostNode.Addr()); err != nil {
				t.Fatalf("connect: %v", err)
			}
			waitFor(t, "host peer", func() bool { return hostNode.AnyPeer() != nil })

			q := &scheduler.Queued{Sequence: 1, Slot: 1, Callback: scheduler.Callback{Program: "test", Instruction: "done"}}
			if err := host.Dispatch(context.Background(), q); err == nil {
				t.Fatal("dispatch succeeded on a cluster that did not queue it")
			}
		})
	}
}

// TestLinkDispatchAfterReady tests that a request refused before the
// dispatcher was set goes through once it is.
func TestLinkDispatchAfterReady(t *testing.T) {
	hostNode := startNode(t)
	host := NewHostLink(hostNode, memAccounts{}, make(chanSink, 1))

	clusterNode := startNode(t)
	cl := NewClusterLink(clusterNode, nil)

	if _, err := clusterNode.Connect(hostNode.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "host peer", func() bool { return hostNode.AnyPeer() != nil })

	q := &scheduler.Queued{Sequence: 1, Slot: 5, Callback: scheduler.Callback{Program: "test", Instruction: "done"}}
	if err := host.Dispatch(context.Background(), q); err == nil {
		t.Fatal("dispatch succeeded before the cluster was ready")
	}

	dispatched := make(chanDispatcher, 1)
	cl.SetDispatcher(dispatched)

	if err := host.Dispatch(context.Background(), q); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case got := <-dispatched:
		if got.Slot != 5 {
			t.Errorf("slot = %d, want 5", got.Slot)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}
}

// TestLinkHeldResultsFlushOnConnect tests that results produced while no
// host is connected reach the host once it connects, in order.
func TestLinkHeldResultsFlushOnConnect(t *testing.T) {
	clusterNode := startNode(t)
	cl := NewClusterLink(clusterNode, make(chanDispatcher, 1))

	for slot := uint64(1); slot <= 3; slot++ {
		signed := &attest.SignedOutput{
			Slot:              slot,
			ComputationOutput: attest.ComputationOutput{Status: attest.StatusSuccess},
		}
		if err := cl.Deliver(context.Background(), signed); err != nil {
			t.Fatalf("deliver %d: %v", slot, err)
		}
	}

	if n := cl.Held(); n != 3 {
		t.Fatalf("held = %d, want 3", n)
	}

	sink := make(chanSink, 3)
	hostNode := startNode(t)
	NewHostLink(hostNode, memAccounts{}, sink)

	if _, err := hostNode.Connect(clusterNode.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case got := <-sink:
			if got.Slot != want {
				t.Errorf("slot = %d, want %d", got.Slot, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for held result %d", want)
		}
	}

	waitFor(t, "outbox drained", func() bool { return cl.Held() == 0 })
}

// TestAccountReadCodec tests the account read wire format.
func TestAccountReadCodec(t *testing.T) {
	in := &accountRead{
		Address: ledger.DeriveAddress("test", []byte("codec")),
		Offset:  33,
		Length:  64,
		Data:    []byte("data"),
		Error:   "boom",
	}

	out, err := decodeAccountRead(encodeAccountRead(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if fmt.Sprint(*out) != fmt.Sprint(*in) {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if _, err := decodeAccountRead([]byte{1, 2}); err == nil {
		t.Error("expected error for short input")
	}
}
