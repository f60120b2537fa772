package network

import (
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sync"
)

// router holds the handlers registered on a node.
type router struct {
	mu       sync.RWMutex
	requests map[Kind]RequestHandler
	watchers []func(*Peer, bool)
}

func newRouter() *router {
	return &router{
		requests: make(map[Kind]RequestHandler),
	}
}

func (r *router) request(kind Kind, fn RequestHandler) {
	r.mu.Lock()
	r.requests[kind] = fn
	r.mu.Unlock()
}

func (r *router) watch(fn func(*Peer, bool)) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	r.mu.Unlock()
}

// answer runs the request handler for kind.
func (r *router) answer(p *Peer, kind Kind, body []byte) ([]byte, error) {
	r.mu.RLock()
	fn := r.requests[kind]
	r.mu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no handler for %s requests", kind)
	}

	return fn(p, body)
}

func (r *router) notify(p *Peer, up bool) {
	r.mu.RLock()
	watchers := r.watchers
	r.mu.RUnlock()

	for _, fn := range watchers {
		fn(p, up)
	}
}

// peerSet tracks live peers by hex key and remembers the address of each
// peer this node dialled.
type peerSet struct {
	mu      sync.RWMutex
	live    map[string]*Peer
	dialled map[string]string
}

func newPeerSet() *peerSet {
	return &peerSet{
		live:    make(map[string]*Peer),
		dialled: make(map[string]string),
	}
}

// add records p, replacing an older connection with the same key.
func (s *peerSet) add(p *Peer, dialled string) {
	key := hex.EncodeToString(p.publicKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.live[key] = p
	if dialled != "" {
		s.dialled[key] = dialled
	}
}

// remove forgets p if it is still the live connection for its key and
// returns the address to redial, if any.
func (s *peerSet) remove(p *Peer) string {
	key := hex.EncodeToString(p.publicKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live[key] != p {
		return ""
	}

	delete(s.live, key)

	return s.dialled[key]
}

func (s *peerSet) get(key string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.live[key]
}

func (s *peerSet) list() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Peer, 0, len(s.live))
	for _, p := range s.live {
		out = append(out, p)
	}

	return out
}

// any picks a random live peer so dispatch spreads over cluster nodes.
func (s *peerSet) any() *Peer {
	peers := s.list()
	if len(peers) == 0 {
		return nil
	}

	return peers[rand.IntN(len(peers))]
}

// drain empties the set and returns the peers it held.
func (s *peerSet) drain() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Peer, 0, len(s.live))
	for _, p := range s.live {
		out = append(out, p)
	}

	s.live = make(map[string]*Peer)
	s.dialled = make(map[string]string)

	return out
}
