package radio

import (
	"iter"
	"log/slog"
	"slices"
	"sync"
)

// PeerRegistry is the deduplicated set of discovered peers in discovery
// order. Safe for concurrent use.
type PeerRegistry struct {
	mu    sync.RWMutex
	order []string
	peers map[string]*Peer
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*Peer)}
}

// Record inserts p if its identity is new, otherwise refreshes the stored
// name. Reports whether the registry changed.
func (r *PeerRegistry) Record(p Peer) bool {
	p.ID = NormalizeID(p.ID)
	if p.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[p.ID]; ok {
		if p.Name == "" || p.Name == existing.Name {
			return false
		}
		existing.Name = p.Name
		return true
	}

	stored := p
	r.peers[p.ID] = &stored
	r.order = append(r.order, p.ID)
	return true
}

// UpdateBond sets the bond state of a known peer. Bond events can arrive
// before the device-found event for the same peer; those are logged and
// dropped. Reports whether the registry changed.
func (r *PeerRegistry) UpdateBond(id string, state BondState) bool {
	id = NormalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		slog.Debug("[RADIO] bond update for unknown peer", "peer", id, "state", state)
		return false
	}
	if p.Bond == state {
		return false
	}
	p.Bond = state
	return true
}

// Get returns the peer with the given identity.
func (r *PeerRegistry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[NormalizeID(id)]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// All yields the peers in discovery order. Each iteration takes a fresh
// copy, so the sequence can be ranged over repeatedly.
func (r *PeerRegistry) All() iter.Seq[Peer] {
	return func(yield func(Peer) bool) {
		for _, p := range r.copyPeers() {
			if !yield(p) {
				return
			}
		}
	}
}

// List returns a copy of all peers in discovery order.
func (r *PeerRegistry) List() []Peer {
	return slices.Collect(r.All())
}

func (r *PeerRegistry) copyPeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.peers[id])
	}
	return out
}

// Clear forgets every peer.
func (r *PeerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.peers = make(map[string]*Peer)
}
