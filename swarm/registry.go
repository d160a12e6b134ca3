package swarm

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
)

// Registry is the per-torrent peer registry: a single record store indexed
// by both a peer's network endpoint and its self-declared peer id, so a
// peer whose identity we learn late (or reconnects under a new port) still
// resolves to the same SharingPeer.
type Registry struct {
	mu          sync.Mutex
	byEndpoint  map[string]*SharingPeer
	byPeerID    map[string]*SharingPeer
	byHolderKey map[string]*SharingPeer
	banned      mapset.Set

	numPieces   int
	meterWindow int
	maxPeers    int
}

// NewRegistry builds an empty registry for a torrent with numPieces
// pieces. meterWindow sizes each peer's rate meters; maxPeers caps
// concurrent registry entries (0 means unlimited).
func NewRegistry(numPieces, meterWindow, maxPeers int) *Registry {
	return &Registry{
		byEndpoint:  make(map[string]*SharingPeer),
		byPeerID:    make(map[string]*SharingPeer),
		byHolderKey: make(map[string]*SharingPeer),
		banned:      mapset.NewSet(),
		numPieces:   numPieces,
		meterWindow: meterWindow,
		maxPeers:    maxPeers,
	}
}

// GetOrCreate resolves (endpoint, peerID) to a single SharingPeer,
// creating one if neither key is already known. peerID may be empty when
// the identity isn't known yet (e.g. before handshake completes); it is
// bound in later once available. Returns (nil, false) if endpoint's peer
// id is banned, or the registry is at capacity for a genuinely new peer.
func (r *Registry) GetOrCreate(endpoint, peerID string) (*SharingPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peerID != "" && r.banned.Contains(peerID) {
		return nil, false
	}

	if peerID != "" {
		if p, ok := r.byPeerID[peerID]; ok {
			r.byEndpoint[endpoint] = p
			p.Endpoint = endpoint
			return p, true
		}
	}
	if p, ok := r.byEndpoint[endpoint]; ok {
		if peerID != "" {
			p.PeerID = peerID
			r.byPeerID[peerID] = p
		}
		return p, true
	}

	if r.maxPeers > 0 && len(r.byEndpoint) >= r.maxPeers {
		return nil, false
	}

	p := newSharingPeer(endpoint, peerID, r.numPieces, r.meterWindow)
	r.byEndpoint[endpoint] = p
	if peerID != "" {
		r.byPeerID[peerID] = p
	}
	r.byHolderKey[p.HolderKey] = p
	return p, true
}

// LookupByHolderKey resolves a piece holder-set key back to its peer
// record, e.g. to translate holders of a bad piece into bannable peer ids.
func (r *Registry) LookupByHolderKey(key string) (*SharingPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byHolderKey[key]
	return p, ok
}

// Lookup finds a peer by endpoint without creating one.
func (r *Registry) Lookup(endpoint string) (*SharingPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byEndpoint[endpoint]
	return p, ok
}

// Remove unbinds both keys for p atomically.
func (r *Registry) Remove(p *SharingPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byEndpoint, p.Endpoint)
	if p.PeerID != "" {
		delete(r.byPeerID, p.PeerID)
	}
	delete(r.byHolderKey, p.HolderKey)
}

// List returns a snapshot of every registered peer.
func (r *Registry) List() []*SharingPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*SharingPeer]bool, len(r.byEndpoint))
	out := make([]*SharingPeer, 0, len(r.byEndpoint))
	for _, p := range r.byEndpoint {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Ban adds peerIDs to the ban list, e.g. after they deliver a piece that
// fails validation and every holder of it is implicated.
func (r *Registry) Ban(peerIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range peerIDs {
		r.banned.Add(id)
	}
}

func (r *Registry) IsBanned(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.banned.Contains(peerID)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEndpoint)
}
