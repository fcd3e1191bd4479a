package gateway

import (
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// ClientRegistry tracks connected websocket peers
type ClientRegistry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		peers: make(map[string]*Peer),
	}
}

// Add registers a peer
func (r *ClientRegistry) Add(peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[peer.ID] = peer
}

// Remove forgets a peer
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, id)
}

// Get retrieves a peer by ID
func (r *ClientRegistry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[id]
	return peer, exists
}

// GetAll returns all peers
func (r *ClientRegistry) GetAll() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	return peers
}

// MarkAuthenticated flags a peer as allowed to call methods and receive
// events
func (r *ClientRegistry) MarkAuthenticated(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, ok := r.peers[id]; ok {
		peer.Authenticated = true
	}
}

// IsAuthenticated reports whether the peer has authenticated
func (r *ClientRegistry) IsAuthenticated(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[id]
	return ok && peer.Authenticated
}

// GetAuthenticated returns only authenticated peers
func (r *ClientRegistry) GetAuthenticated() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		if peer.Authenticated {
			peers = append(peers, peer)
		}
	}
	return peers
}

// Count returns the number of connected peers
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// GetConnectedClients describes every connected peer
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		infos = append(infos, ClientInfo{
			ID:            peer.ID,
			Authenticated: peer.Authenticated,
			ConnectedAt:   peer.ConnectedAt,
			LastActivity:  peer.LastActivity,
			IPAddress:     peer.IPAddress,
			Idle:          now.Sub(peer.LastActivity) > idleAfter,
		})
	}
	return infos
}

// UpdateActivity records activity for a peer
func (r *ClientRegistry) UpdateActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, exists := r.peers[id]; exists {
		peer.LastActivity = time.Now()
	}
}
