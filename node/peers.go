package node

import (
	"sync"
	"time"

	"github.com/kernelfabric/kernelfabric/wire"
)

// PeerInfo is one row of the connected-peers table (spec.md §3): identity
// plus last-seen timestamp, plus the role learned from that peer's
// GREETING once received.
type PeerInfo struct {
	Identity Identity
	Role     wire.Role
	LastSeen time.Time
}

// peerTable is the "identity → last-seen" map described in spec.md §3,
// extended with the peer's announced role once known.
type peerTable struct {
	mu    sync.Mutex
	peers map[Identity]*PeerInfo
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[Identity]*PeerInfo)}
}

// touch records that a frame from id just arrived, refreshing last-seen
// and creating the row if this is the first frame ever seen from id.
func (t *peerTable) touch(id Identity, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &PeerInfo{Identity: id}
		t.peers[id] = p
	}
	p.LastSeen = at
}

// setRole records the peer's announced role, returning true the first
// time a role is recorded for id (used to detect a genuinely new peer vs.
// a re-GREETING, which must be a no-op beyond refreshing last-seen).
func (t *peerTable) setRole(id Identity, role wire.Role) (firstTime bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &PeerInfo{Identity: id}
		t.peers[id] = p
	}
	firstTime = p.Role == ""
	p.Role = role
	return firstTime
}

func (t *peerTable) get(id Identity) (PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

func (t *peerTable) remove(id Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

func (t *peerTable) snapshot() []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}
