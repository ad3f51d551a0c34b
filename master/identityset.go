package master

import (
	"sync"

	"github.com/kernelfabric/kernelfabric/node"
)

// identitySet is a mutex-guarded set of node identities. Provider
// selection tie-breaks are unspecified (spec.md §9), so pop returns an
// arbitrary member, matching Python's set.pop().
type identitySet struct {
	mu  sync.Mutex
	ids map[node.Identity]struct{}
}

func newIdentitySet() *identitySet {
	return &identitySet{ids: make(map[node.Identity]struct{})}
}

func (s *identitySet) add(id node.Identity) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *identitySet) remove(id node.Identity) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *identitySet) pop() (node.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.ids {
		delete(s.ids, id)
		return id, true
	}
	return "", false
}

func (s *identitySet) snapshot() []node.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]node.Identity, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}
