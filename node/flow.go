package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

)

// Flow is the correlation record described in spec.md §3: it pairs a
// request with its (possibly multi-hop, possibly chunked) reply. Args is
// opaque per-flow state held only at the owning hop — e.g. the master
// stashes the requesting client's identity there while a SPAWN_KERNEL is
// in flight.
type Flow struct {
	ID string

	mu      sync.Mutex
	args    map[string]any
	cleanup bool

	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newFlow(id string) *Flow {
	return &Flow{ID: id, args: make(map[string]any), done: make(chan struct{})}
}

// SetArg / Arg give the owner a place to stash and retrieve per-flow state
// across hops (e.g. the client identity a master must remember to route
// a RES_KERNEL back to).
func (f *Flow) SetArg(key string, v any) {
	f.mu.Lock()
	f.args[key] = v
	f.mu.Unlock()
}

func (f *Flow) Arg(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.args[key]
	return v, ok
}

// SetCleanupOnNextSend marks the flow for removal from its owner's
// registry immediately after the next outgoing message that carries it —
// the behavior an intermediate or final hop uses once it has nothing left
// to correlate (spec.md §3, §4.1).
func (f *Flow) SetCleanupOnNextSend() {
	f.mu.Lock()
	f.cleanup = true
	f.mu.Unlock()
}

func (f *Flow) popCleanup() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.cleanup
	f.cleanup = false
	return v
}

// Resolve completes the flow's single-shot promise. Only the first call
// has an effect; later calls are no-ops, matching a single-shot future.
func (f *Flow) Resolve(result any, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

// Wait blocks until Resolve is called or ctx is done.
func (f *Flow) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flowRegistry is the per-node table of in-flight flows, keyed by
// "<originator_identity>/<monotonic_seq>" (spec.md §3: globally unique
// because the originator identity disambiguates across nodes).
type flowRegistry struct {
	originator Identity
	seq        atomic.Uint64

	mu    sync.Mutex
	flows map[string]*Flow
}

func newFlowRegistry(originator Identity) *flowRegistry {
	return &flowRegistry{originator: originator, flows: make(map[string]*Flow)}
}

// New allocates and registers a fresh flow owned by this node.
func (r *flowRegistry) New() *Flow {
	seq := r.seq.Add(1)
	id := fmt.Sprintf("%s/%d", r.originator, seq)
	f := newFlow(id)
	r.mu.Lock()
	r.flows[id] = f
	r.mu.Unlock()
	return f
}

// Placeholder returns the flow registered under id, creating a
// lightweight placeholder (no one waiting on it) if this hop has never
// seen that flow id before — the behavior an intermediate hop uses so its
// own reply can carry the same id back upstream (spec.md §4.1).
func (r *flowRegistry) Placeholder(id string) *Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flows[id]; ok {
		return f
	}
	f := newFlow(id)
	r.flows[id] = f
	return f
}

func (r *flowRegistry) Get(id string) (*Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	return f, ok
}

func (r *flowRegistry) Delete(id string) {
	r.mu.Lock()
	delete(r.flows, id)
	r.mu.Unlock()
}
