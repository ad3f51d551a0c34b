// Package provider implements the fabric's worker-host role (spec.md
// §4.3): it connects to a master, spawns and supervises kernel worker
// processes up to a per-provider capacity, and reaps them on disconnect
// or shutdown.
//
// Grounded on original_source/kernel/kernel_provider.py for the
// spawn/reap lifecycle, and on the teacher's target-node bootstrap
// (ais/target) for the connect-then-await-setup handshake shape.
package provider

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/node"
	"github.com/kernelfabric/kernelfabric/wire"
	"golang.org/x/sync/errgroup"
)

const masterIdentity = node.Identity(wire.MasterIdentity)

// WorkerBinary is the path to the kernel-worker executable this provider
// spawns for each SPAWN_KERNEL. Set by cmd/provider from a flag; a
// package-level var keeps Spawn's signature simple and matches the
// teacher's own small-number-of-package-vars style for bootstrap config
// (cmn/config.go's handful of process-wide knobs).
var WorkerBinary = "kernelworker"

// workerRecord is ProviderState's WorkerProcess (spec.md §3).
type workerRecord struct {
	uuid      string
	identity  node.Identity // bound once READY_KERNEL arrives
	ready     bool
	cmd       *exec.Cmd
	spawnFlow *node.Flow
	info      json.RawMessage
}

// Provider is the fabric's worker-host node.
type Provider struct {
	n *node.Node

	callbackAddress string // host:port workers dial back to reach this provider

	mu      sync.Mutex
	workers map[string]*workerRecord
	limit   int // 0 until SETUP_PROVIDER arrives
}

// New connects a provider node to masterAddress and returns once the
// link is established (the SETUP_PROVIDER handshake completes
// asynchronously, per the greet-then-setup sequence in spec.md §4.1/§4.2).
func New(masterAddress, host, rootPath string) (*Provider, error) {
	identity := node.Identity(fmt.Sprintf("%s %s", wire.RoleProvider, cos.GenKernelID()))
	n, err := node.New(wire.RoleProvider, identity, rootPath)
	if err != nil {
		return nil, err
	}
	p := &Provider{n: n, workers: make(map[string]*workerRecord)}

	n.Listen(wire.SETUP_PROVIDER, p.onSetupProvider)
	n.Listen(wire.SPAWN_KERNEL, p.onSpawnKernel)
	n.Listen(wire.READY_KERNEL, p.onReadyKernel)
	n.OnDisconnect(p.onDisconnect)
	n.OnStop(p.onStop)

	port, err := n.Bind(host, 0)
	if err != nil {
		return nil, err
	}
	p.callbackAddress = fmt.Sprintf("%s:%d", host, port)
	if err := n.Connect(masterAddress, masterIdentity); err != nil {
		return nil, err
	}
	return p, nil
}

// Identity returns this provider's node identity.
func (p *Provider) Identity() node.Identity { return p.n.Identity }

// Stop gracefully shuts the provider node down, killing every
// still-running worker process group first (via the on-stop hook).
func (p *Provider) Stop() { p.n.Stop(true) }

// WorkerCount reports the current number of tracked workers, for tests
// and operational introspection.
func (p *Provider) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Provider) onSetupProvider(_ node.Identity, body []byte, _ wire.BodyType, _ *node.Flow) {
	var settings struct {
		Limit int `json:"limit"`
	}
	if err := wire.DecodeJSON(body, &settings); err != nil {
		nlog.Errorf("provider %s: setup_provider: decode: %v", p.n.Identity, err)
		return
	}
	p.mu.Lock()
	p.limit = settings.Limit
	p.mu.Unlock()
}

// onSpawnKernel is spec.md §4.3's spawn step: authoritative capacity
// check, worker_uuid generation, and immediate bookkeeping of the new
// worker before the child process has even been spawned — so a second
// SPAWN_KERNEL racing in on the same provider sees the slot as taken.
func (p *Provider) onSpawnKernel(peer node.Identity, body []byte, _ wire.BodyType, flow *node.Flow) {
	rec, err := p.reserve(body)
	if err != nil {
		nlog.Warningf("provider %s: spawn_kernel from %s: %v", p.n.Identity, peer, err)
		flow.SetCleanupOnNextSend()
		if err := p.n.SendFlow(peer, wire.SPAWN_KERNEL_REPLY, flow, nil); err != nil {
			nlog.Warningf("provider %s: spawn_kernel_reply (at capacity) to %s: %v", p.n.Identity, peer, err)
		}
		return
	}
	rec.spawnFlow = flow

	cmd, err := p.spawn(rec, flow.ID)
	if err != nil {
		nlog.Errorf("provider %s: spawn %s: %v", p.n.Identity, rec.uuid, err)
		p.forget(rec.uuid)
		flow.SetCleanupOnNextSend()
		if err := p.n.SendFlow(peer, wire.SPAWN_KERNEL_REPLY, flow, nil); err != nil {
			nlog.Warningf("provider %s: spawn_kernel_reply (spawn failed) to %s: %v", p.n.Identity, peer, err)
		}
		return
	}
	rec.cmd = cmd
	go p.reapOnExit(rec)
}

// reserve checks the authoritative capacity cap and, if there is room,
// records a new worker slot under a freshly generated uuid4 (spec.md §8
// scenario 1: "kernel_id a uuid4 string"). Returns cos.ErrCapacityExceeded
// once p.workers is at p.limit.
func (p *Provider) reserve(info []byte) (*workerRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) >= p.limit {
		return nil, cos.ErrCapacityExceeded
	}
	uuid := cos.GenKernelID()
	rec := &workerRecord{uuid: uuid, info: append(json.RawMessage(nil), info...)}
	p.workers[uuid] = rec
	return rec, nil
}

func (p *Provider) forget(uuid string) {
	p.mu.Lock()
	delete(p.workers, uuid)
	p.mu.Unlock()
}

// reapOnExit waits for a spawned worker's OS process to exit and, if it
// is still tracked (i.e. no disconnect-driven reap already removed it —
// the crash-before-READY_KERNEL case), reclaims its capacity slot. Per
// spec.md §9 design notes this is a deliberately open question: the
// SPAWN_KERNEL flow itself is left unresolved on a crash before
// READY_KERNEL (no bounded timeout is added), but the capacity slot it
// held must not be leaked forever.
func (p *Provider) reapOnExit(rec *workerRecord) {
	_ = rec.cmd.Wait()
	p.mu.Lock()
	if cur, ok := p.workers[rec.uuid]; ok && cur == rec {
		delete(p.workers, rec.uuid)
	}
	p.mu.Unlock()
}

type readyKernelBody struct {
	KernelID   string          `json:"kernel_id"`
	Connection json.RawMessage `json:"connection"`
}

// onReadyKernel binds the worker's self-assigned node identity to its
// provider-generated uuid and forwards the connection descriptor to
// master on the same flow the SPAWN_KERNEL arrived on (spec.md §4.3).
func (p *Provider) onReadyKernel(peer node.Identity, body []byte, _ wire.BodyType, flow *node.Flow) {
	var rk readyKernelBody
	if err := wire.DecodeJSON(body, &rk); err != nil {
		nlog.Errorf("provider %s: ready_kernel: decode: %v", p.n.Identity, err)
		return
	}

	p.mu.Lock()
	rec, ok := p.workers[rk.KernelID]
	if ok {
		rec.identity = peer
		rec.ready = true
	}
	p.mu.Unlock()
	if !ok {
		nlog.Warningf("provider %s: ready_kernel for unknown worker %s", p.n.Identity, rk.KernelID)
		return
	}

	flow.SetCleanupOnNextSend()
	if err := p.n.SendFlow(masterIdentity, wire.SPAWN_KERNEL_REPLY, flow, rk); err != nil {
		nlog.Warningf("provider %s: spawn_kernel_reply to master: %v", p.n.Identity, err)
	}
}

// onDisconnect implements "On disconnect of a worker's node identity":
// locate the worker by its bound node identity, kill its process group,
// and remove it.
func (p *Provider) onDisconnect(peer node.Identity) {
	p.mu.Lock()
	var victim *workerRecord
	for _, rec := range p.workers {
		if rec.identity == peer {
			victim = rec
			break
		}
	}
	if victim != nil {
		delete(p.workers, victim.uuid)
	}
	p.mu.Unlock()
	if victim == nil {
		return
	}
	killProcessGroup(victim.cmd)
}

// onStop kills every worker's process group, concurrently.
func (p *Provider) onStop() {
	p.mu.Lock()
	recs := make([]*workerRecord, 0, len(p.workers))
	for _, rec := range p.workers {
		recs = append(recs, rec)
	}
	p.workers = make(map[string]*workerRecord)
	p.mu.Unlock()

	var g errgroup.Group
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			killProcessGroup(rec.cmd)
			return nil
		})
	}
	_ = g.Wait()
}
