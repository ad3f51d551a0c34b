// Package master implements the fabric's single well-known coordinator
// (spec.md §4.2): it tracks connected providers and clients, matches
// REQ_KERNEL against an available provider, and relays the resulting
// SPAWN_KERNEL_REPLY back to the requesting client as RES_KERNEL.
//
// Grounded on original_source/kernel/kernel_master.py for the eligible-
// provider bookkeeping, and on the teacher's proxy (ais/proxy) for the
// registration-table shape of a singleton coordination node sitting in
// front of a pool of workers.
package master

import (
	"encoding/json"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/node"
	"github.com/kernelfabric/kernelfabric/wire"
)

const argClient = "client"

// Settings is the payload a provider receives on SETUP_PROVIDER
// (spec.md §4.2): the per-provider kernel capacity limit.
type Settings struct {
	Limit int `json:"limit"`
}

// Master is the fabric coordinator. Providers and clients are tracked as
// per-instance sets — unlike original_source/kernel/kernel_master.py,
// whose providers set is a class attribute shared across every
// KernelMaster instance in the process (the "stale copy" bug noted in
// spec.md §9 design notes); here each Master owns its own sets, so two
// Masters in the same process (e.g. in tests) never see each other's
// providers.
type Master struct {
	n *node.Node

	providers *identitySet
	clients   *identitySet

	settings Settings
}

// New creates a master node bound to host:port, with root_path for any
// file traffic it participates in and limit as the per-provider kernel
// capacity advertised in SETUP_PROVIDER.
func New(host string, port int, rootPath string, limit int) (*Master, int, error) {
	n, err := node.New(wire.RoleMaster, node.Identity(wire.MasterIdentity), rootPath)
	if err != nil {
		return nil, 0, err
	}
	m := &Master{
		n:         n,
		providers: newIdentitySet(),
		clients:   newIdentitySet(),
		settings:  Settings{Limit: limit},
	}
	n.OnConnect(m.onConnect)
	n.OnDisconnect(m.onDisconnect)
	n.Listen(wire.REQ_KERNEL, m.onReqKernel)
	n.Listen(wire.SPAWN_KERNEL_REPLY, m.onSpawnKernelReply)

	bound, err := n.Bind(host, port)
	if err != nil {
		return nil, 0, err
	}
	return m, bound, nil
}

// Identity returns the master's well-known address.
func (m *Master) Identity() node.Identity { return m.n.Identity }

// Stop gracefully shuts the master node down (spec.md §4.1).
func (m *Master) Stop() { m.n.Stop(true) }

// Providers/Clients expose read-only snapshots, mainly for tests and
// operational introspection.
func (m *Master) Providers() []node.Identity { return m.providers.snapshot() }
func (m *Master) Clients() []node.Identity   { return m.clients.snapshot() }

func (m *Master) onConnect(peer node.Identity, role wire.Role) {
	switch role {
	case wire.RoleProvider:
		m.providers.add(peer)
		if err := m.n.Send(peer, wire.SETUP_PROVIDER, m.settings); err != nil {
			nlog.Warningf("master: setup_provider to %s: %v", peer, err)
		}
	case wire.RoleClient:
		m.clients.add(peer)
	}
}

func (m *Master) onDisconnect(peer node.Identity) {
	m.providers.remove(peer)
	m.clients.remove(peer)
}

// onReqKernel is spec.md §4.2's request_kernel: pop one eligible
// provider and forward the request body (the client's info payload)
// as SPAWN_KERNEL, remembering the requesting client on the flow so the
// eventual reply can be routed back. No eligible provider replies
// RES_KERNEL with a null body immediately.
func (m *Master) onReqKernel(peer node.Identity, body []byte, _ wire.BodyType, flow *node.Flow) {
	provider, ok := m.providers.pop()
	if !ok {
		nlog.Infof("master: req_kernel from %s: %v", peer, cos.ErrNoProviders)
		flow.SetCleanupOnNextSend()
		if err := m.n.SendFlow(peer, wire.RES_KERNEL, flow, nil); err != nil {
			nlog.Warningf("master: res_kernel (no provider) to %s: %v", peer, err)
		}
		return
	}

	flow.SetArg(argClient, peer)
	if err := m.n.SendFlow(provider, wire.SPAWN_KERNEL, flow, json.RawMessage(passthroughJSON(body))); err != nil {
		nlog.Warningf("master: spawn_kernel to %s: %v", provider, err)
		m.providers.add(provider)
	}
}

// onSpawnKernelReply is the provider's SPAWN_KERNEL_REPLY landing back at
// the master (spec.md §4.2): look up the client this flow was opened
// for, relay the reply body verbatim as RES_KERNEL, and — unless spawn
// failed (a null body) — return the provider to the eligible set.
func (m *Master) onSpawnKernelReply(peer node.Identity, body []byte, _ wire.BodyType, flow *node.Flow) {
	flow.SetCleanupOnNextSend()

	clientV, ok := flow.Arg(argClient)
	client, _ := clientV.(node.Identity)
	if !ok || client == "" {
		nlog.Warningf("master: spawn_kernel_reply for flow %s has no client on record", flow.ID)
		return
	}

	if err := m.n.SendFlow(client, wire.RES_KERNEL, flow, json.RawMessage(passthroughJSON(body))); err != nil {
		nlog.Warningf("master: res_kernel to %s: %v", client, err)
	}

	if !wire.IsJSONNull(body) {
		m.providers.add(peer)
	}
}

func passthroughJSON(body []byte) []byte {
	if len(body) == 0 {
		return []byte("null")
	}
	return body
}
