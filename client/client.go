// Package client implements the fabric's API-server-facing role
// (spec.md §4.6): it requests kernels from the master and tracks the
// live Connections it gets back.
//
// Grounded on original_source/app/config/kernel.py's KernelClient for
// create_kernel, the connections map, and on_stop's fan-out over every
// live kernel; the connect-then-register node bootstrap itself has no
// teacher analogue (the teacher's nodes are always cluster members,
// never an external API-server-facing caller) and is built directly on
// node.New.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/kernelinfo"
	"github.com/kernelfabric/kernelfabric/node"
	"github.com/kernelfabric/kernelfabric/wire"
	"golang.org/x/sync/errgroup"
)

const masterIdentity = node.Identity(wire.MasterIdentity)

// Client is the fabric's single-identity API-server-facing node.
type Client struct {
	n *node.Node

	mu          sync.Mutex
	connections map[string]*Connection // keyed by kernel_id
}

// New connects a client node to masterAddress.
func New(masterAddress, host, rootPath string) (*Client, error) {
	identity := node.Identity(fmt.Sprintf("%s %s", wire.RoleClient, cos.GenKernelID()))
	n, err := node.New(wire.RoleClient, identity, rootPath)
	if err != nil {
		return nil, err
	}
	c := &Client{n: n, connections: make(map[string]*Connection)}
	n.Listen(wire.RES_KERNEL, c.onResKernel)
	n.OnStop(c.onStop)

	if _, err := n.Bind(host, 0); err != nil {
		return nil, err
	}
	if err := n.Connect(masterAddress, masterIdentity); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Identity() node.Identity { return c.n.Identity }

// Stop stops every live Connection (each sends DISCONNECT to its worker
// over the shared client node), then stops the client's own node, which
// sends DISCONNECT to master.
func (c *Client) Stop() { c.n.Stop(true) }

// Get is the O(1) connections lookup named in spec.md §4.6.
func (c *Client) Get(kernelID string) (*Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.connections[kernelID]
	return conn, ok
}

type kernelDescriptor struct {
	KernelID   string         `json:"kernel_id"`
	Connection connectionDesc `json:"connection"`
}

type connectionDesc struct {
	SessionKey string `json:"session_key"`
	IP         string `json:"ip"`
	HB         int    `json:"hb"`
	IOPub      int    `json:"iopub"`
	Shell      int    `json:"shell"`
	ProcessKey string `json:"process_key"`
	Process    int    `json:"process"`
}

// CreateKernel is spec.md §4.6's create_kernel(): request a kernel from
// master and, on a non-null reply, build and register a live Connection.
// A null reply (no providers available) returns (nil, nil) — the
// caller's contract is to surface that as "no providers available",
// not treat it as an error.
func (c *Client) CreateKernel(ctx context.Context, info kernelinfo.Info) (*Connection, error) {
	flow := c.n.NewFlow()
	if err := c.n.SendFlow(masterIdentity, wire.REQ_KERNEL, flow, info); err != nil {
		c.n.DeleteFlow(flow.ID)
		return nil, err
	}
	result, err := flow.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	desc := result.(*kernelDescriptor)

	conn, err := newConnection(c.n, desc.KernelID, desc.Connection)
	if err != nil {
		return nil, err
	}
	conn.client = c
	c.mu.Lock()
	c.connections[desc.KernelID] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) onResKernel(_ node.Identity, body []byte, _ wire.BodyType, flow *node.Flow) {
	if wire.IsJSONNull(body) {
		flow.Resolve(nil, nil)
		c.n.DeleteFlow(flow.ID)
		return
	}
	var desc kernelDescriptor
	if err := wire.DecodeJSON(body, &desc); err != nil {
		flow.Resolve(nil, err)
		c.n.DeleteFlow(flow.ID)
		return
	}
	flow.Resolve(&desc, nil)
	c.n.DeleteFlow(flow.ID)
}

// remove drops kernelID from the connections map — called by a
// Connection once it has fully stopped (spec.md §4.5 "remove self from
// the owning client's map").
func (c *Client) remove(kernelID string) {
	c.mu.Lock()
	delete(c.connections, kernelID)
	c.mu.Unlock()
}

// onStop iterates a snapshot of connections and stops each concurrently,
// then the node itself stops (spec.md §4.6).
func (c *Client) onStop() {
	c.mu.Lock()
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			conn.Stop()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		nlog.Warningf("client %s: stopping connections: %v", c.n.Identity, err)
	}
}
