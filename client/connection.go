package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/kernelwire"
	"github.com/kernelfabric/kernelfabric/node"
)

// hbInterval and hbFirstPingDelay are the heartbeat constants from
// spec.md §4.5.
const (
	hbInterval       = 3 * time.Second
	hbFirstPingDelay = 1 * time.Second
)

type hbState int

const (
	hbWaiting hbState = iota
	hbPinged
	hbDead
)

// execPromise is a single-shot promise for one msg_id's accumulated
// reply lines, the client-side analogue of node.Flow.
type execPromise struct {
	done  chan struct{}
	once  sync.Once
	lines []string
}

func newExecPromise() *execPromise { return &execPromise{done: make(chan struct{})} }

func (p *execPromise) resolve(lines []string) {
	p.once.Do(func() {
		p.lines = lines
		close(p.done)
	})
}

func (p *execPromise) wait(ctx context.Context) ([]string, error) {
	select {
	case <-p.done:
		return p.lines, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connection is the client-side handle to one live worker (spec.md §4.5).
type Connection struct {
	n          *node.Node // the shared client node; used only for the file-upload control channel
	client     *Client
	id         string // kernel_id
	processKey node.Identity
	sessionKey []byte

	shellConn net.Conn
	iopubConn net.Conn
	hbConn    net.Conn

	mu            sync.Mutex
	status        string
	reply         map[string][]string
	replyPromises map[string]*execPromise

	executed  atomic.Int64
	executing atomic.Int64

	hbMu    sync.Mutex
	hb      hbState
	alive   atomic.Bool
	stopped atomic.Bool
}

func newConnection(n *node.Node, kernelID string, desc connectionDesc) (*Connection, error) {
	sessionKey, err := hex.DecodeString(desc.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("client: decode session_key: %w", err)
	}

	dial := func(port int) (net.Conn, error) {
		return net.Dial("tcp", fmt.Sprintf("%s:%d", desc.IP, port))
	}
	shellConn, err := dial(desc.Shell)
	if err != nil {
		return nil, fmt.Errorf("client: dial shell: %w", err)
	}
	iopubConn, err := dial(desc.IOPub)
	if err != nil {
		shellConn.Close()
		return nil, fmt.Errorf("client: dial iopub: %w", err)
	}
	hbConn, err := dial(desc.HB)
	if err != nil {
		shellConn.Close()
		iopubConn.Close()
		return nil, fmt.Errorf("client: dial hb: %w", err)
	}

	c := &Connection{
		n:             n,
		id:            kernelID,
		processKey:    node.Identity(desc.ProcessKey),
		sessionKey:    sessionKey,
		shellConn:     shellConn,
		iopubConn:     iopubConn,
		hbConn:        hbConn,
		status:        "idle",
		reply:         make(map[string][]string),
		replyPromises: make(map[string]*execPromise),
	}
	c.alive.Store(true)

	if err := n.Connect(fmt.Sprintf("%s:%d", desc.IP, desc.Process), c.processKey); err != nil {
		c.closeChannels()
		return nil, fmt.Errorf("client: node connect to worker: %w", err)
	}

	go c.readLoop(c.shellConn)
	go c.readLoop(c.iopubConn)
	go c.hbReadLoop()
	go c.heartbeatLoop()

	return c, nil
}

// SendFile uploads localPath to remotePath on the paired worker over
// the shared client node's control channel (spec.md §4.5: "used to
// upload artifacts, e.g. a serialized trained model").
func (c *Connection) SendFile(localPath, remotePath string) (*node.Flow, error) {
	return c.n.SendFile(localPath, remotePath, c.processKey)
}

// Alive reports whether the heartbeat state machine still considers
// this connection live.
func (c *Connection) Alive() bool { return c.alive.Load() }

func (c *Connection) Executed() int64  { return c.executed.Load() }
func (c *Connection) Executing() int64 { return c.executing.Load() }

// Execute is spec.md §4.5's execute(): await idle, send a signed
// execute_request, and await the aggregated reply lines for msgID
// (generated if empty).
func (c *Connection) Execute(ctx context.Context, code, msgID string) ([]string, error) {
	if msgID == "" {
		msgID = cos.GenTie()
	}
	if err := c.awaitIdle(ctx); err != nil {
		return nil, err
	}

	promise := newExecPromise()
	c.mu.Lock()
	c.reply[msgID] = []string{}
	c.replyPromises[msgID] = promise
	c.mu.Unlock()

	c.executed.Add(1)
	c.executing.Add(1)

	req := &kernelwire.Msg{
		Header:       kernelwire.NewHeader("execute_request", msgID, cos.GenTie(), time.Now().UTC().Format(time.RFC3339Nano)),
		ParentHeader: map[string]any{},
		Metadata:     map[string]any{},
		Content: map[string]any{
			"code":          code,
			"silent":        false,
			"allow_stdin":   false,
			"store_history": false,
		},
	}
	if err := kernelwire.Write(c.shellConn, req, c.sessionKey); err != nil {
		c.mu.Lock()
		delete(c.replyPromises, msgID)
		c.mu.Unlock()
		return nil, fmt.Errorf("client: execute_request: %w", err)
	}

	lines, err := promise.wait(ctx)
	c.mu.Lock()
	delete(c.replyPromises, msgID)
	c.mu.Unlock()
	return lines, err
}

func (c *Connection) awaitIdle(ctx context.Context) error {
	for {
		c.mu.Lock()
		status := c.status
		c.mu.Unlock()
		if status == "idle" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Connection) readLoop(conn net.Conn) {
	for {
		m, err := kernelwire.Read(conn, c.sessionKey)
		if err != nil {
			return
		}
		c.dispatch(m)
	}
}

func (c *Connection) dispatch(m *kernelwire.Msg) {
	msgID, _ := m.ParentHeader["msg_id"].(string)
	if msgID == "" {
		return
	}
	msgType, _ := m.Header["msg_type"].(string)
	switch msgType {
	case "stream":
		text, _ := m.Content["text"].(string)
		lines := strings.Split(text, "\n")
		complete := lines[:len(lines)-1] // drop the trailing, possibly-partial line
		c.mu.Lock()
		c.reply[msgID] = append(c.reply[msgID], complete...)
		c.mu.Unlock()
	case "error":
		tb, _ := m.Content["traceback"].([]any)
		frames := make([]string, 0, len(tb))
		for _, v := range tb {
			if s, ok := v.(string); ok {
				frames = append(frames, s)
			}
		}
		c.mu.Lock()
		c.reply[msgID] = append(c.reply[msgID], strings.Join(frames, "\n"))
		c.mu.Unlock()
	case "execute_reply":
		if ec, ok := m.Content["execution_count"].(float64); ok {
			c.executing.Store(int64(ec))
		}
		c.mu.Lock()
		lines := append([]string(nil), c.reply[msgID]...)
		promise := c.replyPromises[msgID]
		c.mu.Unlock()
		if promise != nil {
			promise.resolve(lines)
		}
	case "status":
		if state, ok := m.Content["execution_state"].(string); ok {
			c.mu.Lock()
			c.status = state
			c.mu.Unlock()
		}
	}
}

func (c *Connection) hbReadLoop() {
	buf := make([]byte, 1)
	for {
		if _, err := c.hbConn.Read(buf); err != nil {
			return
		}
		c.hbMu.Lock()
		c.hb = hbWaiting
		c.hbMu.Unlock()
	}
}

func (c *Connection) heartbeatLoop() {
	time.Sleep(hbFirstPingDelay)
	c.ping()

	ticker := time.NewTicker(hbInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !c.alive.Load() {
			return
		}
		c.hbMu.Lock()
		missed := c.hb == hbPinged
		c.hbMu.Unlock()
		if missed {
			c.hbMu.Lock()
			c.hb = hbDead
			c.hbMu.Unlock()
			c.Stop()
			return
		}
		c.ping()
	}
}

func (c *Connection) ping() {
	c.hbMu.Lock()
	c.hb = hbPinged
	c.hbMu.Unlock()
	if _, err := c.hbConn.Write([]byte{'q'}); err != nil {
		c.hbMu.Lock()
		c.hb = hbDead
		c.hbMu.Unlock()
		c.Stop()
	}
}

func (c *Connection) closeChannels() {
	c.shellConn.Close()
	c.iopubConn.Close()
	c.hbConn.Close()
}

// Stop implements spec.md §4.5's stop(): stop the heartbeat, close all
// three execution channels, remove this connection from the client's
// map, then end the node-runtime control link to the worker without
// stopping the client's node (it is shared with every other live
// Connection).
func (c *Connection) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.alive.Store(false)
	c.closeChannels()
	if c.client != nil {
		c.client.remove(c.id)
	}
	c.n.DisconnectPeer(c.processKey)
	nlog.Infof("client: connection %s stopped", c.id)
}
