package node

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/wire"
)

// Identity is a node's opaque, wire-stable routing address (spec.md §3).
type Identity string

// recvHandler is invoked once per inbound frame, after the transport has
// resolved which peer sent it.
type recvHandler func(peer Identity, env *wire.Envelope)

// discHandler is invoked once a peer connection is confirmed dead.
type discHandler func(peer Identity)

// socket is the fabric's identity-addressed duplex transport: one per
// node, it both accepts inbound connections and dials outbound ones, and
// multiplexes many peer connections behind a single Send/onRecv surface —
// the Go-native stand-in for a single ROUTER-style socket (see
// DESIGN.md: no zmq binding appears anywhere in the example pack, so the
// wire framing and peer multiplexing here are hand-rolled, grounded on
// the teacher's own hand-rolled intra-cluster framing in transport/).
type socket struct {
	identity Identity

	ln net.Listener

	mu      sync.Mutex
	peers   map[Identity]*peerConn
	closed  bool

	onRecv recvHandler
	onDisc discHandler
}

type peerConn struct {
	id Identity
	c  net.Conn
	wm sync.Mutex // serializes writes from concurrent Send callers
	w  *bufio.Writer
}

func newSocket(id Identity, onRecv recvHandler, onDisc discHandler) *socket {
	return &socket{
		identity: id,
		peers:    make(map[Identity]*peerConn),
		onRecv:   onRecv,
		onDisc:   onDisc,
	}
}

// bind starts listening on addr ("host:port", port 0 for ephemeral) and
// returns the bound port.
func (s *socket) bind(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	s.ln = ln
	go s.acceptLoop()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (s *socket) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			nlog.Warningf("socket %s: accept: %v", s.identity, err)
			return
		}
		go s.greetAccepted(conn)
	}
}

func (s *socket) greetAccepted(conn net.Conn) {
	if err := writeIdentity(conn, s.identity); err != nil {
		conn.Close()
		return
	}
	peerID, err := readIdentity(conn)
	if err != nil {
		conn.Close()
		return
	}
	s.register(peerID, conn)
}

// connect dials addr and performs the identity preamble, learning (and
// verifying, when expectID is non-empty) the remote's identity.
func (s *socket) connect(addr string, expectID Identity) (Identity, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	if err := writeIdentity(conn, s.identity); err != nil {
		conn.Close()
		return "", err
	}
	peerID, err := readIdentity(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	if expectID != "" && peerID != expectID {
		conn.Close()
		return "", fmt.Errorf("socket %s: connected peer identity mismatch: got %q want %q", s.identity, peerID, expectID)
	}
	s.register(peerID, conn)
	return peerID, nil
}

func (s *socket) register(peerID Identity, conn net.Conn) {
	pc := &peerConn{id: peerID, c: conn, w: bufio.NewWriter(conn)}
	s.mu.Lock()
	if old, ok := s.peers[peerID]; ok {
		old.c.Close()
	}
	s.peers[peerID] = pc
	s.mu.Unlock()
	go s.readLoop(pc)
}

func (s *socket) readLoop(pc *peerConn) {
	for {
		env, err := wire.ReadFrom(pc.c)
		if err != nil {
			s.drop(pc)
			return
		}
		s.onRecv(pc.id, env)
	}
}

func (s *socket) drop(pc *peerConn) {
	s.mu.Lock()
	if cur, ok := s.peers[pc.id]; ok && cur == pc {
		delete(s.peers, pc.id)
	}
	s.mu.Unlock()
	pc.c.Close()
	if s.onDisc != nil {
		s.onDisc(pc.id)
	}
}

// send transmits env to dest. Per spec.md §7, an unreachable destination
// is a dropped send: the caller is not blocked, and send returns an error
// wrapping cos.ErrUnknownPeer for the caller to log (the pending flow, if
// any, simply never resolves).
func (s *socket) send(dest Identity, env *wire.Envelope) error {
	s.mu.Lock()
	pc, ok := s.peers[dest]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", cos.ErrUnknownPeer, dest)
	}
	env.Dest = string(dest)
	pc.wm.Lock()
	err := wire.WriteTo(pc.w, env)
	pc.wm.Unlock()
	if err != nil {
		s.drop(pc)
	}
	return err
}

// closePeer tears down exactly one peer connection, without touching
// any other peer or the listener. Used for an intentional, local
// decision to end one relationship (node.Node.DisconnectPeer), as
// opposed to socket.close's whole-node teardown.
func (s *socket) closePeer(id Identity) {
	s.mu.Lock()
	pc, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
	}
	s.mu.Unlock()
	if ok {
		pc.c.Close()
	}
}

func (s *socket) peerConnOf(id Identity) (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.peers[id]
	if !ok {
		return nil, false
	}
	return pc.c, true
}

func (s *socket) connectedIdentities() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

func (s *socket) close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		peers = append(peers, pc)
	}
	s.peers = make(map[Identity]*peerConn)
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	for _, pc := range peers {
		pc.c.Close()
	}
}

func writeIdentity(w io.Writer, id Identity) error {
	b := []byte(id)
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readIdentity(r io.Reader) (Identity, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	l := binary.LittleEndian.Uint16(lenBuf[:])
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return Identity(b), nil
}
