package workerproc

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/kernelwire"
)

// executionKernel is the minimal stand-in for the out-of-scope
// execution engine (spec.md §1): it accepts execute_request on shell,
// publishes stream/status frames on iopub, and answers hb pings. Its
// "interpreter" understands exactly one construct — a line of the form
// print('text') or print("text") — which is enough to drive spec.md §8
// scenario 4 without pretending to be a real language runtime.
type executionKernel struct {
	sessionKey []byte

	shellLn net.Listener
	iopubLn net.Listener
	hbLn    net.Listener

	mu     sync.Mutex
	iopubs []net.Conn

	executionCount int

	// onStream, when set, is called with each stream line as it is
	// published — the hook Worker uses to drive its LogSink.
	onStream func(line string)
}

var printLine = regexp.MustCompile(`^\s*print\((?:'([^']*)'|"([^"]*)")\)\s*$`)

func newExecutionKernel() (*executionKernel, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	k := &executionKernel{sessionKey: key}

	var err error
	if k.shellLn, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		return nil, err
	}
	if k.iopubLn, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		return nil, err
	}
	if k.hbLn, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *executionKernel) ports() (shell, iopub, hb int) {
	return k.shellLn.Addr().(*net.TCPAddr).Port,
		k.iopubLn.Addr().(*net.TCPAddr).Port,
		k.hbLn.Addr().(*net.TCPAddr).Port
}

func (k *executionKernel) sessionKeyHex() string { return hex.EncodeToString(k.sessionKey) }

func (k *executionKernel) run() {
	go k.acceptLoop(k.shellLn, k.handleShellConn)
	go k.acceptLoop(k.iopubLn, k.handleIopubConn)
	go k.acceptLoop(k.hbLn, k.handleHBConn)
}

func (k *executionKernel) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go handle(c)
	}
}

func (k *executionKernel) handleHBConn(c net.Conn) {
	defer c.Close()
	buf := make([]byte, 1)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
		if _, err := c.Write([]byte{'p'}); err != nil {
			return
		}
	}
}

func (k *executionKernel) handleIopubConn(c net.Conn) {
	k.mu.Lock()
	k.iopubs = append(k.iopubs, c)
	k.mu.Unlock()
	// iopub is receive-only for subscribers: block on reads solely to
	// detect the subscriber going away and drop it from the fan-out set.
	buf := make([]byte, 1)
	for {
		if _, err := c.Read(buf); err != nil {
			k.mu.Lock()
			for i, conn := range k.iopubs {
				if conn == c {
					k.iopubs = append(k.iopubs[:i], k.iopubs[i+1:]...)
					break
				}
			}
			k.mu.Unlock()
			c.Close()
			return
		}
	}
}

func (k *executionKernel) publish(m *kernelwire.Msg) {
	k.mu.Lock()
	conns := append([]net.Conn(nil), k.iopubs...)
	k.mu.Unlock()
	for _, c := range conns {
		if err := kernelwire.Write(c, m, k.sessionKey); err != nil {
			nlog.Warningf("workerproc: iopub publish: %v", err)
		}
	}
}

func (k *executionKernel) handleShellConn(c net.Conn) {
	defer c.Close()
	for {
		req, err := kernelwire.Read(c, k.sessionKey)
		if err != nil {
			return
		}
		if req.Header["msg_type"] != "execute_request" {
			continue
		}
		k.execute(c, req)
	}
}

func newHeader(msgType, msgID string) map[string]any {
	return kernelwire.NewHeader(msgType, msgID, cos.GenTie(), time.Now().UTC().Format(time.RFC3339Nano))
}

// execute runs req's code through the stand-in interpreter, publishing
// busy/idle status and stream output on iopub and replying on shell,
// per the exchange spec.md §4.5 drives from the Connection side.
func (k *executionKernel) execute(shellConn net.Conn, req *kernelwire.Msg) {
	parent := req.Header

	k.publish(&kernelwire.Msg{
		Header:       newHeader("status", cos.GenTie()),
		ParentHeader: parent,
		Metadata:     map[string]any{},
		Content:      map[string]any{"execution_state": "busy"},
	})

	code, _ := req.Content["code"].(string)
	for _, line := range strings.Split(code, "\n") {
		m := printLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := m[1] + m[2] // exactly one of the two groups is non-empty
		k.publish(&kernelwire.Msg{
			Header:       newHeader("stream", cos.GenTie()),
			ParentHeader: parent,
			Metadata:     map[string]any{},
			Content:      map[string]any{"name": "stdout", "text": text + "\n"},
		})
		if k.onStream != nil {
			k.onStream(text)
		}
	}

	k.executionCount++
	reply := &kernelwire.Msg{
		Header:       newHeader("execute_reply", cos.GenTie()),
		ParentHeader: parent,
		Metadata:     map[string]any{},
		Content: map[string]any{
			"status":          "ok",
			"execution_count": k.executionCount,
		},
	}
	if err := kernelwire.Write(shellConn, reply, k.sessionKey); err != nil {
		nlog.Warningf("workerproc: execute_reply: %v", err)
	}

	k.publish(&kernelwire.Msg{
		Header:       newHeader("status", cos.GenTie()),
		ParentHeader: parent,
		Metadata:     map[string]any{},
		Content:      map[string]any{"execution_state": "idle"},
	})
}
