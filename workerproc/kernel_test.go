package workerproc

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/kernelfabric/kernelfabric/kernelwire"
)

// TestExecuteRunsPrintLinesAndRepliesIdle exercises spec.md §8 scenario 4:
// a client executes code over shell/iopub and sees busy, stream, idle.
func TestExecuteRunsPrintLinesAndRepliesIdle(t *testing.T) {
	k, err := newExecutionKernel()
	if err != nil {
		t.Fatal(err)
	}
	k.run()

	shellPort, iopubPort, _ := k.ports()

	var streamed []string
	k.onStream = func(line string) { streamed = append(streamed, line) }

	iopubConn, err := net.Dial("tcp", addr(iopubPort))
	if err != nil {
		t.Fatal(err)
	}
	defer iopubConn.Close()
	time.Sleep(20 * time.Millisecond) // allow the kernel to register the iopub subscriber

	shellConn, err := net.Dial("tcp", addr(shellPort))
	if err != nil {
		t.Fatal(err)
	}
	defer shellConn.Close()

	req := &kernelwire.Msg{
		Header:       newHeader("execute_request", "msg-1"),
		ParentHeader: map[string]any{},
		Metadata:     map[string]any{},
		Content:      map[string]any{"code": "print('hello')\nprint(\"world\")"},
	}
	if err := kernelwire.Write(shellConn, req, k.sessionKey); err != nil {
		t.Fatal(err)
	}

	reply, err := kernelwire.Read(shellConn, k.sessionKey)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Header["msg_type"] != "execute_reply" {
		t.Fatalf("msg_type = %v, want execute_reply", reply.Header["msg_type"])
	}
	if status, _ := reply.Content["status"].(string); status != "ok" {
		t.Errorf("status = %v, want ok", status)
	}

	var states []string
	for i := 0; i < 4; i++ { // busy, stream x2, idle
		iopubConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		m, err := kernelwire.Read(iopubConn, k.sessionKey)
		if err != nil {
			t.Fatalf("iopub read %d: %v", i, err)
		}
		if mt, _ := m.Header["msg_type"].(string); mt == "status" {
			states = append(states, m.Content["execution_state"].(string))
		}
	}
	if len(states) != 2 || states[0] != "busy" || states[1] != "idle" {
		t.Errorf("status sequence = %v, want [busy idle]", states)
	}
	if len(streamed) != 2 || streamed[0] != "hello" || streamed[1] != "world" {
		t.Errorf("onStream lines = %v, want [hello world]", streamed)
	}
}

func TestPrintLineRegexIgnoresNonMatchingLines(t *testing.T) {
	cases := map[string]bool{
		`print('x')`:    true,
		`print("x")`:    true,
		`  print('y') `: true,
		`x = 1`:         false,
		`print(1+2)`:    false,
		`printer('x')`:  false,
	}
	for line, want := range cases {
		if got := printLine.MatchString(line); got != want {
			t.Errorf("printLine.MatchString(%q) = %v, want %v", line, got, want)
		}
	}
}

func addr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
