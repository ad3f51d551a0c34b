package client

import (
	"context"
	"testing"

	"github.com/kernelfabric/kernelfabric/kernelwire"
)

func newTestConnection() *Connection {
	c := &Connection{
		status:        "idle",
		reply:         make(map[string][]string),
		replyPromises: make(map[string]*execPromise),
	}
	c.alive.Store(true)
	return c
}

func TestDispatchStreamAccumulatesCompleteLinesOnly(t *testing.T) {
	c := newTestConnection()
	c.reply["msg-1"] = []string{}

	c.dispatch(&kernelwire.Msg{
		Header:       map[string]any{"msg_type": "stream"},
		ParentHeader: map[string]any{"msg_id": "msg-1"},
		Content:      map[string]any{"text": "line1\nline2\npartial"},
	})

	c.mu.Lock()
	got := append([]string(nil), c.reply["msg-1"]...)
	c.mu.Unlock()
	if len(got) != 2 || got[0] != "line1" || got[1] != "line2" {
		t.Errorf("reply = %v, want [line1 line2] (partial trailing line dropped)", got)
	}
}

func TestDispatchExecuteReplyResolvesPromiseWithAccumulatedLines(t *testing.T) {
	c := newTestConnection()
	c.reply["msg-2"] = []string{"a", "b"}
	promise := newExecPromise()
	c.replyPromises["msg-2"] = promise

	c.dispatch(&kernelwire.Msg{
		Header:       map[string]any{"msg_type": "execute_reply"},
		ParentHeader: map[string]any{"msg_id": "msg-2"},
		Content:      map[string]any{"execution_count": float64(3)},
	})

	lines, err := promise.wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Errorf("resolved lines = %v, want [a b]", lines)
	}
	if c.Executing() != 3 {
		t.Errorf("executing = %d, want 3", c.Executing())
	}
}

func TestDispatchErrorJoinsTraceback(t *testing.T) {
	c := newTestConnection()
	c.reply["msg-3"] = []string{}

	c.dispatch(&kernelwire.Msg{
		Header:       map[string]any{"msg_type": "error"},
		ParentHeader: map[string]any{"msg_id": "msg-3"},
		Content:      map[string]any{"traceback": []any{"frame1", "frame2"}},
	})

	c.mu.Lock()
	got := append([]string(nil), c.reply["msg-3"]...)
	c.mu.Unlock()
	if len(got) != 1 || got[0] != "frame1\nframe2" {
		t.Errorf("reply = %v, want one joined traceback entry", got)
	}
}

func TestDispatchStatusUpdatesConnectionStatus(t *testing.T) {
	c := newTestConnection()
	c.dispatch(&kernelwire.Msg{
		Header:       map[string]any{"msg_type": "status"},
		ParentHeader: map[string]any{"msg_id": "whatever"},
		Content:      map[string]any{"execution_state": "busy"},
	})
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status != "busy" {
		t.Errorf("status = %q, want busy", status)
	}
}

func TestDispatchIgnoresMessageWithoutMsgID(t *testing.T) {
	c := newTestConnection()
	// should not panic despite no parent_header/msg_id
	c.dispatch(&kernelwire.Msg{
		Header:       map[string]any{"msg_type": "stream"},
		ParentHeader: map[string]any{},
		Content:      map[string]any{"text": "x"},
	})
}
