package node_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kernelfabric/kernelfabric/node"
	"github.com/kernelfabric/kernelfabric/wire"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestGreetingHandshakeRecordsRoleAndLastSeen exercises spec.md §4.1's
// connect-then-greet sequence across a real TCP loopback pair.
func TestGreetingHandshakeRecordsRoleAndLastSeen(t *testing.T) {
	a, err := node.New(wire.RoleClient, "client a", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(true)
	b, err := node.New(wire.RoleMaster, "master", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Stop(true)

	portB, err := b.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Bind("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}

	if err := a.Connect(addrOf(portB), "master"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		info, ok := b.PeerInfo("client a")
		return ok && info.Role == wire.RoleClient
	})
	waitFor(t, 2*time.Second, func() bool {
		info, ok := a.PeerInfo("master")
		return ok && info.Role == wire.RoleMaster
	})
}

// TestFlowCorrelationAcrossTwoNodes drives a request/reply exchange the
// way REQ_KERNEL/RES_KERNEL does: the sender keeps the flow waiting, the
// receiver resolves and forwards it back under the same id.
func TestFlowCorrelationAcrossTwoNodes(t *testing.T) {
	const echoType = wire.MsgType(9001)

	a, err := node.New(wire.RoleClient, "client a", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(true)
	b, err := node.New(wire.RoleMaster, "master", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Stop(true)

	b.Listen(echoType, func(peer node.Identity, body []byte, _ wire.BodyType, flow *node.Flow) {
		flow.SetCleanupOnNextSend()
		var payload string
		_ = wire.DecodeJSON(body, &payload)
		if err := b.SendFlow(peer, echoType, flow, "echo:"+payload); err != nil {
			t.Errorf("echo reply: %v", err)
		}
	})

	portB, err := b.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Bind("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(addrOf(portB), "master"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := a.PeerInfo("master")
		return ok
	})

	flow := a.NewFlow()
	if err := a.SendFlow("master", echoType, flow, "hello"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := flow.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result != "echo:hello" {
		t.Errorf("result = %v, want echo:hello", result)
	}
}

func addrOf(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
