package client_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kernelfabric/kernelfabric/client"
	"github.com/kernelfabric/kernelfabric/kernelinfo"
	"github.com/kernelfabric/kernelfabric/node"
	"github.com/kernelfabric/kernelfabric/wire"
)

// newFakeMasterRepliesNull starts a fake master that replies to
// REQ_KERNEL with a null RES_KERNEL — the "no
// providers available" case from spec.md §8 scenario 2.
func newFakeMasterRepliesNull(t *testing.T) int {
	t.Helper()
	m, err := node.New(wire.RoleMaster, node.Identity(wire.MasterIdentity), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Stop(true) })
	m.Listen(wire.REQ_KERNEL, func(peer node.Identity, _ []byte, _ wire.BodyType, flow *node.Flow) {
		flow.SetCleanupOnNextSend()
		if err := m.SendFlow(peer, wire.RES_KERNEL, flow, nil); err != nil {
			t.Errorf("res_kernel: %v", err)
		}
	})
	port, err := m.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestCreateKernelNoProvidersReturnsNilNil(t *testing.T) {
	port := newFakeMasterRepliesNull(t)

	c, err := client.New(fmt.Sprintf("127.0.0.1:%d", port), "127.0.0.1", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := c.CreateKernel(ctx, kernelinfo.Info{})
	if err != nil {
		t.Fatal(err)
	}
	if conn != nil {
		t.Errorf("conn = %v, want nil (no providers available)", conn)
	}
}

func TestGetUnknownKernelReportsNotFound(t *testing.T) {
	port := newFakeMasterRepliesNull(t)
	c, err := client.New(fmt.Sprintf("127.0.0.1:%d", port), "127.0.0.1", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("Get on an unknown kernel_id should report ok=false")
	}
}
