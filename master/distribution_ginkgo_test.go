package master_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kernelfabric/kernelfabric/master"
	"github.com/kernelfabric/kernelfabric/node"
	"github.com/kernelfabric/kernelfabric/wire"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// Describes spec.md §4.2's eligible-provider pop: once a provider is
// handed a SPAWN_KERNEL it is no longer eligible for a concurrent
// request, so two clients requesting kernels at the same time with two
// providers connected must land on two different providers, never the
// same one twice.
var _ = Describe("concurrent kernel requests against two providers", func() {
	var tmp string

	newNode := func(role wire.Role, identity string) *node.Node {
		n, err := node.New(role, node.Identity(identity), tmp+"/"+identity)
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	BeforeEach(func() {
		var err error
		tmp, err = os.MkdirTemp("", "kernelfabric-master-")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmp)
	})

	It("routes each request to a distinct provider", func() {
		m, port, err := master.New("127.0.0.1", 0, tmp+"/master", 5)
		Expect(err).NotTo(HaveOccurred())
		defer m.Stop()
		masterAddr := fmt.Sprintf("127.0.0.1:%d", port)

		received := make(chan node.Identity, 2)
		newProvider := func(identity string) *node.Node {
			p := newNode(wire.RoleProvider, identity)
			p.Listen(wire.SPAWN_KERNEL, func(_ node.Identity, _ []byte, _ wire.BodyType, flow *node.Flow) {
				received <- p.Identity
				// Deliberately never replies, holding this provider
				// reserved for the lifetime of the test — isolates the
				// routing decision from the reply half of the flow.
			})
			_, err := p.Bind("127.0.0.1", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Connect(masterAddr, "master")).To(Succeed())
			return p
		}
		p1 := newProvider("provider-a")
		p2 := newProvider("provider-b")
		defer p1.Stop(true)
		defer p2.Stop(true)

		Eventually(func() int { return len(m.Providers()) }, time.Second, 10*time.Millisecond).Should(Equal(2))

		newClient := func(identity string) *node.Node {
			c := newNode(wire.RoleClient, identity)
			_, err := c.Bind("127.0.0.1", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Connect(masterAddr, "master")).To(Succeed())
			return c
		}
		c1 := newClient("client-a")
		c2 := newClient("client-b")
		defer c1.Stop(true)
		defer c2.Stop(true)

		Eventually(func() bool { _, ok := c1.PeerInfo("master"); return ok }, time.Second, 10*time.Millisecond).Should(BeTrue())
		Eventually(func() bool { _, ok := c2.PeerInfo("master"); return ok }, time.Second, 10*time.Millisecond).Should(BeTrue())

		for _, c := range []*node.Node{c1, c2} {
			flow := c.NewFlow()
			Expect(c.SendFlow("master", wire.REQ_KERNEL, flow, map[string]any{})).To(Succeed())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		seen := map[node.Identity]bool{}
		for i := 0; i < 2; i++ {
			select {
			case id := <-received:
				seen[id] = true
			case <-ctx.Done():
				Fail("timed out waiting for both providers to receive a spawn_kernel")
			}
		}
		Expect(seen).To(HaveLen(2))
		Expect(seen).To(HaveKey(p1.Identity))
		Expect(seen).To(HaveKey(p2.Identity))
	})
})
