package node_test

import (
	"fmt"
	"os"
	"time"

	"github.com/kernelfabric/kernelfabric/node"
	"github.com/kernelfabric/kernelfabric/wire"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("DisconnectPeer", func() {
	var a, b, c *node.Node

	newNode := func(identity string) *node.Node {
		dir, err := os.MkdirTemp("", "kernelfabric-node-")
		Expect(err).NotTo(HaveOccurred())
		n, err := node.New(wire.RoleProvider, node.Identity(identity), dir)
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	connect := func(from, to *node.Node, toPort int) {
		Expect(from.Connect(fmt.Sprintf("127.0.0.1:%d", toPort), to.Identity)).To(Succeed())
	}

	BeforeEach(func() {
		a = newNode("a")
		b = newNode("b")
		c = newNode("c")
	})

	AfterEach(func() {
		a.Stop(true)
		b.Stop(true)
		c.Stop(true)
	})

	It("tears down exactly one peer relationship, leaving the others live", func() {
		bPort, err := b.Bind("127.0.0.1", 0)
		Expect(err).NotTo(HaveOccurred())
		cPort, err := c.Bind("127.0.0.1", 0)
		Expect(err).NotTo(HaveOccurred())

		connect(a, b, bPort)
		connect(a, c, cPort)

		Eventually(func() int { return len(a.ConnectedPeers()) }, time.Second, 10*time.Millisecond).Should(Equal(2))

		a.DisconnectPeer(b.Identity)

		Eventually(func() bool {
			_, ok := a.PeerInfo(b.Identity)
			return ok
		}, time.Second, 10*time.Millisecond).Should(BeFalse())

		_, ok := a.PeerInfo(c.Identity)
		Expect(ok).To(BeTrue())
	})
})
