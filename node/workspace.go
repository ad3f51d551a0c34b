package node

import (
	"os"
	"path/filepath"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/wire"
)

func (n *Node) registerWorkspaceHandlers() {
	n.Listen(wire.REQ_CLEAR_WORKSPACE, n.handleReqClearWorkspace)
	n.Listen(wire.RES_CLEAR_WORKSPACE, n.handleResClearWorkspace)
}

// ClearWorkspace asks peer to best-effort remove everything under its
// root_path (spec.md §4.1, used by operators during maintenance). It
// returns a Flow whose promise resolves once RES_CLEAR_WORKSPACE arrives.
func (n *Node) ClearWorkspace(peer Identity) (*Flow, error) {
	flow := n.NewFlow()
	if err := n.SendFlow(peer, wire.REQ_CLEAR_WORKSPACE, flow, nil); err != nil {
		n.DeleteFlow(flow.ID)
		return nil, err
	}
	return flow, nil
}

// handleReqClearWorkspace is idempotent by construction: removing an
// already-empty root_path is a no-op.
func (n *Node) handleReqClearWorkspace(peer Identity, _ []byte, _ wire.BodyType, flow *Flow) {
	var errs cos.Errs
	entries, err := os.ReadDir(n.RootPath)
	if err != nil {
		errs.Add(err)
	}
	for _, e := range entries {
		if rmErr := os.RemoveAll(filepath.Join(n.RootPath, e.Name())); rmErr != nil {
			errs.Add(rmErr)
		}
	}
	if err := errs.Err(); err != nil {
		nlog.Warningf("node %s: clear_workspace: %v", n.Identity, err)
	}
	flow.SetCleanupOnNextSend()
	if err := n.SendFlow(peer, wire.RES_CLEAR_WORKSPACE, flow, nil); err != nil {
		nlog.Warningf("node %s: res_clear_workspace to %s: %v", n.Identity, peer, err)
	}
}

func (n *Node) handleResClearWorkspace(_ Identity, _ []byte, _ wire.BodyType, flow *Flow) {
	flow.Resolve(nil, nil)
	n.DeleteFlow(flow.ID)
}
