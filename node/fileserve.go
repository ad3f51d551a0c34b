package node

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/wire"
)

// maxChunkSize bounds a single STREAM_FILE body, per spec.md §4.1/§8
// ("chunk size ≤ 1 MiB"). Grounded on the teacher's PDU-chunked transport
// (transport/pdu.go), which bounds in-flight payload the same way for an
// unbounded object stream.
const maxChunkSize = 1 << 20

type reqFileServingBody struct {
	RemotePath string `json:"remote_path"`
}

type resFileServingBody struct {
	ActualPath string `json:"actual_path"`
}

const (
	argFileHandle  = "file"
	argRemotePath  = "remote_path"
)

// SendFile implements the chunked-pull sender side of the file-streaming
// protocol (spec.md §4.1): open localPath for read, ask peer to accept it
// under remotePath, and return a Flow whose promise resolves once the
// whole file has been pulled, carrying the receiver-reported absolute
// path. File traffic rides the same dispatch loop as every other message
// type, so it never blocks unrelated flows.
func (n *Node) SendFile(localPath, remotePath string, peer Identity) (*Flow, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("node %s: send_file: open %s: %w", n.Identity, localPath, err)
	}
	flow := n.NewFlow()
	flow.SetArg(argFileHandle, f)
	if err := n.SendFlow(peer, wire.REQ_FILE_SERVING, flow, reqFileServingBody{RemotePath: remotePath}); err != nil {
		f.Close()
		n.DeleteFlow(flow.ID)
		return nil, err
	}
	return flow, nil
}

func (n *Node) registerFileHandlers() {
	n.Listen(wire.REQ_FILE_SERVING, n.handleReqFileServing)
	n.Listen(wire.RES_FILE_SERVING, n.handleResFileServing)
	n.Listen(wire.STREAM_FILE, n.handleStreamFile)
	n.Listen(wire.FETCH_FILE, n.handleFetchFile)
}

// handleReqFileServing is the receive-side open: create <root_path>/
// <remote_path> (creating parent directories), remember the write handle
// on the flow, and reply with the absolute path actually used.
func (n *Node) handleReqFileServing(peer Identity, body []byte, _ wire.BodyType, flow *Flow) {
	var req reqFileServingBody
	if err := wire.DecodeJSON(body, &req); err != nil {
		nlog.Errorf("node %s: req_file_serving: decode: %v", n.Identity, err)
		return
	}
	full := filepath.Join(n.RootPath, filepath.FromSlash(filepath.Clean("/"+req.RemotePath)))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		nlog.Errorf("node %s: req_file_serving: mkdir: %v", n.Identity, err)
		return
	}
	wf, err := os.Create(full)
	if err != nil {
		nlog.Errorf("node %s: req_file_serving: create %s: %v", n.Identity, full, err)
		return
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		abs = full
	}
	flow.SetArg(argFileHandle, wf)
	if err := n.SendFlow(peer, wire.RES_FILE_SERVING, flow, resFileServingBody{ActualPath: abs}); err != nil {
		nlog.Warningf("node %s: res_file_serving to %s: %v", n.Identity, peer, err)
	}
}

// handleResFileServing runs at the sender: remember the receiver's
// reported path, then push the first chunk unprompted.
func (n *Node) handleResFileServing(peer Identity, body []byte, _ wire.BodyType, flow *Flow) {
	var res resFileServingBody
	if err := wire.DecodeJSON(body, &res); err != nil {
		nlog.Errorf("node %s: res_file_serving: decode: %v", n.Identity, err)
		return
	}
	flow.SetArg(argRemotePath, res.ActualPath)
	n.sendNextChunk(peer, flow)
}

// handleFetchFile runs at the sender on every subsequent chunk request.
func (n *Node) handleFetchFile(peer Identity, _ []byte, _ wire.BodyType, flow *Flow) {
	n.sendNextChunk(peer, flow)
}

func (n *Node) sendNextChunk(peer Identity, flow *Flow) {
	v, _ := flow.Arg(argFileHandle)
	f, _ := v.(*os.File)
	if f == nil {
		return
	}
	buf := make([]byte, maxChunkSize)
	nRead, err := f.Read(buf)
	if err != nil && err != io.EOF {
		// §7: file-serving I/O error aborts the flow; partial file remains.
		nlog.Errorf("node %s: send_file: read: %v", n.Identity, err)
		f.Close()
		pathV, _ := flow.Arg(argRemotePath)
		path, _ := pathV.(string)
		flow.Resolve(path, err)
		n.DeleteFlow(flow.ID)
		return
	}
	chunk := buf[:nRead]
	if sendErr := n.SendFlowRaw(peer, wire.STREAM_FILE, flow, chunk); sendErr != nil {
		nlog.Warningf("node %s: stream_file to %s: %v", n.Identity, peer, sendErr)
		f.Close()
		n.DeleteFlow(flow.ID)
		return
	}
	if nRead == 0 {
		f.Close()
		pathV, _ := flow.Arg(argRemotePath)
		path, _ := pathV.(string)
		flow.Resolve(path, nil)
		n.DeleteFlow(flow.ID)
	}
}

// handleStreamFile runs at the receiver: write the chunk and ask for the
// next one, or — on an empty (EOF-signaling) chunk — close and clean up.
func (n *Node) handleStreamFile(peer Identity, body []byte, _ wire.BodyType, flow *Flow) {
	v, _ := flow.Arg(argFileHandle)
	wf, _ := v.(*os.File)
	if wf == nil {
		return
	}
	if len(body) > 0 {
		if _, err := wf.Write(body); err != nil {
			nlog.Errorf("node %s: stream_file: write: %v", n.Identity, err)
			wf.Close()
			n.DeleteFlow(flow.ID)
			return
		}
		if err := n.SendFlow(peer, wire.FETCH_FILE, flow, nil); err != nil {
			nlog.Warningf("node %s: fetch_file to %s: %v", n.Identity, peer, err)
		}
		return
	}
	wf.Close()
	n.DeleteFlow(flow.ID)
}
