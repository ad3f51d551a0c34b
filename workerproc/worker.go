package workerproc

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/kernelinfo"
	"github.com/kernelfabric/kernelfabric/node"
	"github.com/kernelfabric/kernelfabric/wire"
)

// ReadyDelay is the 500ms start-up-to-READY_KERNEL delay from spec.md §4.4.
const ReadyDelay = 500 * time.Millisecond

// Config is the configuration a provider hands a worker process at
// spawn time (spec.md §4.3: "uuid, info, provider host, provider port,
// provider identity, forwarded flow"), received here as CLI flags
// parsed by cmd/kernelworker.
type Config struct {
	ProviderAddress  string
	ProviderIdentity string
	WorkerUUID       string
	FlowID           string
	RootPath         string
	InfoBase64       string
}

// Worker is the process-side half of a kernel worker.
type Worker struct {
	n                *node.Node
	providerIdentity node.Identity
	kernel           *executionKernel
	info             kernelinfo.Info
	sink             LogSink
	boundPort        int
}

// Run starts a worker per cfg and returns once its execution kernel is
// listening, its node is bound and connected to the provider, and
// READY_KERNEL is scheduled; it does not block. The worker then ends on
// a paired Connection disconnect (the process exits 0) or when the
// caller's signal handler calls Shutdown.
func Run(cfg Config) (*Worker, error) {
	infoJSON, err := base64.StdEncoding.DecodeString(cfg.InfoBase64)
	if err != nil {
		return nil, fmt.Errorf("workerproc: decode info: %w", err)
	}
	var info kernelinfo.Info
	if len(infoJSON) > 0 {
		if err := wire.DecodeJSON(infoJSON, &info); err != nil {
			return nil, fmt.Errorf("workerproc: parse info: %w", err)
		}
	}

	kernel, err := newExecutionKernel()
	if err != nil {
		return nil, fmt.Errorf("workerproc: start execution kernel: %w", err)
	}
	kernel.run()

	identity := node.Identity(fmt.Sprintf("%s %s", wire.RoleKernel, cos.GenKernelID()))
	n, err := node.New(wire.RoleKernel, identity, cfg.RootPath)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		n:                n,
		providerIdentity: node.Identity(cfg.ProviderIdentity),
		kernel:           kernel,
		info:             info,
		sink:             noopLogSink{}, // real DB log sink is out of scope; seam only
	}
	kernel.onStream = w.logExecutionLine
	n.OnDisconnect(w.onDisconnect)

	port, err := n.Bind("0.0.0.0", 0)
	if err != nil {
		return nil, err
	}
	w.boundPort = port
	if err := n.Connect(cfg.ProviderAddress, w.providerIdentity); err != nil {
		return nil, err
	}

	time.AfterFunc(ReadyDelay, func() {
		w.sendReady(cfg.WorkerUUID, cfg.FlowID)
	})

	logLine(string(identity), "worker ready, awaiting pairing")
	return w, nil
}

type readyConnection struct {
	SessionKey string `json:"session_key"`
	IP         string `json:"ip"`
	HB         int    `json:"hb"`
	IOPub      int    `json:"iopub"`
	Shell      int    `json:"shell"`
	ProcessKey string `json:"process_key"`
	Process    int    `json:"process"`
}

type readyKernelBody struct {
	KernelID   string          `json:"kernel_id"`
	Connection readyConnection `json:"connection"`
}

func (w *Worker) sendReady(workerUUID, flowID string) {
	shell, iopub, hb := w.kernel.ports()
	body := readyKernelBody{
		KernelID: workerUUID,
		Connection: readyConnection{
			SessionKey: w.kernel.sessionKeyHex(),
			IP:         "127.0.0.1",
			HB:         hb,
			IOPub:      iopub,
			Shell:      shell,
			ProcessKey: string(w.n.Identity),
			Process:    w.nodePort(),
		},
	}
	if err := w.n.SendWithFlowID(w.providerIdentity, wire.READY_KERNEL, flowID, body); err != nil {
		nlog.Errorf("workerproc %s: ready_kernel: %v", w.n.Identity, err)
	}
}

func (w *Worker) nodePort() int {
	// The node runtime doesn't separately remember its own bound port
	// past Bind's return value, so Worker stashes it at construction.
	return w.boundPort
}

// logExecutionLine is kernel_process.py's log(): every line always goes
// to stdout, and — only when info.Log names a sink — also to w.sink
// (the no-op default here; see LogSink).
func (w *Worker) logExecutionLine(line string) {
	logLine(string(w.n.Identity), line)
	if w.info.Log != nil {
		w.sink.Log(line)
	}
}

func (w *Worker) onDisconnect(peer node.Identity) {
	if peer == w.providerIdentity {
		return
	}
	logLine(string(w.n.Identity), fmt.Sprintf("paired connection %s disconnected, terminating", peer))
	w.n.Stop(true)
	os.Exit(0)
}

// Shutdown implements the SIGTERM path (spec.md §4.4: "the embedded
// kernel performs a do_shutdown(restart=false)"); the stand-in kernel
// has no persistent state to flush, so this reduces to a plain node stop.
func (w *Worker) Shutdown() {
	logLine(string(w.n.Identity), "shutdown requested")
	w.n.Stop(true)
}
