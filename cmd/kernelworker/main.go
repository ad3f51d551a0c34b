// Command kernelworker is the process a provider spawns for each live
// kernel (spec.md §4.3/§4.4). It never runs standalone against a human:
// all its flags are filled in by provider.spawn.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"unsafe"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/workerproc"
	"golang.org/x/sys/unix"
)

func main() {
	cfg := workerproc.Config{}
	flag.StringVar(&cfg.ProviderAddress, "provider-address", "", "provider host:port to connect back to")
	flag.StringVar(&cfg.ProviderIdentity, "provider-identity", "", "provider's node identity")
	flag.StringVar(&cfg.WorkerUUID, "worker-uuid", "", "kernel_id assigned by the provider")
	flag.StringVar(&cfg.FlowID, "flow-id", "", "flow id to stamp on READY_KERNEL")
	flag.StringVar(&cfg.RootPath, "root-path", "", "working directory")
	flag.StringVar(&cfg.InfoBase64, "info-base64", "", "base64-encoded kernel info payload")
	flag.Parse()

	if cfg.ProviderAddress == "" || cfg.ProviderIdentity == "" || cfg.WorkerUUID == "" {
		cos.ExitLogf("usage: kernelworker --provider-address <addr> --provider-identity <id> --worker-uuid <uuid> [flags]")
	}

	if cfg.RootPath != "" {
		if err := nlog.SetOutput(filepath.Join(cfg.RootPath, "log", "kernelworker.log")); err != nil {
			cos.ExitLogf("set log output: %v", err)
		}
	}
	nlog.Suppress(cos.ErrUnknownPeer.Error())

	setProcessName("kernelworker " + cfg.WorkerUUID)

	w, err := workerproc.Run(cfg)
	if err != nil {
		cos.ExitLogf("start worker: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	w.Shutdown()
	nlog.Flush()
}

// setProcessName renames argv0's visible title for observability
// (kernel_process.py's setproctitle); best-effort, Linux-only.
func setProcessName(name string) {
	b := append([]byte(name), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
