// Command provider runs a fabric provider (spec.md §6):
// "provider <master_address> --host <ip=127.0.0.1> --root_path
// <path=~/.kernel_provider>". It spawns and supervises kernel worker
// processes on behalf of the master.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/provider"
)

func main() {
	home, _ := os.UserHomeDir()

	host := flag.String("host", "127.0.0.1", "host this provider advertises to spawned workers")
	rootPath := flag.String("root_path", filepath.Join(home, ".kernel_provider"), "working directory")
	workerBinary := flag.String("worker_binary", "kernelworker", "path to the kernelworker executable")
	flag.Parse()

	if flag.NArg() != 1 {
		cos.ExitLogf("usage: provider <master_address> [flags]")
	}
	masterAddress := flag.Arg(0)

	if err := os.MkdirAll(*rootPath, 0o755); err != nil {
		cos.ExitLogf("create root_path %q: %v", *rootPath, err)
	}
	if err := nlog.SetOutput(filepath.Join(*rootPath, "log", "provider.log")); err != nil {
		cos.ExitLogf("set log output: %v", err)
	}
	nlog.Suppress(cos.ErrUnknownPeer.Error())
	provider.WorkerBinary = *workerBinary

	p, err := provider.New(masterAddress, *host, *rootPath)
	if err != nil {
		cos.ExitLogf("start provider: %v", err)
	}
	nlog.Infof("provider %s connected to master %s", p.Identity(), masterAddress)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	p.Stop()
	nlog.Infof("provider %s stopped", p.Identity())
	nlog.Flush()
}
