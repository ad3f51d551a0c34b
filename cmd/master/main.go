// Command master runs the fabric's single well-known coordinator
// (spec.md §6): "master --port <int=8090> --root_path <path=~/.kernel_master>
// --limit <int=5>".
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"github.com/kernelfabric/kernelfabric/master"
)

func main() {
	home, _ := os.UserHomeDir()

	port := flag.Int("port", 8090, "listen port")
	rootPath := flag.String("root_path", filepath.Join(home, ".kernel_master"), "working directory")
	limit := flag.Int("limit", 5, "per-provider kernel capacity advertised in SETUP_PROVIDER")
	flag.Parse()

	if err := os.MkdirAll(*rootPath, 0o755); err != nil {
		cos.ExitLogf("create root_path %q: %v", *rootPath, err)
	}
	if err := nlog.SetOutput(filepath.Join(*rootPath, "log", "master.log")); err != nil {
		cos.ExitLogf("set log output: %v", err)
	}
	// spec.md §7: an unreachable destination is a dropped send, logged
	// with the noise suppressed — the file-backed log still sees it.
	nlog.Suppress(cos.ErrUnknownPeer.Error())

	m, bound, err := master.New("0.0.0.0", *port, *rootPath, *limit)
	if err != nil {
		cos.ExitLogf("start master: %v", err)
	}
	nlog.Infof("master %s listening on :%d (limit=%d)", m.Identity(), bound, *limit)
	fmt.Printf("master listening on :%d\n", bound)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	m.Stop()
	nlog.Infof("master %s stopped", m.Identity())
	nlog.Flush()
}
