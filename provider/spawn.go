package provider

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/kernelfabric/kernelfabric/cmn/nlog"
	"golang.org/x/sys/unix"
)

// spawn starts a kernel-worker child process for rec, configured with
// the uuid, info, this provider's callback address and identity, and
// the flow id the eventual READY_KERNEL must carry (spec.md §4.3:
// "spawn a child process configured with (uuid, info, provider host,
// provider port, provider identity, forwarded flow)"). Grounded on the
// teacher's tools/node.go startNode: exec.Command plus
// syscall.SysProcAttr{Setpgid: true} so the child starts its own
// process group, killable as a unit on reap.
func (p *Provider) spawn(rec *workerRecord, flowID string) (*exec.Cmd, error) {
	root := filepath.Join(p.n.RootPath, "workers", rec.uuid)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("provider: worker root_path: %w", err)
	}

	args := []string{
		"--provider-address", p.callbackAddress,
		"--provider-identity", string(p.n.Identity),
		"--worker-uuid", rec.uuid,
		"--flow-id", flowID,
		"--root-path", root,
		"--info-base64", base64.StdEncoding.EncodeToString(rec.info),
	}
	cmd := exec.Command(WorkerBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// killProcessGroup SIGKILLs rec's entire process group, per spec.md
// §4.3 ("kill its process group (SIGKILL), join"). The "join" half
// happens in reapOnExit's own cmd.Wait() goroutine, not here — os/exec
// forbids calling Wait concurrently from two places on the same *Cmd. A
// nil cmd or one that never started is a no-op.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := unix.Kill(-pgid, syscall.SIGKILL); err != nil && err != unix.ESRCH {
		nlog.Warningf("provider: kill process group %d: %v", pgid, err)
	}
}
