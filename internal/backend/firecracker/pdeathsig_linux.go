//go:build linux

package firecracker

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// killWithParent makes the kernel SIGKILL the hypervisor if pyro dies. The
// jailer's setuid/setgid clears this before it execs firecracker, so jailed
// VMs rely on Adapter.SweepStale at the next startup.
func killWithParent(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = unix.SIGKILL
}
