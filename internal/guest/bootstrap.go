// Package guest is the init process that runs inside every microVM: it
// prepares the minimal filesystem the runners need and then serves exactly one
// control connection from the host.
package guest

import (
	"fmt"
	"os"
)

// Filesystem is the slice of the OS Bootstrap touches.
type Filesystem struct {
	ScratchDir string
	ProcDir    string
	ProcFlags  uintptr

	Mkdir func(path string, perm os.FileMode) error
	Chmod func(path string, perm os.FileMode) error
	Mount func(source, target, fstype string, flags uintptr, data string) error
}

// Bootstrap creates the scratch directory and mounts proc, in that order. Any
// error must abort the VM.
func Bootstrap(fs Filesystem) error {
	if err := fs.Mkdir(fs.ScratchDir, 0o777); err != nil {
		return fmt.Errorf("create scratch dir %s: %w", fs.ScratchDir, err)
	}
	// Sticky and world writable, since compilers run as the sandbox user.
	if err := fs.Chmod(fs.ScratchDir, os.ModeSticky|0o777); err != nil {
		return fmt.Errorf("chmod scratch dir %s: %w", fs.ScratchDir, err)
	}
	if err := fs.Mkdir(fs.ProcDir, 0o555); err != nil {
		return fmt.Errorf("create %s: %w", fs.ProcDir, err)
	}
	if err := fs.Mount("proc", fs.ProcDir, "proc", fs.ProcFlags, ""); err != nil {
		return fmt.Errorf("mount proc on %s: %w", fs.ProcDir, err)
	}
	return nil
}
