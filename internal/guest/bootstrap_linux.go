package guest

import (
	"os"

	"golang.org/x/sys/unix"
)

// ProcMountFlags keep /proc free of set-uid binaries, executable mappings and
// device nodes.
const ProcMountFlags = unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV

// DefaultFilesystem operates on the real root filesystem.
func DefaultFilesystem() Filesystem {
	return Filesystem{
		ScratchDir: "/tmp",
		ProcDir:    "/proc",
		ProcFlags:  ProcMountFlags,
		Mkdir:      os.MkdirAll,
		Chmod:      os.Chmod,
		Mount:      unix.Mount,
	}
}
