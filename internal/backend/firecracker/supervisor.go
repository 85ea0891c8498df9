package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	sdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/pyro-sandbox/pyro/internal/hosttools"
)

var firecrackerArgs = []string{"--no-api", "--config-file", ConfigFileName}

// Supervisor decides how the hypervisor process is started and where its
// root directory lives inside a VM working directory.
type Supervisor interface {
	Name() string
	// VMRoot is the directory holding config.json, the kernel, the rootfs copy
	// and the control socket.
	VMRoot(workdir, id string) string
	Command(ctx context.Context, workdir, id string) *exec.Cmd
	// Owner is the identity VM files must belong to, if any.
	Owner() (uid, gid int, ok bool)
	// Cleanup releases what the launcher created for id outside the VM
	// working directory. It runs after the hypervisor has been reaped and
	// must tolerate being called for a VM that never started.
	Cleanup(id string) error
}

// DirectLaunch runs firecracker in place with the VM root as its working
// directory.
type DirectLaunch struct {
	Binary string
}

func (DirectLaunch) Name() string { return LaunchModeDirect }

func (DirectLaunch) VMRoot(workdir, _ string) string { return workdir }

func (d DirectLaunch) Command(ctx context.Context, workdir, id string) *exec.Cmd {
	cmd := sdk.VMCommandBuilder{}.
		WithBin(d.Binary).
		WithArgs(firecrackerArgs).
		Build(ctx)
	cmd.Dir = d.VMRoot(workdir, id)
	return cmd
}

func (DirectLaunch) Owner() (int, int, bool) { return 0, 0, false }

func (DirectLaunch) Cleanup(string) error { return nil }

// DefaultCgroupRoot is where the jailer creates per-VM cgroups.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// JailedLaunch runs firecracker through the jailer, which chroots into the VM
// root and drops to the sandbox uid/gid before exec.
type JailedLaunch struct {
	Jailer string
	Binary string
	UID    int
	GID    int
	// CgroupRoot is the cgroup filesystem mount. Empty means DefaultCgroupRoot.
	CgroupRoot string
}

func (JailedLaunch) Name() string { return LaunchModeJailed }

// VMRoot follows the jailer layout <chroot-base>/<exec name>/<id>/root.
func (j JailedLaunch) VMRoot(workdir, id string) string {
	return filepath.Join(workdir, filepath.Base(j.Binary), jailerID(id), "root")
}

func (j JailedLaunch) Command(ctx context.Context, workdir, id string) *exec.Cmd {
	return sdk.NewJailerCommandBuilder().
		WithBin(j.Jailer).
		WithID(jailerID(id)).
		WithUID(j.UID).
		WithGID(j.GID).
		WithExecFile(j.Binary).
		WithNumaNode(0).
		WithChrootBaseDir(workdir).
		WithDaemonize(false).
		WithFirecrackerArgs(firecrackerArgs...).
		Build(ctx)
}

func (j JailedLaunch) Owner() (int, int, bool) { return j.UID, j.GID, true }

// Cleanup removes the cgroup the jailer made for id. The jailer nests it
// under a parent named after the exec file: <root>/firecracker/<id> on
// cgroup v2 and <root>/cpuset/firecracker/<id> for the v1 cpuset pinning
// that --numa-node sets up. Cgroup directories only go away with rmdir.
func (j JailedLaunch) Cleanup(id string) error {
	var errs []error
	for _, dir := range j.cgroupDirs(id) {
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove cgroup %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

func (j JailedLaunch) cgroupDirs(id string) []string {
	root := j.CgroupRoot
	if root == "" {
		root = DefaultCgroupRoot
	}
	parent := filepath.Base(j.Binary)
	return []string{
		filepath.Join(root, parent, jailerID(id)),
		filepath.Join(root, "cpuset", parent, jailerID(id)),
	}
}

// jailerID maps a VM id onto the jailer's [a-zA-Z0-9-] alphabet.
func jailerID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, id)
}

// NewSupervisor picks the launch strategy named by cfg.LaunchMode and resolves
// the binaries it needs.
func NewSupervisor(cfg Config) (Supervisor, error) {
	cfg = cfg.withDefaults()
	binary, err := resolveBinary(cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("resolve firecracker binary: %w", err)
	}
	switch cfg.LaunchMode {
	case LaunchModeDirect:
		return DirectLaunch{Binary: binary}, nil
	case LaunchModeJailed:
		jailer, err := resolveBinary(cfg.JailerPath)
		if err != nil {
			return nil, fmt.Errorf("resolve jailer binary: %w", err)
		}
		return JailedLaunch{Jailer: jailer, Binary: binary, UID: cfg.SandboxUID, GID: cfg.SandboxGID}, nil
	default:
		return nil, fmt.Errorf("unknown launch mode %q (expected %s or %s)", cfg.LaunchMode, LaunchModeDirect, LaunchModeJailed)
	}
}

var resolveBinary = hosttools.ResolveFirecrackerBinary
