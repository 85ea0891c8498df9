package firecracker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/backend"
	"github.com/pyro-sandbox/pyro/internal/paths"
)

type Adapter struct {
	cfg        Config
	supervisor Supervisor
	logger     *log.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New validates cfg and resolves the launch strategy. The supervisor is fixed
// for the adapter's lifetime.
func New(cfg Config, logger *log.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if cfg.AssetsDir == "" {
		return nil, errEmptyAssetsDir
	}
	if cfg.RunDir == "" {
		baseDir, err := paths.RunBaseDir()
		if err != nil {
			return nil, fmt.Errorf("resolve run base directory: %w", err)
		}
		cfg.RunDir = baseDir
	}
	supervisor, err := NewSupervisor(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithSupervisor(cfg, supervisor, logger), nil
}

// NewWithSupervisor skips binary resolution; used when the caller already has
// a Supervisor.
func NewWithSupervisor(cfg Config, supervisor Supervisor, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		cfg:        cfg.withDefaults(),
		supervisor: supervisor,
		logger:     logger.With("backend", "firecracker"),
	}
}

func (a *Adapter) Name() string {
	return "firecracker"
}

func (a *Adapter) Capabilities() map[string]bool {
	_, _, jailed := a.supervisor.Owner()
	return map[string]bool{
		backend.CapabilityLaunchJailed:     jailed,
		backend.CapabilityGuestConsoleLog:  a.cfg.GuestLog,
		backend.CapabilityRootFSReflink:    runtime.GOOS == "linux",
		backend.CapabilityReadyWaitInotify: runtime.GOOS == "linux",
	}
}

// Spawn provisions a private working directory for one VM and starts the
// hypervisor in it. On any failure everything created so far is torn down
// and the error wraps backend.ErrSpawn.
func (a *Adapter) Spawn(ctx context.Context, req backend.SpawnRequest) (_ backend.Machine, err error) {
	fail := func(step string, cause error) error {
		return &backend.SpawnError{Step: step, Err: cause}
	}
	if req.ID == "" {
		return nil, fail("validate request", fmt.Errorf("missing vm id"))
	}
	vmConfig, err := RenderVMConfig(a.cfg, req.Language)
	if err != nil {
		return nil, fail("render config", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fail("start", err)
	}

	if err := os.MkdirAll(a.cfg.RunDir, 0o755); err != nil {
		return nil, fail("create run dir", err)
	}
	workdir, err := os.MkdirTemp(a.cfg.RunDir, "vm-")
	if err != nil {
		return nil, fail("create workdir", err)
	}

	logger := a.logger.With("vm_id", req.ID, "language", req.Language)
	m := &Machine{
		id:         req.ID,
		workdir:    workdir,
		root:       a.supervisor.VMRoot(workdir, req.ID),
		logger:     logger,
		supervisor: a.supervisor,
	}
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fail("create vm root", err)
	}
	if err := writeJSON(filepath.Join(m.root, ConfigFileName), vmConfig); err != nil {
		return nil, fail("write config", err)
	}
	owned := []string{m.root, filepath.Join(m.root, ConfigFileName)}

	if vmConfig.Logger != nil {
		// Firecracker opens the log path without O_CREAT.
		logPath := filepath.Join(m.root, HypervisorLogName)
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fail("create hypervisor log", err)
		}
		_ = f.Close()
		owned = append(owned, logPath)
	}

	rootfs := filepath.Join(m.root, req.Language.RootFSName())
	cloned, err := cloneFile(a.cfg.RootFSPath(req.Language), rootfs)
	if err != nil {
		return nil, fail("copy rootfs", err)
	}
	owned = append(owned, rootfs)
	logger.Debug("rootfs prepared", "path", rootfs, "reflink", cloned)

	// The kernel is shared read-only and must keep its owner, so it is not
	// in owned.
	if err := linkOrCopy(a.cfg.KernelPath(), filepath.Join(m.root, KernelFileName)); err != nil {
		return nil, fail("link kernel", err)
	}

	if uid, gid, ok := a.supervisor.Owner(); ok {
		for _, path := range owned {
			if err := os.Chown(path, uid, gid); err != nil {
				return nil, fail("chown vm files", err)
			}
		}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	cmd := a.supervisor.Command(procCtx, workdir, req.ID)
	cmd.Stdin = nil
	console, err := a.consoleOutput(m.root)
	if err != nil {
		return nil, fail("open console log", err)
	}
	cmd.Stdout = console
	cmd.Stderr = console
	killWithParent(cmd)

	if err := cmd.Start(); err != nil {
		closeConsole(console)
		return nil, fail("start hypervisor", err)
	}
	closeConsole(console)
	m.cmd = cmd
	m.exited = make(chan struct{})
	go func() {
		m.waitErr = cmd.Wait()
		close(m.exited)
	}()
	if err := writeOwner(workdir, owner{PID: cmd.Process.Pid, ID: req.ID}); err != nil {
		return nil, fail("record owner", err)
	}

	logger.Info("vm started", "supervisor", a.supervisor.Name(), "pid", cmd.Process.Pid, "workdir", workdir)
	return m, nil
}

// consoleOutput is where the guest serial console and hypervisor stdio go.
// Without guest logging it is discarded.
func (a *Adapter) consoleOutput(root string) (io.Writer, error) {
	if !a.cfg.GuestLog {
		return nil, nil
	}
	return os.OpenFile(filepath.Join(root, ConsoleLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func closeConsole(w io.Writer) {
	if f, ok := w.(*os.File); ok && f != nil {
		_ = f.Close()
	}
}

func (a *Adapter) Doctor(_ context.Context, req backend.DoctorRequest) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{
		Backend: a.Name(),
	}

	appendCheck := func(name, status, message string) {
		report.Checks = append(report.Checks, backend.DoctorCheck{
			Name:    name,
			Status:  status,
			Message: message,
		})
	}

	if runtime.GOOS != "linux" {
		appendCheck("os", "fail", fmt.Sprintf("firecracker requires linux, current OS is %s", runtime.GOOS))
	} else {
		appendCheck("os", "pass", "linux host detected")
	}

	if f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0); err != nil {
		appendCheck("kvm", "fail", fmt.Sprintf("/dev/kvm not accessible: %v", err))
	} else {
		_ = f.Close()
		appendCheck("kvm", "pass", "/dev/kvm is accessible")
	}

	appendCheck("launch_mode", "pass", "using "+a.supervisor.Name()+" launch")

	switch s := a.supervisor.(type) {
	case DirectLaunch:
		appendBinaryCheck(appendCheck, "firecracker_binary", s.Binary)
	case JailedLaunch:
		appendBinaryCheck(appendCheck, "firecracker_binary", s.Binary)
		appendBinaryCheck(appendCheck, "jailer_binary", s.Jailer)
		if os.Geteuid() != 0 {
			appendCheck("jailer_privileges", "warn", "jailed launch normally requires running as root")
		}
	}

	if info, err := os.Stat(a.cfg.KernelPath()); err != nil {
		appendCheck("kernel", "fail", fmt.Sprintf("kernel image %s: %v", a.cfg.KernelPath(), err))
	} else {
		appendCheck("kernel", "pass", fmt.Sprintf("%s (%d bytes)", a.cfg.KernelPath(), info.Size()))
	}

	for _, lang := range req.Languages {
		path := a.cfg.RootFSPath(lang)
		if _, err := os.Stat(path); err != nil {
			appendCheck("rootfs_"+lang.String(), "fail", fmt.Sprintf("%s: %v", path, err))
			continue
		}
		appendCheck("rootfs_"+lang.String(), "pass", path)
	}

	if err := os.MkdirAll(a.cfg.RunDir, 0o755); err != nil {
		appendCheck("run_dir", "fail", fmt.Sprintf("%s: %v", a.cfg.RunDir, err))
	} else {
		appendCheck("run_dir", "pass", a.cfg.RunDir)
	}

	return report, nil
}

func appendBinaryCheck(appendCheck func(name, status, message string), name, path string) {
	info, err := os.Stat(path)
	if err != nil {
		appendCheck(name, "fail", fmt.Sprintf("%s: %v", path, err))
		return
	}
	if info.Mode().Perm()&0o111 == 0 {
		appendCheck(name, "fail", path+" is not executable")
		return
	}
	appendCheck(name, "pass", path)
}
