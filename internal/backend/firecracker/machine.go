package firecracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/backend"
)

// stopGrace bounds how long Close waits for a killed hypervisor to be reaped
// before the working directory is removed anyway.
const stopGrace = 2 * time.Second

// Machine is one running Firecracker VM and everything it owns on disk.
type Machine struct {
	id      string
	workdir string
	root    string
	logger  *log.Logger
	// supervisor releases launcher resources outside workdir on Close.
	supervisor Supervisor

	cmd    *exec.Cmd
	cancel context.CancelFunc
	exited chan struct{}
	// waitErr is valid once exited is closed.
	waitErr error

	state     backend.StateTracker
	closeOnce sync.Once
	closeErr  error
}

var _ backend.Machine = (*Machine)(nil)

func (m *Machine) ID() string { return m.id }

func (m *Machine) State() backend.State { return m.state.Load() }

// Workdir is the private directory removed by Close.
func (m *Machine) Workdir() string { return m.workdir }

// SocketPath is the host side of the guest vsock device.
func (m *Machine) SocketPath() string {
	return filepath.Join(m.root, ControlSocketName)
}

func (m *Machine) Exited() <-chan struct{} { return m.exited }

// ExitErr returns the hypervisor's exit status once it has exited.
func (m *Machine) ExitErr() error {
	select {
	case <-m.exited:
		return m.waitErr
	default:
		return nil
	}
}

// Connect waits for the control socket to appear, then dials the guest agent
// until its handshake succeeds.
func (m *Machine) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	if m.State() == backend.StateTerminated {
		return nil, errors.New("vm is terminated")
	}
	sock := m.SocketPath()
	if err := WaitForSocket(ctx, sock, m.exited); err != nil {
		return nil, m.annotateExit(err)
	}
	conn, err := dialUntilReady(ctx, m.exited, sock, port)
	if err != nil {
		return nil, m.annotateExit(err)
	}
	m.state.Advance(backend.StateIdling)
	m.logger.Debug("guest agent connected", "socket", sock)
	return conn, nil
}

func (m *Machine) MarkExecuting() {
	m.state.Advance(backend.StateExecuting)
}

// Close kills the hypervisor, waits briefly for it to be reaped, releases the
// supervisor's per-VM resources and removes the working directory. It is
// safe to call more than once.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		m.state.Advance(backend.StateTerminated)
		m.stop()
		var errs []error
		if m.supervisor != nil {
			if err := m.supervisor.Cleanup(m.id); err != nil {
				errs = append(errs, fmt.Errorf("release %s launch resources: %w", m.supervisor.Name(), err))
			}
		}
		if err := os.RemoveAll(m.workdir); err != nil {
			errs = append(errs, fmt.Errorf("remove vm workdir %s: %w", m.workdir, err))
		}
		m.closeErr = errors.Join(errs...)
		m.logger.Debug("vm torn down", "workdir", m.workdir)
	})
	return m.closeErr
}

func (m *Machine) stop() {
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
	}
	if m.exited != nil {
		select {
		case <-m.exited:
		case <-time.After(stopGrace):
			m.logger.Warn("hypervisor did not exit after kill", "pid", m.cmd.Process.Pid)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Machine) annotateExit(err error) error {
	if errors.Is(err, ErrHypervisorExited) && m.ExitErr() != nil {
		return fmt.Errorf("%w: %v", err, m.ExitErr())
	}
	return err
}
