package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// OwnerFileName sits at the top of every VM working directory and records
// the hypervisor pid and VM id so a later pyro can tear the VM down.
const OwnerFileName = "pyro-owner.json"

const workdirPrefix = "vm-"

type owner struct {
	PID int    `json:"pid"`
	ID  string `json:"vm_id"`
}

func writeOwner(workdir string, o owner) error {
	return writeJSON(filepath.Join(workdir, OwnerFileName), o)
}

func readOwner(workdir string) (owner, error) {
	raw, err := os.ReadFile(filepath.Join(workdir, OwnerFileName))
	if err != nil {
		return owner{}, err
	}
	var o owner
	if err := json.Unmarshal(raw, &o); err != nil {
		return owner{}, fmt.Errorf("decode %s: %w", OwnerFileName, err)
	}
	return o, nil
}

// SweepStale tears down VM working directories left in RunDir by a pyro
// process that died without closing its VMs. It must run before the adapter
// spawns anything, and RunDir must not be shared with another live pyro.
//
// Pdeathsig does not cover jailed launches: the jailer changes credentials
// before exec, which clears the parent-death signal. Anything still running
// from a recorded owner is killed here instead.
func (a *Adapter) SweepStale(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(a.cfg.RunDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read run dir: %w", err)
	}

	swept := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workdirPrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		workdir := filepath.Join(a.cfg.RunDir, entry.Name())
		if err := a.sweepWorkdir(workdir); err != nil {
			errs = append(errs, err)
			continue
		}
		swept++
	}
	return swept, errors.Join(errs...)
}

func (a *Adapter) sweepWorkdir(workdir string) error {
	logger := a.logger.With("workdir", workdir)
	o, err := readOwner(workdir)
	switch {
	case err == nil:
		if o.PID > 0 && isHypervisor(o.PID) {
			logger.Warn("killing hypervisor left by a previous run", "pid", o.PID, "vm_id", o.ID)
			killStale(o.PID)
		}
		if o.ID != "" {
			if err := a.supervisor.Cleanup(o.ID); err != nil {
				logger.Warn("failed to release launch resources of stale vm", "vm_id", o.ID, "error", err)
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		// Spawn failed or died before the hypervisor started.
	default:
		logger.Warn("unreadable owner record in stale workdir", "error", err)
	}
	if err := os.RemoveAll(workdir); err != nil {
		return fmt.Errorf("remove stale workdir %s: %w", workdir, err)
	}
	logger.Info("removed stale vm workdir")
	return nil
}

// isHypervisor checks the process command line so a recycled pid that now
// belongs to something else is left alone.
func isHypervisor(pid int) bool {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	args := strings.Split(string(bytes.TrimRight(raw, "\x00")), "\x00")
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--config-file" && args[i+1] == ConfigFileName {
			return true
		}
	}
	return false
}

func killStale(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) && isHypervisor(pid) {
		time.Sleep(20 * time.Millisecond)
	}
}
