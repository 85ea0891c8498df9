package backend

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"sort"
	"sync/atomic"

	"github.com/pyro-sandbox/pyro/internal/execution"
)

const (
	CapabilityLaunchJailed     = "launch.jailed"
	CapabilityGuestConsoleLog  = "guest.console_log"
	CapabilityRootFSReflink    = "rootfs.reflink"
	CapabilityReadyWaitInotify = "ready_wait.inotify"
)

var knownCapabilityKeys = []string{
	CapabilityLaunchJailed,
	CapabilityGuestConsoleLog,
	CapabilityRootFSReflink,
	CapabilityReadyWaitInotify,
}

// ErrSpawn wraps every failure to bring up a VM. Spawns are never retried.
var ErrSpawn = errors.New("failed to spawn vm")

// SpawnError records which spawn step failed.
type SpawnError struct {
	Step string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSpawn, e.Step, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// Adapter provisions single-use VMs.
type Adapter interface {
	Name() string
	Spawn(ctx context.Context, req SpawnRequest) (Machine, error)
}

// CapabilityReporter allows backend adapters to publish backend-specific
// capability flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

// CapabilitiesForAdapter returns a capability map with every known key set,
// filled in from the adapter when it implements CapabilityReporter.
func CapabilitiesForAdapter(adapter Adapter) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}
	if adapter == nil {
		return caps
	}
	if reporter, ok := adapter.(CapabilityReporter); ok {
		for key, value := range reporter.Capabilities() {
			caps[key] = value
		}
	}
	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// CloneCapabilities returns a detached copy of the capability map.
func CloneCapabilities(caps map[string]bool) map[string]bool {
	out := make(map[string]bool, len(caps))
	maps.Copy(out, caps)
	return out
}

type SpawnRequest struct {
	ID       string
	Language execution.Language
}

// Machine is a running single-use VM. It owns the hypervisor process and the
// VM's working directory; Close releases both and may be called more than once.
type Machine interface {
	ID() string
	State() State
	// Connect waits for the guest agent to come up and returns the one control
	// connection for this VM.
	Connect(ctx context.Context, port uint32) (net.Conn, error)
	// Exited is closed when the hypervisor process exits.
	Exited() <-chan struct{}
	MarkExecuting()
	Close() error
}

type State int32

const (
	StateBooting State = iota
	StateIdling
	StateExecuting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateIdling:
		return "idling"
	case StateExecuting:
		return "executing"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateTracker moves a machine through its lifecycle. Transitions only go
// forward; once terminated a machine stays terminated.
type StateTracker struct {
	v atomic.Int32
}

func (t *StateTracker) Load() State {
	return State(t.v.Load())
}

// Advance moves to next if it is later than the current state.
func (t *StateTracker) Advance(next State) bool {
	for {
		cur := t.v.Load()
		if State(cur) >= next {
			return false
		}
		if t.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

type DoctorRequest struct {
	Languages []execution.Language
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

// Failed reports whether any check failed.
func (r *DoctorReport) Failed() bool {
	for _, check := range r.Checks {
		if check.Status == "fail" {
			return true
		}
	}
	return false
}
