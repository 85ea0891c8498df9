package backend

import (
	"context"
	"errors"
	"io/fs"
	"testing"
)

type testAdapter struct{}

func (testAdapter) Name() string { return "test" }

func (testAdapter) Spawn(context.Context, SpawnRequest) (Machine, error) {
	return nil, errors.New("not implemented")
}

type testReporterAdapter struct{ testAdapter }

func (testReporterAdapter) Capabilities() map[string]bool {
	return map[string]bool{
		CapabilityLaunchJailed: true,
		"custom.feature":       true,
	}
}

func TestCapabilitiesForAdapterBaseline(t *testing.T) {
	t.Parallel()

	caps := CapabilitiesForAdapter(testAdapter{})
	for _, key := range knownCapabilityKeys {
		value, ok := caps[key]
		if !ok {
			t.Fatalf("expected key %q in capability map", key)
		}
		if value {
			t.Fatalf("expected %q to default to false", key)
		}
	}
}

func TestCapabilitiesForAdapterReporterOverrides(t *testing.T) {
	t.Parallel()

	caps := CapabilitiesForAdapter(testReporterAdapter{})
	if !caps[CapabilityLaunchJailed] {
		t.Fatalf("expected %q=true", CapabilityLaunchJailed)
	}
	if !caps["custom.feature"] {
		t.Fatal("expected reporter-only capability to be merged")
	}
	if caps[CapabilityGuestConsoleLog] {
		t.Fatalf("expected %q=false", CapabilityGuestConsoleLog)
	}
}

func TestSortedCapabilityKeys(t *testing.T) {
	t.Parallel()

	keys := SortedCapabilityKeys(map[string]bool{"z": true, "a": false, "m": true})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "m" || keys[2] != "z" {
		t.Fatalf("unexpected key order: %v", keys)
	}
}

func TestSpawnErrorMatchesBothSentinelAndCause(t *testing.T) {
	t.Parallel()

	err := error(&SpawnError{Step: "copy rootfs", Err: fs.ErrNotExist})
	if !errors.Is(err, ErrSpawn) {
		t.Fatal("expected spawn error to match ErrSpawn")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("expected spawn error to match its cause")
	}
}

func TestStateTrackerOnlyMovesForward(t *testing.T) {
	t.Parallel()

	var tracker StateTracker
	if got := tracker.Load(); got != StateBooting {
		t.Fatalf("unexpected initial state: %s", got)
	}
	if !tracker.Advance(StateIdling) || !tracker.Advance(StateExecuting) {
		t.Fatal("expected forward transitions to succeed")
	}
	if tracker.Advance(StateIdling) {
		t.Fatal("expected backward transition to be rejected")
	}
	if !tracker.Advance(StateTerminated) || tracker.Load() != StateTerminated {
		t.Fatalf("expected terminated, got %s", tracker.Load())
	}
	if tracker.Advance(StateTerminated) {
		t.Fatal("expected repeated terminate to report no change")
	}
}
