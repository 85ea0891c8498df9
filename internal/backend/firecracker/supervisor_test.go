package firecracker

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestDirectLaunchCommand(t *testing.T) {
	t.Parallel()

	cmd := DirectLaunch{Binary: "/usr/bin/firecracker"}.Command(context.Background(), "/run/pyro/vm-1", "vm_01abc")
	want := []string{"/usr/bin/firecracker", "--no-api", "--config-file", "config.json"}
	if !slices.Equal(cmd.Args, want) {
		t.Fatalf("unexpected args: got %q want %q", cmd.Args, want)
	}
	if got, want := cmd.Dir, "/run/pyro/vm-1"; got != want {
		t.Fatalf("unexpected working directory: got %q want %q", got, want)
	}
}

func TestJailedLaunchCommand(t *testing.T) {
	t.Parallel()

	jailed := JailedLaunch{Jailer: "/usr/bin/jailer", Binary: "/usr/bin/firecracker", UID: 111, GID: 112}
	cmd := jailed.Command(context.Background(), "/run/pyro/vm-1", "vm_01abc")

	if got, want := cmd.Path, "/usr/bin/jailer"; got != want {
		t.Fatalf("unexpected binary: got %q want %q", got, want)
	}
	for _, pair := range [][2]string{
		{"--id", "vm-01abc"},
		{"--uid", "111"},
		{"--gid", "112"},
		{"--exec-file", "/usr/bin/firecracker"},
		{"--chroot-base-dir", "/run/pyro/vm-1"},
	} {
		if !hasArgPair(cmd.Args, pair[0], pair[1]) {
			t.Fatalf("expected %s %s in args %q", pair[0], pair[1], cmd.Args)
		}
	}
	sep := slices.Index(cmd.Args, "--")
	if sep < 0 || !slices.Equal(cmd.Args[sep+1:], firecrackerArgs) {
		t.Fatalf("expected firecracker args after --, got %q", cmd.Args)
	}

	if got, want := jailed.VMRoot("/run/pyro/vm-1", "vm_01abc"), filepath.Join("/run/pyro/vm-1", "firecracker", "vm-01abc", "root"); got != want {
		t.Fatalf("unexpected vm root: got %q want %q", got, want)
	}
	if uid, gid, ok := jailed.Owner(); !ok || uid != 111 || gid != 112 {
		t.Fatalf("unexpected owner: %d:%d ok=%v", uid, gid, ok)
	}
}

func TestJailedLaunchCleanupRemovesCgroups(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	jailed := JailedLaunch{Jailer: "/usr/bin/jailer", Binary: "/usr/bin/firecracker", CgroupRoot: root}
	v2 := filepath.Join(root, "firecracker", "vm-01abc")
	v1 := filepath.Join(root, "cpuset", "firecracker", "vm-01abc")
	sibling := filepath.Join(root, "firecracker", "vm-02def")
	for _, dir := range []string{v2, v1, sibling} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("create cgroup dir: %v", err)
		}
	}

	if err := jailed.Cleanup("vm_01abc"); err != nil {
		t.Fatalf("Cleanup returned error: %v", err)
	}
	for _, dir := range []string{v2, v1} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, got %v", dir, err)
		}
	}
	if _, err := os.Stat(sibling); err != nil {
		t.Fatalf("another vm's cgroup must survive: %v", err)
	}
	if err := jailed.Cleanup("vm_01abc"); err != nil {
		t.Fatalf("second Cleanup returned error: %v", err)
	}
}

func TestJailedLaunchCleanupReportsBusyCgroup(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	jailed := JailedLaunch{Binary: "/usr/bin/firecracker", CgroupRoot: root}
	busy := filepath.Join(root, "firecracker", "vm-01abc")
	if err := os.MkdirAll(filepath.Join(busy, "child"), 0o755); err != nil {
		t.Fatalf("create cgroup dir: %v", err)
	}
	if err := jailed.Cleanup("vm_01abc"); err == nil {
		t.Fatal("expected a non-empty cgroup to be reported")
	}
}

func TestJailerIDReplacesUnsupportedCharacters(t *testing.T) {
	t.Parallel()

	if got, want := jailerID("exec_01h2x.y"), "exec-01h2x-y"; got != want {
		t.Fatalf("unexpected jailer id: got %q want %q", got, want)
	}
}

func TestNewSupervisorRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	if _, err := NewSupervisor(Config{BinaryPath: "/bin/sh", LaunchMode: "vmm"}); err == nil {
		t.Fatal("expected unknown launch mode to be rejected")
	}
	sup, err := NewSupervisor(Config{BinaryPath: "/bin/sh"})
	if err != nil {
		t.Fatalf("NewSupervisor returned error: %v", err)
	}
	if sup.Name() != LaunchModeDirect {
		t.Fatalf("expected direct launch by default, got %q", sup.Name())
	}
}

func hasArgPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}
