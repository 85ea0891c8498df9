package hosttools

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestResolveBinaryPrefersLookPath(t *testing.T) {
	t.Parallel()

	got, err := resolveBinary(
		"firecracker",
		func(string) (string, error) { return "/usr/bin/firecracker", nil },
		func(string) (os.FileInfo, error) { return nil, os.ErrNotExist },
		[]string{"/opt/firecracker/bin/firecracker"},
	)
	if err != nil {
		t.Fatalf("resolveBinary returned error: %v", err)
	}
	if got != "/usr/bin/firecracker" {
		t.Fatalf("unexpected resolved path: got %q", got)
	}
}

func TestResolveBinaryFallsBackToCandidate(t *testing.T) {
	t.Parallel()

	candidate := "/usr/local/sbin/jailer"
	got, err := resolveBinary(
		"jailer",
		func(string) (string, error) { return "", errors.New("not found") },
		func(path string) (os.FileInfo, error) {
			if path == candidate {
				return &fakeFileInfo{}, nil
			}
			return nil, os.ErrNotExist
		},
		[]string{"/usr/local/bin/jailer", candidate},
	)
	if err != nil {
		t.Fatalf("resolveBinary returned error: %v", err)
	}
	if got != candidate {
		t.Fatalf("unexpected resolved path: got %q want %q", got, candidate)
	}
}

func TestResolveBinaryReturnsHelpfulError(t *testing.T) {
	t.Parallel()

	_, err := resolveBinary(
		"firecracker",
		func(string) (string, error) { return "", errors.New("not found") },
		func(string) (os.FileInfo, error) { return nil, os.ErrNotExist },
		[]string{"/usr/local/bin/firecracker"},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "firecracker") || !strings.Contains(err.Error(), "releases") {
		t.Fatalf("expected binary name and install hint in error, got %v", err)
	}
}

func TestResolveBinaryDoesNotSearchForExplicitPaths(t *testing.T) {
	t.Parallel()

	_, err := resolveBinary(
		"/srv/fc/firecracker",
		func(string) (string, error) { return "", errors.New("not found") },
		func(string) (os.FileInfo, error) { return &fakeFileInfo{}, nil },
		candidateBinaryPaths("/srv/fc/firecracker", firecrackerPrefixes),
	)
	if err == nil {
		t.Fatal("expected an explicit missing path to fail")
	}
}

func TestCandidateBinaryPathsIncludesSbinAndBin(t *testing.T) {
	t.Parallel()

	got := candidateBinaryPaths("jailer", []string{"/opt/firecracker"})
	if len(got) != 2 {
		t.Fatalf("unexpected candidate count: %d", len(got))
	}
	if got[0] != "/opt/firecracker/sbin/jailer" {
		t.Fatalf("unexpected first candidate: %q", got[0])
	}
	if got[1] != "/opt/firecracker/bin/jailer" {
		t.Fatalf("unexpected second candidate: %q", got[1])
	}
}

type fakeFileInfo struct{}

func (*fakeFileInfo) Name() string       { return "bin" }
func (*fakeFileInfo) Size() int64        { return 1 }
func (*fakeFileInfo) Mode() os.FileMode  { return 0o755 }
func (*fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (*fakeFileInfo) IsDir() bool        { return false }
func (*fakeFileInfo) Sys() any           { return nil }
