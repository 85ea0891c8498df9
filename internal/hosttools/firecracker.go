// Package hosttools locates the host binaries pyro launches VMs with.
package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const firecrackerInstallHint = "install a release from https://github.com/firecracker-microvm/firecracker/releases"

// Prefixes searched after PATH. Release tarballs are commonly unpacked under
// one of these, and /usr/sbin is not on PATH for every service manager.
var firecrackerPrefixes = []string{"/usr/local", "/usr", "/opt/firecracker"}

// ResolveFirecrackerBinary resolves the firecracker or jailer binary by
// checking:
// 1. PATH (or the literal path when binary contains a separator)
// 2. sbin and bin under the well-known install prefixes.
func ResolveFirecrackerBinary(binary string) (string, error) {
	return resolveBinary(binary, exec.LookPath, os.Stat, candidateBinaryPaths(binary, firecrackerPrefixes))
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", fmt.Errorf("binary name is required")
	}

	if path, err := lookPath(trimmed); err == nil {
		return path, nil
	}
	if strings.ContainsRune(trimmed, filepath.Separator) {
		return "", fmt.Errorf("%s is not an executable file", trimmed)
	}

	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		info, err := stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("%s not found in PATH; %s", trimmed, firecrackerInstallHint)
	}
	return "", errors.New(trimmed + " not found in PATH or " + strings.Join(firecrackerPrefixes, ", ") + "; " + firecrackerInstallHint)
}

func candidateBinaryPaths(binary string, prefixes []string) []string {
	trimmedBinary := strings.TrimSpace(binary)
	if trimmedBinary == "" || strings.ContainsRune(trimmedBinary, filepath.Separator) {
		return nil
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(prefixes)*2)
	appendCandidate := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, prefix := range prefixes {
		trimmedPrefix := strings.TrimSpace(prefix)
		if trimmedPrefix == "" {
			continue
		}
		appendCandidate(filepath.Join(trimmedPrefix, "sbin", trimmedBinary))
		appendCandidate(filepath.Join(trimmedPrefix, "bin", trimmedBinary))
	}
	return out
}
