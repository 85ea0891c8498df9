package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// RunBaseDir resolves the default base directory for per-VM working
// directories.
// Preference order:
// 1. $XDG_RUNTIME_DIR/pyro/vms
// 2. $XDG_STATE_HOME/pyro/vms
// 3. ~/.local/state/pyro/vms
func RunBaseDir() (string, error) {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "pyro", "vms"), nil
	}
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "pyro", "vms"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "pyro", "vms"), nil
	}
	return "", errors.New("unable to resolve run directory from XDG runtime/state or home")
}
