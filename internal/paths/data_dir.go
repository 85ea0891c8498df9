package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DataBaseDir resolves the default base directory for pyro durable data.
// Preference order:
// 1. $XDG_DATA_HOME/pyro
// 2. ~/.local/share/pyro
// 3. $XDG_RUNTIME_DIR/pyro
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "pyro"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "pyro"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "share", "pyro"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "pyro"), nil
	}
	return "", errors.New("unable to resolve data directory from XDG data/runtime or home")
}

// AssetsDir holds kernel.bin and the per-language root filesystems.
func AssetsDir() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "assets"), nil
}
