package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for pyro state.
// Preference order:
// 1. $XDG_STATE_HOME/pyro
// 2. ~/.local/state/pyro
// 3. $XDG_RUNTIME_DIR/pyro
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "pyro"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "pyro"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "pyro"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "pyro"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

func TSNetStateDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tsnet"), nil
}

// HistoryDBPath is the SQLite execution ledger.
func HistoryDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "history.db"), nil
}
