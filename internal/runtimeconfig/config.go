package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pyro-sandbox/pyro/internal/admission"
	"github.com/pyro-sandbox/pyro/internal/backend/firecracker"
	"github.com/pyro-sandbox/pyro/internal/execution"
	"github.com/pyro-sandbox/pyro/internal/paths"
	"github.com/pyro-sandbox/pyro/internal/runner"
	"github.com/pyro-sandbox/pyro/internal/vsockexec"
	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-valued fields by Load.
const (
	DefaultVCPUs          int64  = 1
	DefaultMemoryMiB      int64  = 1024
	DefaultCompileTimeout        = 10 * time.Second
	DefaultRunTimeout            = 15 * time.Second
	DefaultBootTimeout           = 10 * time.Second
	DefaultGuestCID       uint32 = 3
)

// RunnerConfig is loaded once at startup and passed by value afterwards.
type RunnerConfig struct {
	VCPUs          int64             `yaml:"vcpus"`
	MemoryMiB      int64             `yaml:"memory_mib"`
	MaxVMs         int               `yaml:"max_vms"`
	SandboxUID     int               `yaml:"sandbox_uid"`
	SandboxGID     int               `yaml:"sandbox_gid"`
	CompileTimeout time.Duration     `yaml:"compile_timeout"`
	RunTimeout     time.Duration     `yaml:"run_timeout"`
	BootTimeout    time.Duration     `yaml:"boot_timeout"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	GuestPort      uint32            `yaml:"guest_port"`
	GuestCID       uint32            `yaml:"guest_cid"`
	AssetsDir      string            `yaml:"assets_dir"`
	RunDir         string            `yaml:"run_dir"`
	HistoryPath    string            `yaml:"history_path"`
	Firecracker    FirecrackerConfig `yaml:"firecracker"`
}

type FirecrackerConfig struct {
	BinaryPath string `yaml:"binary_path"`
	JailerPath string `yaml:"jailer_path"`
	LaunchMode string `yaml:"launch_mode"`
	GuestLog   bool   `yaml:"guest_log"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "pyro", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "pyro", "config.yaml"), nil
}

// Load reads the config at path, or the default location when path is empty.
// A missing file yields the defaults.
func Load(path string) (RunnerConfig, string, error) {
	if strings.TrimSpace(path) == "" {
		p, err := Path()
		if err != nil {
			return RunnerConfig{}, "", err
		}
		path = p
	}

	cfg := RunnerConfig{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return RunnerConfig{}, path, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return RunnerConfig{}, path, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg, err = cfg.WithDefaults()
	if err != nil {
		return RunnerConfig{}, path, err
	}
	if err := cfg.Validate(); err != nil {
		return RunnerConfig{}, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// WithDefaults fills every zero-valued field.
func (c RunnerConfig) WithDefaults() (RunnerConfig, error) {
	if c.VCPUs == 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.MemoryMiB == 0 {
		c.MemoryMiB = DefaultMemoryMiB
	}
	if c.MaxVMs == 0 {
		c.MaxVMs = admission.DefaultMaxVMs()
	}
	if c.SandboxUID == 0 {
		c.SandboxUID = runner.SandboxUID
	}
	if c.SandboxGID == 0 {
		c.SandboxGID = runner.SandboxGID
	}
	if c.CompileTimeout == 0 {
		c.CompileTimeout = DefaultCompileTimeout
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.BootTimeout == 0 {
		c.BootTimeout = DefaultBootTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = admission.DefaultTimeout
	}
	if c.GuestPort == 0 {
		c.GuestPort = vsockexec.DefaultPort
	}
	if c.GuestCID == 0 {
		c.GuestCID = DefaultGuestCID
	}
	if c.Firecracker.LaunchMode == "" {
		c.Firecracker.LaunchMode = firecracker.LaunchModeDirect
	}
	if c.AssetsDir == "" {
		dir, err := paths.AssetsDir()
		if err != nil {
			return c, fmt.Errorf("resolve assets directory: %w", err)
		}
		c.AssetsDir = dir
	}
	if c.RunDir == "" {
		dir, err := paths.RunBaseDir()
		if err != nil {
			return c, fmt.Errorf("resolve run directory: %w", err)
		}
		c.RunDir = dir
	}
	if c.HistoryPath == "" {
		p, err := paths.HistoryDBPath()
		if err != nil {
			return c, fmt.Errorf("resolve history path: %w", err)
		}
		c.HistoryPath = p
	}
	return c, nil
}

func (c RunnerConfig) Validate() error {
	var errs []error
	if c.VCPUs < 1 {
		errs = append(errs, fmt.Errorf("vcpus must be positive, got %d", c.VCPUs))
	}
	if c.MemoryMiB < 1 {
		errs = append(errs, fmt.Errorf("memory_mib must be positive, got %d", c.MemoryMiB))
	}
	if c.MaxVMs < 1 {
		errs = append(errs, fmt.Errorf("max_vms must be positive, got %d", c.MaxVMs))
	}
	if c.SandboxUID < 1 || c.SandboxGID < 1 {
		errs = append(errs, fmt.Errorf("sandbox identity must not be root, got %d:%d", c.SandboxUID, c.SandboxGID))
	}
	for name, d := range map[string]time.Duration{
		"compile_timeout": c.CompileTimeout,
		"run_timeout":     c.RunTimeout,
		"boot_timeout":    c.BootTimeout,
		"request_timeout": c.RequestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.GuestCID < 3 {
		errs = append(errs, fmt.Errorf("guest_cid must be at least 3, got %d", c.GuestCID))
	}
	switch c.Firecracker.LaunchMode {
	case firecracker.LaunchModeDirect, firecracker.LaunchModeJailed:
	default:
		errs = append(errs, fmt.Errorf("firecracker.launch_mode must be %q or %q, got %q", firecracker.LaunchModeDirect, firecracker.LaunchModeJailed, c.Firecracker.LaunchMode))
	}
	return errors.Join(errs...)
}

// DefaultLimits are the per-phase budgets applied to requests that do not
// carry their own.
func (c RunnerConfig) DefaultLimits() execution.Limits {
	return execution.Limits{Compile: c.CompileTimeout, Run: c.RunTimeout}
}

// FirecrackerConfig converts the runner settings into the launcher's view.
func (c RunnerConfig) FirecrackerConfig() firecracker.Config {
	return firecracker.Config{
		BinaryPath: c.Firecracker.BinaryPath,
		JailerPath: c.Firecracker.JailerPath,
		LaunchMode: c.Firecracker.LaunchMode,
		AssetsDir:  c.AssetsDir,
		RunDir:     c.RunDir,
		VCPUs:      c.VCPUs,
		MemoryMiB:  c.MemoryMiB,
		GuestCID:   c.GuestCID,
		GuestLog:   c.Firecracker.GuestLog,
		SandboxUID: c.SandboxUID,
		SandboxGID: c.SandboxGID,
	}
}
