package firecracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pyro-sandbox/pyro/internal/execution"
)

// File names inside a VM root. Firecracker resolves the relative paths in
// config.json against its working directory, which is also the chroot when
// launched through the jailer.
const (
	ConfigFileName     = "config.json"
	KernelFileName     = "kernel.bin"
	ControlSocketName  = "pyrod.sock"
	HypervisorLogName  = "firecracker.log"
	ConsoleLogName     = "console.log"
	defaultVsockID     = "vsock0"
	defaultGuestCID    = 3
	baseBootArgs       = "init=/sbin/pyrod reboot=k panic=1 pci=off"
	consoleBootArg     = "console=ttyS0"
	LaunchModeDirect   = "direct"
	LaunchModeJailed   = "jailed"
	defaultBinaryName  = "firecracker"
	defaultJailerName  = "jailer"
	defaultKernelAsset = "kernel.bin"
)

// Config is everything the launcher needs from the runtime configuration.
type Config struct {
	BinaryPath string
	JailerPath string
	LaunchMode string
	// AssetsDir holds kernel.bin and one rootfs-<language>.ext4 per language.
	AssetsDir  string
	KernelName string
	RunDir     string
	VCPUs      int64
	MemoryMiB  int64
	GuestCID   uint32
	// GuestLog enables the hypervisor logger and the guest serial console.
	GuestLog   bool
	SandboxUID int
	SandboxGID int
}

func (c Config) withDefaults() Config {
	if c.BinaryPath == "" {
		c.BinaryPath = defaultBinaryName
	}
	if c.JailerPath == "" {
		c.JailerPath = defaultJailerName
	}
	if c.LaunchMode == "" {
		c.LaunchMode = LaunchModeDirect
	}
	if c.KernelName == "" {
		c.KernelName = defaultKernelAsset
	}
	if c.VCPUs <= 0 {
		c.VCPUs = 1
	}
	if c.MemoryMiB <= 0 {
		c.MemoryMiB = 1024
	}
	if c.GuestCID == 0 {
		c.GuestCID = defaultGuestCID
	}
	return c
}

func (c Config) KernelPath() string {
	return filepath.Join(c.AssetsDir, c.KernelName)
}

func (c Config) RootFSPath(lang execution.Language) string {
	return filepath.Join(c.AssetsDir, lang.RootFSName())
}

// VMConfig is the document Firecracker reads with --config-file.
type VMConfig struct {
	BootSource    BootSource    `json:"boot-source"`
	Drives        []Drive       `json:"drives"`
	MachineConfig MachineConfig `json:"machine-config"`
	Vsock         VsockConfig   `json:"vsock"`
	Logger        *LoggerConfig `json:"logger,omitempty"`
}

type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type MachineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type VsockConfig struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
	VsockID  string `json:"vsock_id"`
}

type LoggerConfig struct {
	LogPath       string `json:"log_path"`
	Level         string `json:"level"`
	ShowLevel     bool   `json:"show_level"`
	ShowLogOrigin bool   `json:"show_log_origin"`
}

// RenderVMConfig builds the VM document for lang. All paths are relative to
// the VM root.
func RenderVMConfig(cfg Config, lang execution.Language) (VMConfig, error) {
	if !lang.Valid() {
		return VMConfig{}, fmt.Errorf("invalid language %q", lang)
	}
	cfg = cfg.withDefaults()

	bootArgs := baseBootArgs
	if cfg.GuestLog {
		bootArgs = strings.Join([]string{baseBootArgs, consoleBootArg}, " ")
	}

	doc := VMConfig{
		BootSource: BootSource{
			KernelImagePath: KernelFileName,
			BootArgs:        bootArgs,
		},
		Drives: []Drive{
			{
				DriveID:      "rootfs",
				PathOnHost:   lang.RootFSName(),
				IsRootDevice: true,
				IsReadOnly:   false,
			},
		},
		MachineConfig: MachineConfig{
			VCPUCount:  cfg.VCPUs,
			MemSizeMiB: cfg.MemoryMiB,
			SMT:        false,
		},
		Vsock: VsockConfig{
			GuestCID: cfg.GuestCID,
			UDSPath:  ControlSocketName,
			VsockID:  defaultVsockID,
		},
	}
	if cfg.GuestLog {
		doc.Logger = &LoggerConfig{
			LogPath:       HypervisorLogName,
			Level:         "Debug",
			ShowLevel:     true,
			ShowLogOrigin: true,
		}
	}
	return doc, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

var errEmptyAssetsDir = errors.New("assets directory is not configured")
