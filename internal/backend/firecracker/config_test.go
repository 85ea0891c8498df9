package firecracker

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pyro-sandbox/pyro/internal/execution"
)

func TestRenderVMConfigUsesRelativePaths(t *testing.T) {
	t.Parallel()

	doc, err := RenderVMConfig(Config{VCPUs: 2, MemoryMiB: 256}, execution.Rust)
	if err != nil {
		t.Fatalf("RenderVMConfig returned error: %v", err)
	}
	if got, want := doc.BootSource.KernelImagePath, "kernel.bin"; got != want {
		t.Fatalf("unexpected kernel path: got %q want %q", got, want)
	}
	if got, want := doc.BootSource.BootArgs, "init=/sbin/pyrod reboot=k panic=1 pci=off"; got != want {
		t.Fatalf("unexpected boot args: got %q want %q", got, want)
	}
	if len(doc.Drives) != 1 || doc.Drives[0].PathOnHost != "rootfs-rust.ext4" || !doc.Drives[0].IsRootDevice || doc.Drives[0].IsReadOnly {
		t.Fatalf("unexpected drives: %+v", doc.Drives)
	}
	if doc.MachineConfig.VCPUCount != 2 || doc.MachineConfig.MemSizeMiB != 256 || doc.MachineConfig.SMT {
		t.Fatalf("unexpected machine config: %+v", doc.MachineConfig)
	}
	if doc.Vsock.GuestCID != 3 || doc.Vsock.UDSPath != "pyrod.sock" || doc.Vsock.VsockID != "vsock0" {
		t.Fatalf("unexpected vsock config: %+v", doc.Vsock)
	}
	if doc.Logger != nil {
		t.Fatal("expected logger block to be omitted without guest logging")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"boot-source"`, `"machine-config"`, `"drives"`, `"vsock"`} {
		if !strings.Contains(string(raw), key) {
			t.Fatalf("expected %s in rendered config: %s", key, raw)
		}
	}
	if strings.Contains(string(raw), `"logger"`) {
		t.Fatalf("logger key must be absent: %s", raw)
	}
}

func TestRenderVMConfigWithGuestLog(t *testing.T) {
	t.Parallel()

	doc, err := RenderVMConfig(Config{GuestLog: true}, execution.Python)
	if err != nil {
		t.Fatalf("RenderVMConfig returned error: %v", err)
	}
	if !strings.HasSuffix(doc.BootSource.BootArgs, " console=ttyS0") {
		t.Fatalf("expected serial console in boot args, got %q", doc.BootSource.BootArgs)
	}
	if doc.Logger == nil || doc.Logger.LogPath != "firecracker.log" || !doc.Logger.ShowLevel || !doc.Logger.ShowLogOrigin {
		t.Fatalf("unexpected logger config: %+v", doc.Logger)
	}
}

func TestRenderVMConfigRejectsUnknownLanguage(t *testing.T) {
	t.Parallel()

	if _, err := RenderVMConfig(Config{}, execution.Language("cobol")); err == nil {
		t.Fatal("expected error for unknown language")
	}
}
