package cli

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pyro-sandbox/pyro/client"
	"github.com/pyro-sandbox/pyro/internal/backend"
	"github.com/pyro-sandbox/pyro/internal/endpoint"
	"github.com/pyro-sandbox/pyro/internal/runtimeconfig"
)

func TestRenderStartupHeaderPlain(t *testing.T) {
	out := renderStartupHeader(startupHeader{
		Title: "pyro dev",
		Fields: []startupField{
			{Key: "listen", Value: "unix:///var/run/pyro/pyro.sock"},
			{Key: "launch", Value: "direct"},
		},
	}, false)

	want := "\n🔥 pyro dev\n   listen: unix:///var/run/pyro/pyro.sock\n   launch: direct\n\n"
	if out != want {
		t.Fatalf("unexpected header output:\n--- got ---\n%s--- want ---\n%s", out, want)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output should not contain ANSI escapes: %q", out)
	}
}

func TestRenderStartupHeaderColor(t *testing.T) {
	out := renderStartupHeader(startupHeader{
		Title:  "pyro dev",
		Fields: []startupField{{Key: "max vms", Value: "8"}},
	}, true)

	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI escapes in color output: %q", out)
	}
	if !strings.Contains(out, "pyro dev") {
		t.Fatalf("missing title in header output: %q", out)
	}
	if !strings.Contains(out, "max vms: 8") {
		t.Fatalf("missing field in header output: %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("expected trailing blank line in header output: %q", out)
	}
}

func TestRenderStartupHeaderSkipsEmptyFields(t *testing.T) {
	out := renderStartupHeader(startupHeader{
		Title: "pyro",
		Fields: []startupField{
			{Key: "listen", Value: "http://127.0.0.1:7777"},
			{Key: "history", Value: ""},
			{Key: "", Value: "ignored"},
		},
	}, false)

	if strings.Contains(out, "history:") {
		t.Fatalf("expected empty history field to be omitted: %q", out)
	}
	if strings.Contains(out, "ignored") {
		t.Fatalf("expected field without key to be omitted: %q", out)
	}
}

func TestServeHeaderDescribesVMShape(t *testing.T) {
	t.Parallel()

	cfg := runtimeconfig.RunnerConfig{
		VCPUs:          2,
		MemoryMiB:      512,
		SandboxUID:     10001,
		SandboxGID:     10002,
		CompileTimeout: 10 * time.Second,
		RunTimeout:     15 * time.Second,
		RequestTimeout: 30 * time.Second,
		RunDir:         "/run/pyro",
		Firecracker:    runtimeconfig.FirecrackerConfig{LaunchMode: "jailed"},
	}
	ep := endpoint.Endpoint{Scheme: "unix", Address: "/run/pyro/pyro.sock"}
	out := renderStartupHeader(serveHeader("dev", cfg, "/etc/pyro/config.yaml", ep, 8, "/var/lib/pyro/history.db", "info"), false)

	for _, want := range []string{
		"🔥 pyro dev",
		"listen: unix:///run/pyro/pyro.sock",
		"launch: jailed (uid 10001, gid 10002)",
		"vm: 2 vcpu, 512 MiB",
		"max vms: 8",
		"limits: compile 10s, run 15s, request 30s",
		"languages: python, rust, java, bash, sh",
		"run dir: /run/pyro",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in header:\n%s", want, out)
		}
	}

	cfg.Firecracker.LaunchMode = "direct"
	out = renderStartupHeader(serveHeader("dev", cfg, "", ep, 8, "", "info"), false)
	if !strings.Contains(out, "launch: direct\n") {
		t.Fatalf("direct launch should not name an identity:\n%s", out)
	}
	if strings.Contains(out, "config:") || strings.Contains(out, "history:") {
		t.Fatalf("empty paths should be omitted:\n%s", out)
	}
}

func TestRenderDoctorReportGroupsChecksAndLanguages(t *testing.T) {
	t.Parallel()

	out := renderDoctorReport("firecracker", []backend.DoctorCheck{
		{Name: "capability_launch_jailed", Status: "warn", Message: "false"},
		{Name: "rootfs_python", Status: "pass", Message: "/srv/pyro/rootfs-python.ext4"},
		{Name: "kvm", Status: "pass", Message: "/dev/kvm is accessible"},
		{Name: "rootfs_java", Status: "fail", Message: "missing"},
		{Name: "kernel", Status: "pass", Message: "/srv/pyro/kernel.bin"},
	}, false)

	host := strings.Index(out, "host:\n")
	images := strings.Index(out, "guest images:\n")
	caps := strings.Index(out, "capabilities:\n")
	if host < 0 || images < host || caps < images {
		t.Fatalf("expected host, guest images, capabilities in order:\n%s", out)
	}
	if kvm := strings.Index(out, "kvm:"); kvm < host || kvm > images {
		t.Fatalf("kvm check should sit under host:\n%s", out)
	}
	if kernel := strings.Index(out, "kernel:"); kernel < images || kernel > caps {
		t.Fatalf("kernel check should sit under guest images:\n%s", out)
	}
	if !strings.Contains(out, "languages: python (missing image: java)") {
		t.Fatalf("missing languages line:\n%s", out)
	}
	if !strings.Contains(out, "summary: 3 pass, 1 warn, 1 fail") {
		t.Fatalf("missing summary line:\n%s", out)
	}
}

func TestRenderDoctorReportWithoutImages(t *testing.T) {
	t.Parallel()

	out := renderDoctorReport("", []backend.DoctorCheck{
		{Name: "backend", Status: "error", Message: "firecracker not found"},
	}, false)
	if !strings.Contains(out, "doctor report (unknown)") {
		t.Fatalf("missing fallback backend name:\n%s", out)
	}
	if strings.Contains(out, "languages:") || strings.Contains(out, "guest images:") {
		t.Fatalf("no image checks means no image sections:\n%s", out)
	}
	if !strings.Contains(out, "✗ [fail] backend: firecracker not found") {
		t.Fatalf("expected error status to normalise to fail:\n%s", out)
	}
}

func TestRenderDoctorReportPlain(t *testing.T) {
	out := renderDoctorReport("firecracker", []backend.DoctorCheck{
		{Name: "kvm", Status: "pass", Message: "/dev/kvm is accessible"},
		{Name: "jailer_privileges", Status: "warn", Message: "not root"},
	}, false)

	if !strings.Contains(out, "doctor report (firecracker)") {
		t.Fatalf("missing doctor title: %q", out)
	}
	if !strings.Contains(out, "✓ [pass] kvm: /dev/kvm is accessible") {
		t.Fatalf("missing pass line: %q", out)
	}
	if !strings.Contains(out, "! [warn] jailer_privileges: not root") {
		t.Fatalf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "summary: 1 pass, 1 warn, 0 fail") {
		t.Fatalf("missing summary line: %q", out)
	}
}

func TestRenderDoctorReportColor(t *testing.T) {
	out := renderDoctorReport("firecracker", []backend.DoctorCheck{
		{Name: "rootfs_java", Status: "fail", Message: "missing"},
	}, true)
	plain := stripANSI(out)

	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI escapes in color output: %q", out)
	}
	if !strings.Contains(plain, "✗ [fail] rootfs_java: missing") {
		t.Fatalf("missing fail line: %q", out)
	}
	if !strings.Contains(plain, "summary: 0 pass, 0 warn, 1 fail") {
		t.Fatalf("missing summary line: %q", out)
	}
}

func TestRenderHistory(t *testing.T) {
	t.Parallel()

	if got := renderHistory(nil); got != "no executions recorded\n" {
		t.Fatalf("unexpected empty history: %q", got)
	}
	out := renderHistory([]client.ExecutionSummary{
		{ID: "exec_2", Language: "python", Outcome: "success", DurationMS: 812, StartedAt: "2026-01-02T03:04:05Z"},
		{ID: "exec_1", Language: "rust", Outcome: "timeout", ErrorKind: "run_timeout", DurationMS: 15002},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected line count: got %d want 3\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "exec_2") || !strings.Contains(lines[2], "run_timeout") {
		t.Fatalf("unexpected history table:\n%s", out)
	}
}

func TestEndpointDisplay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ep   endpoint.Endpoint
		want string
	}{
		{endpoint.Endpoint{Scheme: "unix", Address: "/tmp/pyro.sock"}, "unix:///tmp/pyro.sock"},
		{endpoint.Endpoint{Scheme: "http", Address: "127.0.0.1:7777"}, "127.0.0.1:7777"},
		{endpoint.Endpoint{Scheme: "tsnet", TSNetPort: 7777}, "tsnet://pyro:7777"},
		{endpoint.Endpoint{Scheme: "tssvc", TSServiceName: "svc:runner", TSServicePort: 7777}, "tssvc://runner:7777"},
	}
	for _, tc := range cases {
		if got := endpointDisplay(tc.ep); got != tc.want {
			t.Fatalf("endpointDisplay(%+v): got %q want %q", tc.ep, got, tc.want)
		}
	}
}

func stripANSI(value string) string {
	ansi := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansi.ReplaceAllString(value, "")
}
