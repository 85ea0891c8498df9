package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/admission"
	"github.com/pyro-sandbox/pyro/internal/backend"
	"github.com/pyro-sandbox/pyro/internal/controlapi"
	"github.com/pyro-sandbox/pyro/internal/controlserver"
	"github.com/pyro-sandbox/pyro/internal/endpoint"
	"github.com/pyro-sandbox/pyro/internal/history"
	"github.com/pyro-sandbox/pyro/internal/runtimeconfig"
)

type stubService struct {
	req  controlapi.RunCodeRequest
	resp controlapi.RunCodeResponse
	err  error
}

func (s *stubService) RunCode(_ context.Context, req controlapi.RunCodeRequest) (controlapi.RunCodeResponse, error) {
	s.req = req
	return s.resp, s.err
}

func (s *stubService) ListExecutions(context.Context, controlapi.ListExecutionsRequest) (controlapi.ListExecutionsResponse, error) {
	return controlapi.ListExecutionsResponse{Executions: []controlapi.ExecutionSummary{
		{ID: "exec_remote", Language: "sh", Outcome: "success", DurationMS: 5},
	}}, nil
}

type fakeAdapter struct{}

func (fakeAdapter) Name() string { return "fake" }

func (fakeAdapter) Spawn(context.Context, backend.SpawnRequest) (backend.Machine, error) {
	return nil, errors.New("not implemented")
}

func (fakeAdapter) Doctor(_ context.Context, req backend.DoctorRequest) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: "fake"}
	for _, lang := range req.Languages {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: "rootfs_" + lang.String(), Status: "pass", Message: "ok"})
	}
	return report, nil
}

func (fakeAdapter) Capabilities() map[string]bool {
	return map[string]bool{backend.CapabilityLaunchJailed: true}
}

type sweepingAdapter struct {
	fakeAdapter
	sweeps int
}

func (s *sweepingAdapter) SweepStale(context.Context) (int, error) {
	s.sweeps++
	return 1, nil
}

type testIO struct {
	ctx    *runtimeContext
	stdout *strings.Builder
	stderr *os.File
}

func newTestIO(t *testing.T, stdin string) *testIO {
	t.Helper()
	stderr, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	if err != nil {
		t.Fatalf("create stderr file: %v", err)
	}
	t.Cleanup(func() { _ = stderr.Close() })
	cfg, err := runtimeconfig.RunnerConfig{
		AssetsDir:   t.TempDir(),
		RunDir:      t.TempDir(),
		HistoryPath: filepath.Join(t.TempDir(), "history.db"),
	}.WithDefaults()
	if err != nil {
		t.Fatalf("config defaults: %v", err)
	}
	stdout := &strings.Builder{}
	return &testIO{
		ctx: &runtimeContext{
			CWD:        t.TempDir(),
			Stdin:      strings.NewReader(stdin),
			Stdout:     stdout,
			Stderr:     stderr,
			Config:     cfg,
			ConfigPath: "/tmp/pyro/config.yaml",
			Version:    "test",
		},
		stdout: stdout,
		stderr: stderr,
	}
}

func (tio *testIO) stderrText(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(tio.stderr.Name())
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	return string(b)
}

func newStubServer(t *testing.T, svc *stubService) string {
	t.Helper()
	srv := httptest.NewServer(controlserver.New(svc, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestExecCommandPrintsOutput(t *testing.T) {
	t.Parallel()

	svc := &stubService{resp: controlapi.RunCodeResponse{Stdout: "3\n", Stderr: "warn\n", ExecutionID: "exec_1"}}
	tio := newTestIO(t, "")
	src := filepath.Join(tio.ctx.CWD, "main.py")
	if err := os.WriteFile(src, []byte("print(1+2)\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	cmd := ExecCommand{
		Host:       newStubServer(t, svc),
		Lang:       "Python",
		Input:      "abc",
		RunTimeout: 3 * time.Second,
		Source:     "main.py",
	}
	if err := cmd.Run(tio.ctx); err != nil {
		t.Fatalf("exec returned error: %v", err)
	}
	if got, want := tio.stdout.String(), "3\n"; got != want {
		t.Fatalf("unexpected stdout: got %q want %q", got, want)
	}
	if got := tio.stderrText(t); !strings.Contains(got, "warn\n") {
		t.Fatalf("expected program stderr, got %q", got)
	}
	if svc.req.Lang != "python" || svc.req.Code != "print(1+2)\n" || svc.req.Input != "abc" {
		t.Fatalf("unexpected request: %+v", svc.req)
	}
	if got, want := svc.req.RunTimeoutMS, int64(3000); got != want {
		t.Fatalf("unexpected run timeout: got %d want %d", got, want)
	}
}

func TestExecCommandReadsSourceFromStdin(t *testing.T) {
	t.Parallel()

	svc := &stubService{resp: controlapi.RunCodeResponse{Stdout: "hi\n"}}
	tio := newTestIO(t, "echo hi\n")
	cmd := ExecCommand{Host: newStubServer(t, svc), Lang: "sh", Source: "-"}
	if err := cmd.Run(tio.ctx); err != nil {
		t.Fatalf("exec returned error: %v", err)
	}
	if got, want := svc.req.Code, "echo hi\n"; got != want {
		t.Fatalf("unexpected code: got %q want %q", got, want)
	}
}

func TestExecCommandExitCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		svc  *stubService
		want int
	}{
		{"compile error", &stubService{resp: controlapi.RunCodeResponse{Stderr: "error[E0425]", CompileError: true}}, exitCompileError},
		{"timeout", &stubService{err: admission.ErrExecutionTimeout}, exitTimeout},
		{"overloaded", &stubService{err: admission.ErrAdmissionTimeout}, exitOverloaded},
		{"internal", &stubService{err: errors.New("boom")}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tio := newTestIO(t, "fn main() {}")
			cmd := ExecCommand{Host: newStubServer(t, tc.svc), Lang: "rust"}
			err := cmd.Run(tio.ctx)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := ExitCode(err); got != tc.want {
				t.Fatalf("unexpected exit code: got %d want %d (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestExecCommandRejectsUnknownLanguage(t *testing.T) {
	t.Parallel()

	tio := newTestIO(t, "x")
	cmd := ExecCommand{Host: "http://127.0.0.1:1", Lang: "cobol"}
	if err := cmd.Run(tio.ctx); err == nil || !strings.Contains(err.Error(), "cobol") {
		t.Fatalf("expected unknown language error, got %v", err)
	}
}

func TestExecCommandRejectsBothInputFlags(t *testing.T) {
	t.Parallel()

	tio := newTestIO(t, "x")
	cmd := ExecCommand{Host: "http://127.0.0.1:1", Lang: "sh", Input: "a", InputFile: "in.txt"}
	if err := cmd.Run(tio.ctx); err == nil || !strings.Contains(err.Error(), "--input-file") {
		t.Fatalf("expected flag conflict error, got %v", err)
	}
}

func TestHistoryCommandRemote(t *testing.T) {
	t.Parallel()

	tio := newTestIO(t, "")
	cmd := HistoryCommand{Host: newStubServer(t, &stubService{}), Limit: 5, JSON: true}
	if err := cmd.Run(tio.ctx); err != nil {
		t.Fatalf("history returned error: %v", err)
	}
	var got []controlapi.ExecutionSummary
	if err := json.Unmarshal([]byte(tio.stdout.String()), &got); err != nil {
		t.Fatalf("decode history json: %v\n%s", err, tio.stdout.String())
	}
	if len(got) != 1 || got[0].ID != "exec_remote" {
		t.Fatalf("unexpected executions: %+v", got)
	}
}

func TestHistoryCommandLocal(t *testing.T) {
	t.Parallel()

	tio := newTestIO(t, "")
	store, err := history.New(history.Options{Path: tio.ctx.Config.HistoryPath})
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Record(context.Background(), history.Entry{
		ID: "exec_local", VMID: "vm_1", Language: "bash", Outcome: "success",
		StartedAt: started, FinishedAt: started.Add(40 * time.Millisecond),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	cmd := HistoryCommand{Local: true, Limit: 10}
	if err := cmd.Run(tio.ctx); err != nil {
		t.Fatalf("history returned error: %v", err)
	}
	if out := tio.stdout.String(); !strings.Contains(out, "exec_local") || !strings.Contains(out, "40ms") {
		t.Fatalf("unexpected history output:\n%s", out)
	}

	missing := HistoryCommand{Local: true, ID: "exec_missing"}
	if err := missing.Run(tio.ctx); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestHistoryCommandIDRequiresLocal(t *testing.T) {
	t.Parallel()

	tio := newTestIO(t, "")
	cmd := HistoryCommand{ID: "exec_1"}
	if err := cmd.Run(tio.ctx); err == nil {
		t.Fatal("expected --id without --local to fail")
	}
}

// The following tests replace package-level seams and must not run in parallel.

func TestDoctorCommandJSON(t *testing.T) {
	restore := newAdapter
	newAdapter = func(runtimeconfig.RunnerConfig, *log.Logger) (backend.Adapter, error) {
		return fakeAdapter{}, nil
	}
	t.Cleanup(func() { newAdapter = restore })

	tio := newTestIO(t, "")
	cmd := DoctorCommand{JSON: true}
	if err := cmd.Run(tio.ctx); err != nil {
		t.Fatalf("doctor returned error: %v", err)
	}
	var report backend.DoctorReport
	if err := json.Unmarshal([]byte(tio.stdout.String()), &report); err != nil {
		t.Fatalf("decode doctor json: %v", err)
	}
	if report.Backend != "fake" {
		t.Fatalf("unexpected backend: %q", report.Backend)
	}
	names := map[string]string{}
	for _, check := range report.Checks {
		names[check.Name] = check.Status
	}
	for _, want := range []string{"runtime_config", "rootfs_python", "rootfs_sh", "capability_" + backend.CapabilityLaunchJailed} {
		if names[want] != "pass" {
			t.Fatalf("expected passing check %q, got %+v", want, report.Checks)
		}
	}
	if got := names["capability_"+backend.CapabilityGuestConsoleLog]; got != "warn" {
		t.Fatalf("expected unset capability to warn, got %q", got)
	}
}

func TestDoctorCommandReportsBackendInitFailure(t *testing.T) {
	restore := newAdapter
	newAdapter = func(runtimeconfig.RunnerConfig, *log.Logger) (backend.Adapter, error) {
		return nil, errors.New("firecracker not found in PATH")
	}
	t.Cleanup(func() { newAdapter = restore })

	tio := newTestIO(t, "")
	cmd := DoctorCommand{}
	if err := cmd.Run(tio.ctx); err != nil {
		t.Fatalf("doctor returned error: %v", err)
	}
	if out := tio.stdout.String(); !strings.Contains(out, "[fail] backend: firecracker not found in PATH") {
		t.Fatalf("unexpected doctor output:\n%s", out)
	}
}

func TestServeCommandWiresService(t *testing.T) {
	restoreAdapter, restoreServe := newAdapter, serve
	newAdapter = func(runtimeconfig.RunnerConfig, *log.Logger) (backend.Adapter, error) {
		return fakeAdapter{}, nil
	}
	var gotEndpoint endpoint.Endpoint
	serve = func(_ context.Context, ep endpoint.Endpoint, handler http.Handler, _ *log.Logger) error {
		gotEndpoint = ep
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			return errors.New("healthz failed")
		}
		return nil
	}
	t.Cleanup(func() { newAdapter, serve = restoreAdapter, restoreServe })

	tio := newTestIO(t, "")
	sock := filepath.Join(t.TempDir(), "pyro.sock")
	cmd := ServeCommand{Listen: "unix://" + sock, LogLevel: "debug"}
	if err := cmd.Run(tio.ctx); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
	if gotEndpoint.Scheme != "unix" || gotEndpoint.Address != sock {
		t.Fatalf("unexpected endpoint: %+v", gotEndpoint)
	}
	if _, err := os.Stat(tio.ctx.Config.HistoryPath); err != nil {
		t.Fatalf("expected history database to be created: %v", err)
	}
}

func TestServeCommandSweepsStaleWorkdirsBeforeServing(t *testing.T) {
	restoreAdapter, restoreServe := newAdapter, serve
	adapter := &sweepingAdapter{}
	newAdapter = func(runtimeconfig.RunnerConfig, *log.Logger) (backend.Adapter, error) {
		return adapter, nil
	}
	sweptBeforeServe := false
	serve = func(context.Context, endpoint.Endpoint, http.Handler, *log.Logger) error {
		sweptBeforeServe = adapter.sweeps == 1
		return nil
	}
	t.Cleanup(func() { newAdapter, serve = restoreAdapter, restoreServe })

	tio := newTestIO(t, "")
	cmd := ServeCommand{Listen: "unix://" + filepath.Join(t.TempDir(), "pyro.sock"), LogLevel: "info"}
	if err := cmd.Run(tio.ctx); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
	if !sweptBeforeServe {
		t.Fatalf("expected one sweep before serving, got %d", adapter.sweeps)
	}
	if !strings.Contains(tio.stderrText(t), "swept stale vm workdirs") {
		t.Fatalf("expected sweep to be logged, got:\n%s", tio.stderrText(t))
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := newLogger("loud", "test", nil); err == nil || !strings.Contains(err.Error(), "--log-level") {
		t.Fatalf("expected log level error, got %v", err)
	}
	if _, err := newLogger("WARN", "test", nil); err != nil {
		t.Fatalf("unexpected error for WARN: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(errors.New("plain")); got != 1 {
		t.Fatalf("unexpected exit code: got %d want 1", got)
	}
	wrapped := exitCodeError{code: exitTimeout, err: admission.ErrExecutionTimeout}
	if got := ExitCode(wrapped); got != exitTimeout {
		t.Fatalf("unexpected exit code: got %d want %d", got, exitTimeout)
	}
	if !errors.Is(wrapped, admission.ErrExecutionTimeout) {
		t.Fatal("expected exit code error to unwrap to its cause")
	}
}

func TestRunParsesVersionCommand(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := Run([]string{"version"}, "test"); err != nil {
		t.Fatalf("version returned error: %v", err)
	}
	if err := Run([]string{"exec"}, "test"); err == nil {
		t.Fatal("expected missing --lang to fail parsing")
	}
}
