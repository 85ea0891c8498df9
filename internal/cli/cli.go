package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/client"
	"github.com/pyro-sandbox/pyro/internal/admission"
	"github.com/pyro-sandbox/pyro/internal/backend"
	"github.com/pyro-sandbox/pyro/internal/backend/firecracker"
	"github.com/pyro-sandbox/pyro/internal/controlserver"
	"github.com/pyro-sandbox/pyro/internal/controlservice"
	"github.com/pyro-sandbox/pyro/internal/endpoint"
	"github.com/pyro-sandbox/pyro/internal/execution"
	"github.com/pyro-sandbox/pyro/internal/history"
	"github.com/pyro-sandbox/pyro/internal/runtimeconfig"
	"golang.org/x/term"
)

type runtimeContext struct {
	CWD        string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     *os.File
	Config     runtimeconfig.RunnerConfig
	ConfigPath string
	Version    string
}

type CLI struct {
	Config string `help:"Path to runtime config (defaults to $XDG_CONFIG_HOME/pyro/config.yaml)" type:"path"`

	Serve   ServeCommand   `cmd:"" help:"Run the pyro execution server"`
	Exec    ExecCommand    `cmd:"" help:"Run a source file in a fresh microVM"`
	Doctor  DoctorCommand  `cmd:"" help:"Run host and backend diagnostics"`
	History HistoryCommand `cmd:"" help:"List recent executions"`
	Version VersionCommand `cmd:"" help:"Print the pyro version"`
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint (unix://path, http://host:port, tsnet://hostname[:port], tssvc://service[:port])"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type ExecCommand struct {
	Host     string `help:"Server endpoint (unix://path, http://host:port, or https://host:port)"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`

	Lang           string        `short:"l" required:"" help:"Language (python|rust|java|bash|sh)"`
	Input          string        `help:"Text passed to the program on stdin"`
	InputFile      string        `help:"Read program stdin from this file" type:"path"`
	CompileTimeout time.Duration `help:"Compile time budget (server default when zero)"`
	RunTimeout     time.Duration `help:"Run time budget (server default when zero)"`

	Source string `arg:"" optional:"" help:"Source file to run (reads stdin when omitted or -)"`
}

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type HistoryCommand struct {
	Host  string `help:"Server endpoint (unix://path, http://host:port, or https://host:port)"`
	Limit int    `short:"n" default:"20" help:"Number of executions to show"`
	Local bool   `help:"Read the local history database instead of asking the server"`
	ID    string `help:"Show a single execution (requires --local)"`
	JSON  bool   `help:"Print executions as JSON"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) Unwrap() error { return e.err }

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

// Exit codes reported by pyro exec.
const (
	exitCompileError = 2
	exitTimeout      = 124
	exitOverloaded   = 75
)

type doctorCapable interface {
	Doctor(context.Context, backend.DoctorRequest) (*backend.DoctorReport, error)
}

// staleSweeper is implemented by backends that can reclaim VMs left behind by
// a previous server that died without tearing them down.
type staleSweeper interface {
	SweepStale(context.Context) (int, error)
}

var (
	newAdapter = func(cfg runtimeconfig.RunnerConfig, logger *log.Logger) (backend.Adapter, error) {
		return firecracker.New(cfg.FirecrackerConfig(), logger)
	}
	openHistory = func(path string) (*history.Store, error) {
		return history.New(history.Options{Path: path})
	}
	serve = controlserver.Serve
)

func Run(args []string, version string) error {
	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("pyro"),
		kong.Description("Run untrusted code in single-use Firecracker microVMs"),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := runtimeconfig.Load(cli.Config)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	return ctx.Run(&runtimeContext{
		CWD:        cwd,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	})
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server", ctx.Stderr)
	if err != nil {
		return err
	}

	ep, err := endpoint.ResolveListen(s.Listen)
	if err != nil {
		return err
	}

	adapter, err := newAdapter(ctx.Config, logger)
	if err != nil {
		return fmt.Errorf("initialise firecracker backend: %w", err)
	}
	if sweeper, ok := adapter.(staleSweeper); ok {
		swept, err := sweeper.SweepStale(context.Background())
		if err != nil {
			logger.Warn("failed to sweep stale vm workdirs", "run_dir", ctx.Config.RunDir, "error", err)
		} else if swept > 0 {
			logger.Info("swept stale vm workdirs", "run_dir", ctx.Config.RunDir, "count", swept)
		}
	}
	store, err := openHistory(ctx.Config.HistoryPath)
	if err != nil {
		return err
	}
	gate := admission.New(ctx.Config.MaxVMs, ctx.Config.RequestTimeout)

	service := &controlservice.Service{
		Config:    ctx.Config,
		Backend:   adapter,
		Admission: gate,
		History:   store,
		Logger:    logger.With("subsystem", "service"),
	}
	server := controlserver.New(service, logger.With("subsystem", "http"))

	if shouldShowStartupHeader(ctx.Stderr) {
		header := serveHeader(ctx.Version, ctx.Config, ctx.ConfigPath, ep, gate.MaxVMs(), store.Path(), effectiveLogLevel(s.LogLevel))
		_ = writeStartupHeader(ctx.Stderr, header, shouldUseANSI(ctx.Stderr))
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return serve(runCtx, ep, server.Handler(), logger)
}

func (e *ExecCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(e.LogLevel, "client", ctx.Stderr)
	if err != nil {
		return err
	}
	lang, err := execution.ParseLanguage(e.Lang)
	if err != nil {
		return err
	}
	code, err := readSource(ctx, e.Source)
	if err != nil {
		return err
	}
	input := e.Input
	if e.InputFile != "" {
		if e.Input != "" {
			return errors.New("choose either --input or --input-file")
		}
		b, err := os.ReadFile(resolvePath(ctx.CWD, e.InputFile))
		if err != nil {
			return fmt.Errorf("read input file: %w", err)
		}
		input = string(b)
	}

	c, err := client.New(e.Host)
	if err != nil {
		return err
	}
	logger.Debug("sending execution request", "language", lang, "code_bytes", len(code), "input_bytes", len(input))

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	resp, err := c.Run(runCtx, lang.String(), code,
		client.WithInput(input),
		client.WithCompileTimeout(e.CompileTimeout),
		client.WithRunTimeout(e.RunTimeout),
	)
	if err != nil {
		return execError(err)
	}

	if _, err := io.WriteString(ctx.Stdout, resp.Stdout); err != nil {
		return err
	}
	if _, err := io.WriteString(ctx.Stderr, resp.Stderr); err != nil {
		return err
	}
	logger.Debug("execution complete", "execution_id", resp.ExecutionID, "compile_error", resp.CompileError)
	if resp.CompileError {
		return exitCodeError{code: exitCompileError, err: errors.New("compilation failed")}
	}
	return nil
}

func execError(err error) error {
	switch client.ErrCode(err) {
	case client.ErrorCodeTimeout:
		return exitCodeError{code: exitTimeout, err: err}
	case client.ErrorCodeOverloaded:
		return exitCodeError{code: exitOverloaded, err: err}
	case client.ErrorCodeCanceled:
		return exitCodeError{code: 130, err: err}
	default:
		return err
	}
}

func readSource(ctx *runtimeContext, source string) (string, error) {
	if source == "" || source == "-" {
		b, err := io.ReadAll(ctx.Stdin)
		if err != nil {
			return "", fmt.Errorf("read source from stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(resolvePath(ctx.CWD, source))
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(b), nil
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := []backend.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
	}
	backendName := "firecracker"

	adapter, err := newAdapter(ctx.Config, log.New(io.Discard))
	if err != nil {
		checks = append(checks, backend.DoctorCheck{Name: "backend", Status: "fail", Message: err.Error()})
	} else {
		backendName = adapter.Name()
		if checker, ok := adapter.(doctorCapable); ok {
			report, err := checker.Doctor(context.Background(), backend.DoctorRequest{Languages: execution.Languages()})
			if err != nil {
				return err
			}
			checks = append(checks, report.Checks...)
		}
		caps := backend.CapabilitiesForAdapter(adapter)
		for _, key := range backend.SortedCapabilityKeys(caps) {
			status := "pass"
			if !caps[key] {
				status = "warn"
			}
			checks = append(checks, backend.DoctorCheck{Name: "capability_" + key, Status: status, Message: fmt.Sprint(caps[key])})
		}
	}

	if d.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(backend.DoctorReport{Backend: backendName, Checks: checks})
	}
	_, err = io.WriteString(ctx.Stdout, renderDoctorReport(backendName, checks, shouldUseANSI(ctx.Stderr)))
	return err
}

func (h *HistoryCommand) Run(ctx *runtimeContext) error {
	if h.ID != "" && !h.Local {
		return errors.New("--id requires --local")
	}

	var executions []client.ExecutionSummary
	if h.Local {
		store, err := openHistory(ctx.Config.HistoryPath)
		if err != nil {
			return err
		}
		var entries []history.Entry
		if h.ID != "" {
			entry, ok, err := store.Get(context.Background(), h.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("execution %q not found in %s", h.ID, store.Path())
			}
			entries = []history.Entry{entry}
		} else {
			entries, err = store.Recent(context.Background(), h.Limit)
			if err != nil {
				return err
			}
		}
		for _, e := range entries {
			executions = append(executions, controlservice.Summary(e))
		}
	} else {
		c, err := client.New(h.Host)
		if err != nil {
			return err
		}
		resp, err := c.ListExecutions(context.Background(), &client.ListExecutionsRequest{Limit: h.Limit})
		if err != nil {
			return err
		}
		executions = resp.Executions
	}

	if h.JSON {
		if executions == nil {
			executions = []client.ExecutionSummary{}
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(executions)
	}
	_, err := io.WriteString(ctx.Stdout, renderHistory(executions))
	return err
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintf(ctx.Stdout, "pyro %s\n", ctx.Version)
	return err
}

func resolvePath(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

// newLogger writes text to terminals and JSON otherwise.
func newLogger(rawLevel, component string, stderr *os.File) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	formatter := log.JSONFormatter
	if stderr != nil && term.IsTerminal(int(stderr.Fd())) {
		formatter = log.TextFormatter
	}
	var out io.Writer = io.Discard
	if stderr != nil {
		out = stderr
	}
	logger := log.NewWithOptions(out, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	})
	applyPolishedLoggerStyles(logger, formatter == log.TextFormatter && shouldUseANSI(stderr))
	return logger.With("component", component), nil
}
