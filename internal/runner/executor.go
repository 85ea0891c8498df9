package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/execution"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Identity is the uid/gid submitted code runs as.
type Identity struct {
	UID uint32
	GID uint32
}

// SandboxIdentity is the identity every guest image provisions.
func SandboxIdentity() *Identity {
	return &Identity{UID: SandboxUID, GID: SandboxGID}
}

// pipeDrainDelay bounds how long Wait keeps reading output after the process
// exits, in case a stray descendant still holds the pipes open.
const pipeDrainDelay = time.Second

// MaxOutputBytes caps captured stdout and stderr, each. Two full streams
// plus framing still fit in one vsockexec frame.
const MaxOutputBytes = 4 << 20

// Executor runs one request through the compile and run phases of its
// language.
type Executor struct {
	// Specs resolves a language to its recipe. Defaults to For.
	Specs func(execution.Language) (Spec, error)
	// Identity drops privileges for every phase. Nil keeps the caller's identity.
	Identity *Identity
	// OutputLimit caps each captured stream. Zero selects MaxOutputBytes.
	OutputLimit int
	Logger      *log.Logger
}

type phase struct {
	name    string
	argv    []string
	dir     string
	env     []string
	stdin   []byte
	limit   time.Duration
	timeout execution.ErrorKind
}

type phaseResult struct {
	stdout []byte
	stderr []byte
	exited bool
	code   int
}

// Execute writes the source to its fixed path, compiles it when the language
// needs it and runs it. A compile failure in the submitted code is returned as
// an Output with OutcomeCompileError. Phases are bounded by req.Limits only;
// cancelling ctx does not kill a running phase.
func (e *Executor) Execute(ctx context.Context, req execution.Request) (execution.Output, error) {
	if err := ctx.Err(); err != nil {
		return execution.Output{}, err
	}
	logger := e.logger().With("language", req.Language)

	specs := e.Specs
	if specs == nil {
		specs = For
	}
	spec, err := specs(req.Language)
	if err != nil {
		return execution.Output{}, err
	}

	if err := writeSource(spec.SourcePath, req.Source); err != nil {
		return execution.Output{}, execution.IOFault(err)
	}
	logger.Debug("source written", "path", spec.SourcePath)

	if spec.Compiled() {
		res, err := e.runPhase(phase{
			name:    "compile",
			argv:    spec.Compile,
			dir:     spec.CompileDir,
			env:     spec.CompileEnv,
			limit:   req.Limits.Compile,
			timeout: execution.KindCompileTimeout,
		})
		if err != nil {
			logger.Warn("compile phase failed", "error", err)
			return execution.Output{}, err
		}
		if !res.exited || res.code != 0 {
			logger.Info("code failed to compile", "exit_code", res.code)
			return execution.Output{
				Stdout:  res.stdout,
				Stderr:  res.stderr,
				Outcome: execution.OutcomeCompileError,
			}, nil
		}
		logger.Debug("code compiled")
	}

	res, err := e.runPhase(phase{
		name:    "run",
		argv:    spec.Run,
		dir:     spec.RunDir,
		stdin:   []byte(req.Stdin),
		limit:   req.Limits.Run,
		timeout: execution.KindRunTimeout,
	})
	if err != nil {
		logger.Warn("run phase failed", "error", err)
		return execution.Output{}, err
	}
	logger.Debug("run finished", "exit_code", res.code)

	out := execution.Output{
		Stdout:  res.stdout,
		Stderr:  res.stderr,
		Outcome: execution.OutcomeSuccess,
	}
	if req.RequireText {
		if _, _, err := out.Text(); err != nil {
			return execution.Output{}, err
		}
	}
	return out, nil
}

// runPhase runs p on a worker goroutine so a panic in process handling is
// reported as a thread fault instead of taking down the agent.
func (e *Executor) runPhase(p phase) (phaseResult, error) {
	var res phaseResult
	var g errgroup.Group
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &execution.RunError{Kind: execution.KindThreadFault, Detail: fmt.Sprint(r)}
			}
		}()
		res, err = e.spawn(p)
		return err
	})
	if err := g.Wait(); err != nil {
		return phaseResult{}, err
	}
	return res, nil
}

func (e *Executor) spawn(p phase) (phaseResult, error) {
	if len(p.argv) == 0 {
		return phaseResult{}, &execution.RunError{Kind: execution.KindIO, Detail: "empty " + p.name + " command"}
	}

	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if e.Identity != nil {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: e.Identity.UID, Gid: e.Identity.GID}
	}
	cmd.Stdin = bytes.NewReader(p.stdin)
	limit := e.OutputLimit
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	spill := &overflow{ch: make(chan struct{})}
	stdout := &cappedBuffer{limit: limit, overflow: spill}
	stderr := &cappedBuffer{limit: limit, overflow: spill}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = pipeDrainDelay

	if err := cmd.Start(); err != nil {
		return phaseResult{}, execution.IOFault(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(p.limit)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		killGroup(cmd.Process.Pid)
		<-done
		return phaseResult{}, &execution.RunError{Kind: p.timeout, Limit: p.limit}
	case <-spill.ch:
		killGroup(cmd.Process.Pid)
		<-done
		return phaseResult{}, outputLimitError(p.name, limit)
	}
	if spill.tripped() {
		return phaseResult{}, outputLimitError(p.name, limit)
	}

	res := phaseResult{stdout: stdout.buf.Bytes(), stderr: stderr.buf.Bytes(), exited: true}
	if waitErr == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.code = exitErr.ExitCode()
		res.exited = exitErr.Exited()
		return res, nil
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, nil
	}
	return phaseResult{}, execution.IOFault(waitErr)
}

func outputLimitError(name string, limit int) error {
	return &execution.RunError{
		Kind:   execution.KindOutputLimit,
		Detail: fmt.Sprintf("%s phase wrote more than %d bytes to one stream", name, limit),
	}
}

// overflow is closed once either stream passes its cap.
type overflow struct {
	once sync.Once
	ch   chan struct{}
}

func (o *overflow) trip() { o.once.Do(func() { close(o.ch) }) }

func (o *overflow) tripped() bool {
	select {
	case <-o.ch:
		return true
	default:
		return false
	}
}

// cappedBuffer keeps at most limit bytes. Writes past the cap are accepted
// and discarded so the child never blocks on a full pipe while it is killed.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow *overflow
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if len(p) > room {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.overflow.trip()
		return len(p), nil
	}
	return b.buf.Write(p)
}

// killGroup kills the phase process and everything it forked.
func killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

func writeSource(path, source string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(source), 0o644)
}

func (e *Executor) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}
