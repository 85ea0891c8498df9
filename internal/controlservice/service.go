package controlservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/admission"
	"github.com/pyro-sandbox/pyro/internal/backend"
	"github.com/pyro-sandbox/pyro/internal/controlapi"
	"github.com/pyro-sandbox/pyro/internal/execution"
	"github.com/pyro-sandbox/pyro/internal/history"
	"github.com/pyro-sandbox/pyro/internal/runtimeconfig"
	"github.com/pyro-sandbox/pyro/internal/vsockexec"
)

// ErrInvalidRequest wraps validation failures of a submitted request.
var ErrInvalidRequest = errors.New("invalid request")

const historyWriteTimeout = 2 * time.Second

// Recorder persists finished executions.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Service runs each request in its own VM. Config is read-only.
type Service struct {
	Config    runtimeconfig.RunnerConfig
	Backend   backend.Adapter
	Admission *admission.Controller
	History   Recorder
	Logger    *log.Logger
}

type Result struct {
	ExecutionID string
	VMID        string
	Output      execution.Output
}

// Submit admits the request, boots a fresh VM for it, runs the code and tears
// the VM down. The VM never outlives the call.
func (s *Service) Submit(ctx context.Context, req execution.Request) (Result, error) {
	req = s.withDefaultLimits(req)
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	res := Result{ExecutionID: newExecutionID(), VMID: newVMID()}
	logger := s.logger().With("execution_id", res.ExecutionID, "vm_id", res.VMID, "language", req.Language)
	started := time.Now().UTC()

	err := s.Admission.Do(ctx, func(ctx context.Context) error {
		out, err := s.runInVM(ctx, logger, res.VMID, req)
		res.Output = out
		return err
	})

	outcome := outcomeFor(err, res.Output)
	if err == nil {
		res.Output.Outcome = outcome
	}
	s.record(ctx, logger, res, req, outcome, err, started)

	if err != nil {
		logger.Warn("execution failed", "outcome", outcome, "error", err)
		return res, err
	}
	logger.Info("execution finished",
		"outcome", outcome,
		"stdout_bytes", len(res.Output.Stdout),
		"stderr_bytes", len(res.Output.Stderr),
		"duration", time.Since(started).Round(time.Millisecond),
	)
	return res, nil
}

func (s *Service) runInVM(ctx context.Context, logger *log.Logger, vmID string, req execution.Request) (execution.Output, error) {
	vm, err := s.Backend.Spawn(ctx, backend.SpawnRequest{ID: vmID, Language: req.Language})
	if err != nil {
		return execution.Output{}, err
	}
	defer func() {
		if closeErr := vm.Close(); closeErr != nil {
			logger.Warn("vm teardown failed", "error", closeErr)
		}
	}()

	bootCtx, cancel := context.WithTimeout(ctx, s.Config.BootTimeout)
	conn, err := vm.Connect(bootCtx, s.Config.GuestPort)
	cancel()
	if err != nil {
		return execution.Output{}, fmt.Errorf("connect to guest agent: %w", err)
	}

	client := vsockexec.NewAgentClient(conn)
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return execution.Output{}, fmt.Errorf("ping guest agent: %w", err)
	}
	vm.MarkExecuting()
	logger.Debug("guest agent ready")

	out, err := client.RunCode(ctx, req)
	if err != nil && vsockexec.IsTransportError(err) {
		return execution.Output{}, fmt.Errorf("run_code: %w", err)
	}
	return out, err
}

// RunCode is the facade's entry point: it parses the wire request, runs it
// and requires textual output.
func (s *Service) RunCode(ctx context.Context, req controlapi.RunCodeRequest) (controlapi.RunCodeResponse, error) {
	lang, err := execution.ParseLanguage(req.Lang)
	if err != nil {
		return controlapi.RunCodeResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.CompileTimeoutMS < 0 || req.RunTimeoutMS < 0 {
		return controlapi.RunCodeResponse{}, fmt.Errorf("%w: timeouts must not be negative", ErrInvalidRequest)
	}

	res, err := s.Submit(ctx, execution.Request{
		Language: lang,
		Source:   req.Code,
		Stdin:    req.Input,
		Limits: execution.Limits{
			Compile: time.Duration(req.CompileTimeoutMS) * time.Millisecond,
			Run:     time.Duration(req.RunTimeoutMS) * time.Millisecond,
		},
		RequireText: true,
	})
	if err != nil {
		return controlapi.RunCodeResponse{}, err
	}
	stdout, stderr, err := res.Output.Text()
	if err != nil {
		return controlapi.RunCodeResponse{}, err
	}
	return controlapi.RunCodeResponse{
		Stdout:       stdout,
		Stderr:       stderr,
		CompileError: res.Output.Outcome == execution.OutcomeCompileError,
		ExecutionID:  res.ExecutionID,
	}, nil
}

func (s *Service) ListExecutions(ctx context.Context, req controlapi.ListExecutionsRequest) (controlapi.ListExecutionsResponse, error) {
	resp := controlapi.ListExecutionsResponse{Executions: []controlapi.ExecutionSummary{}}
	if s.History == nil {
		return resp, nil
	}
	entries, err := s.History.Recent(ctx, req.Limit)
	if err != nil {
		return resp, err
	}
	for _, e := range entries {
		resp.Executions = append(resp.Executions, Summary(e))
	}
	return resp, nil
}

func (s *Service) withDefaultLimits(req execution.Request) execution.Request {
	if req.Limits.Compile == 0 {
		req.Limits.Compile = s.Config.CompileTimeout
	}
	if req.Limits.Run == 0 {
		req.Limits.Run = s.Config.RunTimeout
	}
	return req
}

func (s *Service) record(ctx context.Context, logger *log.Logger, res Result, req execution.Request, outcome execution.Outcome, runErr error, started time.Time) {
	if s.History == nil {
		return
	}
	entry := history.Entry{
		ID:          res.ExecutionID,
		VMID:        res.VMID,
		Language:    req.Language.String(),
		Outcome:     string(outcome),
		StdoutBytes: int64(len(res.Output.Stdout)),
		StderrBytes: int64(len(res.Output.Stderr)),
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}
	if runErr != nil {
		entry.ErrorKind = errorKind(runErr)
		entry.Error = runErr.Error()
	}

	// The request context may already be done when the deadline fired.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := s.History.Record(writeCtx, entry); err != nil {
		logger.Warn("failed to record execution history", "error", err)
	}
}

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func outcomeFor(err error, out execution.Output) execution.Outcome {
	if err == nil {
		if out.Outcome == execution.OutcomeCompileError {
			return execution.OutcomeCompileError
		}
		return execution.OutcomeSuccess
	}
	if errors.Is(err, admission.ErrAdmissionTimeout) ||
		errors.Is(err, admission.ErrExecutionTimeout) ||
		errors.Is(err, vsockexec.ErrDeadlineExceeded) {
		return execution.OutcomeTimeout
	}
	return execution.Classify(err)
}

// errorKind is the short machine-readable label stored in history.
func errorKind(err error) string {
	var runErr *execution.RunError
	switch {
	case errors.As(err, &runErr):
		return string(runErr.Kind)
	case errors.Is(err, admission.ErrAdmissionTimeout):
		return "admission_timeout"
	case errors.Is(err, admission.ErrExecutionTimeout):
		return "execution_timeout"
	case errors.Is(err, backend.ErrSpawn):
		return "spawn"
	case errors.Is(err, vsockexec.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, vsockexec.ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return string(execution.Classify(err))
	}
}

// Summary converts a stored history entry to its wire form.
func Summary(e history.Entry) controlapi.ExecutionSummary {
	return controlapi.ExecutionSummary{
		ID:          e.ID,
		VMID:        e.VMID,
		Language:    e.Language,
		Outcome:     e.Outcome,
		ErrorKind:   e.ErrorKind,
		Error:       e.Error,
		StdoutBytes: e.StdoutBytes,
		StderrBytes: e.StderrBytes,
		StartedAt:   e.StartedAt.Format(time.RFC3339Nano),
		DurationMS:  e.Duration().Milliseconds(),
	}
}
