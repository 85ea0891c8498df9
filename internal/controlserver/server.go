package controlserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/admission"
	"github.com/pyro-sandbox/pyro/internal/backend"
	"github.com/pyro-sandbox/pyro/internal/controlapi"
	"github.com/pyro-sandbox/pyro/internal/controlservice"
	"github.com/pyro-sandbox/pyro/internal/endpoint"
	"github.com/pyro-sandbox/pyro/internal/execution"
	"github.com/pyro-sandbox/pyro/internal/paths"
	"github.com/pyro-sandbox/pyro/internal/vsockexec"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"tailscale.com/tsnet"
)

// ExecutionService is the part of controlservice.Service the facade needs.
type ExecutionService interface {
	RunCode(ctx context.Context, req controlapi.RunCodeRequest) (controlapi.RunCodeResponse, error)
	ListExecutions(ctx context.Context, req controlapi.ListExecutionsRequest) (controlapi.ListExecutionsResponse, error)
}

var _ ExecutionService = (*controlservice.Service)(nil)

type Server struct {
	service ExecutionService
	logger  *log.Logger
}

func New(service ExecutionService, logger *log.Logger) *Server {
	return &Server{service: service, logger: logger}
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

var newTSNetServer = func(ep endpoint.Endpoint, stateDir string, tsLogf func(format string, args ...any)) tsnetServer {
	return &tsnet.Server{
		Dir:      stateDir,
		Hostname: ep.TSNetHostname,
		Logf:     tsLogf,
	}
}

func tsnetLogf(logger *log.Logger) func(format string, args ...any) {
	if logger == nil {
		return nil
	}
	tsLogger := logger.With("subsystem", "tsnet")
	return func(format string, args ...any) {
		msg := strings.TrimSpace(fmt.Sprintf(format, args...))
		if msg == "" {
			return
		}
		tsLogger.Debug(msg)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	codec := connect.WithCodec(controlapi.JSONCodec{})
	mux.Handle(controlapi.RunCodeProcedure, connect.NewUnaryHandler(controlapi.RunCodeProcedure, s.RunCode, codec))
	mux.Handle(controlapi.ListExecutionsProcedure, connect.NewUnaryHandler(controlapi.ListExecutionsProcedure, s.ListExecutions, codec))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) RunCode(ctx context.Context, req *connect.Request[controlapi.RunCodeRequest]) (*connect.Response[controlapi.RunCodeResponse], error) {
	resp, err := s.service.RunCode(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&resp), nil
}

func (s *Server) ListExecutions(ctx context.Context, req *connect.Request[controlapi.ListExecutionsRequest]) (*connect.Response[controlapi.ListExecutionsResponse], error) {
	resp, err := s.service.ListExecutions(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&resp), nil
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, controlservice.ErrInvalidRequest):
		code = connect.CodeInvalidArgument
	case errors.Is(err, admission.ErrAdmissionTimeout):
		code = connect.CodeResourceExhausted
	case errors.Is(err, admission.ErrExecutionTimeout),
		errors.Is(err, vsockexec.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, execution.ErrCompileTimeout),
		errors.Is(err, execution.ErrRunTimeout):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, backend.ErrSpawn):
		code = connect.CodeUnavailable
	case errors.Is(err, execution.ErrOutputEncoding):
		code = connect.CodeDataLoss
	case errors.Is(err, execution.ErrOutputLimit),
		errors.Is(err, vsockexec.ErrFrameTooLarge):
		code = connect.CodeOutOfRange
	}
	return connect.NewError(code, err)
}

func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger) error {
	listener, cleanup, err := listen(ep, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer func() {
			_ = cleanup()
		}()
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving pyro execution API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("execution API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("execution API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, logger *log.Logger) (net.Listener, func() error, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		return listener, nil, nil

	case "tsnet":
		stateDir, err := paths.TSNetStateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tsnet state directory: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create tsnet state directory: %w", err)
		}
		server := newTSNetServer(ep, stateDir, tsnetLogf(logger))
		listener, err := server.Listen("tcp", ep.Address)
		if err != nil {
			_ = server.Close()
			return nil, nil, fmt.Errorf("start tsnet listener for %q: %w", ep.Address, err)
		}
		return listener, server.Close, nil

	case "tssvc":
		listener, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("start tailscale service listener for %q: %w", ep.Address, err)
		}
		setupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := configureTailscaleService(setupCtx, ep, listener.Addr().String()); err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		return listener, nil, nil

	case "http":
		addr := strings.TrimPrefix(ep.Address, "http://")
		listener, err := net.Listen("tcp", addr)
		return listener, nil, err
	}

	return nil, nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}
