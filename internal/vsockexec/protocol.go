// Package vsockexec carries calls between the host and the guest agent: the
// vsock proxy handshake, length-prefixed framing and CBOR encoded RPC.
package vsockexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pyro-sandbox/pyro/internal/execution"
)

const (
	MethodPing    = "ping"
	MethodRunCode = "run_code"

	PingReply = "pong"
)

type RunCodeArgs struct {
	Language       string `cbor:"1,keyasint"`
	Source         string `cbor:"2,keyasint"`
	Stdin          string `cbor:"3,keyasint,omitempty"`
	CompileTimeout int64  `cbor:"4,keyasint"`
	RunTimeout     int64  `cbor:"5,keyasint"`
	RequireText    bool   `cbor:"6,keyasint,omitempty"`
}

// RunCodeReply carries either the program output or the guest's RunError.
type RunCodeReply struct {
	Stdout       []byte    `cbor:"1,keyasint,omitempty"`
	Stderr       []byte    `cbor:"2,keyasint,omitempty"`
	CompileError bool      `cbor:"3,keyasint,omitempty"`
	Error        *RunFault `cbor:"4,keyasint,omitempty"`
}

type RunFault struct {
	Kind   string `cbor:"1,keyasint"`
	Limit  int64  `cbor:"2,keyasint,omitempty"`
	Detail string `cbor:"3,keyasint,omitempty"`
}

func NewRunCodeArgs(req execution.Request) RunCodeArgs {
	return RunCodeArgs{
		Language:       string(req.Language),
		Source:         req.Source,
		Stdin:          req.Stdin,
		CompileTimeout: int64(req.Limits.Compile),
		RunTimeout:     int64(req.Limits.Run),
		RequireText:    req.RequireText,
	}
}

func (a RunCodeArgs) Request() (execution.Request, error) {
	lang, err := execution.ParseLanguage(a.Language)
	if err != nil {
		return execution.Request{}, err
	}
	req := execution.Request{
		Language: lang,
		Source:   a.Source,
		Stdin:    a.Stdin,
		Limits: execution.Limits{
			Compile: time.Duration(a.CompileTimeout),
			Run:     time.Duration(a.RunTimeout),
		},
		RequireText: a.RequireText,
	}
	if err := req.Validate(); err != nil {
		return execution.Request{}, err
	}
	return req, nil
}

// NewRunCodeReply packs the result of an execution. Errors that are not a
// RunError are reported as I/O faults.
func NewRunCodeReply(out execution.Output, err error) RunCodeReply {
	if err != nil {
		runErr := execution.IOFault(err)
		return RunCodeReply{Error: &RunFault{
			Kind:   string(runErr.Kind),
			Limit:  int64(runErr.Limit),
			Detail: runErr.Detail,
		}}
	}
	return RunCodeReply{
		Stdout:       out.Stdout,
		Stderr:       out.Stderr,
		CompileError: out.Outcome == execution.OutcomeCompileError,
	}
}

func (r RunCodeReply) Output() (execution.Output, error) {
	if r.Error != nil {
		return execution.Output{}, &execution.RunError{
			Kind:   execution.ErrorKind(r.Error.Kind),
			Limit:  time.Duration(r.Error.Limit),
			Detail: r.Error.Detail,
		}
	}
	outcome := execution.OutcomeSuccess
	if r.CompileError {
		outcome = execution.OutcomeCompileError
	}
	return execution.Output{Stdout: r.Stdout, Stderr: r.Stderr, Outcome: outcome}, nil
}

// AgentClient is the host's typed view of the guest agent.
type AgentClient struct {
	rpc *Client
}

func NewAgentClient(conn io.ReadWriteCloser) *AgentClient {
	return &AgentClient{rpc: NewClient(conn)}
}

func (c *AgentClient) Ping(ctx context.Context) error {
	var reply string
	if err := c.rpc.Call(ctx, MethodPing, nil, &reply); err != nil {
		return err
	}
	if reply != PingReply {
		return fmt.Errorf("%w: unexpected ping reply %q", ErrProtocol, reply)
	}
	return nil
}

func (c *AgentClient) RunCode(ctx context.Context, req execution.Request) (execution.Output, error) {
	var reply RunCodeReply
	if err := c.rpc.Call(ctx, MethodRunCode, NewRunCodeArgs(req), &reply); err != nil {
		return execution.Output{}, err
	}
	return reply.Output()
}

func (c *AgentClient) Close() error {
	return c.rpc.Close()
}

// Executor runs a request inside the guest.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (execution.Output, error)
}

// RegisterAgent wires the guest agent methods onto s.
func RegisterAgent(s *Server, exec Executor) {
	s.Handle(MethodPing, func(context.Context, cbor.RawMessage) (any, error) {
		return PingReply, nil
	})
	s.Handle(MethodRunCode, func(ctx context.Context, payload cbor.RawMessage) (any, error) {
		var args RunCodeArgs
		if err := DecodeArgs(payload, &args); err != nil {
			return nil, err
		}
		req, err := args.Request()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return NewRunCodeReply(exec.Execute(ctx, req)), nil
	})
}

// IsTransportError reports whether err came from the RPC channel rather than
// from the code that ran in the guest.
func IsTransportError(err error) bool {
	var remote *RemoteError
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrProtocol) || errors.As(err, &remote)
}
