package client

import (
	"context"
	"errors"
	"time"

	"connectrpc.com/connect"
)

// ErrorCode is a stable classifier for pyro API errors.
type ErrorCode string

const (
	ErrorCodeUnknown        ErrorCode = "unknown"
	ErrorCodeCanceled       ErrorCode = "canceled"
	ErrorCodeInvalidRequest ErrorCode = "invalid_request"
	ErrorCodeTimeout        ErrorCode = "timeout"
	ErrorCodeOverloaded     ErrorCode = "overloaded"
	ErrorCodeVMUnavailable  ErrorCode = "vm_unavailable"
	ErrorCodeOutputNotText  ErrorCode = "output_not_text"
	ErrorCodeInternal       ErrorCode = "internal"
)

// ErrCode classifies an error returned by Client methods.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		switch connectErr.Code() {
		case connect.CodeCanceled:
			return ErrorCodeCanceled
		case connect.CodeInvalidArgument:
			return ErrorCodeInvalidRequest
		case connect.CodeDeadlineExceeded:
			return ErrorCodeTimeout
		case connect.CodeResourceExhausted:
			return ErrorCodeOverloaded
		case connect.CodeUnavailable:
			return ErrorCodeVMUnavailable
		case connect.CodeDataLoss:
			return ErrorCodeOutputNotText
		default:
			return ErrorCodeInternal
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	return ErrorCodeUnknown
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromEnv builds a client from PYRO_HOST, or the default endpoint when unset.
func NewFromEnv() (*Client, error) {
	return New("")
}

// RunOption adjusts a request built by Run.
type RunOption func(*RunCodeRequest)

func WithInput(input string) RunOption {
	return func(r *RunCodeRequest) { r.Input = input }
}

func WithCompileTimeout(d time.Duration) RunOption {
	return func(r *RunCodeRequest) { r.CompileTimeoutMS = d.Milliseconds() }
}

func WithRunTimeout(d time.Duration) RunOption {
	return func(r *RunCodeRequest) { r.RunTimeoutMS = d.Milliseconds() }
}

// Run executes code in a fresh VM. A compile error is reported in the
// response, not as an error.
func (c *Client) Run(ctx context.Context, lang, code string, opts ...RunOption) (*RunCodeResponse, error) {
	req := &RunCodeRequest{Lang: lang, Code: code}
	for _, opt := range opts {
		opt(req)
	}
	return c.RunCode(ctx, req)
}
