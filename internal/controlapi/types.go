// Package controlapi holds the JSON shapes served by the HTTP facade and the
// connect codec that carries them.
package controlapi

import (
	"encoding/json"
	"fmt"
)

const (
	ServiceName = "pyro.v1.ExecutionService"

	RunCodeProcedure        = "/" + ServiceName + "/RunCode"
	ListExecutionsProcedure = "/" + ServiceName + "/ListExecutions"
)

type RunCodeRequest struct {
	Code  string `json:"code"`
	Input string `json:"input,omitempty"`
	Lang  string `json:"lang"`
	// Zero selects the server's configured budget.
	CompileTimeoutMS int64 `json:"compile_timeout_ms,omitempty"`
	RunTimeoutMS     int64 `json:"run_timeout_ms,omitempty"`
}

type RunCodeResponse struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	CompileError bool   `json:"compile_error,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty"`
}

type ListExecutionsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionSummary `json:"executions"`
}

type ExecutionSummary struct {
	ID          string `json:"id"`
	VMID        string `json:"vm_id"`
	Language    string `json:"language"`
	Outcome     string `json:"outcome"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	StdoutBytes int64  `json:"stdout_bytes"`
	StderrBytes int64  `json:"stderr_bytes"`
	StartedAt   string `json:"started_at"`
	DurationMS  int64  `json:"duration_ms"`
}

// JSONCodec replaces connect's protobuf JSON codec so plain structs can be
// used as request and response messages.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
