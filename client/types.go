package client

import "github.com/pyro-sandbox/pyro/internal/controlapi"

type RunCodeRequest = controlapi.RunCodeRequest
type RunCodeResponse = controlapi.RunCodeResponse
type ListExecutionsRequest = controlapi.ListExecutionsRequest
type ListExecutionsResponse = controlapi.ListExecutionsResponse
type ExecutionSummary = controlapi.ExecutionSummary

// Language tags accepted by the server. Matching is case-insensitive.
const (
	LanguagePython = "python"
	LanguageRust   = "rust"
	LanguageJava   = "java"
	LanguageBash   = "bash"
	LanguageSh     = "sh"
)
