// Package execution holds the data model shared by the host service and the
// guest agent: requests, phase limits, captured output and the run error
// taxonomy that crosses the vsock channel.
package execution

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Limits bounds the two phases of an execution. Compile is ignored for
// interpreted languages.
type Limits struct {
	Compile time.Duration
	Run     time.Duration
}

// Request is a single code submission. It is created once per API call and
// never modified.
type Request struct {
	Language Language
	Source   string
	Stdin    string
	Limits   Limits
	// RequireText asks the guest to reject output that is not valid UTF-8.
	RequireText bool
}

func (r Request) Validate() error {
	if !r.Language.Valid() {
		return fmt.Errorf("invalid language %q", r.Language)
	}
	if r.Limits.Compile <= 0 {
		return fmt.Errorf("invalid compile timeout %s", r.Limits.Compile)
	}
	if r.Limits.Run <= 0 {
		return fmt.Errorf("invalid run timeout %s", r.Limits.Run)
	}
	return nil
}

type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeCompileError Outcome = "compile_error"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeFault        Outcome = "infrastructure_fault"
)

// Output is the raw result of an execution. Stdout and Stderr are not assumed
// to be valid text.
type Output struct {
	Stdout  []byte
	Stderr  []byte
	Outcome Outcome
}

// Text returns stdout and stderr as strings, failing with an
// OutputEncodingError when either is not valid UTF-8.
func (o Output) Text() (string, string, error) {
	if !utf8.Valid(o.Stdout) || !utf8.Valid(o.Stderr) {
		return "", "", &RunError{Kind: KindOutputEncoding}
	}
	return string(o.Stdout), string(o.Stderr), nil
}

// Classify maps an execution error onto the outcome reported to callers and
// recorded in history.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrCompileTimeout) || errors.Is(err, ErrRunTimeout) {
		return OutcomeTimeout
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeFault
}
