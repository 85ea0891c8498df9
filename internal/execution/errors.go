package execution

import (
	"errors"
	"fmt"
	"io/fs"
	"time"
)

// ErrorKind names a guest-side execution fault. Kinds travel over the wire as
// their string value.
type ErrorKind string

const (
	KindCompileTimeout ErrorKind = "compile_timeout"
	KindRunTimeout     ErrorKind = "run_timeout"
	KindIO             ErrorKind = "io"
	KindFileNotFound   ErrorKind = "file_not_found"
	KindThreadFault    ErrorKind = "thread_fault"
	KindOutputEncoding ErrorKind = "output_encoding"
	KindOutputLimit    ErrorKind = "output_limit"
)

// RunError is returned by the guest runner for every failure that is not a
// compile error in the submitted code.
type RunError struct {
	Kind   ErrorKind
	Limit  time.Duration
	Detail string
}

var (
	ErrCompileTimeout = &RunError{Kind: KindCompileTimeout}
	ErrRunTimeout     = &RunError{Kind: KindRunTimeout}
	ErrIO             = &RunError{Kind: KindIO}
	ErrFileNotFound   = &RunError{Kind: KindFileNotFound}
	ErrThreadFault    = &RunError{Kind: KindThreadFault}
	ErrOutputEncoding = &RunError{Kind: KindOutputEncoding}
	ErrOutputLimit    = &RunError{Kind: KindOutputLimit}
)

func (e *RunError) Error() string {
	switch e.Kind {
	case KindCompileTimeout:
		return fmt.Sprintf("code exceeded max compilation time of %s", e.Limit)
	case KindRunTimeout:
		return fmt.Sprintf("code exceeded max runtime of %s", e.Limit)
	case KindFileNotFound:
		if e.Detail != "" {
			return "file not found while running code: " + e.Detail
		}
		return "file not found while running code"
	case KindOutputEncoding:
		return "output data from program was not valid UTF-8"
	case KindOutputLimit:
		if e.Detail != "" {
			return "program output exceeded its size limit: " + e.Detail
		}
		return "program output exceeded its size limit"
	case KindThreadFault:
		return "worker crashed during execution: " + e.Detail
	case KindIO:
		return "I/O error while running code: " + e.Detail
	default:
		return fmt.Sprintf("run error %s: %s", e.Kind, e.Detail)
	}
}

// Is matches on Kind so callers can write errors.Is(err, ErrRunTimeout).
func (e *RunError) Is(target error) bool {
	var other *RunError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func (e *RunError) Timeout() bool {
	return e.Kind == KindCompileTimeout || e.Kind == KindRunTimeout
}

// IOFault converts an operating system error into a RunError, mapping missing
// files to KindFileNotFound.
func IOFault(err error) *RunError {
	if err == nil {
		return nil
	}
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &RunError{Kind: KindFileNotFound, Detail: err.Error()}
	}
	return &RunError{Kind: KindIO, Detail: err.Error()}
}
