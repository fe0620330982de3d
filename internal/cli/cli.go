package cli

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Version is stamped at build time with -ldflags "-X ewocclassif/internal/cli.Version=...".
var Version = "dev"

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// Usage wraps err as a usage error (exit status 2).
func Usage(err error) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return err
	}
	return &ExitError{Code: ExitUsage, Message: err.Error(), Err: err}
}

// Usagef builds a usage error from a format string.
func Usagef(format string, args ...interface{}) error {
	return &ExitError{Code: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

// Failure wraps err as a processing failure (exit status 1).
func Failure(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
}

// ExitCode maps an error returned by a command to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

// Reporter writes the orchestrator protocol lines. The orchestrator parses
// these lines from stdout, so their wording is fixed.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewReporter returns a reporter writing to w.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Line writes one raw protocol line.
func (r *Reporter) Line(s string) {
	if r == nil || r.w == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, s)
}

// Start announces the beginning of processing.
func (r *Reporter) Start() { r.Line("Start of processing") }

// Uploaded reports an upload of n files to dir.
func (r *Reporter) Uploaded(n int, dir string) {
	r.Line(fmt.Sprintf("Uploaded %d files to bucket | %s", n, dir))
}

// Skipped reports a block the classifier skipped.
func (r *Reporter) Skipped() { r.Uploaded(0, "placeholder") }
