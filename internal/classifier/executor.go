package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"ewocclassif/internal/config"
	"ewocclassif/internal/logging"
)

// ExecStartFailure is the exit code reported when the binary cannot be
// started, as a shell would.
const ExecStartFailure = 127

// Options configures an Executor.
type Options struct {
	Binary string
	// Args are inserted before the classifier arguments.
	Args []string

	Timeout        time.Duration
	MaxOutputBytes int64

	// PassEnv lists the variables inherited from the current environment.
	PassEnv []string
	// Env adds KEY=VALUE pairs.
	Env []string

	Dir string
}

// OptionsFromConfig builds executor options from the worker configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Binary:         cfg.Classifier.Binary,
		Args:           cfg.Classifier.Args,
		Timeout:        cfg.GetBlockTimeout(),
		MaxOutputBytes: int64(cfg.Classifier.OutputLimit),
		PassEnv:        cfg.Classifier.PassEnv,
	}
}

// Executor runs the classifier binary directly on the host using os/exec.
type Executor struct {
	opts Options
}

// NewExecutor creates an executor. Zero timeout and output limit get
// defaults.
func NewExecutor(opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Hour
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 1 << 20
	}
	logging.ClassifierDebug("Creating executor: binary=%s timeout=%s maxOutput=%d bytes",
		opts.Binary, opts.Timeout, opts.MaxOutputBytes)
	return &Executor{opts: opts}
}

// CommandLine renders the full command for logs.
func (e *Executor) CommandLine(req Request) string {
	parts := append([]string{e.opts.Binary}, e.opts.Args...)
	return strings.Join(append(parts, req.Arguments()...), " ")
}

// Run executes one classifier invocation. The returned error is only set
// for invalid requests; start failures, kills and non-zero exits are
// reported through the Result.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if e.opts.Binary == "" {
		return nil, fmt.Errorf("classifier binary is required")
	}
	if req.Tile == "" || req.ConfigPath == "" || req.OutDir == "" {
		return nil, fmt.Errorf("classifier request needs a tile, a config and an output directory")
	}

	timer := logging.StartTimer(logging.CategoryClassifier, "classifier "+string(req.Mode))
	defer timer.Stop()

	timeout := e.opts.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	logging.Classifier("Executing: %s", e.CommandLine(req))

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, e.opts.Args...), req.Arguments()...)
	cmd := exec.CommandContext(execCtx, e.opts.Binary, args...)
	cmd.Dir = e.opts.Dir
	cmd.Env = e.buildEnvironment()
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 10 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: e.opts.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: e.opts.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	result := &Result{ExitCode: -1, StartedAt: time.Now()}
	err := cmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		logging.ClassifierWarn("Classifier output truncated: %d bytes discarded",
			stdoutLimited.discarded+stderrLimited.discarded)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		logging.ClassifierWarn("Classifier killed (timeout): %s after %s", req.Tile, timeout)
	case errors.Is(execCtx.Err(), context.Canceled):
		result.Killed = true
		result.KillReason = "context canceled"
		logging.ClassifierDebug("Classifier canceled: %s", req.Tile)
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = ExecStartFailure
		result.Error = err.Error()
		logging.ClassifierError("Classifier failed to start: %s - %v", e.opts.Binary, err)
	}

	if result.Killed {
		result.Outcome = OutcomeFailed
	} else {
		result.Outcome = OutcomeFor(result.ExitCode)
	}

	logging.Classifier("Classifier completed: tile=%s exit=%d outcome=%s duration=%s",
		req.Tile, result.ExitCode, result.Outcome, result.Duration)
	if result.Outcome == OutcomeFailed {
		logging.ClassifierWarn("Classifier output tail:\n%s", result.Tail(20))
	}
	return result, nil
}

// buildEnvironment creates the environment variable list.
func (e *Executor) buildEnvironment() []string {
	env := make([]string, 0, len(e.opts.PassEnv)+len(e.opts.Env))
	for _, key := range e.opts.PassEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return append(env, e.opts.Env...)
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		// Full length, or exec reports a short write.
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
