package shellexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/patchops/engine/internal/logging"
)

var log = logging.L("shellexec")

const (
	// DefaultTimeout is the default command timeout.
	DefaultTimeout = 5 * time.Minute

	// MaxOutputSize is the maximum size of stdout/stderr to capture.
	MaxOutputSize = 1024 * 1024 // 1MB
)

// Result captures one command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns combined trimmed output, stderr appended after stdout.
func (r Result) Output() string {
	out := strings.TrimSpace(r.Stdout)
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}

// Runner executes shell commands synchronously with bounded output capture.
// The engine has exactly one unit of work in flight, so there is no in-process
// command concurrency to manage.
type Runner struct {
	timeout    time.Duration
	retryCount int
	retryDelay time.Duration
}

// New creates a Runner. retryCount bounds RunWithRetry attempts beyond the
// first; retryDelay is the base sleep between attempts.
func New(timeout time.Duration, retryCount int, retryDelay time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Runner{timeout: timeout, retryCount: retryCount, retryDelay: retryDelay}
}

// Run executes name with args, killing the whole process group on timeout.
// A non-zero exit is returned in Result, not as an error; err is reserved for
// failures to run the command at all or a timeout.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return r.RunTimeout(ctx, r.timeout, name, args...)
}

// RunTimeout is Run with an explicit timeout for long package transactions.
func (r *Runner) RunTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	setProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			if killErr := killProcessGroup(cmd); killErr != nil {
				log.Warn("failed to kill process group", "command", name, "error", killErr)
			}
			result.ExitCode = -1
			return result, fmt.Errorf("%s timed out after %s", name, timeout)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			log.Debug("command exited non-zero", "command", name,
				"exitCode", result.ExitCode, "durationMs", time.Since(start).Milliseconds())
			return result, nil
		}
		result.ExitCode = -1
		return result, err
	}

	log.Debug("command completed", "command", name, "durationMs", time.Since(start).Milliseconds())
	return result, nil
}

// RunWithRetry runs the command, retrying transient failures (spawn errors,
// timeouts, non-zero exits) a bounded number of times before giving up.
func (r *Runner) RunWithRetry(ctx context.Context, name string, args ...string) (Result, error) {
	var last Result

	op := func() error {
		result, err := r.Run(ctx, name, args...)
		last = result
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("%s exited with code %d", name, result.ExitCode)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), uint64(r.retryCount)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return last, err
	}
	return last, nil
}

// limitedWriter caps how much command output is retained.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		// Swallow silently; the command must not see a write error.
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
