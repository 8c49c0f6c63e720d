// Package run executes argument vectors as child processes. It owns process
// lifecycle only: spawn, capped output capture, timeout enforcement with a
// graceful-then-forceful kill, and exit status reporting. It never
// interprets what a command means; that is the reconciler's job.
package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultOutputCap bounds captured stdout/stderr per stream. Output
	// beyond the cap is dropped and the outcome is marked truncated.
	DefaultOutputCap = 1 << 20 // 1 MiB

	// DefaultGracePeriod is how long a process gets between SIGTERM and
	// SIGKILL when a timeout or cancellation fires.
	DefaultGracePeriod = 3 * time.Second
)

// Outcome reports how a single child process ran. Stdout and Stderr carry
// the underlying binary's output verbatim, subject to the configured cap.
type Outcome struct {
	Argv      []string
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
}

// Runner spawns argument vectors directly, with no shell interpretation.
// The zero value is usable; fields override the defaults.
type Runner struct {
	// OutputCap bounds captured output per stream, in bytes.
	OutputCap int

	// GracePeriod is the SIGTERM-to-SIGKILL window on timeout.
	GracePeriod time.Duration
}

// Run executes argv and waits for it to finish, subject to timeout and the
// caller's context.
//
// A nonzero exit from the child is not an error here: the outcome carries
// the exit code and stderr, and the caller classifies it. The returned
// error is reserved for abnormal conditions: empty argv, spawn failure,
// timeout (wraps context.DeadlineExceeded), caller cancellation (wraps
// context.Canceled).
//
// A timeout of zero means no timeout beyond the caller's context.
func (r *Runner) Run(ctx context.Context, argv []string, timeout time.Duration) (*Outcome, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argument vector")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	limit := r.OutputCap
	if limit <= 0 {
		limit = DefaultOutputCap
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Graceful first. CommandContext kills with SIGKILL by default; ask
	// for SIGTERM and let WaitDelay deliver the SIGKILL after the grace
	// window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	logrus.Debugf("Running command: %v (timeout: %v)", argv, timeout)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	outcome := &Outcome{
		Argv:      argv,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  elapsed,
	}

	// Deadline and cancellation take priority over whatever exit status
	// the dying child reported, but only when the run actually failed: a
	// child that exited 0 just before the deadline fired still succeeded.
	if err != nil && runCtx.Err() != nil {
		outcome.ExitCode = -1
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			outcome.TimedOut = true
			logrus.Warnf("Command timed out after %v: %v", timeout, argv)
			return outcome, fmt.Errorf("command timed out after %v: %w", timeout, context.DeadlineExceeded)
		}
		return outcome, fmt.Errorf("command canceled: %w", context.Canceled)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
			return outcome, nil
		}
		// Spawn failed: binary missing, permission denied, etc.
		outcome.ExitCode = -1
		return outcome, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}

	outcome.ExitCode = 0
	return outcome, nil
}

// cappedBuffer keeps at most limit bytes and remembers whether anything
// was dropped. Write never errors so the child is never blocked by
// capture; excess output is discarded, not buffered.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.limit - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
