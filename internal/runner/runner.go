package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Command is a process to run. Name and Args are passed to the OS as-is;
// tilde expansion happens before a Command is built.
type Command struct {
	Name    string
	Args    []string
	Env     []string      // appended to the current environment
	Timeout time.Duration // 0 means no timeout
}

// Result holds the outcome of a finished process.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner executes a command.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ProcessRunner executes commands as OS processes with the given stdio.
// Nil streams are connected to the null device.
type ProcessRunner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ErrTimeout is returned when a command outlives its timeout.
var ErrTimeout = errors.New("runner: command timed out")

// Run starts the command and waits for it. A non-zero exit status is not an
// error: it is reported in Result.ExitCode. Errors are returned when the
// process cannot be started or is killed by the timeout.
func (pr ProcessRunner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Name == "" {
		return Result{}, fmt.Errorf("runner: empty command")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdin = pr.Stdin
	cmd.Stdout = pr.Stdout
	cmd.Stderr = pr.Stderr
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{ExitCode: -1, Duration: elapsed}, fmt.Errorf("%w after %s: %s", ErrTimeout, c.Timeout, c.Name)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{ExitCode: exitErr.ExitCode(), Duration: elapsed}, nil
		}
		return Result{}, fmt.Errorf("runner: execute %q: %w", c.Name, err)
	}

	return Result{ExitCode: 0, Duration: elapsed}, nil
}
