package changelist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ===================
// Command Execution Utilities
// ===================

// Runner executes a client command and returns its stdout.
// The p4 implementation runs through a Runner so tests can script output.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Dir is the working directory for the command (optional)
	Dir string

	// Env is appended to the current environment (optional)
	Env []string

	// Timeout bounds each command (0 = rely on ctx only)
	Timeout time.Duration
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	return ExecContext(ctx, r.Timeout, r.Dir, r.Env, stdin, name, args...)
}

// ExecContext executes a command with timeout and context support.
//
// A deadline hit is reported as ErrTimeout and a missing binary as
// ErrNotAvailable. Other failures include stderr in the message.
//
// Example:
//
//	output, err := ExecContext(ctx, 30*time.Second, "", nil, nil, "p4", "-ztag", "-Mj", "info")
func ExecContext(ctx context.Context, timeout time.Duration, workDir string, env []string, stdin []byte, name string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, name, strings.Join(args, " "))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotAvailable, name)
		}
		// Callers inspect stdout for structured errors, so keep it
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), err
	}

	return stdout.Bytes(), nil
}

// ===================
// Output Parsing Utilities
// ===================

// ParseLines splits command output into non-empty, trimmed lines.
func ParseLines(output []byte) []string {
	if len(output) == 0 {
		return nil
	}

	lines := strings.Split(string(output), "\n")
	result := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}

	return result
}

// IsExitError returns true if the error is an exit error with non-zero status.
func IsExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// GetExitCode returns the exit code from an error, or -1 if not an exit error.
func GetExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
