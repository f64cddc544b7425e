package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Deployment workflow error taxonomy. Permanent errors exhaust step retries
// immediately; anything unclassified is treated as transient.
var (
	// ErrQuotaExhausted means no deploy quota remains in any active tier.
	ErrQuotaExhausted = errors.New("deploy quota exhausted")

	// ErrProjectNotFound means the project row does not exist for the org.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectInactive means the project exists but is not a valid target.
	ErrProjectInactive = errors.New("project is not active")

	// ErrProviderUnavailable means the sandbox provider failed transiently.
	ErrProviderUnavailable = errors.New("sandbox provider unavailable")

	// ErrCancelled means cancellation was requested between steps.
	ErrCancelled = errors.New("cancellation requested")
)

// permanentError marks an error as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that the step executor will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) is non-retryable.
// The sentinel validation errors are permanent without explicit wrapping.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrProjectInactive) ||
		errors.Is(err, ErrCancelled)
}

// CommandError captures a failed command run inside a sandbox.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, truncate(e.Stderr, 500))
}

// NewBuildError creates the error for a failed project build.
func NewBuildError(exitCode int, stdout, stderr string) *CommandError {
	return &CommandError{Command: "bun run build", ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

// NewDeployError creates the error for a failed wrangler deploy.
func NewDeployError(exitCode int, stdout, stderr string) *CommandError {
	return &CommandError{Command: "wrangler deploy", ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

// Sanitize removes secret values from user-facing error text.
func Sanitize(msg string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, s, "[redacted]")
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
