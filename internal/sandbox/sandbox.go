// Package sandbox abstracts the remote build environments used by deployment
// workflows. Providers are pluggable; the engine depends only on the
// Provider and Sandbox contracts defined here.
package sandbox

import (
	"context"
	"time"
)

// File is one file to upload into a sandbox.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	IsBinary bool   `json:"isBinary"`
}

// FileResult is the per-file outcome of a batch write.
type FileResult struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WriteResult is the outcome of a batch write. Success is the conjunction of
// all per-file successes.
type WriteResult struct {
	Success bool         `json:"success"`
	Results []FileResult `json:"results"`
}

// FailedPaths lists the paths that did not upload.
func (r *WriteResult) FailedPaths() []string {
	var failed []string
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res.Path)
		}
	}
	return failed
}

// ExecOptions controls a single command execution.
type ExecOptions struct {
	Timeout time.Duration
	// OnStderr receives stderr lines as they arrive, for progress logging.
	// May be nil.
	OnStderr func(line string)
}

// ExecResult is the outcome of a command execution.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CreateParams configures sandbox creation.
type CreateParams struct {
	Template string
	Timeout  time.Duration
	Env      map[string]string
}

// Sandbox is a handle to one remote environment.
type Sandbox interface {
	// ID returns the provider-assigned sandbox identifier.
	ID() string

	// WriteFiles uploads a batch of files. A non-nil result with
	// Success=false means some files failed; the error return is reserved
	// for transport-level failures.
	WriteFiles(ctx context.Context, files []File) (*WriteResult, error)

	// ExecuteCommand runs a shell command inside the sandbox and waits for
	// it to finish.
	ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)
}

// Provider creates, reattaches to, and destroys sandboxes.
type Provider interface {
	// Name returns the provider key used in configuration ("e2b", "daytona").
	Name() string

	// Create provisions a new sandbox from the given template.
	Create(ctx context.Context, params CreateParams) (Sandbox, error)

	// Connect reattaches to an existing sandbox by id.
	Connect(ctx context.Context, id string) (Sandbox, error)

	// Terminate destroys the sandbox. Terminating an already-gone sandbox
	// is not an error.
	Terminate(ctx context.Context, id string, timeout time.Duration) error
}
