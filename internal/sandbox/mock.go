package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockProvider is an in-memory provider for local development and tests.
// Its sandbox ids carry the "sandbox-" prefix, which the deployment workflow
// recognizes and skips during termination.
type MockProvider struct {
	mu        sync.Mutex
	counter   atomic.Int64
	sandboxes map[string]*MockSandbox

	// ExecResults maps a command to its scripted result. Commands without an
	// entry succeed with exit code 0.
	ExecResults map[string]ExecResult

	// FailWrites lists paths whose writes should be reported as failed.
	FailWrites map[string]string
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		sandboxes:   make(map[string]*MockSandbox),
		ExecResults: make(map[string]ExecResult),
		FailWrites:  make(map[string]string),
	}
}

func (p *MockProvider) Name() string { return ProviderMock }

// Create provisions a new in-memory sandbox.
func (p *MockProvider) Create(_ context.Context, params CreateParams) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := fmt.Sprintf("sandbox-%d", p.counter.Add(1))
	sb := &MockSandbox{
		provider: p,
		id:       id,
		Template: params.Template,
		Env:      params.Env,
		Files:    make(map[string]File),
	}
	p.sandboxes[id] = sb
	return sb, nil
}

// Connect reattaches to a previously created mock sandbox.
func (p *MockProvider) Connect(_ context.Context, id string) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("Connect: mock sandbox %s not found", id)
	}
	return sb, nil
}

// Terminate removes the sandbox. Unknown ids are not an error.
func (p *MockProvider) Terminate(_ context.Context, id string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sb, ok := p.sandboxes[id]; ok {
		sb.Terminated = true
		delete(p.sandboxes, id)
	}
	return nil
}

// Created returns how many sandboxes this provider has created.
func (p *MockProvider) Created() int64 { return p.counter.Load() }

// MockSandbox records everything written to and executed in it.
type MockSandbox struct {
	provider *MockProvider
	id       string

	mu         sync.Mutex
	Template   string
	Env        map[string]string
	Files      map[string]File
	Commands   []string
	Terminated bool
}

var _ Sandbox = (*MockSandbox)(nil)

func (s *MockSandbox) ID() string { return s.id }

func (s *MockSandbox) WriteFiles(_ context.Context, files []File) (*WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &WriteResult{Success: true, Results: make([]FileResult, 0, len(files))}
	for _, f := range files {
		if msg, fail := s.provider.FailWrites[f.Path]; fail {
			result.Success = false
			result.Results = append(result.Results, FileResult{Path: f.Path, Success: false, Error: msg})
			continue
		}
		s.Files[f.Path] = f
		result.Results = append(result.Results, FileResult{Path: f.Path, Success: true})
	}
	return result, nil
}

func (s *MockSandbox) ExecuteCommand(_ context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	s.mu.Lock()
	s.Commands = append(s.Commands, cmd)
	s.mu.Unlock()

	if res, ok := s.provider.ExecResults[cmd]; ok {
		if opts.OnStderr != nil && res.Stderr != "" {
			opts.OnStderr(res.Stderr)
		}
		return &res, nil
	}
	return &ExecResult{ExitCode: 0}, nil
}
