package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/libra-sh/deploy-engine/internal/pkg/errors"
)

// e2bProvider talks to the E2B sandbox API over HTTP.
type e2bProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

var _ Provider = (*e2bProvider)(nil)

// NewE2BProvider creates the E2B provider adapter.
func NewE2BProvider(baseURL, apiKey string, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &e2bProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}
}

func (p *e2bProvider) Name() string { return ProviderE2B }

func (p *e2bProvider) Create(ctx context.Context, params CreateParams) (Sandbox, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("Create: e2b api key is not configured")
	}

	body := map[string]any{
		"templateID": params.Template,
		"timeout":    int(params.Timeout.Seconds()),
		"envVars":    params.Env,
	}

	var resp struct {
		SandboxID string `json:"sandboxID"`
	}
	if err := p.do(ctx, http.MethodPost, "/sandboxes", body, &resp); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("Create: e2b returned an empty sandbox id")
	}

	p.logger.Info("sandbox created",
		slog.String("provider", ProviderE2B),
		slog.String("sandbox_id", resp.SandboxID),
		slog.String("template", params.Template))
	return &e2bSandbox{provider: p, id: resp.SandboxID}, nil
}

func (p *e2bProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	var resp struct {
		SandboxID string `json:"sandboxID"`
		State     string `json:"state"`
	}
	if err := p.do(ctx, http.MethodGet, "/sandboxes/"+id, nil, &resp); err != nil {
		return nil, fmt.Errorf("Connect: %w", err)
	}
	if resp.State == "stopped" {
		return nil, fmt.Errorf("Connect: sandbox %s is stopped: %w", id, apierrors.ErrProviderUnavailable)
	}
	return &e2bSandbox{provider: p, id: id}, nil
}

func (p *e2bProvider) Terminate(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.do(ctx, http.MethodDelete, "/sandboxes/"+id, nil, nil); err != nil {
		return fmt.Errorf("Terminate: %w", err)
	}
	return nil
}

// do issues one API request. 5xx responses and transport errors are wrapped
// as ErrProviderUnavailable so the step executor retries them.
func (p *e2bProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, apierrors.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, apierrors.ErrProviderUnavailable)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, apierrors.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// e2bSandbox is a handle to one E2B sandbox.
type e2bSandbox struct {
	provider *e2bProvider
	id       string
}

var _ Sandbox = (*e2bSandbox)(nil)

func (s *e2bSandbox) ID() string { return s.id }

func (s *e2bSandbox) WriteFiles(ctx context.Context, files []File) (*WriteResult, error) {
	archive, err := bundleFiles(files)
	if err != nil {
		return nil, fmt.Errorf("WriteFiles: %w", err)
	}

	url := fmt.Sprintf("%s/sandboxes/%s/files/batch", s.provider.baseURL, s.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("WriteFiles: %w", err)
	}
	req.Header.Set("X-API-Key", s.provider.apiKey)
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("WriteFiles: upload: %v: %w", err, apierrors.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("WriteFiles: status %d: %w", resp.StatusCode, apierrors.ErrProviderUnavailable)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("WriteFiles: status %d: %s", resp.StatusCode, string(data))
	}

	var result WriteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("WriteFiles: decode response: %w", err)
	}
	return &result, nil
}

func (s *e2bSandbox) ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body := map[string]any{
		"cmd":       cmd,
		"timeoutMs": opts.Timeout.Milliseconds(),
	}

	var result ExecResult
	if err := s.provider.do(ctx, http.MethodPost, "/sandboxes/"+s.id+"/commands", body, &result); err != nil {
		return nil, fmt.Errorf("ExecuteCommand: %w", err)
	}

	if opts.OnStderr != nil && result.Stderr != "" {
		for _, line := range strings.Split(strings.TrimRight(result.Stderr, "\n"), "\n") {
			opts.OnStderr(line)
		}
	}
	return &result, nil
}
