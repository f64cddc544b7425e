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

// daytonaProvider talks to the Daytona workspace API over HTTP.
type daytonaProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

var _ Provider = (*daytonaProvider)(nil)

// NewDaytonaProvider creates the Daytona provider adapter.
func NewDaytonaProvider(baseURL, apiKey string, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &daytonaProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}
}

func (p *daytonaProvider) Name() string { return ProviderDaytona }

func (p *daytonaProvider) Create(ctx context.Context, params CreateParams) (Sandbox, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("Create: daytona api key is not configured")
	}

	body := map[string]any{
		"snapshot":         params.Template,
		"autoStopInterval": int(params.Timeout.Minutes()),
		"envVars":          params.Env,
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/sandbox", body, &resp); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("Create: daytona returned an empty sandbox id")
	}

	p.logger.Info("sandbox created",
		slog.String("provider", ProviderDaytona),
		slog.String("sandbox_id", resp.ID),
		slog.String("template", params.Template))
	return &daytonaSandbox{provider: p, id: resp.ID}, nil
}

func (p *daytonaProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := p.do(ctx, http.MethodGet, "/sandbox/"+id, nil, &resp); err != nil {
		return nil, fmt.Errorf("Connect: %w", err)
	}
	if resp.State == "destroyed" || resp.State == "archived" {
		return nil, fmt.Errorf("Connect: sandbox %s is %s: %w", id, resp.State, apierrors.ErrProviderUnavailable)
	}
	return &daytonaSandbox{provider: p, id: id}, nil
}

func (p *daytonaProvider) Terminate(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.do(ctx, http.MethodDelete, "/sandbox/"+id, nil, nil); err != nil {
		return fmt.Errorf("Terminate: %w", err)
	}
	return nil
}

func (p *daytonaProvider) do(ctx context.Context, method, path string, body, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
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

// daytonaSandbox is a handle to one Daytona workspace.
type daytonaSandbox struct {
	provider *daytonaProvider
	id       string
}

var _ Sandbox = (*daytonaSandbox)(nil)

func (s *daytonaSandbox) ID() string { return s.id }

func (s *daytonaSandbox) WriteFiles(ctx context.Context, files []File) (*WriteResult, error) {
	archive, err := bundleFiles(files)
	if err != nil {
		return nil, fmt.Errorf("WriteFiles: %w", err)
	}

	url := fmt.Sprintf("%s/sandbox/%s/files/upload", s.provider.baseURL, s.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("WriteFiles: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.provider.apiKey)
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

	// Daytona's upload endpoint is all-or-nothing; synthesize per-file
	// results to satisfy the batch contract.
	result := &WriteResult{Success: true, Results: make([]FileResult, 0, len(files))}
	for _, f := range files {
		result.Results = append(result.Results, FileResult{Path: f.Path, Success: true})
	}
	return result, nil
}

func (s *daytonaSandbox) ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body := map[string]any{
		"command": cmd,
		"timeout": int(opts.Timeout.Seconds()),
	}

	var raw struct {
		ExitCode int    `json:"exitCode"`
		Result   string `json:"result"`
		Stderr   string `json:"stderr"`
	}
	if err := s.provider.do(ctx, http.MethodPost, "/sandbox/"+s.id+"/exec", body, &raw); err != nil {
		return nil, fmt.Errorf("ExecuteCommand: %w", err)
	}

	if opts.OnStderr != nil && raw.Stderr != "" {
		for _, line := range strings.Split(strings.TrimRight(raw.Stderr, "\n"), "\n") {
			opts.OnStderr(line)
		}
	}
	return &ExecResult{ExitCode: raw.ExitCode, Stdout: raw.Result, Stderr: raw.Stderr}, nil
}
