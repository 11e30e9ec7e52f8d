package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"appforge/pkg/logx"
)

// HTTPProvider talks to the sandbox service over its JSON API. The
// underlying client retries transient transport failures; provider
// rate limiting stays with the Manager, which gates calls before they
// reach this type.
type HTTPProvider struct {
	client   *retryablehttp.Client
	logger   *logx.Logger
	endpoint string
	apiKey   string
}

// NewHTTPProvider creates a provider client for the given endpoint.
func NewHTTPProvider(endpoint, apiKey string) *HTTPProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil // logx covers request logging

	return &HTTPProvider{
		client:   client,
		logger:   logx.NewLogger("sandbox-provider"),
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

type createResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type execResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type readFileResponse struct {
	Content string `json:"content"`
}

// Create provisions a new sandbox.
func (p *HTTPProvider) Create(ctx context.Context) (Conn, error) {
	var resp createResponse
	if err := p.do(ctx, http.MethodPost, "/v1/sandboxes", nil, &resp); err != nil {
		return nil, fmt.Errorf("sandbox create failed: %w", err)
	}
	p.logger.Info("Created sandbox %s", resp.ID)
	return &httpConn{
		provider: p,
		handle:   Handle{ID: resp.ID, CreatedAt: resp.CreatedAt, State: StateCreated},
	}, nil
}

// Connect reattaches to an existing sandbox.
func (p *HTTPProvider) Connect(ctx context.Context, sandboxID string) (Conn, error) {
	var resp createResponse
	path := fmt.Sprintf("/v1/sandboxes/%s/connect", url.PathEscape(sandboxID))
	if err := p.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("sandbox connect to %s failed: %w", sandboxID, err)
	}
	p.logger.Debug("Reconnected to sandbox %s", sandboxID)
	return &httpConn{
		provider: p,
		handle:   Handle{ID: resp.ID, CreatedAt: resp.CreatedAt, State: StateConnected},
	}, nil
}

// Terminate tears down a sandbox.
func (p *HTTPProvider) Terminate(ctx context.Context, sandboxID string) error {
	path := fmt.Sprintf("/v1/sandboxes/%s", url.PathEscape(sandboxID))
	if err := p.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("sandbox terminate of %s failed: %w", sandboxID, err)
	}
	p.logger.Info("Terminated sandbox %s", sandboxID)
	return nil
}

// do issues one JSON request and decodes the response into out.
func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, p.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		// Failure bodies can still carry useful payload. The service
		// reports a timed-out or killed command as 408 with the output
		// captured up to that point, so decode what is there before
		// surfacing the error.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		detail := data
		if len(detail) > 512 {
			detail = detail[:512]
		}
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(detail))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// httpConn executes tool operations against one sandbox.
type httpConn struct {
	provider *HTTPProvider
	handle   Handle
}

func (c *httpConn) Handle() Handle {
	return c.handle
}

func (c *httpConn) Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	req := execRequest{Command: command, TimeoutMS: timeout.Milliseconds()}
	var resp execResponse
	path := fmt.Sprintf("/v1/sandboxes/%s/exec", url.PathEscape(c.handle.ID))

	// The exec call itself is bounded by the command timeout plus
	// headroom so a hung provider can't hold the step forever.
	ctx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
	defer cancel()

	err := c.provider.do(ctx, http.MethodPost, path, req, &resp)
	result := ExecResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: time.Duration(resp.DurationMS) * time.Millisecond,
	}
	if err != nil {
		// A failed exec may still have produced output. Return whatever
		// the service captured so callers can report it.
		return result, fmt.Errorf("exec in sandbox %s failed: %w", c.handle.ID, err)
	}
	return result, nil
}

func (c *httpConn) WriteFile(ctx context.Context, path, content string) error {
	req := writeFileRequest{Path: path, Content: content}
	apiPath := fmt.Sprintf("/v1/sandboxes/%s/files", url.PathEscape(c.handle.ID))
	if err := c.provider.do(ctx, http.MethodPut, apiPath, req, nil); err != nil {
		return fmt.Errorf("write %s in sandbox %s failed: %w", path, c.handle.ID, err)
	}
	return nil
}

func (c *httpConn) ReadFile(ctx context.Context, path string) (string, error) {
	var resp readFileResponse
	apiPath := fmt.Sprintf("/v1/sandboxes/%s/files?path=%s",
		url.PathEscape(c.handle.ID), url.QueryEscape(path))
	if err := c.provider.do(ctx, http.MethodGet, apiPath, nil, &resp); err != nil {
		return "", fmt.Errorf("read %s in sandbox %s failed: %w", path, c.handle.ID, err)
	}
	return resp.Content, nil
}
