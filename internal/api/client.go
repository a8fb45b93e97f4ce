// Package api implements the reconciliation client for the generation
// server. Every operation is stateless and independently retryable; the
// session controller calls it whenever streamed state is suspect.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultProbeTimeout   = 5 * time.Second
)

// Generation status vocabulary shared with the server.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusStopped    = "stopped"
	StatusFailed     = "failed"
)

// TerminalStatus reports whether a server-side status can no longer change.
func TerminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// Record is the authoritative generation state held by the server.
// CreatedAt/UpdatedAt stay as raw strings; the server emits naive ISO-8601
// timestamps that do not parse as RFC 3339.
type Record struct {
	ID         string `json:"_id"`
	Prompt     string `json:"prompt"`
	Model      string `json:"model"`
	Status     string `json:"status"`
	Output     string `json:"output"`
	Language   string `json:"language"`
	Filename   string `json:"filename"`
	Error      string `json:"error"`
	TokenCount int    `json:"token_count"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

// Model describes one inference model exposed by the server.
type Model struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// Health is the server's own health self-report.
type Health struct {
	Status  string `json:"status"`
	MongoDB bool   `json:"mongodb"`
	Ollama  bool   `json:"ollama"`
}

// Client issues reconciliation and control requests against one server.
type Client struct {
	baseURL      string
	http         *http.Client
	probeTimeout time.Duration
}

// Option configures Client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used by tests).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.http = httpClient
		}
	}
}

// WithRequestTimeout bounds every non-probe request.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.http.Timeout = timeout
		}
	}
}

// WithProbeTimeout bounds health probes so the monitor loop never hangs.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.probeTimeout = timeout
		}
	}
}

// NewClient builds a reconciliation client for baseURL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("server url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	client := &Client{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: defaultRequestTimeout},
		probeTimeout: defaultProbeTimeout,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client, nil
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}

// StreamURL returns the websocket address for one generation id.
func (c *Client) StreamURL(id string) string {
	if c == nil {
		return ""
	}
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return wsBase + "/ws/generate/" + url.PathEscape(id)
}

// CreateJob submits a prompt and returns the new generation id.
func (c *Client) CreateJob(ctx context.Context, prompt string) (string, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/generate", map[string]string{"prompt": prompt})
	if err != nil {
		return "", &TransientError{Op: "create generation", Err: err}
	}
	if status >= 300 {
		return "", &CreationError{StatusCode: status, Message: decodeDetail(body)}
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return "", &CreationError{StatusCode: status, Message: "server returned no generation id"}
	}
	return decoded.ID, nil
}

// FetchStatus returns the authoritative record for one generation id.
func (c *Client) FetchStatus(ctx context.Context, id string) (Record, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(id), nil)
	if err != nil {
		return Record{}, &TransientError{Op: "fetch generation status", Err: err}
	}
	if status == http.StatusNotFound {
		return Record{}, fmt.Errorf("fetch generation %s: %w", id, ErrNotFound)
	}
	if status >= 300 {
		return Record{}, fmt.Errorf("fetch generation %s: status %d: %s", id, status, decodeDetail(body))
	}

	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		return Record{}, fmt.Errorf("decode generation record: %w", err)
	}
	return record, nil
}

// RequestStop informs the server of client-observed partial output at
// cancellation time. Best effort from the controller's perspective.
func (c *Client) RequestStop(ctx context.Context, id, partialOutput string) error {
	body, status, err := c.do(ctx, http.MethodPost, "/stop/"+url.PathEscape(id), map[string]string{"output": partialOutput})
	if err != nil {
		return &TransientError{Op: "request stop", Err: err}
	}
	if status >= 300 {
		return fmt.Errorf("request stop for %s: status %d: %s", id, status, decodeDetail(body))
	}
	return nil
}

// ReportFailure marks a generation failed from the client's vantage point.
// Idempotent server-side: repeating it on a terminal job is harmless.
func (c *Client) ReportFailure(ctx context.Context, id, reason, partialOutput string) error {
	payload := map[string]string{"error": reason, "output": partialOutput}
	body, status, err := c.do(ctx, http.MethodPost, "/history/"+url.PathEscape(id)+"/fail", payload)
	if err != nil {
		return &TransientError{Op: "report failure", Err: err}
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("report failure for %s: %w", id, ErrNotFound)
	}
	if status >= 300 {
		return fmt.Errorf("report failure for %s: status %d: %s", id, status, decodeDetail(body))
	}
	return nil
}

// ProbeHealth performs a lightweight liveness check bounded by the probe
// timeout.
func (c *Client) ProbeHealth(ctx context.Context) (Health, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	body, status, err := c.do(probeCtx, http.MethodGet, "/health", nil)
	if err != nil {
		return Health{}, &TransientError{Op: "probe health", Err: err}
	}
	if status >= 300 {
		return Health{}, &TransientError{Op: "probe health", Err: fmt.Errorf("status %d", status)}
	}

	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return Health{}, fmt.Errorf("decode health response: %w", err)
	}
	return health, nil
}

// ProbeReady confirms the server process is responding at all.
func (c *Client) ProbeReady(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	_, status, err := c.do(probeCtx, http.MethodGet, "/ready", nil)
	if err != nil {
		return &TransientError{Op: "probe readiness", Err: err}
	}
	if status >= 300 {
		return &TransientError{Op: "probe readiness", Err: fmt.Errorf("status %d", status)}
	}
	return nil
}

// History lists generation records, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Record, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &TransientError{Op: "list history", Err: err}
	}
	if status >= 300 {
		return nil, fmt.Errorf("list history: status %d: %s", status, decodeDetail(body))
	}

	var decoded struct {
		Generations []Record `json:"generations"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return decoded.Generations, nil
}

// DeleteRecord removes one generation from history.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	body, status, err := c.do(ctx, http.MethodDelete, "/history/"+url.PathEscape(id), nil)
	if err != nil {
		return &TransientError{Op: "delete generation", Err: err}
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("delete generation %s: %w", id, ErrNotFound)
	}
	if status >= 300 {
		return fmt.Errorf("delete generation %s: status %d: %s", id, status, decodeDetail(body))
	}
	return nil
}

// Models lists the inference models available server-side.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, &TransientError{Op: "list models", Err: err}
	}
	if status >= 300 {
		return nil, fmt.Errorf("list models: status %d: %s", status, decodeDetail(body))
	}

	var decoded struct {
		Models []Model `json:"models"`
		Error  string  `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("list models: %s", decoded.Error)
	}
	return decoded.Models, nil
}

// SetModel selects the model used for subsequent generations.
func (c *Client) SetModel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("model name is required")
	}
	body, status, err := c.do(ctx, http.MethodPost, "/models/set", map[string]string{"model": name})
	if err != nil {
		return &TransientError{Op: "set model", Err: err}
	}
	if status >= 300 {
		return fmt.Errorf("set model %q: status %d: %s", name, status, decodeDetail(body))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	if c == nil {
		return nil, 0, errors.New("api client is nil")
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// decodeDetail extracts a human-readable error message from an error body.
func decodeDetail(body []byte) string {
	var decoded struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil {
		for _, candidate := range []string{decoded.Detail, decoded.Message, decoded.Error} {
			if strings.TrimSpace(candidate) != "" {
				return candidate
			}
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed
}
