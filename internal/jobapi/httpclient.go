package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Compile-time interface check.
var _ Service = (*HTTPClient)(nil)

// Transport selects the push-channel protocol.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// HTTPClient implements Service over HTTP/JSON with a WebSocket or SSE push
// channel.
type HTTPClient struct {
	baseURL   string
	http      *http.Client
	transport Transport
	keepAlive time.Duration
	logger    *slog.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the request timeout. Push streams are not bound by it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the underlying *http.Client entirely.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithTransport selects the push-channel protocol.
func WithTransport(t Transport) ClientOption {
	return func(c *HTTPClient) {
		if t != "" {
			c.transport = t
		}
	}
}

// WithKeepAlive sets how often a WebSocket subscription sends "ping".
// Zero disables keep-alive.
func WithKeepAlive(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.keepAlive = d
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *HTTPClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewHTTPClient creates a client for the service rooted at baseURL, for
// example "http://localhost:8000/ultra".
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		transport: TransportWebSocket,
		keepAlive: 20 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// Chat posts a dialogue message.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.do(ctx, "chat", http.MethodPost, "/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartJob posts a generation request.
func (c *HTTPClient) StartJob(ctx context.Context, req StartJobRequest) (*StartJobResponse, error) {
	var resp StartJobResponse
	if err := c.do(ctx, "start job", http.MethodPost, "/workflow/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobStatus fetches a poll snapshot.
func (c *HTTPClient) JobStatus(ctx context.Context, jobID string) (*StatusSnapshot, error) {
	var resp StatusSnapshot
	if err := c.do(ctx, "job status", http.MethodGet, jobPath(jobID, "status"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobFiles fetches the generated files.
func (c *HTTPClient) JobFiles(ctx context.Context, jobID string) (*FilesResponse, error) {
	var resp FilesResponse
	if err := c.do(ctx, "job files", http.MethodGet, jobPath(jobID, "files"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopJob requests cancellation.
func (c *HTTPClient) StopJob(ctx context.Context, jobID string) error {
	return c.do(ctx, "stop job", http.MethodPost, jobPath(jobID, "stop"), nil, nil)
}

// Subscribe opens the push channel using the configured transport.
func (c *HTTPClient) Subscribe(ctx context.Context, jobID string) (<-chan Frame, error) {
	if c.transport == TransportSSE {
		return c.subscribeSSE(ctx, jobID)
	}
	return c.subscribeWebSocket(ctx, jobID)
}

func jobPath(jobID, action string) string {
	return "/workflow/" + url.PathEscape(jobID) + "/" + action
}

// do performs one JSON request. A nil body sends no payload and a nil result
// discards the response body.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jobapi: marshal %s: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("jobapi: create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// streamClient shares the transport of the request client but has no
// overall timeout, which would otherwise cut long-lived streams.
func (c *HTTPClient) streamClient() *http.Client {
	return &http.Client{Transport: c.http.Transport, Jar: c.http.Jar}
}
