package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

// MaxResponseBody caps the response body read by HTTPExecutor.
const MaxResponseBody = 1 << 20

// Executor runs a tool request against the live session.
type Executor interface {
	Execute(ctx context.Context, req domain.ToolRequest) (domain.ToolResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req domain.ToolRequest) (domain.ToolResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req domain.ToolRequest) (domain.ToolResult, error) {
	return f(ctx, req)
}

// HTTPExecutor performs requests with a net/http client. Its cookie jar
// carries the session credentials across calls.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor creates an executor with a fresh cookie jar.
func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	jar, _ := cookiejar.New(nil)
	return &HTTPExecutor{
		client: &http.Client{Timeout: timeout, Jar: jar},
	}
}

// Jar exposes the cookie jar so callers can seed session cookies.
func (e *HTTPExecutor) Jar() http.CookieJar {
	return e.client.Jar
}

// Execute implements Executor. A JSON request body is sent as-is; the
// response body is returned as JSON when it parses, else as a JSON string.
func (e *HTTPExecutor) Execute(ctx context.Context, req domain.ToolRequest) (domain.ToolResult, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 && string(req.Body) != "null" {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return domain.ToolResult{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    ResultBody(raw),
	}, nil
}

// ResultBody returns raw when it is valid JSON and raw as a JSON string
// otherwise.
func ResultBody(raw []byte) json.RawMessage {
	if len(bytes.TrimSpace(raw)) > 0 && json.Valid(raw) {
		return json.RawMessage(raw)
	}
	text, _ := json.Marshal(string(raw))
	return text
}
