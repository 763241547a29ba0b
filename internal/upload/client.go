// Package upload hands captured traces to an external sink over HTTP.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

// ErrNoSink is returned when no upload URL is configured.
var ErrNoSink = errors.New("no upload url configured")

// Client posts trace batches to a sink.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client for url.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Batch is the upload body.
type Batch struct {
	Traces []domain.Trace `json:"traces"`
}

// Upload posts traces. Only a 2xx response counts as success.
func (c *Client) Upload(ctx context.Context, traces []domain.Trace) error {
	if c.url == "" {
		return ErrNoSink
	}
	if traces == nil {
		traces = []domain.Trace{}
	}

	body, err := json.Marshal(Batch{Traces: traces})
	if err != nil {
		return fmt.Errorf("failed to marshal traces: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to upload traces: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sink returned status %d: %s", resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
