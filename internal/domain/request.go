package domain

import "encoding/json"

// ToolRequest is the HTTP-like request descriptor carried by a tool call.
type ToolRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ToolResult is the response descriptor returned for a tool call.
type ToolResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}
