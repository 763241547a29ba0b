package domain

import "encoding/json"

// Trace is one captured network or DOM event, persisted after redaction.
// Only the fields relevant to Kind are populated.
type Trace struct {
	ID   int64     `json:"_id,omitempty"`
	Kind TraceKind `json:"kind"`
	Ts   int64     `json:"ts"` // Unix milliseconds

	// Network variants
	RequestID string            `json:"requestId,omitempty"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	MimeType  string            `json:"mimeType,omitempty"`

	// DOM variants
	Label   string            `json:"label,omitempty"`
	Locator string            `json:"locator,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Title   string            `json:"title,omitempty"`
	H1      string            `json:"h1,omitempty"`
}

// HasBody reports whether the trace carries a non-empty body.
func (t *Trace) HasBody() bool {
	return len(t.Body) > 0 && string(t.Body) != "null"
}
