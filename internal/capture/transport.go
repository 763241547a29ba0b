package capture

import (
	"context"
	"errors"
	"strings"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

// ErrNotAttached is returned by transports when a context is not (or no
// longer) attached.
var ErrNotAttached = errors.New("capture: context not attached")

// EventType tags an Event.
type EventType string

const (
	EventNavigated EventType = "navigated"
	EventClosed    EventType = "closed"
	EventRequest   EventType = "request"
	EventResponse  EventType = "response"
	EventDOM       EventType = "dom"
)

// ContextInfo describes an open browsing context.
type ContextInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Event is one notification from the browsing host. Which fields are set
// depends on Type.
type Event struct {
	Type      EventType `json:"type"`
	ContextID string    `json:"contextId"`
	Ts        int64     `json:"ts,omitempty"`

	// navigated, request, response
	URL string `json:"url,omitempty"`

	// request, response
	RequestID string            `json:"requestId,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	PostData  string            `json:"postData,omitempty"`
	Status    int               `json:"status,omitempty"`
	MimeType  string            `json:"mimeType,omitempty"`

	// dom
	Kind    domain.TraceKind  `json:"kind,omitempty"`
	Label   string            `json:"label,omitempty"`
	Locator string            `json:"locator,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Title   string            `json:"title,omitempty"`
	H1      string            `json:"h1,omitempty"`
}

// Transport is the host capability the engine captures through. It is
// injected; the engine never talks to a concrete browser API.
type Transport interface {
	// Contexts lists the currently open browsing contexts.
	Contexts(ctx context.Context) ([]ContextInfo, error)
	Attach(ctx context.Context, contextID string) error
	Detach(ctx context.Context, contextID string) error
	// Subscribe registers handler for every host event and returns a function
	// that removes it. The handler must not block.
	Subscribe(handler func(Event)) (unsubscribe func())
	// FetchBody retrieves a response body out of band. It may fail for
	// binary, oversized or already-detached responses.
	FetchBody(ctx context.Context, contextID, requestID string) ([]byte, error)
}

// IsHTTPURL reports whether url uses the http or https scheme.
func IsHTTPURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
