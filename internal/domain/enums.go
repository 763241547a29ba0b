// Package domain defines the core domain models for the capture agent.
package domain

// TraceKind tags the variant of a Trace.
type TraceKind string

const (
	TraceKindRequest     TraceKind = "request"
	TraceKindResponse    TraceKind = "response"
	TraceKindDOMClick    TraceKind = "dom:click"
	TraceKindDOMSubmit   TraceKind = "dom:submit"
	TraceKindDOMIdentity TraceKind = "dom:identity"
)

// IsNetwork reports whether the kind is a request or response trace.
func (k TraceKind) IsNetwork() bool {
	return k == TraceKindRequest || k == TraceKindResponse
}

// IsDOM reports whether the kind is one of the DOM variants.
func (k TraceKind) IsDOM() bool {
	switch k {
	case TraceKindDOMClick, TraceKindDOMSubmit, TraceKindDOMIdentity:
		return true
	}
	return false
}
