package domain

import "time"

// ActionDraft is an inferred, parameterized description of a mutating API
// endpoint. Name is the unique key; re-running inference replaces drafts
// with the same name wholesale.
type ActionDraft struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	InputSchema  *Schema   `json:"input_schema"`
	OutputSchema *Schema   `json:"output_schema"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Schema is the subset of JSON Schema emitted by inference.
type Schema struct {
	Type                 string             `json:"type"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
}

// Schema types.
const (
	SchemaTypeObject  = "object"
	SchemaTypeArray   = "array"
	SchemaTypeNumber  = "number"
	SchemaTypeBoolean = "boolean"
	SchemaTypeString  = "string"
)
