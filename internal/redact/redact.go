// Package redact turns captured headers, bodies and form fields into
// privacy-safe values before they reach the trace store.
//
// Header redaction is key-based. Body redaction is a coarse, value-based
// heuristic for strings plus a key-based rule for PII-named properties.
// All functions in this file are pure; see Redactor for tokenization.
package redact

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// Sentinel replaces redacted values wholesale.
	Sentinel = "__REDACTED__"
	// BinarySentinel replaces bodies whose MIME type is not textual.
	BinarySentinel = "__BINARY__"
	// Ellipsis marks a truncated string.
	Ellipsis = "…"

	maxArrayItems = 50
	maxStringLen  = 256
	maxTextLen    = 65536
)

var (
	sensitiveKeyRe = regexp.MustCompile(`(?i)authorization|cookie|token|secret|password|apikey|session|bearer`)
	piiKeyRe       = regexp.MustCompile(`(?i)email|phone|name|ssn|iban|card|address`)
	emailLikeRe    = regexp.MustCompile(`\S+@\S+`)
	digitRunRe     = regexp.MustCompile(`\d{3,}`)
	textualMimeRe  = regexp.MustCompile(`(?i)json|text|graphql`)
)

// IsSensitiveKey reports whether a header name must never be stored verbatim.
func IsSensitiveKey(k string) bool { return sensitiveKeyRe.MatchString(k) }

// IsLikelyPII reports whether an object key names personal data.
func IsLikelyPII(k string) bool { return piiKeyRe.MatchString(k) }

// Headers returns a copy of h in which every sensitive key maps to Sentinel.
// Keys are never removed.
func Headers(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if IsSensitiveKey(k) {
			out[k] = Sentinel
			continue
		}
		out[k] = v
	}
	return out
}

// Body redacts a raw body and returns it JSON-encoded for storage.
// A nil or empty raw body yields nil. Non-textual MIME types yield the
// binary sentinel. JSON documents are redacted recursively; anything else is
// stored as a (possibly truncated) JSON string.
func Body(raw []byte, mimeType string) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if mimeType != "" && !textualMimeRe.MatchString(mimeType) {
		return encode(BinarySentinel)
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return encode(truncate(string(raw), maxTextLen))
	}
	return encode(Value(v))
}

// Value recursively redacts a decoded JSON value. Numbers are expected as
// json.Number or float64; both pass through unchanged.
func Value(x any) any {
	switch v := x.(type) {
	case nil:
		return nil
	case string:
		return Text(v)
	case []any:
		if len(v) > maxArrayItems {
			v = v[:maxArrayItems]
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Value(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if IsLikelyPII(k) {
				out[k] = Sentinel
				continue
			}
			out[k] = Value(item)
		}
		return out
	default:
		return v
	}
}

// Text applies the string heuristic: anything that looks like an email or
// holds three or more consecutive digits is replaced, long strings are
// truncated.
func Text(s string) string {
	if emailLikeRe.MatchString(s) || digitRunRe.MatchString(s) {
		return Sentinel
	}
	return truncate(s, maxStringLen)
}

// Fields redacts a flat form mapping with the same rules as a JSON object.
func Fields(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if IsLikelyPII(k) {
			out[k] = Sentinel
			continue
		}
		out[k] = Text(v)
	}
	return out
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + Ellipsis
		}
		n++
	}
	return s
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("redact: trailing data after JSON value")
	}
	return v, nil
}

func encode(v any) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil
	}
	return json.RawMessage(strings.TrimSuffix(buf.String(), "\n"))
}
