package inference

import (
	"bytes"
	"encoding/json"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

const (
	maxSchemaDepth  = 4
	maxArraySamples = 5
)

type kind uint8

const (
	kindObject kind = 1 << iota
	kindArray
	kindNumber
	kindBoolean
	kindString
	kindNull
)

// node accumulates the shapes observed at one position across samples.
type node struct {
	kinds kind
	props map[string]*node
	items *node
}

func (n *node) child(name string) *node {
	if n.props == nil {
		n.props = make(map[string]*node)
	}
	c, ok := n.props[name]
	if !ok {
		c = &node{}
		n.props[name] = c
	}
	return c
}

func (n *node) merge(v any, depth int) {
	if depth > maxSchemaDepth {
		return
	}
	switch x := v.(type) {
	case nil:
		n.kinds |= kindNull
	case map[string]any:
		n.kinds |= kindObject
		for k, item := range x {
			n.child(k).merge(item, depth+1)
		}
	case []any:
		n.kinds |= kindArray
		if n.items == nil {
			n.items = &node{}
		}
		if len(x) > maxArraySamples {
			x = x[:maxArraySamples]
		}
		for _, item := range x {
			n.items.merge(item, depth+1)
		}
	case json.Number, float64:
		n.kinds |= kindNumber
	case bool:
		n.kinds |= kindBoolean
	case string:
		n.kinds |= kindString
	}
}

func (n *node) schema() *domain.Schema {
	switch {
	case n.kinds&kindObject != 0:
		additional := true
		props := make(map[string]*domain.Schema, len(n.props))
		for name, c := range n.props {
			props[name] = c.schema()
		}
		return &domain.Schema{
			Type:                 domain.SchemaTypeObject,
			Properties:           props,
			AdditionalProperties: &additional,
		}
	case n.kinds&kindArray != 0:
		items := n.items
		if items == nil {
			items = &node{}
		}
		return &domain.Schema{Type: domain.SchemaTypeArray, Items: items.schema()}
	case n.kinds&kindNumber != 0:
		return &domain.Schema{Type: domain.SchemaTypeNumber}
	case n.kinds&kindBoolean != 0:
		return &domain.Schema{Type: domain.SchemaTypeBoolean}
	default:
		return &domain.Schema{Type: domain.SchemaTypeString}
	}
}

// InferSchema merges up to maxSamples decoded samples into one schema.
// A position that saw several kinds resolves by priority: object, array,
// number, boolean, string.
func InferSchema(samples []any) *domain.Schema {
	root := &node{}
	for i, s := range samples {
		if i == maxSamples {
			break
		}
		root.merge(s, 0)
	}
	return root.schema()
}

// decodeSample parses a stored body. Bodies that are absent, JSON null or
// not valid JSON report ok=false.
func decodeSample(raw json.RawMessage) (any, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return nil, false
	}
	return v, true
}
