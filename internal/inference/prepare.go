// Package inference derives action drafts from captured traces.
//
// PrepareActions is a pure function of its input: it pairs request and
// response traces by correlation id, groups pairs by method and templated
// URL, and infers input and output schemas for mutating endpoints.
package inference

import (
	"fmt"
	"strings"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

const maxSamples = 10

var mutatingMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

type pair struct {
	req *domain.Trace
	res *domain.Trace
}

type cluster struct {
	method string
	path   string
	pairs  []pair
}

// IsMutating reports whether method is POST, PUT, PATCH or DELETE,
// ignoring case.
func IsMutating(method string) bool {
	return mutatingMethods[strings.ToUpper(method)]
}

// PrepareActions returns one draft per mutating endpoint observed in traces.
// Drafts are ordered by the first appearance of their endpoint.
func PrepareActions(traces []domain.Trace) []domain.ActionDraft {
	var clusters []*cluster
	byKey := make(map[string]*cluster)
	for _, p := range pairTraces(traces) {
		path := Template(p.req.URL)
		key := p.req.Method + " " + path
		c, ok := byKey[key]
		if !ok {
			c = &cluster{method: p.req.Method, path: path}
			byKey[key] = c
			clusters = append(clusters, c)
		}
		c.pairs = append(c.pairs, p)
	}

	drafts := make([]domain.ActionDraft, 0, len(clusters))
	for _, c := range clusters {
		if !IsMutating(c.method) {
			continue
		}
		var inputs, outputs []any
		for _, p := range c.pairs {
			if v, ok := decodeSample(p.req.Body); ok && len(inputs) < maxSamples {
				inputs = append(inputs, v)
			}
			if v, ok := decodeSample(p.res.Body); ok && len(outputs) < maxSamples {
				outputs = append(outputs, v)
			}
		}
		drafts = append(drafts, domain.ActionDraft{
			Name:         ActionName(c.path),
			Description:  fmt.Sprintf("%s %s", c.method, c.path),
			Method:       c.method,
			Path:         c.path,
			InputSchema:  InferSchema(inputs),
			OutputSchema: InferSchema(outputs),
		})
	}
	return drafts
}

// pairTraces groups network traces by correlation id and returns the
// complete pairs in order of first appearance. When a side repeats, the last
// one wins.
func pairTraces(traces []domain.Trace) []pair {
	var order []string
	byID := make(map[string]*pair)
	for i := range traces {
		t := &traces[i]
		if !t.Kind.IsNetwork() || t.RequestID == "" {
			continue
		}
		p, ok := byID[t.RequestID]
		if !ok {
			p = &pair{}
			byID[t.RequestID] = p
			order = append(order, t.RequestID)
		}
		if t.Kind == domain.TraceKindRequest {
			p.req = t
		} else {
			p.res = t
		}
	}

	pairs := make([]pair, 0, len(order))
	for _, id := range order {
		p := byID[id]
		if p.req == nil || p.res == nil {
			continue
		}
		pairs = append(pairs, *p)
	}
	return pairs
}
