// Package auth decides which device tokens may connect to the relay.
package auth

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// Policy verifies a device token.
type Policy interface {
	Verify(ctx context.Context, token string) bool
}

// AllowList accepts a fixed set of tokens.
type AllowList struct {
	tokens map[string]struct{}
}

// NewAllowList creates an allow-list. Empty tokens are ignored.
func NewAllowList(tokens ...string) *AllowList {
	a := &AllowList{tokens: make(map[string]struct{}, len(tokens))}
	for _, t := range tokens {
		if t != "" {
			a.tokens[t] = struct{}{}
		}
	}
	return a
}

// Verify implements Policy.
func (a *AllowList) Verify(_ context.Context, token string) bool {
	if token == "" {
		return false
	}
	_, ok := a.tokens[token]
	return ok
}

// Tokens returns the allowed tokens in sorted order.
func (a *AllowList) Tokens() []string {
	out := make([]string, 0, len(a.tokens))
	for t := range a.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DefaultRegoPolicy admits tokens listed in input.allowed_tokens.
const DefaultRegoPolicy = `
package relay_auth

import rego.v1

default allow := false

allow if {
	input.token != ""
	input.token in input.allowed_tokens
}
`

// RegoPolicy evaluates an OPA module. The module must define
// data.relay_auth.allow; its input is {"token", "allowed_tokens"}.
type RegoPolicy struct {
	query   rego.PreparedEvalQuery
	allowed []string
}

// NewRegoPolicy prepares module for evaluation.
func NewRegoPolicy(ctx context.Context, module string, allowed []string) (*RegoPolicy, error) {
	r := rego.New(
		rego.Query("data.relay_auth.allow"),
		rego.Module("relay_auth.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &RegoPolicy{query: query, allowed: append([]string{}, allowed...)}, nil
}

// Verify implements Policy. Evaluation errors deny.
func (p *RegoPolicy) Verify(ctx context.Context, token string) bool {
	input := map[string]interface{}{
		"token":          token,
		"allowed_tokens": p.allowed,
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	allow, ok := results[0].Expressions[0].Value.(bool)
	return ok && allow
}
