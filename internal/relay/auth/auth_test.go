package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowList(t *testing.T) {
	ctx := context.Background()
	a := NewAllowList("dev-device", "", "other")

	assert.True(t, a.Verify(ctx, "dev-device"))
	assert.True(t, a.Verify(ctx, "other"))
	assert.False(t, a.Verify(ctx, ""))
	assert.False(t, a.Verify(ctx, "DEV-DEVICE"))
	assert.Equal(t, []string{"dev-device", "other"}, a.Tokens())
}

func TestRegoPolicyDefault(t *testing.T) {
	ctx := context.Background()
	p, err := NewRegoPolicy(ctx, DefaultRegoPolicy, []string{"dev-device"})
	require.NoError(t, err)

	assert.True(t, p.Verify(ctx, "dev-device"))
	assert.False(t, p.Verify(ctx, "intruder"))
	assert.False(t, p.Verify(ctx, ""))
}

func TestRegoPolicyCustomModule(t *testing.T) {
	ctx := context.Background()
	module := `
package relay_auth

import rego.v1

default allow := false

allow if startswith(input.token, "fleet-")
`
	p, err := NewRegoPolicy(ctx, module, nil)
	require.NoError(t, err)

	assert.True(t, p.Verify(ctx, "fleet-42"))
	assert.False(t, p.Verify(ctx, "dev-device"))
}

func TestRegoPolicyInvalidModule(t *testing.T) {
	_, err := NewRegoPolicy(context.Background(), "package relay_auth\nallow if {", nil)
	assert.Error(t, err)
}
