package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayDefaults(t *testing.T) {
	cfg, err := LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, 8787, cfg.Port)
	assert.Equal(t, []string{"dev-device"}, cfg.DeviceTokens)
	assert.Equal(t, AuthModeAllowList, cfg.AuthMode)
	assert.Equal(t, 2*time.Minute, cfg.CallTTL)
}

func TestLoadRelayEnv(t *testing.T) {
	t.Setenv("RELAY_PORT", "9000")
	t.Setenv("RELAY_DEVICE_TOKENS", " a, ,b ")
	t.Setenv("RELAY_AUTH_MODE", "rego")
	t.Setenv("RELAY_CALL_TTL_MS", "not-a-number")

	cfg, err := LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"a", "b"}, cfg.DeviceTokens)
	assert.Equal(t, AuthModeRego, cfg.AuthMode)
	assert.Equal(t, 2*time.Minute, cfg.CallTTL)
}

func TestLoadRelayRejectsBadSettings(t *testing.T) {
	t.Setenv("RELAY_AUTH_MODE", "open")
	_, err := LoadRelay()
	assert.Error(t, err)

	t.Setenv("RELAY_AUTH_MODE", "")
	t.Setenv("WS_READ_TIMEOUT_MS", "1000")
	_, err = LoadRelay()
	assert.Error(t, err)
}

func TestLoadAgentFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := "port: 9100\ndb: /tmp/x.db\ndomains: [example.com, api.example.com]\nexecutor: http\nrelay_url: ws://relay/ws\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("AGENT_PORT", "9200")
	t.Setenv("AGENT_DEVICE_TOKEN", "dev-device")

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, []string{"example.com", "api.example.com"}, cfg.Domains)
	assert.Equal(t, ExecutorHTTP, cfg.Executor)
	assert.Equal(t, "ws://relay/ws", cfg.RelayURL)
	assert.Equal(t, "dev-device", cfg.DeviceToken)
}

func TestLoadAgentErrors(t *testing.T) {
	_, err := LoadAgent(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor: carrier-pigeon\n"), 0o600))
	_, err = LoadAgent(path)
	assert.Error(t, err)
}
