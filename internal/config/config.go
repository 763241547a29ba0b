// Package config provides configuration for the relay and the capture agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth modes for the relay.
const (
	AuthModeAllowList = "allowlist"
	AuthModeRego      = "rego"
)

// Executors for tool calls received by the agent.
const (
	ExecutorBridge = "bridge"
	ExecutorHTTP   = "http"
)

// RelayConfig holds the relay server configuration.
type RelayConfig struct {
	// Server settings
	Port    int // HTTP control API and /ws
	RPCPort int // JSON-RPC control API, 0 disables

	// Auth settings
	DeviceTokens []string
	AuthMode     string
	PolicyFile   string // Rego module, empty uses the built-in policy

	// Pending calls
	CallTTL time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// LoadRelay loads relay configuration from environment variables.
func LoadRelay() (*RelayConfig, error) {
	cfg := &RelayConfig{
		Port:           getEnvInt("RELAY_PORT", 8787),
		RPCPort:        getEnvInt("RELAY_RPC_PORT", 8788),
		DeviceTokens:   getEnvList("RELAY_DEVICE_TOKENS", []string{"dev-device"}),
		AuthMode:       getEnv("RELAY_AUTH_MODE", AuthModeAllowList),
		PolicyFile:     getEnv("RELAY_POLICY_FILE", ""),
		CallTTL:        time.Duration(getEnvInt("RELAY_CALL_TTL_MS", 120000)) * time.Millisecond,
		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 2<<20)),
	}

	switch cfg.AuthMode {
	case AuthModeAllowList, AuthModeRego:
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		return nil, fmt.Errorf("read timeout %s must exceed ping interval %s", cfg.ReadTimeout, cfg.PingInterval)
	}
	return cfg, nil
}

// AgentConfig holds the capture agent configuration. Values come from an
// optional YAML file and are overridden by environment variables.
type AgentConfig struct {
	Port        int      `yaml:"port"`
	DBPath      string   `yaml:"db"`
	Domains     []string `yaml:"domains"`
	UploadURL   string   `yaml:"upload_url"`
	Executor    string   `yaml:"executor"`
	RelayURL    string   `yaml:"relay_url"`
	DeviceToken string   `yaml:"device_token"`
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		Port:     8790,
		DBPath:   "mcpclick.db",
		Executor: ExecutorBridge,
	}
}

// LoadAgent reads path (if non-empty) over the defaults and then applies
// environment overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.Port = getEnvInt("AGENT_PORT", cfg.Port)
	cfg.DBPath = getEnv("AGENT_DB", cfg.DBPath)
	cfg.Domains = getEnvList("AGENT_DOMAINS", cfg.Domains)
	cfg.UploadURL = getEnv("AGENT_UPLOAD_URL", cfg.UploadURL)
	cfg.Executor = getEnv("AGENT_EXECUTOR", cfg.Executor)
	cfg.RelayURL = getEnv("AGENT_RELAY_URL", cfg.RelayURL)
	cfg.DeviceToken = getEnv("AGENT_DEVICE_TOKEN", cfg.DeviceToken)

	switch cfg.Executor {
	case ExecutorBridge, ExecutorHTTP:
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
