package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/redact"
	"github.com/philip-sterne/mcp.click/internal/relayclient"
	"github.com/philip-sterne/mcp.click/internal/repository"
)

var (
	deviceRelayURL string
	deviceToken    string
	deviceDBPath   string
	deviceTimeout  time.Duration
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run a relay device that executes tool calls over HTTP",
	Long: `Connects to the relay as a device and answers tool calls with a plain
HTTP client. Useful for testing the relay without a browser.`,
	RunE: runDevice,
}

func init() {
	deviceCmd.Flags().StringVar(&deviceRelayURL, "relay", "ws://localhost:8787/ws", "Relay websocket URL")
	deviceCmd.Flags().StringVar(&deviceToken, "token", "dev-device", "Device token")
	deviceCmd.Flags().StringVar(&deviceDBPath, "db", "", "SQLite file holding the tokenization salt (hello carries the raw token when empty)")
	deviceCmd.Flags().DurationVar(&deviceTimeout, "timeout", 30*time.Second, "Per-request timeout")
}

func runDevice(cmd *cobra.Command, args []string) error {
	var tokenizer relayclient.Tokenizer
	if deviceDBPath != "" {
		store, err := repository.NewSQLiteStore(deviceDBPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()
		tokenizer = redact.NewRedactor(store)
	}

	client := relayclient.New(deviceRelayURL, deviceToken, relayclient.NewHTTPExecutor(deviceTimeout),
		tokenizer, logger.Named("relayclient"), relayclient.Options{})

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := client.Connect(ctx); err != nil {
		logger.Warn("relay connect failed, retrying", zap.Error(err))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			client.Disconnect()
			return nil
		case <-ticker.C:
			if errors.Is(client.Err(), relayclient.ErrRejected) {
				client.Disconnect()
				return relayclient.ErrRejected
			}
		}
	}
}
