// Command mcpclick runs the capture agent, the relay server and their
// companion tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose bool

	// Logger
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "mcpclick",
	Short: "Capture browsing activity, infer actions and relay tool calls",
	Long: `mcpclick observes a live browsing session on chosen domains, stores a
redacted trace log, infers parameterized API actions from it and lets a remote
caller invoke requests against the live session through a relay.

  mcpclick agent    run the capture agent next to the browser
  mcpclick relay    run the relay server
  mcpclick device   run a standalone relay device that executes over HTTP
  mcpclick call     submit a tool call to a device through the relay`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(callCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// serveErr hides the error an echo server returns after a clean shutdown.
func serveErr(err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
