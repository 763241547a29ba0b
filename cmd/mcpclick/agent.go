package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philip-sterne/mcp.click/internal/capture"
	"github.com/philip-sterne/mcp.click/internal/capture/bridge"
	"github.com/philip-sterne/mcp.click/internal/command"
	"github.com/philip-sterne/mcp.click/internal/config"
	"github.com/philip-sterne/mcp.click/internal/redact"
	"github.com/philip-sterne/mcp.click/internal/relayclient"
	"github.com/philip-sterne/mcp.click/internal/repository"
	"github.com/philip-sterne/mcp.click/internal/service"
	agenthttp "github.com/philip-sterne/mcp.click/internal/transport/http"
	"github.com/philip-sterne/mcp.click/internal/upload"
)

var agentConfigPath string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the capture agent",
	Long: `Serves the host bridge websocket on /bridge and the command API on
/commands/:name. Configuration comes from --config (YAML) and AGENT_* variables.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentConfigPath, "config", "c", "", "Path to agent YAML config")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgent(agentConfigPath)
	if err != nil {
		return err
	}

	store, err := repository.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	redactor := redact.NewRedactor(store)
	br := bridge.New(logger.Named("bridge"), bridge.Options{})
	engine := capture.NewEngine(br, store, logger.Named("capture"), capture.Options{})

	var executor relayclient.Executor = br
	if cfg.Executor == config.ExecutorHTTP {
		executor = relayclient.NewHTTPExecutor(30 * time.Second)
	}
	newRelay := func(url, deviceToken string) service.RelayConn {
		return relayclient.New(url, deviceToken, executor, redactor, logger.Named("relayclient"), relayclient.Options{})
	}

	bus := command.NewBus(logger.Named("bus"))
	svc := service.New(store, engine, upload.NewClient(cfg.UploadURL), bus, newRelay, logger.Named("service"))
	server := agenthttp.NewServer(bus, br.HandleWebSocket, logger.Named("http"))

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger.Info("starting agent",
		zap.Int("port", cfg.Port),
		zap.String("db", cfg.DBPath),
		zap.String("executor", cfg.Executor))

	if len(cfg.Domains) > 0 {
		if err := svc.ObserveStart(ctx, cfg.Domains); err != nil {
			logger.Warn("initial observe failed", zap.Error(err))
		}
	}
	if cfg.RelayURL != "" && cfg.DeviceToken != "" {
		if err := svc.RelayConnect(ctx, cfg.RelayURL, cfg.DeviceToken); err != nil {
			logger.Warn("initial relay connect failed", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveErr(server.Start(fmt.Sprintf("127.0.0.1:%d", cfg.Port)))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down agent")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			logger.Warn("failed to stop capture", zap.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown http server gracefully", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}
