package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philip-sterne/mcp.click/internal/config"
	"github.com/philip-sterne/mcp.click/internal/relay"
	"github.com/philip-sterne/mcp.click/internal/relay/auth"
	relayhttp "github.com/philip-sterne/mcp.click/internal/relay/http"
	"github.com/philip-sterne/mcp.click/internal/relay/hub"
	"github.com/philip-sterne/mcp.click/internal/relay/pending"
	"github.com/philip-sterne/mcp.click/internal/relay/rpc"
	"github.com/philip-sterne/mcp.click/internal/relay/ws"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay server",
	Long: `Serves the device websocket on /ws, the HTTP control API (/health, /call,
/calls/:id) on RELAY_PORT and the JSON-RPC control API on RELAY_RPC_PORT.`,
	RunE: runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadRelay()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	policy, err := buildPolicy(ctx, cfg)
	if err != nil {
		return err
	}

	h := hub.NewHub(logger.Named("hub"))
	calls := pending.NewRegistry(cfg.CallTTL, logger.Named("pending"))
	r := relay.New(h, calls, logger.Named("relay"))
	wsServer := ws.NewServer(cfg, h, calls, policy, logger.Named("ws"))
	httpServer := relayhttp.NewServer(r, wsServer.HandleWebSocket, logger.Named("http"))

	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(r, logger.Named("rpc"))
		if err != nil {
			return fmt.Errorf("failed to create rpc server: %w", err)
		}
	}

	logger.Info("starting relay",
		zap.Int("port", cfg.Port),
		zap.Int("rpcPort", cfg.RPCPort),
		zap.String("authMode", cfg.AuthMode))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		calls.RunSweeper(gctx, time.Second)
		return nil
	})
	g.Go(func() error {
		return serveErr(httpServer.Start(fmt.Sprintf(":%d", cfg.Port)))
	})
	if rpcServer != nil {
		g.Go(func() error {
			return rpcServer.Start(fmt.Sprintf(":%d", cfg.RPCPort))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown http server gracefully", zap.Error(err))
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to shutdown rpc server gracefully", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}

func buildPolicy(ctx context.Context, cfg *config.RelayConfig) (auth.Policy, error) {
	switch cfg.AuthMode {
	case config.AuthModeRego:
		module := auth.DefaultRegoPolicy
		if cfg.PolicyFile != "" {
			data, err := os.ReadFile(cfg.PolicyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy: %w", err)
			}
			module = string(data)
		}
		return auth.NewRegoPolicy(ctx, module, cfg.DeviceTokens)
	default:
		return auth.NewAllowList(cfg.DeviceTokens...), nil
	}
}
