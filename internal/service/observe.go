package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ObserveStart restarts capture for domains.
func (s *Service) ObserveStart(ctx context.Context, domains []string) error {
	if err := s.capture.Start(ctx, domains); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	s.logger.Info("observation started", zap.Strings("domains", s.capture.Domains()))
	return nil
}

// ObserveStop stops capture. Stopping an idle engine is a no-op.
func (s *Service) ObserveStop(ctx context.Context) error {
	if err := s.capture.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop capture: %w", err)
	}
	s.logger.Info("observation stopped")
	return nil
}
