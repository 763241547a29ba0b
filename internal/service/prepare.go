package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/command"
	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/inference"
)

// PrepareResult is the outcome of an inference run.
type PrepareResult struct {
	Count int `json:"count"`
}

// PrepareRun infers action drafts from the whole trace log, saves them and
// publishes prepare:done with the count.
func (s *Service) PrepareRun(ctx context.Context) (PrepareResult, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	traces, err := s.store.GetAllTraces(ctx)
	if err != nil {
		return PrepareResult{}, fmt.Errorf("failed to load traces: %w", err)
	}

	drafts := inference.PrepareActions(traces)
	if err := s.store.SaveActionsDraft(ctx, drafts); err != nil {
		return PrepareResult{}, fmt.Errorf("failed to save drafts: %w", err)
	}

	res := PrepareResult{Count: len(drafts)}
	s.logger.Info("actions prepared", zap.Int("traces", len(traces)), zap.Int("actions", res.Count))
	s.bus.Publish(command.PrepareDone, res)
	return res, nil
}

// ListActions returns the saved action drafts.
func (s *Service) ListActions(ctx context.Context) ([]domain.ActionDraft, error) {
	actions, err := s.store.ListActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	if actions == nil {
		actions = []domain.ActionDraft{}
	}
	return actions, nil
}
