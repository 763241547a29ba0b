package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// UploadResult is the outcome of a trace upload.
type UploadResult struct {
	Uploaded int `json:"uploaded"`
}

// UploadTraces hands every stored trace to the uploader and clears exactly
// the uploaded traces once the sink confirms. On failure nothing is removed.
func (s *Service) UploadTraces(ctx context.Context) (UploadResult, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	traces, err := s.store.GetAllTraces(ctx)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to load traces: %w", err)
	}
	if len(traces) == 0 {
		return UploadResult{}, nil
	}

	if err := s.uploader.Upload(ctx, traces); err != nil {
		s.logger.Warn("trace upload failed, keeping traces", zap.Int("traces", len(traces)), zap.Error(err))
		return UploadResult{}, fmt.Errorf("upload failed: %w", err)
	}

	var through int64
	for _, t := range traces {
		if t.ID > through {
			through = t.ID
		}
	}
	// Traces captured while the upload was in flight have larger ids and stay.
	if err := s.store.DeleteTracesThrough(ctx, through); err != nil {
		return UploadResult{}, fmt.Errorf("uploaded but failed to clear traces: %w", err)
	}

	s.logger.Info("traces uploaded", zap.Int("traces", len(traces)))
	return UploadResult{Uploaded: len(traces)}, nil
}
