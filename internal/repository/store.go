// Package repository provides the durable trace store.
package repository

import (
	"context"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

// Store defines the interface for trace and action persistence.
type Store interface {
	// Trace operations
	AddTrace(ctx context.Context, trace *domain.Trace) (int64, error)
	GetAllTraces(ctx context.Context) ([]domain.Trace, error)
	CountTraces(ctx context.Context) (int, error)
	ClearTraces(ctx context.Context) error
	DeleteTracesThrough(ctx context.Context, id int64) error

	// Action operations
	SaveActionsDraft(ctx context.Context, drafts []domain.ActionDraft) error
	ListActions(ctx context.Context) ([]domain.ActionDraft, error)

	// Key-value operations
	GetValue(ctx context.Context, key string) (string, bool, error)
	PutValueIfAbsent(ctx context.Context, key, value string) (string, error)

	// Lifecycle
	Close() error
}
