// Package relay holds the control operations shared by the relay's HTTP and
// JSON-RPC surfaces.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/protocol"
	"github.com/philip-sterne/mcp.click/internal/relay/hub"
	"github.com/philip-sterne/mcp.click/internal/relay/pending"
)

// ErrInvalidRequest is returned when a submitted request lacks a device or URL.
var ErrInvalidRequest = errors.New("invalid request")

// Relay submits tool calls to devices and looks up their results.
type Relay struct {
	hub    *hub.Hub
	calls  *pending.Registry
	logger *zap.Logger
}

// New creates a Relay over the device registry and the pending-call registry.
func New(h *hub.Hub, calls *pending.Registry, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{hub: h, calls: calls, logger: logger}
}

// Submit sends req to every live connection of device and returns the new
// call id. It fails with hub.ErrDeviceOffline when nothing is connected.
func (r *Relay) Submit(_ context.Context, device string, req domain.ToolRequest) (string, error) {
	if device == "" || req.URL == "" {
		return "", ErrInvalidRequest
	}

	callID := uuid.New().String()
	// Registered first so a fast result cannot arrive before the entry.
	r.calls.Register(callID, device)

	n, err := r.hub.SendJSONToDevice(device, protocol.NewToolCall(callID, req))
	if err != nil {
		r.calls.Forget(callID)
		return "", fmt.Errorf("submit to %s: %w", device, err)
	}

	r.logger.Info("tool call submitted",
		zap.String("callId", callID),
		zap.String("method", req.Method),
		zap.Int("connections", n))
	return callID, nil
}

// Result returns the state of callID, waiting until ctx is done for a
// pending call to resolve.
func (r *Relay) Result(ctx context.Context, callID string) (pending.Call, error) {
	return r.calls.Wait(ctx, callID)
}

// Online reports whether device has a live connection.
func (r *Relay) Online(device string) bool {
	return r.hub.IsOnline(device)
}
