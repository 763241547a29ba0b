// Package service implements the agent's commands on top of the capture
// engine, the trace store, inference and the relay client.
package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/capture"
	"github.com/philip-sterne/mcp.click/internal/command"
	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/relayclient"
	"github.com/philip-sterne/mcp.click/internal/repository"
)

// ErrInvalidArgument is returned for malformed command arguments.
var ErrInvalidArgument = command.ErrInvalidPayload

// Capture is the subset of the capture engine used by the service.
type Capture interface {
	Start(ctx context.Context, domains []string) error
	Stop(ctx context.Context) error
	State() capture.State
	Domains() []string
}

// Uploader hands traces to an external sink.
type Uploader interface {
	Upload(ctx context.Context, traces []domain.Trace) error
}

// RelayConn is a relay client connection.
type RelayConn interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() relayclient.State
	Err() error
}

// RelayFactory builds a relay connection for url and device token.
type RelayFactory func(url, deviceToken string) RelayConn

// Service holds the agent's components.
type Service struct {
	store    repository.Store
	capture  Capture
	uploader Uploader
	bus      *command.Bus
	newRelay RelayFactory
	logger   *zap.Logger

	// serializes prepare and upload, which both read the whole trace log
	logMu sync.Mutex

	relayMu sync.Mutex
	relay   RelayConn
}

// New creates a service and registers its commands on bus.
func New(store repository.Store, capture Capture, uploader Uploader, bus *command.Bus, newRelay RelayFactory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		capture:  capture,
		uploader: uploader,
		bus:      bus,
		newRelay: newRelay,
		logger:   logger,
	}
	s.registerCommands()
	return s
}

// Close stops capture and disconnects the relay.
func (s *Service) Close(ctx context.Context) error {
	s.RelayDisconnect()
	return s.capture.Stop(ctx)
}
