package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RelayConnect replaces any current relay connection with one to url. A
// failed first dial is returned while the client keeps retrying in the
// background.
func (s *Service) RelayConnect(ctx context.Context, url, deviceToken string) error {
	if url == "" || deviceToken == "" {
		return fmt.Errorf("%w: url and deviceToken are required", ErrInvalidArgument)
	}

	s.relayMu.Lock()
	old := s.relay
	conn := s.newRelay(url, deviceToken)
	s.relay = conn
	s.relayMu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	if err := conn.Connect(ctx); err != nil {
		s.logger.Warn("relay connect failed, retrying in background", zap.String("url", url), zap.Error(err))
		return fmt.Errorf("relay connect: %w", err)
	}
	s.logger.Info("relay connected", zap.String("url", url))
	return nil
}

// RelayDisconnect closes the current relay connection, if any.
func (s *Service) RelayDisconnect() {
	s.relayMu.Lock()
	conn := s.relay
	s.relay = nil
	s.relayMu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
}

// Status is a snapshot of the agent.
type Status struct {
	Capture    string   `json:"capture"`
	Domains    []string `json:"domains"`
	Traces     int      `json:"traces"`
	Relay      string   `json:"relay"`
	RelayError string   `json:"relayError,omitempty"`
}

// Status reports capture, storage and relay state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	n, err := s.store.CountTraces(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to count traces: %w", err)
	}
	st := Status{
		Capture: string(s.capture.State()),
		Domains: s.capture.Domains(),
		Traces:  n,
		Relay:   "none",
	}
	if st.Domains == nil {
		st.Domains = []string{}
	}

	s.relayMu.Lock()
	conn := s.relay
	s.relayMu.Unlock()
	if conn != nil {
		st.Relay = string(conn.State())
		if err := conn.Err(); err != nil {
			st.RelayError = err.Error()
		}
	}
	return st, nil
}
