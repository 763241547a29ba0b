package service

import (
	"context"
	"encoding/json"

	"github.com/philip-sterne/mcp.click/internal/command"
)

// ObserveStartPayload is the argument of observe:start.
type ObserveStartPayload struct {
	Domains []string `json:"domains"`
}

// RelayConnectPayload is the argument of relay:connect.
type RelayConnectPayload struct {
	URL         string `json:"url"`
	DeviceToken string `json:"deviceToken"`
}

type ack struct {
	OK bool `json:"ok"`
}

func (s *Service) registerCommands() {
	s.bus.Handle(command.ObserveStart, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var p ObserveStartPayload
		if err := command.Decode(payload, &p); err != nil {
			return nil, err
		}
		if err := s.ObserveStart(ctx, p.Domains); err != nil {
			return nil, err
		}
		return ack{OK: true}, nil
	})

	s.bus.Handle(command.ObserveStop, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		if err := s.ObserveStop(ctx); err != nil {
			return nil, err
		}
		return ack{OK: true}, nil
	})

	s.bus.Handle(command.PrepareRun, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return s.PrepareRun(ctx)
	})

	s.bus.Handle(command.TracesUpload, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return s.UploadTraces(ctx)
	})

	s.bus.Handle(command.RelayConnect, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var p RelayConnectPayload
		if err := command.Decode(payload, &p); err != nil {
			return nil, err
		}
		if err := s.RelayConnect(ctx, p.URL, p.DeviceToken); err != nil {
			return nil, err
		}
		return ack{OK: true}, nil
	})

	s.bus.Handle(command.RelayDisconnect, func(context.Context, json.RawMessage) (interface{}, error) {
		s.RelayDisconnect()
		return ack{OK: true}, nil
	})

	s.bus.Handle(command.ActionsList, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return s.ListActions(ctx)
	})

	s.bus.Handle(command.Status, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return s.Status(ctx)
	})
}
