// Package command is the agent's command surface: named request/response
// handlers plus fire-and-forget notifications.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Command names.
const (
	ObserveStart    = "observe:start"
	ObserveStop     = "observe:stop"
	PrepareRun      = "prepare:run"
	TracesUpload    = "traces:upload"
	RelayConnect    = "relay:connect"
	RelayDisconnect = "relay:disconnect"
	ActionsList     = "actions:list"
	Status          = "status"
)

// Notification names.
const (
	PrepareDone = "prepare:done"
)

var (
	// ErrUnknownCommand is returned by Dispatch for unregistered names.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidPayload marks malformed command arguments.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Handler runs a command. payload is the raw JSON argument, possibly empty.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Event is a published notification.
type Event struct {
	Name    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Bus routes commands to handlers and notifications to subscribers.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[*subscriber]struct{}
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[string]Handler),
		subs:     make(map[*subscriber]struct{}),
	}
}

// Handle registers h for name, replacing any previous handler.
func (b *Bus) Handle(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

// Commands returns the registered command names in sorted order.
func (b *Bus) Commands() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers))
	for n := range b.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered for name.
func (b *Bus) Dispatch(ctx context.Context, name string, payload json.RawMessage) (interface{}, error) {
	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	result, err := h(ctx, payload)
	if err != nil {
		b.logger.Warn("command failed", zap.String("command", name), zap.Error(err))
		return nil, err
	}
	b.logger.Debug("command handled", zap.String("command", name))
	return result, nil
}

// Subscribe returns a channel receiving every published event and a cancel
// function that closes it. Events are dropped for a subscriber whose buffer
// is full.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(name string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- Event{Name: name, Payload: payload}:
		default:
			b.logger.Warn("subscriber buffer full, dropping event", zap.String("event", name))
		}
	}
}

// Decode unmarshals a command payload into v. An empty payload leaves v
// untouched.
func Decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
