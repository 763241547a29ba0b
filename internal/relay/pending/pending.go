// Package pending tracks submitted tool calls until their result arrives or
// they expire.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

// ErrNotFound is returned for unknown or expired call ids.
var ErrNotFound = errors.New("call not found")

// DefaultTTL bounds how long a call is kept, resolved or not.
const DefaultTTL = 2 * time.Minute

// Call is a snapshot of a registered call.
type Call struct {
	CallID    string             `json:"callId"`
	Device    string             `json:"-"`
	Done      bool               `json:"done"`
	Result    *domain.ToolResult `json:"result,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

type entry struct {
	call Call
	done chan struct{}
}

// Registry holds in-flight and recently completed calls.
type Registry struct {
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	calls map[string]*entry
}

// NewRegistry creates a registry. ttl <= 0 uses DefaultTTL.
func NewRegistry(ttl time.Duration, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		calls:  make(map[string]*entry),
	}
}

// Register records a call submitted to device.
func (r *Registry) Register(callID, device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[callID] = &entry{
		call: Call{CallID: callID, Device: device, CreatedAt: r.now()},
		done: make(chan struct{}),
	}
}

// Forget drops a call, used when the submit itself failed.
func (r *Registry) Forget(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

// Resolve stores the result of callID reported by device. Only the device
// the call was sent to may resolve it, and only the first result counts.
func (r *Registry) Resolve(device, callID string, result domain.ToolResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.calls[callID]
	if !ok || e.call.Device != device {
		return ErrNotFound
	}
	if e.call.Done {
		return nil
	}
	e.call.Done = true
	e.call.Result = &result
	close(e.done)
	return nil
}

// Get returns the current state of callID.
func (r *Registry) Get(callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return e.call, nil
}

// Wait blocks until callID is resolved or ctx is done, then returns the
// call's state. A context expiry is not an error: the pending state is
// returned with Done false.
func (r *Registry) Wait(ctx context.Context, callID string) (Call, error) {
	r.mu.Lock()
	e, ok := r.calls[callID]
	r.mu.Unlock()
	if !ok {
		return Call{}, ErrNotFound
	}

	select {
	case <-e.done:
	case <-ctx.Done():
	}
	return r.Get(callID)
}

// Len returns the number of tracked calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// RunSweeper removes expired calls until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.calls {
		if e.call.CreatedAt.Before(cutoff) {
			if !e.call.Done {
				r.logger.Debug("call expired without result", zap.String("callId", id))
			}
			delete(r.calls, id)
			removed++
		}
	}
	return removed
}
