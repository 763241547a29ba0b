// Package bridge implements capture.Transport over a websocket served to the
// browser-side host shim. The host pushes events and answers commands; the
// agent never talks to a browser API directly.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/capture"
	"github.com/philip-sterne/mcp.click/internal/domain"
)

// ErrNoHost is returned when no host shim is connected.
var ErrNoHost = errors.New("bridge: no host connected")

// Frame types
const (
	FrameEvent   = "event"
	FrameReply   = "reply"
	FrameCommand = "command"
)

// Command methods
const (
	MethodContexts  = "contexts"
	MethodAttach    = "attach"
	MethodDetach    = "detach"
	MethodFetchBody = "fetchBody"
	MethodFetch     = "fetch"
)

// ReplyNotAttached is the error a host reports for a context it is not
// attached to.
const ReplyNotAttached = "not_attached"

// HostFrame is a frame sent by the host.
type HostFrame struct {
	Type  string          `json:"type"`
	Event *capture.Event  `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CommandFrame is a frame sent to the host.
type CommandFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ContextParams addresses one browsing context.
type ContextParams struct {
	ContextID string `json:"contextId"`
}

// FetchBodyParams addresses one response body.
type FetchBodyParams struct {
	ContextID string `json:"contextId"`
	RequestID string `json:"requestId"`
}

// BodyData is the reply payload of fetchBody.
type BodyData struct {
	Body          string `json:"body"`
	Base64Encoded bool   `json:"base64Encoded"`
}

// Options configures a Bridge. Zero values select defaults.
type Options struct {
	CallTimeout    time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

type hostConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func (h *hostConn) close() {
	h.once.Do(func() {
		close(h.closed)
		h.conn.Close()
	})
}

type pendingReply struct {
	host *hostConn
	ch   chan HostFrame
}

// Bridge serves the host websocket and implements capture.Transport and
// the relay client's request executor.
type Bridge struct {
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	host     *hostConn
	pending  map[string]pendingReply
	handlers map[int]func(capture.Event)
	nextID   int
}

var _ capture.Transport = (*Bridge)(nil)

// New creates a Bridge with no host connected.
func New(logger *zap.Logger, opts Options) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 16 << 20
	}
	return &Bridge{
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The host shim runs as a browser extension with its own origin.
				return true
			},
		},
		pending:  make(map[string]pendingReply),
		handlers: make(map[int]func(capture.Event)),
	}
}

// Connected reports whether a host is connected.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.host != nil
}

// HandleWebSocket upgrades a host connection. A new host replaces the
// previous one.
func (b *Bridge) HandleWebSocket(c echo.Context) error {
	ws, err := b.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		b.logger.Warn("failed to upgrade host websocket", zap.Error(err))
		return err
	}
	ws.SetReadLimit(b.opts.MaxMessageSize)

	h := &hostConn{
		id:     uuid.New().String(),
		conn:   ws,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	prev := b.host
	b.host = h
	b.mu.Unlock()
	if prev != nil {
		b.logger.Info("host replaced", zap.String("previous", prev.id))
		prev.close()
	}
	b.logger.Info("host connected", zap.String("host", h.id))

	go b.writePump(h)
	go b.readPump(h)
	return nil
}

func (b *Bridge) readPump(h *hostConn) {
	defer b.dropHost(h)

	h.conn.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))
		return nil
	})

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("host read failed", zap.Error(err))
			}
			return
		}
		h.conn.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))

		var frame HostFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.Warn("invalid host frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case FrameEvent:
			if frame.Event != nil {
				b.dispatch(*frame.Event)
			}
		case FrameReply:
			b.resolve(frame)
		default:
			b.logger.Warn("unknown host frame", zap.String("type", frame.Type))
		}
	}
}

func (b *Bridge) writePump(h *hostConn) {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer func() {
		ticker.Stop()
		h.close()
	}()

	for {
		select {
		case <-h.closed:
			return
		case msg := <-h.send:
			h.conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
			if err := h.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				b.logger.Debug("host write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			h.conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dropHost forgets h and fails every call waiting on it.
func (b *Bridge) dropHost(h *hostConn) {
	h.close()

	b.mu.Lock()
	if b.host == h {
		b.host = nil
	}
	var orphaned []chan HostFrame
	for id, p := range b.pending {
		if p.host == h {
			orphaned = append(orphaned, p.ch)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, ch := range orphaned {
		close(ch)
	}
	b.logger.Info("host disconnected", zap.String("host", h.id))
}

func (b *Bridge) dispatch(ev capture.Event) {
	b.mu.Lock()
	handlers := make([]func(capture.Event), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (b *Bridge) resolve(frame HostFrame) {
	b.mu.Lock()
	p, ok := b.pending[frame.ID]
	delete(b.pending, frame.ID)
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("reply for unknown command", zap.String("id", frame.ID))
		return
	}
	p.ch <- frame
}

// call sends a command to the host and decodes its reply into out.
func (b *Bridge) call(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
	}

	id := uuid.New().String()
	data, err := json.Marshal(CommandFrame{Type: FrameCommand, ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("bridge: marshal %s: %w", method, err)
	}

	ch := make(chan HostFrame, 1)
	b.mu.Lock()
	h := b.host
	if h == nil {
		b.mu.Unlock()
		return ErrNoHost
	}
	b.pending[id] = pendingReply{host: h, ch: ch}
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}

	select {
	case h.send <- data:
	case <-h.closed:
		forget()
		return ErrNoHost
	case <-ctx.Done():
		forget()
		return fmt.Errorf("bridge: send %s: %w", method, ctx.Err())
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return ErrNoHost
		}
		if !reply.OK {
			if reply.Error == ReplyNotAttached {
				return fmt.Errorf("bridge: %s: %w", method, capture.ErrNotAttached)
			}
			return fmt.Errorf("bridge: %s: %s", method, reply.Error)
		}
		if out != nil && len(reply.Data) > 0 {
			if err := json.Unmarshal(reply.Data, out); err != nil {
				return fmt.Errorf("bridge: decode %s reply: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		forget()
		return fmt.Errorf("bridge: %s: %w", method, ctx.Err())
	}
}

// Contexts implements capture.Transport.
func (b *Bridge) Contexts(ctx context.Context) ([]capture.ContextInfo, error) {
	var out []capture.ContextInfo
	if err := b.call(ctx, MethodContexts, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Attach implements capture.Transport.
func (b *Bridge) Attach(ctx context.Context, contextID string) error {
	return b.call(ctx, MethodAttach, ContextParams{ContextID: contextID}, nil)
}

// Detach implements capture.Transport.
func (b *Bridge) Detach(ctx context.Context, contextID string) error {
	return b.call(ctx, MethodDetach, ContextParams{ContextID: contextID}, nil)
}

// Subscribe implements capture.Transport.
func (b *Bridge) Subscribe(handler func(capture.Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// FetchBody implements capture.Transport.
func (b *Bridge) FetchBody(ctx context.Context, contextID, requestID string) ([]byte, error) {
	var data BodyData
	if err := b.call(ctx, MethodFetchBody, FetchBodyParams{ContextID: contextID, RequestID: requestID}, &data); err != nil {
		return nil, err
	}
	if !data.Base64Encoded {
		return []byte(data.Body), nil
	}
	body, err := base64.StdEncoding.DecodeString(data.Body)
	if err != nil {
		return nil, fmt.Errorf("bridge: decode body: %w", err)
	}
	return body, nil
}

// Execute runs req inside the live browser session, with the session's own
// cookies and credentials.
func (b *Bridge) Execute(ctx context.Context, req domain.ToolRequest) (domain.ToolResult, error) {
	var res domain.ToolResult
	if err := b.call(ctx, MethodFetch, req, &res); err != nil {
		return domain.ToolResult{}, err
	}
	if res.Headers == nil {
		res.Headers = map[string]string{}
	}
	return res, nil
}
