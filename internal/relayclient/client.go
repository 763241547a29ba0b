// Package relayclient keeps a persistent, authenticated channel to a relay
// server and executes the tool calls it receives.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/protocol"
)

// ErrRejected is reported once the relay refused the device token. The
// client stops reconnecting until Connect is called again.
var ErrRejected = errors.New("relayclient: rejected by relay")

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Tokenizer pseudonymizes the device token announced in hello.
type Tokenizer interface {
	Tokenize(ctx context.Context, value string) (string, error)
}

// Options tunes a Client. Zero values select defaults.
type Options struct {
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ExecuteTimeout    time.Duration
	Backoff           *Backoff
}

type conn struct {
	ws      *websocket.Conn
	gen     uint64
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

// Client is the device side of the relay channel.
type Client struct {
	url       string
	token     string
	executor  Executor
	tokenizer Tokenizer
	logger    *zap.Logger
	opts      Options
	dialer    *websocket.Dialer

	mu        sync.Mutex
	gen       uint64
	conn      *conn
	state     State
	backoff   *Backoff
	reconnect *time.Timer
	stopped   bool
	rejected  bool
	lastErr   error
}

// New creates a disconnected client for relayURL (ws:// or wss://, path
// included). tokenizer may be nil, in which case hello carries the raw token.
func New(relayURL, deviceToken string, executor Executor, tokenizer Tokenizer, logger *zap.Logger, opts Options) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = 30 * time.Second
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = NewBackoff()
	}
	return &Client{
		url:       relayURL,
		token:     deviceToken,
		executor:  executor,
		tokenizer: tokenizer,
		logger:    logger,
		opts:      opts,
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		state:     StateDisconnected,
		backoff:   backoff,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns ErrRejected after an authentication rejection, else the last
// connection error, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejected {
		return ErrRejected
	}
	return c.lastErr
}

// Connect dials the relay. A failed first dial is returned and retried in
// the background with backoff. Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.reconnect != nil {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	c.rejected = false
	c.lastErr = nil
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

// Disconnect stops heartbeats, cancels any scheduled reconnect and closes the
// channel. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	cn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cn != nil {
		cn.close()
		c.logger.Info("relay disconnected")
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("device", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	endpoint, err := c.endpoint()
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	cancel()
	if err != nil {
		err = fmt.Errorf("dial relay: %w", err)
		c.handleDisconnect(gen, err)
		return err
	}

	cn := &conn{ws: ws, gen: gen, done: make(chan struct{})}
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.conn = cn
	c.state = StateConnected
	c.lastErr = nil
	c.backoff.Reset()
	c.mu.Unlock()

	c.logger.Info("relay connected", zap.String("url", c.url))

	go c.readLoop(cn)
	go c.heartbeatLoop(cn)

	if err := c.send(cn, protocol.NewHello(c.deviceID(ctx))); err != nil {
		c.logger.Warn("send hello failed", zap.Error(err))
	}
	return nil
}

func (c *Client) deviceID(ctx context.Context) string {
	if c.tokenizer == nil {
		return c.token
	}
	tok, err := c.tokenizer.Tokenize(ctx, c.token)
	if err != nil {
		c.logger.Warn("tokenize device token failed", zap.Error(err))
		return ""
	}
	return tok
}

// handleDisconnect schedules at most one reconnect per disconnection.
// Callbacks from stale generations are ignored.
func (c *Client) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil && c.conn.gen == gen {
		c.conn = nil
	}
	c.state = StateDisconnected
	if cause != nil && !c.rejected {
		c.lastErr = cause
	}
	if c.stopped || c.rejected || c.reconnect != nil {
		c.mu.Unlock()
		return
	}
	delay := c.backoff.Next()
	c.reconnect = time.AfterFunc(delay, func() { c.fireReconnect(gen) })
	c.mu.Unlock()

	c.logger.Info("relay connection lost, reconnecting", zap.Duration("delay", delay), zap.Error(cause))
}

func (c *Client) fireReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.gen++
	next := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	_ = c.dial(context.Background(), next)
}

func (c *Client) readLoop(cn *conn) {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			cn.close()
			c.handleDisconnect(cn.gen, err)
			return
		}
		c.handleMessage(cn, data)
	}
}

func (c *Client) heartbeatLoop(cn *conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cn.done:
			return
		case t := <-ticker.C:
			if err := c.send(cn, protocol.NewPing(t.UnixMilli())); err != nil {
				c.logger.Debug("send ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) handleMessage(cn *conn, data []byte) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		c.logger.Warn("invalid relay frame", zap.Error(err))
		return
	}

	switch typ {
	case protocol.TypeToolCall:
		var msg protocol.ToolCallMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid tool.call", zap.Error(err))
			return
		}
		go c.runToolCall(cn, msg)
	case protocol.TypeError:
		var msg protocol.ErrorMessage
		_ = json.Unmarshal(data, &msg)
		if msg.Error == protocol.ErrorUnauthorized {
			c.mu.Lock()
			if cn.gen == c.gen {
				c.rejected = true
				c.lastErr = ErrRejected
			}
			c.mu.Unlock()
			c.logger.Error("relay rejected device token")
			return
		}
		c.logger.Warn("relay error", zap.String("error", msg.Error))
	case protocol.TypeHelloAck, protocol.TypePong:
		c.logger.Debug("relay frame", zap.String("type", typ))
	default:
		c.logger.Debug("ignoring relay frame", zap.String("type", typ))
	}
}

func (c *Client) runToolCall(cn *conn, msg protocol.ToolCallMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ExecuteTimeout)
	defer cancel()

	res, err := c.executor.Execute(ctx, msg.Request)
	if err != nil {
		c.logger.Warn("tool call failed", zap.String("callId", msg.CallID), zap.Error(err))
		res = FailureResult(err)
	}
	if res.Headers == nil {
		res.Headers = map[string]string{}
	}
	if err := c.send(cn, protocol.NewToolResult(msg.CallID, res)); err != nil {
		c.logger.Warn("send tool.result failed", zap.String("callId", msg.CallID), zap.Error(err))
		return
	}
	c.logger.Info("tool call completed", zap.String("callId", msg.CallID), zap.Int("status", res.Status))
}

// FailureResult describes a request that produced no HTTP response.
func FailureResult(err error) domain.ToolResult {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	return domain.ToolResult{Status: 0, Headers: map[string]string{}, Body: body}
}

func (c *Client) send(cn *conn, v any) error {
	select {
	case <-cn.done:
		return errors.New("connection closed")
	default:
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	cn.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return cn.ws.WriteJSON(v)
}
