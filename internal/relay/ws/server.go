// Package ws provides the relay's device websocket endpoint.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/config"
	"github.com/philip-sterne/mcp.click/internal/protocol"
	"github.com/philip-sterne/mcp.click/internal/relay/auth"
	"github.com/philip-sterne/mcp.click/internal/relay/hub"
	"github.com/philip-sterne/mcp.click/internal/relay/pending"
)

// rejectLinger bounds how long a rejected socket waits for the peer's close.
const rejectLinger = 2 * time.Second

// Server handles device websocket connections.
type Server struct {
	cfg      *config.RelayConfig
	hub      *hub.Hub
	calls    *pending.Registry
	policy   auth.Policy
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new websocket server.
func NewServer(cfg *config.RelayConfig, h *hub.Hub, calls *pending.Registry, policy auth.Policy, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		hub:    h,
		calls:  calls,
		policy: policy,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices connect from browser extensions with arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket authenticates the device token, then upgrades and
// registers the connection.
func (s *Server) HandleWebSocket(c echo.Context) error {
	device := c.QueryParam("device")
	allowed := s.policy.Verify(c.Request().Context(), device)

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return err
	}

	if !allowed {
		s.logger.Warn("device rejected", zap.String("remote", c.RealIP()))
		go s.reject(ws)
		return nil
	}

	conn := s.hub.NewConnection(ws, device)
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	s.hub.Register(conn)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// reject tells the peer why it is refused and closes without registering.
func (s *Server) reject(ws *websocket.Conn) {
	defer ws.Close()

	data, _ := json.Marshal(protocol.NewError(protocol.ErrorUnauthorized))
	ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, protocol.ErrorUnauthorized),
		time.Now().Add(s.cfg.WriteTimeout))

	// Drain until the peer acknowledges the close so the error frame is not
	// lost to a reset.
	ws.SetReadDeadline(time.Now().Add(rejectLinger))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// readPump reads messages from the websocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.String("conn", conn.ID), zap.Error(err))
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the websocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("failed to write message", zap.String("conn", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		s.sendError(conn, protocol.ErrorInvalidMessage)
		return
	}

	switch msgType {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypePing:
		s.handlePing(conn, data)
	case protocol.TypeToolResult:
		s.handleToolResult(conn, data)
	default:
		s.sendError(conn, protocol.ErrorInvalidMessage)
	}
}

func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorInvalidMessage)
		return
	}

	s.hub.SendJSONToConnection(conn, protocol.NewHelloAck(time.Now().UnixMilli()))
	s.logger.Info("hello handshake completed",
		zap.String("conn", conn.ID),
		zap.String("device", msg.Device),
		zap.String("version", msg.Version))
}

func (s *Server) handlePing(conn *hub.Connection, data []byte) {
	var msg protocol.PingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorInvalidMessage)
		return
	}
	s.hub.SendJSONToConnection(conn, protocol.NewPong(msg.Ts))
}

func (s *Server) handleToolResult(conn *hub.Connection, data []byte) {
	var msg protocol.ToolResultMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.CallID == "" {
		s.sendError(conn, protocol.ErrorInvalidMessage)
		return
	}

	if err := s.calls.Resolve(conn.Device, msg.CallID, msg.Result); err != nil {
		if errors.Is(err, pending.ErrNotFound) {
			s.logger.Debug("result for unknown call", zap.String("callId", msg.CallID))
			return
		}
		s.logger.Warn("failed to resolve call", zap.String("callId", msg.CallID), zap.Error(err))
		return
	}

	s.logger.Info("tool result received",
		zap.String("callId", msg.CallID),
		zap.Int("status", msg.Result.Status))
}

func (s *Server) sendError(conn *hub.Connection, code string) {
	s.hub.SendJSONToConnection(conn, protocol.NewError(code))
}
