// Package http provides the relay's HTTP control API and websocket route.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/relay"
	"github.com/philip-sterne/mcp.click/internal/relay/hub"
	"github.com/philip-sterne/mcp.click/internal/relay/pending"
)

// MaxWait caps the wait_ms parameter of GET /calls/:id.
const MaxWait = 60 * time.Second

// Server is the relay HTTP server.
type Server struct {
	echo   *echo.Echo
	relay  *relay.Relay
	logger *zap.Logger
}

// NewServer creates the HTTP server. wsHandler serves GET /ws.
func NewServer(r *relay.Relay, wsHandler echo.HandlerFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		relay:  r,
		logger: logger,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.POST("/call", s.handleCall)
	e.GET("/calls/:id", s.handleGetCall)
	if wsHandler != nil {
		e.GET("/ws", wsHandler)
	}

	return s
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// CallRequest is the body of POST /call.
type CallRequest struct {
	Device  string             `json:"device"`
	Request domain.ToolRequest `json:"request"`
}

// CallResponse is the reply of POST /call.
type CallResponse struct {
	CallID string `json:"callId"`
}

func (s *Server) handleCall(c echo.Context) error {
	var req CallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	callID, err := s.relay.Submit(c.Request().Context(), req.Device, req.Request)
	switch {
	case errors.Is(err, hub.ErrDeviceOffline):
		return c.String(http.StatusNotFound, "device offline")
	case errors.Is(err, relay.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "device and request.url are required"})
	case err != nil:
		s.logger.Warn("submit failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to submit call"})
	}

	return c.JSON(http.StatusOK, CallResponse{CallID: callID})
}

func (s *Server) handleGetCall(c echo.Context) error {
	wait := time.Duration(0)
	if raw := c.QueryParam("wait_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid wait_ms"})
		}
		wait = time.Duration(ms) * time.Millisecond
		if wait > MaxWait {
			wait = MaxWait
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), wait)
	defer cancel()

	call, err := s.relay.Result(ctx, c.Param("id"))
	if errors.Is(err, pending.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "call not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if !call.Done {
		return c.JSON(http.StatusAccepted, call)
	}
	return c.JSON(http.StatusOK, call)
}
