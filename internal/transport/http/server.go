// Package http provides the agent's local HTTP API: the command surface and
// the host bridge websocket route.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/command"
)

// maxCommandBody bounds a command payload.
const maxCommandBody = 1 << 20

// Server is the agent HTTP server.
type Server struct {
	echo   *echo.Echo
	bus    *command.Bus
	logger *zap.Logger
}

// NewServer creates the agent HTTP server. bridgeHandler serves GET /bridge
// when non-nil.
func NewServer(bus *command.Bus, bridgeHandler echo.HandlerFunc, logger *zap.Logger) *Server {
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
		bus:    bus,
		logger: logger,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/commands", s.handleListCommands)
	e.POST("/commands/:name", s.handleCommand)
	if bridgeHandler != nil {
		e.GET("/bridge", bridgeHandler)
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

func (s *Server) handleListCommands(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"commands": s.bus.Commands()})
}

func (s *Server) handleCommand(c echo.Context) error {
	name := c.Param("name")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCommandBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}
	if len(body) > 0 && !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}

	result, err := s.bus.Dispatch(c.Request().Context(), name, json.RawMessage(body))
	switch {
	case errors.Is(err, command.ErrUnknownCommand):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, command.ErrInvalidPayload):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if result == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, result)
}
