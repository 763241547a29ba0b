package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philip-sterne/mcp.click/internal/command"
)

func newTestServer() (*Server, *command.Bus) {
	bus := command.NewBus(nil)
	bus.Handle(command.PrepareRun, func(context.Context, json.RawMessage) (interface{}, error) {
		return map[string]int{"count": 2}, nil
	})
	bus.Handle(command.ObserveStart, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var p struct {
			Domains []string `json:"domains"`
		}
		if err := command.Decode(payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	})
	bus.Handle(command.TracesUpload, func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, errors.New("sink down")
	})
	bus.Handle(command.ObserveStop, func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, nil
	})
	return NewServer(bus, nil, nil), bus
}

func post(s *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestCommandRoutes(t *testing.T) {
	s, _ := newTestServer()

	rec := post(s, "/commands/prepare:run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":2}`, rec.Body.String())

	rec = post(s, "/commands/observe:start", `{"domains":["example.com"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"domains":["example.com"]}`, rec.Body.String())

	rec = post(s, "/commands/observe:stop", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCommandErrors(t *testing.T) {
	s, _ := newTestServer()

	assert.Equal(t, http.StatusNotFound, post(s, "/commands/launch:rockets", "").Code)
	assert.Equal(t, http.StatusBadRequest, post(s, "/commands/observe:start", `{"domains":`).Code)
	assert.Equal(t, http.StatusBadRequest, post(s, "/commands/observe:start", `{"domains":"x"}`).Code)

	rec := post(s, "/commands/traces:upload", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "sink down")
}

func TestHealthAndList(t *testing.T) {
	s, _ := newTestServer()

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/commands", nil))
	assert.JSONEq(t, `{"commands":["observe:start","observe:stop","prepare:run","traces:upload"]}`, rec.Body.String())
}
