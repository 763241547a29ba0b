package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philip-sterne/mcp.click/internal/capture"
	"github.com/philip-sterne/mcp.click/internal/domain"
)

// fakeHost is a scripted host shim.
type fakeHost struct {
	t    *testing.T
	conn *websocket.Conn
	mu   sync.Mutex
	seen []CommandFrame
}

func startBridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	b := New(nil, Options{CallTimeout: time.Second})
	e := echo.New()
	e.GET("/bridge", b.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http") + "/bridge"
}

func connectHost(t *testing.T, b *Bridge, url string, answer func(CommandFrame) HostFrame) *fakeHost {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	h := &fakeHost{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd CommandFrame
			if err := json.Unmarshal(data, &cmd); err != nil {
				return
			}
			h.mu.Lock()
			h.seen = append(h.seen, cmd)
			h.mu.Unlock()
			if answer == nil {
				continue
			}
			reply := answer(cmd)
			reply.Type = FrameReply
			reply.ID = cmd.ID
			h.mu.Lock()
			err = conn.WriteJSON(reply)
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	require.Eventually(t, b.Connected, time.Second, 5*time.Millisecond)
	return h
}

func (h *fakeHost) sendEvent(ev capture.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NoError(h.t, h.conn.WriteJSON(HostFrame{Type: FrameEvent, Event: &ev}))
}

func data(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestCallsWithoutHostFail(t *testing.T) {
	b := New(nil, Options{})
	_, err := b.Contexts(context.Background())
	assert.ErrorIs(t, err, ErrNoHost)
	_, err = b.Execute(context.Background(), domain.ToolRequest{Method: "GET", URL: "https://x"})
	assert.ErrorIs(t, err, ErrNoHost)
}

func TestCommandsRoundTrip(t *testing.T) {
	b, url := startBridge(t)
	host := connectHost(t, b, url, func(cmd CommandFrame) HostFrame {
		switch cmd.Method {
		case MethodContexts:
			return HostFrame{OK: true, Data: data(t, []capture.ContextInfo{{ID: "1", URL: "https://app.example.com/"}})}
		case MethodAttach:
			return HostFrame{OK: true}
		case MethodDetach:
			return HostFrame{Error: ReplyNotAttached}
		case MethodFetchBody:
			params := cmd.Params.(map[string]any)
			if params["requestId"] == "bin" {
				return HostFrame{OK: true, Data: data(t, BodyData{Body: base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), Base64Encoded: true})}
			}
			return HostFrame{OK: true, Data: data(t, BodyData{Body: `{"ok":true}`})}
		case MethodFetch:
			return HostFrame{OK: true, Data: data(t, domain.ToolResult{Status: 201, Body: json.RawMessage(`{"id":1}`)})}
		}
		return HostFrame{Error: "unknown method"}
	})
	ctx := context.Background()

	contexts, err := b.Contexts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []capture.ContextInfo{{ID: "1", URL: "https://app.example.com/"}}, contexts)

	require.NoError(t, b.Attach(ctx, "1"))

	err = b.Detach(ctx, "1")
	assert.ErrorIs(t, err, capture.ErrNotAttached)

	body, err := b.FetchBody(ctx, "1", "r1")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	body, err = b.FetchBody(ctx, "1", "bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, body)

	res, err := b.Execute(ctx, domain.ToolRequest{Method: "POST", URL: "https://app.example.com/api"})
	require.NoError(t, err)
	assert.Equal(t, 201, res.Status)
	assert.NotNil(t, res.Headers)
	assert.JSONEq(t, `{"id":1}`, string(res.Body))

	host.mu.Lock()
	defer host.mu.Unlock()
	require.Len(t, host.seen, 6)
	assert.Equal(t, MethodAttach, host.seen[1].Method)
	assert.Equal(t, map[string]any{"contextId": "1"}, host.seen[1].Params)
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	b, url := startBridge(t)
	connectHost(t, b, url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Attach(ctx, "1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestHostDisconnectFailsPendingCalls(t *testing.T) {
	b, url := startBridge(t)
	host := connectHost(t, b, url, nil)

	done := make(chan error, 1)
	go func() {
		done <- b.Attach(context.Background(), "1")
	}()
	require.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return len(host.seen) == 1
	}, time.Second, 5*time.Millisecond)

	host.conn.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoHost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail")
	}
	require.Eventually(t, func() bool { return !b.Connected() }, time.Second, 5*time.Millisecond)
}

func TestEventsReachSubscribers(t *testing.T) {
	b, url := startBridge(t)
	host := connectHost(t, b, url, nil)

	got := make(chan capture.Event, 1)
	unsubscribe := b.Subscribe(func(ev capture.Event) { got <- ev })

	host.sendEvent(capture.Event{Type: capture.EventRequest, ContextID: "1", RequestID: "r1", URL: "https://a/"})
	select {
	case ev := <-got:
		assert.Equal(t, "r1", ev.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	host.sendEvent(capture.Event{Type: capture.EventRequest, ContextID: "1", RequestID: "r2"})
	select {
	case ev := <-got:
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewHostReplacesPrevious(t *testing.T) {
	b, url := startBridge(t)
	connectHost(t, b, url, nil)
	second := connectHost(t, b, url, func(CommandFrame) HostFrame {
		return HostFrame{OK: true}
	})

	// Calls routed to the replaced host fail fast; retry until the new one answers.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		return b.Attach(ctx, "1") == nil
	}, 3*time.Second, 10*time.Millisecond)

	second.mu.Lock()
	assert.NotEmpty(t, second.seen)
	second.mu.Unlock()
}
