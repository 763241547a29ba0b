package relayclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

func TestHTTPExecutorJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.JSONEq(t, `{"title":"x"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(5 * time.Second)
	res, err := exec.Execute(context.Background(), domain.ToolRequest{
		Method:  "post",
		URL:     srv.URL + "/api/items",
		Headers: map[string]string{"X-Test": "yes"},
		Body:    json.RawMessage(`{"title":"x"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, "application/json", res.Headers["content-type"])
	assert.JSONEq(t, `{"id":7}`, string(res.Body))
}

func TestHTTPExecutorTextAndCap(t *testing.T) {
	big := strings.Repeat("a", MaxResponseBody+100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/big" {
			_, _ = w.Write([]byte(big))
			return
		}
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(5 * time.Second)
	res, err := exec.Execute(context.Background(), domain.ToolRequest{Method: "GET", URL: srv.URL + "/text"})
	require.NoError(t, err)
	assert.JSONEq(t, `"plain text"`, string(res.Body))

	res, err = exec.Execute(context.Background(), domain.ToolRequest{Method: "GET", URL: srv.URL + "/big"})
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(res.Body, &s))
	assert.Len(t, s, MaxResponseBody)
}

func TestHTTPExecutorSendsSessionCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"sid":"` + c.Value + `"}`))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(5 * time.Second)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	exec.Jar().SetCookies(u, []*http.Cookie{{Name: "sid", Value: "abc"}})

	res, err := exec.Execute(context.Background(), domain.ToolRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"sid":"abc"}`, string(res.Body))
}

func TestHTTPExecutorBadURL(t *testing.T) {
	_, err := NewHTTPExecutor(time.Second).Execute(context.Background(), domain.ToolRequest{Method: "GET", URL: "://bad"})
	assert.Error(t, err)
}
