package capture

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/redact"
	"github.com/philip-sterne/mcp.click/internal/testhelpers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	mu        sync.Mutex
	contexts  []ContextInfo
	handlers  map[int]func(Event)
	nextID    int
	attached  map[string]int
	detached  []string
	attachErr map[string]error
	bodies    map[string][]byte
}

func newFakeTransport(contexts ...ContextInfo) *fakeTransport {
	return &fakeTransport{
		contexts:  contexts,
		handlers:  make(map[int]func(Event)),
		attached:  make(map[string]int),
		attachErr: make(map[string]error),
		bodies:    make(map[string][]byte),
	}
}

func (f *fakeTransport) Contexts(context.Context) ([]ContextInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ContextInfo(nil), f.contexts...), nil
}

func (f *fakeTransport) Attach(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.attachErr[id]; err != nil {
		return err
	}
	f.attached[id]++
	return nil
}

func (f *fakeTransport) Detach(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, id)
	if f.attached[id] == 0 {
		return ErrNotAttached
	}
	f.attached[id]--
	return nil
}

func (f *fakeTransport) Subscribe(handler func(Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeTransport) FetchBody(_ context.Context, _, requestID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[requestID]
	if !ok {
		return nil, errors.New("no resource with given identifier")
	}
	return body, nil
}

func (f *fakeTransport) emit(ev Event) {
	f.mu.Lock()
	handlers := make([]func(Event), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeTransport) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type recordingSink struct {
	mu     sync.Mutex
	traces []domain.Trace
}

func (s *recordingSink) AddTrace(_ context.Context, t *domain.Trace) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = int64(len(s.traces) + 1)
	s.traces = append(s.traces, *t)
	return t.ID, nil
}

func (s *recordingSink) all() []domain.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Trace(nil), s.traces...)
}

func waitForTraces(t *testing.T, sink *recordingSink, n int) []domain.Trace {
	t.Helper()
	var got []domain.Trace
	require.Eventually(t, func() bool {
		got = sink.all()
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestStartAttachesHTTPContexts(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(
		ContextInfo{ID: "1", URL: "https://app.example.com/"},
		ContextInfo{ID: "2", URL: "chrome://settings"},
		ContextInfo{ID: "3", URL: "http://other.test/"},
	)
	tr.attachErr["3"] = errors.New("another debugger is already attached")
	e := NewEngine(tr, &recordingSink{}, nil, Options{})

	require.NoError(t, e.Start(ctx, []string{"example.com"}))
	assert.Equal(t, StateAttached, e.State())
	assert.ElementsMatch(t, []string{"1"}, e.Attached())

	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateIdle, e.State())
	assert.Empty(t, e.Attached())
	assert.Equal(t, 0, tr.subscribers())
	assert.Equal(t, []string{"1"}, tr.detached)
}

func TestStopFromIdleIsNoop(t *testing.T) {
	tr := newFakeTransport()
	e := NewEngine(tr, &recordingSink{}, nil, Options{})
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateIdle, e.State())
	assert.Empty(t, tr.detached)
}

func TestRestartDoesNotDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(ContextInfo{ID: "1", URL: "https://app.example.com/"})
	tr.bodies["r1"] = []byte(`{"ok":true}`)
	sink := &recordingSink{}
	e := NewEngine(tr, sink, nil, Options{})

	require.NoError(t, e.Start(ctx, []string{"example.com"}))
	require.NoError(t, e.Start(ctx, []string{"example.com"}))
	defer e.Stop(ctx)

	assert.Equal(t, 1, tr.subscribers())
	assert.Equal(t, 1, tr.attached["1"])

	tr.emit(Event{Type: EventRequest, ContextID: "1", RequestID: "r1", URL: "https://app.example.com/api", Method: "GET"})
	waitForTraces(t, sink, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.all(), 1)
}

func TestNetworkCapture(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(ContextInfo{ID: "1", URL: "https://app.example.com/"})
	tr.bodies["r1"] = []byte(`{"email":"a@example.com","id":7}`)
	tr.bodies["r3"] = []byte(`{}`)
	sink := &recordingSink{}
	e := NewEngine(tr, sink, nil, Options{})
	require.NoError(t, e.Start(ctx, []string{"example.com"}))
	defer e.Stop(ctx)

	tr.emit(Event{
		Type: EventRequest, ContextID: "1", RequestID: "r1", Ts: 100,
		URL: "https://app.example.com/api/items", Method: "POST",
		Headers:  map[string]string{"Authorization": "Bearer t", "Content-Type": "application/json"},
		PostData: `{"title":"x","phone":"555"}`,
	})
	tr.emit(Event{
		Type: EventResponse, ContextID: "1", RequestID: "r1", Ts: 110,
		URL: "https://app.example.com/api/items", Status: 201,
		Headers: map[string]string{"Set-Cookie": "sid=1"}, MimeType: "application/json",
	})
	// Body retrieval fails: response dropped, request kept.
	tr.emit(Event{Type: EventRequest, ContextID: "1", RequestID: "r2", URL: "https://app.example.com/img", Method: "GET"})
	tr.emit(Event{Type: EventResponse, ContextID: "1", RequestID: "r2", URL: "https://app.example.com/img", Status: 200, MimeType: "image/png"})
	// Other domain.
	tr.emit(Event{Type: EventRequest, ContextID: "1", RequestID: "r3", URL: "https://cdn.other.net/x.js", Method: "GET"})
	// Unattached context.
	tr.emit(Event{Type: EventRequest, ContextID: "9", RequestID: "r4", URL: "https://app.example.com/api", Method: "GET"})
	tr.emit(Event{Type: EventDOM, ContextID: "1", Kind: domain.TraceKindDOMClick, Label: "Save"})

	got := waitForTraces(t, sink, 4)
	time.Sleep(20 * time.Millisecond)
	got = sink.all()
	require.Len(t, got, 4)

	assert.Equal(t, domain.TraceKindRequest, got[0].Kind)
	assert.Equal(t, int64(100), got[0].Ts)
	assert.Equal(t, redact.Sentinel, got[0].Headers["Authorization"])
	assert.JSONEq(t, `{"title":"x","phone":"__REDACTED__"}`, string(got[0].Body))

	assert.Equal(t, domain.TraceKindResponse, got[1].Kind)
	assert.Equal(t, 201, got[1].Status)
	assert.Equal(t, redact.Sentinel, got[1].Headers["Set-Cookie"])
	assert.JSONEq(t, `{"email":"__REDACTED__","id":7}`, string(got[1].Body))

	assert.Equal(t, "r2", got[2].RequestID)
	assert.Equal(t, domain.TraceKindRequest, got[2].Kind)
	assert.Nil(t, got[2].Body)

	assert.Equal(t, domain.TraceKindDOMClick, got[3].Kind)
	assert.Equal(t, "Save", got[3].Label)
	assert.Equal(t, "https://app.example.com/", got[3].URL)
}

func TestEmptyDomainListCapturesNothing(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(ContextInfo{ID: "1", URL: "https://app.example.com/"})
	sink := &recordingSink{}
	e := NewEngine(tr, sink, nil, Options{})
	require.NoError(t, e.Start(ctx, nil))

	tr.emit(Event{Type: EventRequest, ContextID: "1", RequestID: "r1", URL: "https://app.example.com/", Method: "GET"})
	require.NoError(t, e.Stop(ctx))
	assert.Empty(t, sink.all())
}

func TestNavigationAttachesOpportunistically(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	sink := &recordingSink{}
	e := NewEngine(tr, sink, nil, Options{})
	require.NoError(t, e.Start(ctx, []string{"example.com"}))
	defer e.Stop(ctx)

	tr.emit(Event{Type: EventNavigated, ContextID: "7", URL: "about:blank"})
	tr.emit(Event{Type: EventNavigated, ContextID: "8", URL: "https://app.example.com/"})
	require.Eventually(t, func() bool { return len(e.Attached()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"8"}, e.Attached())

	tr.emit(Event{Type: EventClosed, ContextID: "8"})
	require.Eventually(t, func() bool { return len(e.Attached()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDOMSubmitRedactsFields(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(ContextInfo{ID: "1", URL: "https://app.example.com/profile"})
	sink := &recordingSink{}
	e := NewEngine(tr, sink, nil, Options{})
	require.NoError(t, e.Start(ctx, []string{"example.com"}))
	defer e.Stop(ctx)

	tr.emit(Event{
		Type: EventDOM, ContextID: "1", Kind: domain.TraceKindDOMSubmit,
		Label: "Update", Locator: "form#profile",
		Fields: map[string]string{"email": "a@example.com", "bio": "hello", "zip": "90210"},
	})
	got := waitForTraces(t, sink, 1)
	assert.Equal(t, map[string]string{"email": redact.Sentinel, "bio": "hello", "zip": redact.Sentinel}, got[0].Fields)
	assert.Equal(t, "form#profile", got[0].Locator)
}

func TestStoresThroughSQLite(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.NewTestSQLiteStore(t)
	tr := newFakeTransport(ContextInfo{ID: "1", URL: "https://app.example.com/"})
	tr.bodies["r1"] = []byte(`{"email":"a@example.com"}`)
	e := NewEngine(tr, store, nil, Options{})
	require.NoError(t, e.Start(ctx, []string{"example.com"}))

	tr.emit(Event{Type: EventRequest, ContextID: "1", RequestID: "r1", URL: "https://app.example.com/users/42", Method: "GET"})
	tr.emit(Event{Type: EventResponse, ContextID: "1", RequestID: "r1", URL: "https://app.example.com/users/42", Status: 200, MimeType: "application/json"})

	require.Eventually(t, func() bool {
		n, err := store.CountTraces(ctx)
		return err == nil && n == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop(ctx))

	traces, err := store.GetAllTraces(ctx)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(traces[1].Body, &body))
	assert.Equal(t, map[string]any{"email": redact.Sentinel}, body)
}

func TestQueueOverflowDropsEvents(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(ContextInfo{ID: "1", URL: "https://app.example.com/"})
	block := make(chan struct{})
	sink := &blockingSink{release: block}
	e := NewEngine(tr, sink, nil, Options{QueueSize: 1})
	require.NoError(t, e.Start(ctx, []string{"example.com"}))

	for i := 0; i < 10; i++ {
		tr.emit(Event{Type: EventRequest, ContextID: "1", RequestID: "r", URL: "https://app.example.com/", Method: "GET"})
	}
	close(block)
	require.NoError(t, e.Stop(ctx))
	assert.Less(t, sink.count(), 10)
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (s *blockingSink) AddTrace(ctx context.Context, _ *domain.Trace) (int64, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return int64(s.n), nil
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestMatchesDomain(t *testing.T) {
	assert.True(t, MatchesDomain("https://app.example.com/x", []string{"example.com"}))
	assert.False(t, MatchesDomain("https://app.example.com/x", []string{"other.com"}))
	assert.False(t, MatchesDomain("https://app.example.com/x", nil))
}
