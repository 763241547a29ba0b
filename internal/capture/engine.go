// Package capture observes browsing contexts through an injected Transport
// and persists redacted network and DOM traces for allowed domains.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/redact"
)

// State is the engine lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateAttached State = "attached"
	StateStopping State = "stopping"
)

// TraceSink receives redacted traces.
type TraceSink interface {
	AddTrace(ctx context.Context, trace *domain.Trace) (int64, error)
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	QueueSize     int
	AttachTimeout time.Duration
	FetchTimeout  time.Duration
	StoreTimeout  time.Duration
}

const (
	defaultQueueSize     = 1024
	defaultAttachTimeout = 5 * time.Second
	defaultFetchTimeout  = 10 * time.Second
	defaultStoreTimeout  = 5 * time.Second
)

type attachment struct {
	url      string
	attached bool
}

// Engine is the capture engine. Start and Stop are serialized; Stop always
// completes before the next Start subscribes.
type Engine struct {
	transport Transport
	sink      TraceSink
	logger    *zap.Logger
	opts      Options
	now       func() time.Time

	lifecycle sync.Mutex

	mu          sync.Mutex
	state       State
	epoch       uint64
	domains     []string
	arena       map[string]*attachment
	queue       chan Event
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEngine creates an idle engine.
func NewEngine(transport Transport, sink TraceSink, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = defaultAttachTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &Engine{
		transport: transport,
		sink:      sink,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		state:     StateIdle,
		arena:     make(map[string]*attachment),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Domains returns the domains of the current run.
func (e *Engine) Domains() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.domains...)
}

// Attached returns the ids of the contexts currently attached.
func (e *Engine) Attached() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, a := range e.arena {
		if a.attached {
			ids = append(ids, id)
		}
	}
	return ids
}

// Start stops any previous run, then subscribes to the transport and attaches
// every open http(s) context. Attach failures are logged, never returned.
func (e *Engine) Start(ctx context.Context, domains []string) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.stopLocked(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	queue := make(chan Event, e.opts.QueueSize)
	done := make(chan struct{})

	e.mu.Lock()
	e.state = StateStarting
	e.epoch++
	epoch := e.epoch
	e.domains = cleanDomains(domains)
	e.queue = queue
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go e.worker(runCtx, queue, done, epoch)

	unsubscribe := e.transport.Subscribe(e.enqueue)
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	contexts, err := e.transport.Contexts(ctx)
	if err != nil {
		e.logger.Warn("list contexts failed", zap.Error(err))
	}
	for _, c := range contexts {
		if IsHTTPURL(c.URL) {
			e.attach(ctx, c.ID, c.URL, epoch)
		}
	}

	e.mu.Lock()
	if e.epoch == epoch {
		e.state = StateAttached
	}
	e.mu.Unlock()

	e.logger.Info("capture started", zap.Strings("domains", e.Domains()), zap.Int("contexts", len(e.Attached())))
	return nil
}

// Stop detaches from every context and removes the subscription. Stop from
// Idle is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.stopLocked(ctx)
	return nil
}

func (e *Engine) stopLocked(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	e.state = StateStopping
	e.epoch++
	ids := make([]string, 0, len(e.arena))
	for id := range e.arena {
		ids = append(ids, id)
	}
	e.arena = make(map[string]*attachment)
	unsubscribe, queue, cancel, done := e.unsubscribe, e.queue, e.cancel, e.done
	e.unsubscribe, e.queue, e.cancel, e.done = nil, nil, nil, nil
	e.domains = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	if queue != nil {
		close(queue)
	}
	if done != nil {
		<-done
	}

	for _, id := range ids {
		e.detach(ctx, id)
	}

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	e.logger.Info("capture stopped", zap.Int("detached", len(ids)))
}

// enqueue is the transport handler. It never blocks; a full queue drops the
// event.
func (e *Engine) enqueue(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue == nil {
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.logger.Warn("capture queue full, dropping event",
			zap.String("type", string(ev.Type)), zap.String("context", ev.ContextID))
	}
}

func (e *Engine) worker(ctx context.Context, queue <-chan Event, done chan<- struct{}, epoch uint64) {
	defer close(done)
	for ev := range queue {
		if ctx.Err() != nil {
			continue
		}
		e.handle(ctx, ev, epoch)
	}
}

func (e *Engine) handle(ctx context.Context, ev Event, epoch uint64) {
	switch ev.Type {
	case EventNavigated:
		if IsHTTPURL(ev.URL) {
			e.attach(ctx, ev.ContextID, ev.URL, epoch)
		}
	case EventClosed:
		e.mu.Lock()
		delete(e.arena, ev.ContextID)
		e.mu.Unlock()
	case EventRequest:
		e.handleRequest(ctx, ev)
	case EventResponse:
		e.handleResponse(ctx, ev)
	case EventDOM:
		e.handleDOM(ctx, ev)
	default:
		e.logger.Debug("ignoring unknown event", zap.String("type", string(ev.Type)))
	}
}

func (e *Engine) handleRequest(ctx context.Context, ev Event) {
	if _, ok := e.attachedURL(ev.ContextID); !ok || !e.allowed(ev.URL) {
		return
	}
	trace := &domain.Trace{
		Kind:      domain.TraceKindRequest,
		Ts:        e.timestamp(ev),
		RequestID: ev.RequestID,
		URL:       ev.URL,
		Method:    ev.Method,
		Headers:   redact.Headers(ev.Headers),
	}
	if ev.PostData != "" {
		trace.Body = redact.Body([]byte(ev.PostData), headerValue(ev.Headers, "Content-Type"))
	}
	e.store(ctx, trace)
}

func (e *Engine) handleResponse(ctx context.Context, ev Event) {
	if _, ok := e.attachedURL(ev.ContextID); !ok || !e.allowed(ev.URL) {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	body, err := e.transport.FetchBody(fetchCtx, ev.ContextID, ev.RequestID)
	cancel()
	if err != nil {
		e.logger.Debug("body fetch failed, dropping response",
			zap.String("requestId", ev.RequestID), zap.Error(err))
		return
	}
	e.store(ctx, &domain.Trace{
		Kind:      domain.TraceKindResponse,
		Ts:        e.timestamp(ev),
		RequestID: ev.RequestID,
		URL:       ev.URL,
		Status:    ev.Status,
		Headers:   redact.Headers(ev.Headers),
		Body:      redact.Body(body, ev.MimeType),
		MimeType:  ev.MimeType,
	})
}

func (e *Engine) handleDOM(ctx context.Context, ev Event) {
	url, ok := e.attachedURL(ev.ContextID)
	if !ok || !ev.Kind.IsDOM() {
		return
	}
	if ev.URL != "" {
		url = ev.URL
	}
	if !e.allowed(url) {
		return
	}
	trace := &domain.Trace{
		Kind:    ev.Kind,
		Ts:      e.timestamp(ev),
		URL:     url,
		Label:   redact.Text(ev.Label),
		Locator: ev.Locator,
		Fields:  redact.Fields(ev.Fields),
		Title:   redact.Text(ev.Title),
		H1:      redact.Text(ev.H1),
	}
	e.store(ctx, trace)
}

func (e *Engine) store(ctx context.Context, trace *domain.Trace) {
	storeCtx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	if _, err := e.sink.AddTrace(storeCtx, trace); err != nil {
		e.logger.Warn("store trace failed", zap.String("kind", string(trace.Kind)), zap.Error(err))
		return
	}
	e.logger.Debug("trace stored", zap.String("kind", string(trace.Kind)), zap.Int64("id", trace.ID))
}

// attach performs an atomic check-and-insert on the arena, then attaches.
// Completions that lose a race with Stop are detached again.
func (e *Engine) attach(ctx context.Context, id, url string, epoch uint64) {
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return
	}
	if a, ok := e.arena[id]; ok {
		a.url = url
		e.mu.Unlock()
		return
	}
	entry := &attachment{url: url}
	e.arena[id] = entry
	e.mu.Unlock()

	attachCtx, cancel := context.WithTimeout(ctx, e.opts.AttachTimeout)
	err := e.transport.Attach(attachCtx, id)
	cancel()

	e.mu.Lock()
	current, ok := e.arena[id]
	stale := e.epoch != epoch || !ok || current != entry
	if err != nil {
		if ok && current == entry {
			delete(e.arena, id)
		}
		e.mu.Unlock()
		e.logger.Warn("attach failed", zap.String("context", id), zap.Error(err))
		return
	}
	if stale {
		e.mu.Unlock()
		e.detach(context.Background(), id)
		return
	}
	entry.attached = true
	e.mu.Unlock()
	e.logger.Debug("attached", zap.String("context", id), zap.String("url", url))
}

func (e *Engine) detach(ctx context.Context, id string) {
	detachCtx, cancel := context.WithTimeout(ctx, e.opts.AttachTimeout)
	defer cancel()
	if err := e.transport.Detach(detachCtx, id); err != nil {
		e.logger.Debug("detach failed", zap.String("context", id), zap.Error(err))
	}
}

func (e *Engine) attachedURL(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.arena[id]
	if !ok || !a.attached {
		return "", false
	}
	return a.url, true
}

// allowed reports whether url contains one of the configured domains.
func (e *Engine) allowed(url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return MatchesDomain(url, e.domains)
}

func (e *Engine) timestamp(ev Event) int64 {
	if ev.Ts > 0 {
		return ev.Ts
	}
	return e.now().UnixMilli()
}

// MatchesDomain reports whether url contains any of domains as a substring.
// An empty domain list matches nothing.
func MatchesDomain(url string, domains []string) bool {
	for _, d := range domains {
		if strings.Contains(url, d) {
			return true
		}
	}
	return false
}

func cleanDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
