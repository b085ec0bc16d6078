package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hatago-mcp/hatago/internal/port/outbound"
)

// sseMaxReconnects bounds how many times the event stream is re-opened
// before the connection is declared failed.
const sseMaxReconnects = 5

// SSE connects to a remote MCP server over the legacy SSE transport: a
// long-lived GET event stream for server messages plus a POST endpoint
// the server announces on connect. Dropped streams are re-opened with
// backoff and Last-Event-ID. It implements outbound.Transport.
type SSE struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	postURL     string
	lastEventID string
	handler     func(raw []byte)
	started     bool
	closed      bool
	doneErr     error

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	ready    chan struct{}
}

var _ outbound.Transport = (*SSE)(nil)

// NewSSE creates a legacy SSE transport for the endpoint.
func NewSSE(endpoint string, headers map[string]string, logger *slog.Logger) *SSE {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSE{
		endpoint: endpoint,
		headers:  headers,
		logger:   logger,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

// OnMessage registers the handler for messages arriving on the event
// stream. Must be called before Start.
func (t *SSE) OnMessage(fn func(raw []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Start opens the event stream and waits for the server's endpoint
// announcement so Send has somewhere to POST.
func (t *SSE) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Unlock()

	go t.streamLoop()

	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return fmt.Errorf("sse connect failed: %w", t.Err())
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

// streamLoop keeps the event stream open, reconnecting with backoff
// until the reconnect budget is exhausted or the transport closes.
func (t *SSE) streamLoop() {
	backoff := NewBackoff()

	for {
		err := t.readStream()
		if t.ctx.Err() != nil {
			t.finish(nil)
			return
		}
		if backoff.Attempts() >= sseMaxReconnects {
			t.finish(fmt.Errorf("sse stream lost after %d reconnects: %w", sseMaxReconnects, err))
			return
		}

		delay := backoff.Next()
		t.logger.Debug("sse stream dropped, reconnecting",
			"error", err, "delay", delay, "attempt", backoff.Attempts())
		select {
		case <-t.ctx.Done():
			t.finish(nil)
			return
		case <-time.After(delay):
		}
	}
}

// readStream opens one GET event stream and dispatches events until it
// ends. Returns the reason the stream ended.
func (t *SSE) readStream() error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.lastEventID != "" {
		req.Header.Set("Last-Event-ID", t.lastEventID)
	}
	t.mu.Unlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	readErr := readSSE(resp.Body, func(ev sseEvent) {
		if ev.ID != "" {
			t.mu.Lock()
			t.lastEventID = ev.ID
			t.mu.Unlock()
		}

		switch ev.Event {
		case "endpoint":
			t.setPostURL(ev.Data)
		case "", "message":
			if ev.Data == "" {
				return
			}
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler([]byte(ev.Data))
			}
		}
	})
	if readErr != nil {
		return fmt.Errorf("stream read: %w", readErr)
	}
	return errors.New("stream closed by server")
}

// setPostURL resolves the announced endpoint (possibly relative)
// against the stream URL and unblocks Start.
func (t *SSE) setPostURL(raw string) {
	base, err := url.Parse(t.endpoint)
	if err != nil {
		return
	}
	ref, err := url.Parse(raw)
	if err != nil {
		t.logger.Warn("sse endpoint announcement unparsable", "data", raw)
		return
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	first := t.postURL == ""
	t.postURL = resolved
	t.mu.Unlock()
	if first {
		close(t.ready)
	}
}

// Send POSTs one message to the announced endpoint.
func (t *SSE) Send(ctx context.Context, raw []byte) error {
	t.mu.Lock()
	postURL := t.postURL
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return errors.New("transport closed")
	}
	if postURL == "" {
		return errors.New("no endpoint announced yet")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	// Responses arrive on the event stream, not the POST body.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
	return nil
}

// finish records the terminal error and closes Done exactly once.
func (t *SSE) finish(err error) {
	t.mu.Lock()
	if t.doneErr == nil {
		t.doneErr = err
	}
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
}

// Done returns a channel closed when the connection terminates.
func (t *SSE) Done() <-chan struct{} { return t.done }

// Err reports the terminal error after Done is closed.
func (t *SSE) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneErr
}

// Close terminates the event stream. Safe to call more than once.
func (t *SSE) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}
