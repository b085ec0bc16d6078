package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/hatago-mcp/hatago/internal/port/outbound"
)

// maxResponseBodySize is the maximum response body size from upstream.
// Prevents OOM from a misbehaving upstream sending unbounded responses.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// StreamHTTP connects to a remote MCP server over the streamable HTTP
// transport: one POST per message, responses arriving either as a plain
// JSON body or as a per-request SSE stream. It implements
// outbound.Transport.
type StreamHTTP struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	sessionID string
	handler   func(raw []byte)
	started   bool
	closed    bool
	doneErr   error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ outbound.Transport = (*StreamHTTP)(nil)

// StreamHTTPOption is a functional option for configuring StreamHTTP.
type StreamHTTPOption func(*StreamHTTP)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) StreamHTTPOption {
	return func(t *StreamHTTP) {
		t.httpClient = client
	}
}

// NewStreamHTTP creates a streamable HTTP transport for the endpoint.
// Extra headers (typically Authorization) are sent on every request.
func NewStreamHTTP(endpoint string, headers map[string]string, logger *slog.Logger, opts ...StreamHTTPOption) *StreamHTTP {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StreamHTTP{
		endpoint: endpoint,
		headers:  headers,
		logger:   logger,
		httpClient: &http.Client{
			// No client-wide timeout: SSE response bodies are long-lived.
			// Per-call deadlines come from the request context.
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnMessage registers the handler for messages arriving from the
// upstream. Must be called before Start.
func (t *StreamHTTP) OnMessage(fn func(raw []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Start marks the transport ready. The connection itself is established
// by the first Send: streamable HTTP has no standing channel to open.
func (t *StreamHTTP) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("transport already started")
	}
	if t.closed {
		return errors.New("transport closed")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

// Send POSTs one message to the endpoint. JSON responses are delivered
// to the handler directly; SSE responses are drained on a goroutine so
// Send does not block on a slow stream.
func (t *StreamHTTP) Send(ctx context.Context, raw []byte) error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return fmt.Errorf("http status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	// 202 Accepted: notification or response, no body follows.
	if resp.StatusCode == http.StatusAccepted {
		_ = resp.Body.Close()
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		t.wg.Add(1)
		go t.drainStream(resp.Body)
		return nil
	default:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			t.deliver(bytes.TrimSpace(body))
		}
		return nil
	}
}

// drainStream reads a per-request SSE response until the server closes
// it, delivering each message event to the handler.
func (t *StreamHTTP) drainStream(body io.ReadCloser) {
	defer t.wg.Done()
	defer func() { _ = body.Close() }()

	err := readSSE(body, func(ev sseEvent) {
		if ev.Data == "" {
			return
		}
		t.deliver([]byte(ev.Data))
	})
	if err != nil && t.ctx.Err() == nil {
		t.logger.Debug("upstream SSE response stream ended", "error", err)
	}
}

func (t *StreamHTTP) deliver(raw []byte) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(raw)
	}
}

// Done returns a channel closed when the transport shuts down.
func (t *StreamHTTP) Done() <-chan struct{} { return t.done }

// Err reports the terminal error after Done is closed.
func (t *StreamHTTP) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneErr
}

// Close shuts down the transport. A best-effort DELETE tells the remote
// server to drop its session.
func (t *StreamHTTP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID := t.sessionID
	cancel := t.cancel
	t.mu.Unlock()

	if sessionID != "" {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
		if err == nil {
			req.Header.Set("Mcp-Session-Id", sessionID)
			for k, v := range t.headers {
				req.Header.Set(k, v)
			}
			if resp, err := t.httpClient.Do(req); err == nil {
				_ = resp.Body.Close()
			}
		}
		done()
	}

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	close(t.done)
	return nil
}
