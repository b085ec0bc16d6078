// Package service contains the hub core: upstream connections and
// lifecycle, capability routing, hot reload, and the hub facade the
// inbound transports call.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hatago-mcp/hatago/internal/domain/proxy"
	"github.com/hatago-mcp/hatago/internal/port/outbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// Conn is one live upstream connection: it owns JSON-RPC id allocation,
// request/response correlation, progress routing, and a per-upstream
// concurrency bound.
type Conn struct {
	id     string
	tr     outbound.Transport
	logger *slog.Logger
	sem    *semaphore.Weighted

	nextID atomic.Int64

	mu       sync.Mutex
	waiters  map[string]chan *rpcResult
	progress map[string]func(raw []byte)
	onNotify func(method string, raw []byte)
	closed   bool

	lastActivity atomic.Int64
}

// rpcResult is one correlated response.
type rpcResult struct {
	result json.RawMessage
	errObj *rpcError
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// responseWire is the minimal shape needed to correlate a response.
type responseWire struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// NewConn wraps a started-or-startable transport. onNotify receives
// every server-initiated notification that is not progress routed; it
// must not block.
func NewConn(id string, tr outbound.Transport, perServer int, onNotify func(method string, raw []byte), logger *slog.Logger) *Conn {
	if perServer <= 0 {
		perServer = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		id:       id,
		tr:       tr,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(perServer)),
		waiters:  make(map[string]chan *rpcResult),
		progress: make(map[string]func(raw []byte)),
		onNotify: onNotify,
	}
	c.touch()
	tr.OnMessage(c.handleMessage)
	go c.watchDone()
	return c
}

// watchDone rejects all outstanding waiters once the transport dies.
func (c *Conn) watchDone() {
	<-c.tr.Done()
	c.failPending()
}

// failPending resolves every outstanding call with a TRANSPORT error.
func (c *Conn) failPending() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]chan *rpcResult)
	c.closed = true
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- &rpcResult{errObj: &rpcError{
			Code:    mcp.CodeInternalError,
			Message: "connection closed",
		}}
	}
}

// handleMessage dispatches one raw message from the transport's read
// loop: responses to their waiters, progress notifications to their
// registered sinks, everything else to onNotify.
func (c *Conn) handleMessage(raw []byte) {
	c.touch()

	var wire responseWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		c.logger.Warn("unparsable upstream message dropped", "upstream", c.id, "error", err)
		return
	}

	// A method means request or notification from the upstream.
	if wire.Method != "" {
		if wire.Method == mcp.MethodNotifyProgress {
			if c.routeProgress(raw, wire.Params) {
				return
			}
		}
		if c.onNotify != nil {
			c.onNotify(wire.Method, raw)
		}
		return
	}

	if len(wire.ID) == 0 || string(wire.ID) == "null" {
		return
	}

	c.mu.Lock()
	ch, ok := c.waiters[string(wire.ID)]
	if ok {
		delete(c.waiters, string(wire.ID))
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request dropped", "upstream", c.id, "id", string(wire.ID))
		return
	}
	ch <- &rpcResult{result: wire.Result, errObj: wire.Error}
}

// routeProgress delivers a progress notification to the sink registered
// for its token. Reports whether a sink took it.
func (c *Conn) routeProgress(raw, params []byte) bool {
	var probe struct {
		ProgressToken json.RawMessage `json:"progressToken"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || len(probe.ProgressToken) == 0 {
		return false
	}
	token := tokenString(probe.ProgressToken)

	c.mu.Lock()
	sink, ok := c.progress[token]
	c.mu.Unlock()
	if !ok {
		return false
	}
	sink(raw)
	return true
}

// tokenString normalizes a progress token (string or number) to a map
// key, keeping "1" and 1 distinct.
func tokenString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Call sends one request and blocks for its response, bounded by ctx.
// The per-upstream semaphore caps in-flight calls so a slow upstream
// cannot absorb unlimited hub resources.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, proxy.Wrap(proxy.KindTimeout, c.id, err)
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, proxy.New(proxy.KindTransport, c.id, "connection closed")
	}
	c.mu.Unlock()

	id := c.nextID.Add(1)
	raw, err := mcp.NewRequest(id, method, params)
	if err != nil {
		return nil, proxy.Wrap(proxy.KindInternal, c.id, err)
	}

	key := strconv.FormatInt(id, 10)
	ch := make(chan *rpcResult, 1)
	c.mu.Lock()
	c.waiters[key] = ch
	c.mu.Unlock()

	c.touch()
	if err := c.tr.Send(ctx, raw); err != nil {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
		return nil, proxy.Wrap(proxy.KindTransport, c.id, err)
	}

	select {
	case res := <-ch:
		c.touch()
		if res.errObj != nil {
			return nil, upstreamError(c.id, method, res.errObj)
		}
		return res.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
		return nil, proxy.Wrap(proxy.KindTimeout, c.id,
			fmt.Errorf("%s: %w", method, ctx.Err()))
	}
}

// CallRaw forwards pre-built request bytes under a fresh hub-allocated
// id, returning the raw response body. Used for passthrough methods
// whose params the hub does not model.
func (c *Conn) CallRaw(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if params == nil {
		return c.Call(ctx, method, nil)
	}
	return c.Call(ctx, method, params)
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(ctx context.Context, method string, params interface{}) error {
	raw, err := mcp.NewNotification(method, params)
	if err != nil {
		return proxy.Wrap(proxy.KindInternal, c.id, err)
	}
	c.touch()
	if err := c.tr.Send(ctx, raw); err != nil {
		return proxy.Wrap(proxy.KindTransport, c.id, err)
	}
	return nil
}

// RegisterProgress routes progress notifications carrying token to
// sink until unregistered.
func (c *Conn) RegisterProgress(token string, sink func(raw []byte)) {
	if token == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress[token] = sink
}

// UnregisterProgress detaches a progress sink.
func (c *Conn) UnregisterProgress(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progress, token)
}

// Transport exposes the underlying transport, for liveness watching.
func (c *Conn) Transport() outbound.Transport { return c.tr }

// LastActivity is when the connection last carried traffic.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Close tears down the transport and fails outstanding calls.
func (c *Conn) Close() error {
	err := c.tr.Close()
	c.failPending()
	return err
}

// Handshake runs the MCP initialize exchange and returns the server's
// initialize result.
func (c *Conn) Handshake(ctx context.Context) (*mcp.InitializeResult, error) {
	params := map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "hatago",
			"version": Version,
		},
	}
	raw, err := c.Call(ctx, mcp.MethodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, proxy.Wrap(proxy.KindTransport, c.id,
			fmt.Errorf("malformed initialize result: %w", err))
	}
	if err := c.Notify(ctx, mcp.MethodNotifyInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchCapabilities pulls the tools, resources, and prompts listings.
// Listing methods the upstream does not implement contribute empty
// slices rather than failing the whole fetch.
func (c *Conn) FetchCapabilities(ctx context.Context, info *mcp.InitializeResult) (*mcp.Capabilities, error) {
	caps := &mcp.Capabilities{}
	if info != nil {
		caps.ServerInfo = info.ServerInfo
		caps.ProtocolVersion = info.ProtocolVersion
	}

	if raw, err := c.Call(ctx, mcp.MethodToolsList, nil); err == nil {
		var res mcp.ToolsListResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, proxy.Wrap(proxy.KindTransport, c.id,
				fmt.Errorf("malformed tools/list result: %w", err))
		}
		caps.Tools = res.Tools
	} else if !isMethodNotFound(err) {
		return nil, err
	}

	if raw, err := c.Call(ctx, mcp.MethodResourcesList, nil); err == nil {
		var res mcp.ResourcesListResult
		if err := json.Unmarshal(raw, &res); err == nil {
			caps.Resources = res.Resources
		}
	} else if !isMethodNotFound(err) {
		return nil, err
	}

	if raw, err := c.Call(ctx, mcp.MethodPromptsList, nil); err == nil {
		var res mcp.PromptsListResult
		if err := json.Unmarshal(raw, &res); err == nil {
			caps.Prompts = res.Prompts
		}
	} else if !isMethodNotFound(err) {
		return nil, err
	}

	return caps, nil
}

// upstreamError maps a JSON-RPC error from an upstream into the hub's
// taxonomy.
func upstreamError(upstreamID, method string, e *rpcError) error {
	kind := proxy.KindToolInvocation
	switch {
	case e.Code == mcp.CodeMethodNotFound:
		kind = proxy.KindUnsupported
	case e.Message == "connection closed":
		kind = proxy.KindTransport
	case method != mcp.MethodToolsCall:
		kind = proxy.KindTransport
	}
	return proxy.New(kind, upstreamID, e.Message)
}

// isMethodNotFound reports whether an error chain is an UNSUPPORTED
// classification (the upstream lacks the method).
func isMethodNotFound(err error) bool {
	return proxy.KindOf(err) == proxy.KindUnsupported
}
