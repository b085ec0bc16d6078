package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hatago-mcp/hatago/internal/domain/audit"
	"github.com/hatago-mcp/hatago/internal/domain/capability"
	"github.com/hatago-mcp/hatago/internal/domain/proxy"
	"github.com/hatago-mcp/hatago/internal/domain/session"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// passthroughSeparator splits "{id}__{method}" passthrough methods:
// a downstream client can address a method the hub does not model at a
// specific upstream.
const passthroughSeparator = "__"

// ProgressSink receives raw progress notifications correlated to an
// in-flight downstream request. Must not block.
type ProgressSink func(raw []byte)

// Router dispatches one downstream JSON-RPC message: hub-local methods
// are answered directly, namespaced capability calls are resolved and
// forwarded, and everything else is rejected with -32601.
type Router struct {
	registry *capability.Registry
	manager  *Manager
	sessions *session.Service
	auditor  audit.Store
	logger   *slog.Logger
	timeouts Timeouts
}

// NewRouter wires a router over the registry and activation manager.
func NewRouter(registry *capability.Registry, manager *Manager, sessions *session.Service, auditor audit.Store, timeouts Timeouts, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Router{
		registry: registry,
		manager:  manager,
		sessions: sessions,
		auditor:  auditor,
		logger:   logger,
		timeouts: timeouts.withDefaults(),
	}
}

// Route handles one downstream message and returns the response bytes,
// or nil when the message is a notification (no response on the wire).
// sink, when non-nil, receives progress notifications for this request.
func (r *Router) Route(ctx context.Context, msg *mcp.Message, sink ProgressSink) []byte {
	if !msg.IsRequest() {
		// Responses from downstream clients (e.g. to server-initiated
		// pings) have no routing target yet.
		return nil
	}

	method := msg.Method()
	rid := msg.RawID()

	if msg.IsNotification() {
		r.handleNotification(ctx, msg, method)
		return nil
	}

	var (
		result interface{}
		raw    json.RawMessage
		err    error
	)
	switch method {
	case mcp.MethodInitialize:
		result, err = r.handleInitialize(ctx, msg)
	case mcp.MethodPing:
		result = struct{}{}
	case mcp.MethodShutdown:
		result = struct{}{}
	case mcp.MethodToolsList:
		result = mcp.ToolsListResult{Tools: r.registry.ListAllTools()}
	case mcp.MethodResourcesList:
		result = mcp.ResourcesListResult{Resources: r.registry.ListAllResources()}
	case mcp.MethodPromptsList:
		result = mcp.PromptsListResult{Prompts: r.registry.ListAllPrompts()}
	case mcp.MethodToolsCall:
		raw, err = r.handleToolCall(ctx, msg, sink)
	case mcp.MethodResourcesRead:
		raw, err = r.handleResourceRead(ctx, msg)
	case mcp.MethodPromptsGet:
		raw, err = r.handlePromptGet(ctx, msg)
	default:
		raw, err = r.handlePassthrough(ctx, msg, method)
	}

	if err != nil {
		return proxy.ToJSONRPC(rid, err)
	}
	if raw != nil {
		out, mErr := mcp.NewResultResponse(rid, raw)
		if mErr != nil {
			return proxy.ToJSONRPC(rid, proxy.Wrap(proxy.KindInternal, "", mErr))
		}
		return out
	}
	out, mErr := mcp.NewResultResponse(rid, result)
	if mErr != nil {
		return proxy.ToJSONRPC(rid, proxy.Wrap(proxy.KindInternal, "", mErr))
	}
	return out
}

// handleNotification consumes client-to-hub notifications. None of them
// produce a response.
func (r *Router) handleNotification(ctx context.Context, msg *mcp.Message, method string) {
	switch method {
	case mcp.MethodNotifyInitialized:
		if r.sessions != nil && msg.SessionID != "" {
			if err := r.sessions.Touch(ctx, msg.SessionID); err != nil {
				r.logger.Debug("initialized notification for unknown session",
					"session", msg.SessionID)
			}
		}
	case mcp.MethodNotifyCancelled:
		// In-flight upstream calls are bounded by their own deadlines;
		// cancellation is acknowledged by dropping it.
		r.logger.Debug("cancellation received", "session", msg.SessionID)
	default:
		r.logger.Debug("notification dropped", "method", method)
	}
}

// handleInitialize answers the MCP handshake. The hub negotiates its own
// protocol revision regardless of what the client offered; clients that
// cannot speak it disconnect on their side.
func (r *Router) handleInitialize(ctx context.Context, msg *mcp.Message) (interface{}, error) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if req := msg.Request(); req != nil && req.Params != nil {
		_ = json.Unmarshal(req.Params, &params)
	}

	if r.sessions != nil && msg.SessionID != "" {
		if err := r.sessions.MarkInitialized(ctx, msg.SessionID, mcp.ProtocolVersion,
			params.ClientInfo.Name, params.ClientInfo.Version); err != nil {
			return nil, err
		}
	}

	return map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools":     map[string]bool{"listChanged": true},
			"resources": map[string]bool{"listChanged": true},
			"prompts":   map[string]bool{"listChanged": true},
		},
		"serverInfo": mcp.ServerInfo{Name: "hatago", Version: Version},
	}, nil
}

// handleToolCall resolves the public tool name, lazily activates the
// owning upstream, and forwards the call with the name rewritten to the
// upstream's original.
func (r *Router) handleToolCall(ctx context.Context, msg *mcp.Message, sink ProgressSink) (json.RawMessage, error) {
	req := msg.Request()
	if req == nil || req.Params == nil {
		return nil, proxy.New(proxy.KindInternal, "", "tools/call requires params")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &fields); err != nil {
		return nil, proxy.Wrap(proxy.KindInternal, "", fmt.Errorf("malformed params: %w", err))
	}
	var public string
	if err := json.Unmarshal(fields["name"], &public); err != nil || public == "" {
		return nil, proxy.New(proxy.KindInternal, "", "tools/call requires a tool name")
	}

	upstreamID, original, ok := r.registry.ResolveTool(public)
	if !ok {
		return nil, proxy.New(proxy.KindToolNotFound, "",
			fmt.Sprintf("Unknown tool: %s", public))
	}

	conn, err := r.manager.EnsureReady(ctx, upstreamID, false)
	if err != nil {
		return nil, err
	}

	nameJSON, _ := json.Marshal(original)
	fields["name"] = nameJSON
	forwarded, err := json.Marshal(fields)
	if err != nil {
		return nil, proxy.Wrap(proxy.KindInternal, upstreamID, err)
	}

	if token := msg.ProgressToken(); token != "" && sink != nil {
		conn.RegisterProgress(token, sink)
		defer conn.UnregisterProgress(token)
	}

	r.auditToolCall(ctx, msg, upstreamID, original, fields["arguments"])

	callCtx, cancel := context.WithTimeout(ctx, r.timeouts.ToolCall)
	defer cancel()
	return conn.CallRaw(callCtx, mcp.MethodToolsCall, forwarded)
}

// auditToolCall records a tool invocation with sensitive argument keys
// masked. Auditing never fails the call.
func (r *Router) auditToolCall(ctx context.Context, msg *mcp.Message, upstreamID, tool string, argsRaw json.RawMessage) {
	var args map[string]interface{}
	if len(argsRaw) > 0 {
		_ = json.Unmarshal(argsRaw, &args)
	}
	r.auditor.Record(ctx, audit.Record{
		Timestamp:  time.Now().UTC(),
		Event:      audit.EventToolCalled,
		UpstreamID: upstreamID,
		SessionID:  msg.SessionID,
		Tool:       tool,
		Args:       audit.RedactArgs(args, nil),
	})
}

// handleResourceRead resolves the public resource URI and forwards the
// read with the original URI.
func (r *Router) handleResourceRead(ctx context.Context, msg *mcp.Message) (json.RawMessage, error) {
	req := msg.Request()
	if req == nil || req.Params == nil {
		return nil, proxy.New(proxy.KindInternal, "", "resources/read requires params")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &fields); err != nil {
		return nil, proxy.Wrap(proxy.KindInternal, "", fmt.Errorf("malformed params: %w", err))
	}
	var public string
	if err := json.Unmarshal(fields["uri"], &public); err != nil || public == "" {
		return nil, proxy.New(proxy.KindInternal, "", "resources/read requires a uri")
	}

	upstreamID, original, ok := r.registry.ResolveResource(public)
	if !ok {
		return nil, proxy.New(proxy.KindResourceNotFound, "",
			fmt.Sprintf("Unknown resource: %s", public))
	}

	conn, err := r.manager.EnsureReady(ctx, upstreamID, false)
	if err != nil {
		return nil, err
	}

	uriJSON, _ := json.Marshal(original)
	fields["uri"] = uriJSON
	forwarded, err := json.Marshal(fields)
	if err != nil {
		return nil, proxy.Wrap(proxy.KindInternal, upstreamID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeouts.ToolCall)
	defer cancel()
	return conn.CallRaw(callCtx, mcp.MethodResourcesRead, forwarded)
}

// handlePromptGet resolves the public prompt name and forwards the get
// with the original name.
func (r *Router) handlePromptGet(ctx context.Context, msg *mcp.Message) (json.RawMessage, error) {
	req := msg.Request()
	if req == nil || req.Params == nil {
		return nil, proxy.New(proxy.KindInternal, "", "prompts/get requires params")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &fields); err != nil {
		return nil, proxy.Wrap(proxy.KindInternal, "", fmt.Errorf("malformed params: %w", err))
	}
	var public string
	if err := json.Unmarshal(fields["name"], &public); err != nil || public == "" {
		return nil, proxy.New(proxy.KindInternal, "", "prompts/get requires a name")
	}

	upstreamID, original, ok := r.registry.ResolvePrompt(public)
	if !ok {
		return nil, proxy.New(proxy.KindPromptNotFound, "",
			fmt.Sprintf("Unknown prompt: %s", public))
	}

	conn, err := r.manager.EnsureReady(ctx, upstreamID, false)
	if err != nil {
		return nil, err
	}

	nameJSON, _ := json.Marshal(original)
	fields["name"] = nameJSON
	forwarded, err := json.Marshal(fields)
	if err != nil {
		return nil, proxy.Wrap(proxy.KindInternal, upstreamID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeouts.ToolCall)
	defer cancel()
	return conn.CallRaw(callCtx, mcp.MethodPromptsGet, forwarded)
}

// handlePassthrough forwards "{id}__{method}" requests verbatim to the
// named upstream. Methods without the separator, or naming an unknown
// upstream, are method-not-found.
func (r *Router) handlePassthrough(ctx context.Context, msg *mcp.Message, method string) (json.RawMessage, error) {
	id, rest, found := strings.Cut(method, passthroughSeparator)
	if !found || id == "" || rest == "" || r.manager.Spec(id) == nil {
		return nil, proxy.New(proxy.KindUnsupported, "",
			fmt.Sprintf("Method not found: %s", method))
	}

	conn, err := r.manager.EnsureReady(ctx, id, false)
	if err != nil {
		return nil, err
	}

	var params json.RawMessage
	if req := msg.Request(); req != nil {
		params = req.Params
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeouts.ToolCall)
	defer cancel()
	return conn.CallRaw(callCtx, rest, params)
}
