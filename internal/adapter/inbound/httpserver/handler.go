package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hatago-mcp/hatago/internal/domain/session"
	"github.com/hatago-mcp/hatago/internal/port/inbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// sessionHeader carries the downstream session id on every request
// after initialize, per the streamable HTTP transport.
const sessionHeader = "Mcp-Session-Id"

// maxRequestBody bounds one POSTed JSON-RPC message.
const maxRequestBody = 10 << 20

// heartbeatInterval keeps long-lived GET streams alive through proxies.
const heartbeatInterval = 30 * time.Second

// postStreamTimeout bounds a per-request SSE response stream so a hung
// upstream cannot pin the POST forever.
const postStreamTimeout = 120 * time.Second

// mcpHandler serves the MCP endpoint: POST for messages, GET for the
// server-initiated notification stream, DELETE for session teardown.
type mcpHandler struct {
	hub      inbound.Hub
	sessions *session.Service
	logger   *slog.Logger
}

func (h *mcpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// accepts reports whether the Accept header admits the given media type.
// An absent header admits everything.
func accepts(r *http.Request, mediaType string) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt == mediaType || mt == "*/*" {
			return true
		}
		if i := strings.IndexByte(mt, '/'); i > 0 && mt[i+1:] == "*" &&
			strings.HasPrefix(mediaType, mt[:i+1]) {
			return true
		}
	}
	return false
}

// postEntry is one message from a POST body, or the pre-built error
// response for an element that could not be decoded.
type postEntry struct {
	msg  *mcp.Message
	resp []byte
}

// splitBatch splits a POST body into its messages. An array body is a
// batch; anything else is a single message.
func splitBatch(body []byte) (raws []json.RawMessage, batch bool, err error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, true, err
		}
		return arr, true, nil
	}
	return []json.RawMessage{body}, false, nil
}

func (h *mcpHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, "application/json") && !accepts(r, "text/event-stream") {
		http.Error(w, "client must accept application/json or text/event-stream",
			http.StatusNotAcceptable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	raws, batch, err := splitBatch(body)
	if err != nil {
		h.writeRPCError(w, nil, mcp.CodeParseError, "Parse error")
		return
	}
	if batch && len(raws) == 0 {
		h.writeRPCError(w, nil, mcp.CodeInvalidRequest, "Invalid Request")
		return
	}

	entries := make([]postEntry, 0, len(raws))
	hasInit := false
	for _, raw := range raws {
		msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
		if err != nil {
			if !batch {
				h.writeRPCError(w, nil, mcp.CodeParseError, "Parse error")
				return
			}
			// Bad elements yield per-element errors; the rest of the
			// batch still runs.
			resp, rerr := mcp.NewErrorResponse(nil, mcp.CodeInvalidRequest, "Invalid Request", nil)
			if rerr != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			entries = append(entries, postEntry{resp: resp})
			continue
		}
		if msg.Method() == mcp.MethodInitialize {
			hasInit = true
		}
		entries = append(entries, postEntry{msg: msg})
	}

	sessionID := r.Header.Get(sessionHeader)
	if hasInit {
		sess, err := h.sessions.Create(r.Context(), sessionID)
		if err != nil {
			h.logger.Error("session create failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		sessionsCreated.Inc()
		w.Header().Set(sessionHeader, sess.ID)
		sessionID = sess.ID
	} else {
		if sessionID == "" {
			http.Error(w, "missing "+sessionHeader, http.StatusBadRequest)
			return
		}
		if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
			// Unknown or expired session: transparently re-initialize so
			// the client can keep talking. The fresh id rides back on the
			// response header; stale GET streams die on their next
			// heartbeat check.
			sess, cerr := h.sessions.Create(r.Context(), "")
			if cerr != nil {
				h.logger.Error("session recreate failed", "error", cerr)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			sessionsCreated.Inc()
			h.logger.Info("session expired, re-initialized",
				"old_session", sessionID, "session", sess.ID)
			w.Header().Set(sessionHeader, sess.ID)
			sessionID = sess.ID
		}
	}
	for i := range entries {
		if entries[i].msg != nil {
			entries[i].msg.SessionID = sessionID
		}
	}

	if notificationsOnly(entries) {
		for _, e := range entries {
			h.hub.Handle(r.Context(), e.msg)
			rpcRequestsTotal.WithLabelValues(e.msg.Method(), "accepted").Inc()
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Tool calls and progress-token requests answer over a per-request
	// stream when the client can consume one, so progress events arrive
	// before the final response.
	if wantsStream(entries) && accepts(r, "text/event-stream") {
		h.respondSSE(w, r, sessionID, entries)
		return
	}

	responses := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		resp := h.handleEntry(r.Context(), e)
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !batch {
		_, _ = w.Write(responses[0])
		return
	}
	out, err := json.Marshal(responses)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(out)
}

// handleEntry routes one entry and returns its response bytes, nil for
// notifications.
func (h *mcpHandler) handleEntry(ctx context.Context, e postEntry) []byte {
	if e.msg == nil {
		return e.resp
	}
	if e.msg.IsNotification() {
		h.hub.Handle(ctx, e.msg)
		rpcRequestsTotal.WithLabelValues(e.msg.Method(), "accepted").Inc()
		return nil
	}
	start := time.Now()
	resp := h.hub.Handle(ctx, e.msg)
	h.observe(e.msg.Method(), start, resp)
	return resp
}

// notificationsOnly reports whether every decodable entry is a
// notification.
func notificationsOnly(entries []postEntry) bool {
	for _, e := range entries {
		if e.msg == nil || !e.msg.IsNotification() {
			return false
		}
	}
	return true
}

// wantsStream reports whether any request in the batch is a tool call
// or carries a progress token.
func wantsStream(entries []postEntry) bool {
	for _, e := range entries {
		if e.msg == nil {
			continue
		}
		if e.msg.IsToolCall() || e.msg.ProgressToken() != "" {
			return true
		}
	}
	return false
}

// respondSSE answers a POST on a per-request SSE stream: progress
// events first, final responses last, in batch order. When the session
// already holds a GET stream, progress frames stay on that stream so
// the client never sees them twice.
func (h *mcpHandler) respondSSE(w http.ResponseWriter, r *http.Request, sessionID string, entries []postEntry) {
	sw := newSSEWriter(w)
	if sw == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	if !h.hub.HasStream(sessionID) {
		cancel := h.hub.Subscribe(sessionID, sw.event)
		defer cancel()
	}

	ctx, cancel := context.WithTimeout(r.Context(), postStreamTimeout)
	defer cancel()

	for _, e := range entries {
		if resp := h.handleEntry(ctx, e); resp != nil {
			sw.event(resp)
		}
	}
}

func (h *mcpHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, "text/event-stream") {
		http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
		return
	}
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+sessionHeader, http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		// Streams are not replayed; reconnecting clients start fresh and
		// refetch listings on the next list_changed.
		h.logger.Debug("stream resume requested, starting fresh",
			"session", sessionID, "last_event_id", lastID)
	}

	sw := newSSEWriter(w)
	if sw == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	sw.comment("connected")

	activeStreams.Inc()
	defer activeStreams.Dec()

	cancel := h.hub.Subscribe(sessionID, sw.event)
	defer cancel()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// A stream for an expired or replaced session is dead weight;
			// close it so the client reconnects with its fresh id.
			if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
				h.logger.Debug("closing stream for expired session", "session", sessionID)
				return
			}
			sw.comment("ping")
		}
	}
}

// handleDelete tears down a session. Always 200: deleting an unknown
// session, or sending no id at all, succeeds.
func (h *mcpHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID != "" {
		if err := h.sessions.Delete(r.Context(), sessionID); err != nil &&
			!errors.Is(err, session.ErrSessionNotFound) {
			h.logger.Warn("session delete failed", "session", sessionID, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// observe records per-method metrics for one handled request.
func (h *mcpHandler) observe(method string, start time.Time, resp []byte) {
	rpcDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if respIsError(resp) {
		outcome = "error"
	}
	rpcRequestsTotal.WithLabelValues(method, outcome).Inc()
}

// respIsError probes response bytes for a JSON-RPC error member.
func respIsError(resp []byte) bool {
	if resp == nil {
		return false
	}
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(resp, &probe); err != nil {
		return false
	}
	return len(probe.Error) > 0
}

// writeRPCError writes a JSON-RPC error body on a 400 so both HTTP-level
// and JSON-RPC-level clients see the failure.
func (h *mcpHandler) writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	raw, err := mcp.NewErrorResponse(id, code, message, nil)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(raw)
}
