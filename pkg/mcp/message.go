// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the hatago hub.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates the flow direction of a message through the hub.
type Direction int

const (
	// ClientToServer indicates a message flowing from a downstream client
	// toward an upstream MCP server.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from an upstream MCP
	// server back to a downstream client.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with hub metadata.
// It stores both the raw bytes (for efficient passthrough) and the decoded
// message (for routing inspection).
type Message struct {
	// Raw contains the original bytes of the message.
	// Used for passthrough when no modification is needed.
	Raw []byte

	// Direction indicates whether this message is flowing from
	// client to server or server to client.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// May be nil if parsing failed but passthrough is still desired.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the hub.
	Timestamp time.Time

	// SessionID is the downstream session this message belongs to,
	// if known. Set by the inbound transport.
	SessionID string

	// ParsedParams contains the parsed params from a JSON-RPC request.
	// Set by ParseParams() for reuse across routing stages.
	// Nil if not a request or parsing failed.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req := m.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == MethodToolsCall
}

// IsNotification reports whether this message is a JSON-RPC notification
// (a request with no id). Per the streamable HTTP transport, notifications
// are acknowledged with 202 Accepted and carry no response.
func (m *Message) IsNotification() bool {
	if !m.IsRequest() {
		return false
	}
	return m.RawID() == nil
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
// Returns nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and stores in ParsedParams.
// Safe to call multiple times (no-op if already parsed).
// Returns the parsed params or nil if not a request or parsing fails.
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ProgressToken extracts params._meta.progressToken from a request.
// Returns the empty string if the request carries no token.
// Tokens may be JSON strings or numbers; numbers are formatted through
// their raw JSON representation so "1" and 1 stay distinct values.
func (m *Message) ProgressToken() string {
	req := m.Request()
	if req == nil || req.Params == nil {
		return ""
	}

	var probe struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &probe); err != nil {
		return ""
	}
	if len(probe.Meta.ProgressToken) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(probe.Meta.ProgressToken, &s); err == nil {
		return s
	}
	return string(probe.Meta.ProgressToken)
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// This is needed because the SDK's jsonrpc.ID type doesn't marshal correctly
// through interface{}, so we extract the ID directly from the raw JSON.
// Returns nil if no ID is found.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	id, ok := raw["id"]
	if !ok || string(id) == "null" {
		return nil
	}
	return id
}
