// Package proxy contains the core domain types shared by the hub's
// routing and transport layers: the error taxonomy and its mapping onto
// the JSON-RPC wire.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// Kind classifies hub errors. The kind travels to downstream clients in
// the JSON-RPC error's data field so callers can distinguish a transport
// fault from a missing tool without string matching.
type Kind string

const (
	// KindConfig covers invalid configuration, duplicate ids, and name
	// collisions under the error naming strategy.
	KindConfig Kind = "CONFIG_ERROR"
	// KindTransport covers I/O failures, child-process exits, connection
	// resets, and SSE reconnect exhaustion.
	KindTransport Kind = "TRANSPORT"
	// KindTimeout covers spawn, healthcheck, and tool-call deadlines.
	KindTimeout Kind = "TIMEOUT"
	// KindToolInvocation means the upstream returned a JSON-RPC error
	// for a tool call.
	KindToolInvocation Kind = "TOOL_INVOCATION"
	// KindSession means an unknown or expired session id was presented
	// on a protected operation.
	KindSession Kind = "SESSION"
	// KindToolNotFound means no registered tool matches the public name.
	KindToolNotFound Kind = "TOOL_NOT_FOUND"
	// KindResourceNotFound means no registered resource matches the URI.
	KindResourceNotFound Kind = "RESOURCE_NOT_FOUND"
	// KindPromptNotFound means no registered prompt matches the name.
	KindPromptNotFound Kind = "PROMPT_NOT_FOUND"
	// KindUnsupported means the method is valid MCP but the routed
	// upstream does not implement it.
	KindUnsupported Kind = "UNSUPPORTED_FEATURE"
	// KindInternal is an invariant violation. It fails the single
	// request, never the process.
	KindInternal Kind = "INTERNAL"
)

// Error is a classified hub error. UpstreamID is empty for hub-local
// failures.
type Error struct {
	Kind       Kind
	UpstreamID string
	Message    string
	Err        error
}

// New creates a classified error with no underlying cause.
func New(kind Kind, upstreamID, message string) *Error {
	return &Error{Kind: kind, UpstreamID: upstreamID, Message: message}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, upstreamID string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, UpstreamID: upstreamID, Message: err.Error(), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.UpstreamID != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.UpstreamID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain. Context deadline and
// cancellation errors classify as TIMEOUT; anything unclassified is
// INTERNAL.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// UpstreamOf extracts the upstream id from an error chain, if present.
func UpstreamOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.UpstreamID
	}
	return ""
}

// code maps a Kind to its JSON-RPC error code.
func code(kind Kind) int {
	switch kind {
	case KindToolNotFound, KindResourceNotFound, KindPromptNotFound, KindUnsupported:
		return mcp.CodeMethodNotFound
	case KindConfig, KindSession:
		return mcp.CodeInvalidRequest
	case KindTimeout:
		return -32001
	default:
		return mcp.CodeInternalError
	}
}

// errorData is the data field attached to classified JSON-RPC errors.
type errorData struct {
	Kind       Kind   `json:"kind"`
	UpstreamID string `json:"upstreamId,omitempty"`
}

// ToJSONRPC renders an error chain as a JSON-RPC error response for the
// given request id. The message is preserved; the kind and owning
// upstream travel in the data field.
func ToJSONRPC(id json.RawMessage, err error) []byte {
	kind := KindOf(err)
	msg := SafeErrorMessage(err)

	raw, mErr := mcp.NewErrorResponse(id, code(kind), msg, errorData{
		Kind:       kind,
		UpstreamID: UpstreamOf(err),
	})
	if mErr != nil {
		// Marshaling a flat struct cannot realistically fail; fall back
		// to a static internal error to keep the wire well-formed.
		raw, _ = mcp.NewErrorResponse(id, mcp.CodeInternalError, "Internal error", nil)
	}
	return raw
}

// SafeErrorMessage returns a client-safe error message. Classified errors
// carry curated messages and pass through; everything else is collapsed
// so internal details never reach downstream clients.
func SafeErrorMessage(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Message
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "Request timeout"
	}
	return "Internal error"
}
