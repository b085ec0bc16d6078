// Package inbound defines the inbound port interfaces for the hub core.
// Inbound adapters (stdio, HTTP) call these interfaces.
package inbound

import (
	"context"

	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// Hub is the inbound port for the hub core. Inbound adapters decode
// wire messages and hand them here.
type Hub interface {
	// Handle processes one downstream message and returns the response
	// bytes, or nil for notifications (which carry no response).
	Handle(ctx context.Context, msg *mcp.Message) []byte

	// Subscribe registers a sink for server-initiated notifications
	// (list_changed, progress). The returned cancel func detaches it.
	Subscribe(sessionID string, sink func(raw []byte)) (cancel func())

	// HasStream reports whether the session already has a subscribed
	// notification sink. Transports use it to avoid delivering the same
	// frame on two streams at once.
	HasStream(sessionID string) bool
}

// Server is a downstream-facing transport (stdio or HTTP).
type Server interface {
	// Start begins serving downstream clients. Blocks until the context
	// is cancelled or a fatal error occurs.
	Start(ctx context.Context) error

	// Close gracefully shuts down the server and cleans up resources.
	Close() error
}
