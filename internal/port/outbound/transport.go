// Package outbound defines the outbound port interfaces for connecting
// to upstream MCP servers.
package outbound

import (
	"context"
)

// Transport is the outbound port for one upstream connection. Adapters
// implement this for stdio child processes, streamable HTTP servers,
// and legacy SSE servers.
type Transport interface {
	// Start establishes the connection (spawns the child process or
	// opens the remote stream). The message handler set via OnMessage
	// starts receiving after Start returns.
	Start(ctx context.Context) error

	// Send writes one JSON-RPC message to the upstream.
	Send(ctx context.Context, raw []byte) error

	// OnMessage registers the handler for messages arriving from the
	// upstream. Must be called before Start. The handler is invoked
	// from the transport's read loop; it must not block.
	OnMessage(fn func(raw []byte))

	// Done returns a channel closed when the connection terminates for
	// any reason. Err reports the terminal error afterwards.
	Done() <-chan struct{}

	// Err returns the terminal error after Done is closed. Nil means a
	// clean close.
	Err() error

	// Close terminates the connection and cleans up resources. Safe to
	// call more than once.
	Close() error
}
