// Package stdioserver is the downstream-facing stdio transport: the hub
// speaks newline-delimited JSON-RPC over stdin/stdout to a single
// client, the way editor integrations embed MCP servers.
package stdioserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hatago-mcp/hatago/internal/domain/session"
	"github.com/hatago-mcp/hatago/internal/port/inbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

const (
	scannerInitialBufSize = 256 * 1024
	scannerMaxBufSize     = 1024 * 1024
)

// Server serves one downstream client over stdin/stdout. The client
// gets an implicit session, so session headers never appear on this
// transport.
type Server struct {
	hub      inbound.Hub
	sessions *session.Service
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

var _ inbound.Server = (*Server)(nil)

// NewServer wires a stdio server over the hub core.
func NewServer(hub inbound.Hub, sessions *session.Service, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:      hub,
		sessions: sessions,
		in:       in,
		out:      out,
		logger:   logger,
	}
}

// Start implements inbound.Server. Blocks until stdin closes or the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	sess, err := s.sessions.Create(ctx, "")
	if err != nil {
		return fmt.Errorf("create stdio session: %w", err)
	}
	defer func() { _ = s.sessions.Delete(context.Background(), sess.ID) }()

	unsubscribe := s.hub.Subscribe(sess.ID, s.write)
	defer unsubscribe()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, scannerInitialBufSize), scannerMaxBufSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
		if err != nil {
			s.logger.Warn("unparsable message on stdin", "error", err)
			if resp, mErr := mcp.NewErrorResponse(nil, mcp.CodeParseError, "Parse error", nil); mErr == nil {
				s.write(resp)
			}
			continue
		}
		msg.SessionID = sess.ID

		// Each message is handled on its own goroutine so a slow tool
		// call does not stall the read loop.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if resp := s.hub.Handle(ctx, msg); resp != nil {
				s.write(resp)
			}
		}()
	}

	s.wg.Wait()
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdin read: %w", err)
	}
	return nil
}

// Close implements inbound.Server.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// write emits one message as a single NDJSON line. Writes are serialized
// because responses and notifications race for stdout.
func (s *Server) write(raw []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(raw, '\n')); err != nil {
		s.logger.Warn("stdout write failed", "error", err)
	}
}
