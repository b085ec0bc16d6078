// Package httpserver is the downstream-facing streamable HTTP
// transport: the MCP endpoint plus health and metrics surfaces.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hatago-mcp/hatago/internal/domain/session"
	"github.com/hatago-mcp/hatago/internal/port/inbound"
)

// shutdownGrace bounds graceful shutdown before open streams are cut.
const shutdownGrace = 5 * time.Second

// HealthSource reports hub liveness for the /health endpoint.
type HealthSource interface {
	Health() map[string]interface{}
}

// Options configures the HTTP server.
type Options struct {
	Host string
	Port int
	// Path is the MCP endpoint path (default /mcp).
	Path string
}

// Server serves downstream MCP clients over streamable HTTP.
type Server struct {
	opts     Options
	hub      inbound.Hub
	health   HealthSource
	sessions *session.Service
	logger   *slog.Logger

	srv *http.Server
}

var _ inbound.Server = (*Server)(nil)

// NewServer wires the HTTP surface over the hub core.
func NewServer(opts Options, hub inbound.Hub, sessions *session.Service, health HealthSource, logger *slog.Logger) *Server {
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		opts:     opts,
		hub:      hub,
		health:   health,
		sessions: sessions,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle(opts.Path, &mcpHandler{hub: hub, sessions: sessions, logger: logger})
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Start implements inbound.Server. Blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening",
			"addr", s.srv.Addr, "path", s.opts.Path)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Close()
	}
}

// Close implements inbound.Server.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return s.srv.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc := map[string]interface{}{"status": "ok"}
	if s.health != nil {
		doc = s.health.Health()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
