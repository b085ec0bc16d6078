package transport

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/hatago-mcp/hatago/internal/domain/upstream"
	"github.com/hatago-mcp/hatago/internal/port/outbound"
)

// DetectKind picks a remote transport when the config does not name
// one. Endpoints whose path ends in /sse or /events are assumed to be
// legacy SSE servers; everything else gets streamable HTTP first.
func DetectKind(endpoint string) upstream.TransportKind {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return upstream.KindHTTP
	}
	path := strings.TrimSuffix(parsed.Path, "/")
	if strings.HasSuffix(path, "/sse") || strings.HasSuffix(path, "/events") {
		return upstream.KindSSE
	}
	return upstream.KindHTTP
}

// New builds the outbound transport for a spec. Local specs get stdio;
// remote specs get the configured kind, or the detected one when the
// config leaves it open.
func New(spec *upstream.Spec, logger *slog.Logger) outbound.Transport {
	if spec.IsLocal() {
		return NewStdio(spec.Command, spec.Args, spec.Env, spec.Cwd, logger)
	}

	kind := spec.Kind
	if kind == "" {
		kind = DetectKind(spec.URL)
	}
	switch kind {
	case upstream.KindSSE:
		return NewSSE(spec.URL, spec.Headers, logger)
	default:
		return NewStreamHTTP(spec.URL, spec.Headers, logger)
	}
}

// Fallback returns the alternative remote transport for a spec whose
// detected transport failed its first handshake: streamable HTTP falls
// back to legacy SSE, and vice versa. Returns nil when no fallback
// applies (explicitly configured kinds are never overridden).
func Fallback(spec *upstream.Spec, logger *slog.Logger) outbound.Transport {
	if spec.IsLocal() || spec.Kind != "" {
		return nil
	}
	if DetectKind(spec.URL) == upstream.KindSSE {
		return NewStreamHTTP(spec.URL, spec.Headers, logger)
	}
	return NewSSE(spec.URL, spec.Headers, logger)
}
