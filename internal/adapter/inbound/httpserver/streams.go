package httpserver

import (
	"fmt"
	"net/http"
	"sync"
)

// sseWriter serializes server-sent events onto one HTTP response.
// Writes come from both the handler goroutine and notification fan-out,
// so every emission is mutex-guarded and flushed immediately.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	nextID  uint64
	failed  bool
}

// newSSEWriter prepares the response for event streaming. Returns nil
// when the ResponseWriter cannot flush (no streaming through it).
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}
}

// event writes one message event with an incrementing id. Data must be a
// single line (JSON-RPC messages are).
func (s *sseWriter) event(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	s.nextID++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: message\ndata: %s\n\n", s.nextID, data); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
}

// comment writes a heartbeat comment line to keep intermediaries from
// idling the connection out.
func (s *sseWriter) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
}
