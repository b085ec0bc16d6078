package stdioserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hatago-mcp/hatago/internal/adapter/outbound/sessionstore"
	"github.com/hatago-mcp/hatago/internal/domain/session"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// echoHub answers every request with its method name and records the
// session ids it sees.
type echoHub struct {
	mu       sync.Mutex
	sessions []string
	sinks    map[string]func(raw []byte)
}

func newEchoHub() *echoHub {
	return &echoHub{sinks: make(map[string]func(raw []byte))}
}

func (h *echoHub) Handle(_ context.Context, msg *mcp.Message) []byte {
	h.mu.Lock()
	h.sessions = append(h.sessions, msg.SessionID)
	h.mu.Unlock()
	if msg.IsNotification() {
		return nil
	}
	raw, _ := mcp.NewResultResponse(msg.RawID(), map[string]string{"method": msg.Method()})
	return raw
}

func (h *echoHub) Subscribe(sessionID string, sink func(raw []byte)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[sessionID] = sink
	return func() {}
}

func (h *echoHub) HasStream(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[sessionID] != nil
}

func (h *echoHub) sessionID(t *testing.T) string {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.sinks {
		return id
	}
	t.Fatal("no session subscribed")
	return ""
}

// syncBuffer guards the output buffer against the per-message handler
// goroutines writing concurrently with the test's reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			out = append(out, sc.Text())
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newSessions() *session.Service {
	return session.NewService(sessionstore.NewMemoryStore(0), session.Config{}, nil)
}

// run serves the given stdin until EOF and returns stdout's lines.
func run(t *testing.T, hub *echoHub, stdin string) []string {
	t.Helper()
	out := &syncBuffer{}
	srv := NewServer(hub, newSessions(), strings.NewReader(stdin), out, testLogger())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	return out.lines()
}

func TestRequestsAnswered(t *testing.T) {
	req1, _ := mcp.NewRequest(1, mcp.MethodPing, nil)
	req2, _ := mcp.NewRequest(2, mcp.MethodToolsList, nil)
	stdin := string(req1) + "\n" + string(req2) + "\n"

	lines := run(t, newEchoHub(), stdin)
	if len(lines) != 2 {
		t.Fatalf("responses = %d, want 2: %v", len(lines), lines)
	}
	methods := map[string]bool{}
	for _, line := range lines {
		var probe struct {
			Result struct {
				Method string `json:"method"`
			} `json:"result"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			t.Fatalf("response %q: %v", line, err)
		}
		methods[probe.Result.Method] = true
	}
	if !methods[mcp.MethodPing] || !methods[mcp.MethodToolsList] {
		t.Errorf("answered methods = %v", methods)
	}
}

func TestEverySessionMessageSharesOneSession(t *testing.T) {
	hub := newEchoHub()
	req1, _ := mcp.NewRequest(1, mcp.MethodPing, nil)
	note, _ := mcp.NewNotification(mcp.MethodNotifyInitialized, nil)
	req2, _ := mcp.NewRequest(2, mcp.MethodPing, nil)
	run(t, hub, string(req1)+"\n"+string(note)+"\n"+string(req2)+"\n")

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.sessions) != 3 {
		t.Fatalf("handled messages = %d, want 3", len(hub.sessions))
	}
	for _, id := range hub.sessions[1:] {
		if id != hub.sessions[0] || id == "" {
			t.Errorf("session ids diverge: %v", hub.sessions)
		}
	}
}

func TestMalformedLineAnsweredWithParseError(t *testing.T) {
	req, _ := mcp.NewRequest(1, mcp.MethodPing, nil)
	lines := run(t, newEchoHub(), "{garbage\n"+string(req)+"\n")

	if len(lines) != 2 {
		t.Fatalf("responses = %d, want parse error plus answer: %v", len(lines), lines)
	}
	var probe struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &probe); err != nil {
		t.Fatal(err)
	}
	if probe.Error.Code != mcp.CodeParseError {
		t.Errorf("code = %d, want -32700", probe.Error.Code)
	}
}

func TestBlankLinesIgnored(t *testing.T) {
	req, _ := mcp.NewRequest(1, mcp.MethodPing, nil)
	lines := run(t, newEchoHub(), "\n\n"+string(req)+"\n\n")
	if len(lines) != 1 {
		t.Errorf("responses = %d, want 1: %v", len(lines), lines)
	}
}

func TestServerNotificationsReachStdout(t *testing.T) {
	hub := newEchoHub()
	out := &syncBuffer{}
	pr, pw := io.Pipe()
	srv := NewServer(hub, newSessions(), pr, out, testLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	// Wait for the implicit session's subscription, then push through it.
	deadline := time.Now().Add(2 * time.Second)
	var sink func(raw []byte)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		for _, s := range hub.sinks {
			sink = s
		}
		hub.mu.Unlock()
		if sink != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sink == nil {
		t.Fatal("stdio session never subscribed")
	}

	note, _ := mcp.NewNotification(mcp.MethodNotifyToolsChanged, nil)
	sink(note)

	_ = pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := out.lines()
	if len(lines) != 1 || !strings.Contains(lines[0], mcp.MethodNotifyToolsChanged) {
		t.Errorf("stdout = %v, want the pushed notification", lines)
	}
}

func TestSessionDeletedOnExit(t *testing.T) {
	hub := newEchoHub()
	sessions := newSessions()
	req, _ := mcp.NewRequest(1, mcp.MethodPing, nil)
	srv := NewServer(hub, sessions, strings.NewReader(string(req)+"\n"), &syncBuffer{}, testLogger())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	id := hub.sessionID(t)
	if _, err := sessions.Get(context.Background(), id); err == nil {
		t.Error("implicit session survived server exit")
	}
}
