package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hatago-mcp/hatago/internal/domain/capability"
	"github.com/hatago-mcp/hatago/internal/domain/proxy"
	"github.com/hatago-mcp/hatago/internal/domain/upstream"
	"github.com/hatago-mcp/hatago/internal/port/outbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func shortTimeouts() Timeouts {
	return Timeouts{
		Spawn:       2 * time.Second,
		Healthcheck: 2 * time.Second,
		ToolCall:    2 * time.Second,
	}
}

// factoryFrom builds a fresh transport per connect attempt.
func factoryFrom(build func() outbound.Transport) TransportFactory {
	return func(*upstream.Spec, *slog.Logger) outbound.Transport { return build() }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, srv *fakeUpstream) (*Manager, *capability.Registry) {
	t.Helper()
	registry := capability.NewRegistry(capability.Naming{})
	m := NewManager(registry, nil, testLogger(),
		WithTransportFactory(factoryFrom(func() outbound.Transport {
			return newFakeTransport(srv)
		})),
		WithTimeouts(shortTimeouts()),
	)
	t.Cleanup(m.Stop)
	return m, registry
}

func TestLazyActivationRegistersCapabilities(t *testing.T) {
	srv := &fakeUpstream{tools: []mcp.Tool{{Name: "echo"}}}
	m, registry := newTestManager(t, srv)

	if err := m.AddServer(echoSpec("fake")); err != nil {
		t.Fatal(err)
	}
	if registry.HasUpstream("fake") {
		t.Fatal("registry populated before activation")
	}

	conn, err := m.EnsureReady(context.Background(), "fake", false)
	if err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	if conn == nil {
		t.Fatal("nil conn for ready upstream")
	}
	if _, _, ok := registry.ResolveTool("echo_fake"); !ok {
		t.Error("tool not registered after activation")
	}

	// A second call reuses the live connection.
	again, err := m.EnsureReady(context.Background(), "fake", false)
	if err != nil || again != conn {
		t.Errorf("ready connection not reused: %v", err)
	}
}

func TestManualPolicyRequiresExplicitActivation(t *testing.T) {
	srv := &fakeUpstream{tools: []mcp.Tool{{Name: "echo"}}}
	m, _ := newTestManager(t, srv)

	spec := echoSpec("manual")
	spec.Activation = upstream.PolicyManual
	if err := m.AddServer(spec); err != nil {
		t.Fatal(err)
	}

	if _, err := m.EnsureReady(context.Background(), "manual", false); err == nil {
		t.Fatal("implicit activation of a manual server succeeded")
	}
	if err := m.Activate(context.Background(), "manual"); err != nil {
		t.Fatalf("explicit activate: %v", err)
	}
}

func TestEnsureReadyUnknownServer(t *testing.T) {
	m, _ := newTestManager(t, &fakeUpstream{})

	_, err := m.EnsureReady(context.Background(), "ghost", false)
	if proxy.KindOf(err) != proxy.KindConfig {
		t.Errorf("kind = %v, want CONFIG_ERROR", proxy.KindOf(err))
	}
}

func TestCrashUnregistersAndMarksFailing(t *testing.T) {
	srv := &fakeUpstream{tools: []mcp.Tool{{Name: "echo"}}}
	registry := capability.NewRegistry(capability.Naming{})

	var current *fakeTransport
	m := NewManager(registry, nil, testLogger(),
		WithTransportFactory(factoryFrom(func() outbound.Transport {
			current = newFakeTransport(srv)
			return current
		})),
		WithTimeouts(shortTimeouts()),
	)
	defer m.Stop()

	if err := m.AddServer(echoSpec("fake")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EnsureReady(context.Background(), "fake", false); err != nil {
		t.Fatal(err)
	}

	current.fail(errors.New("process exited"))

	waitFor(t, "registry cleanup", func() bool {
		return !registry.HasUpstream("fake")
	})
	waitFor(t, "failing state", func() bool {
		for _, st := range m.Statuses() {
			if st.ID == "fake" {
				return st.Actual == upstream.StateFailing || st.Actual == upstream.StateStopped
			}
		}
		return false
	})
}

func TestDeactivateRemovesCapabilities(t *testing.T) {
	srv := &fakeUpstream{tools: []mcp.Tool{{Name: "echo"}}}
	m, registry := newTestManager(t, srv)

	if err := m.AddServer(echoSpec("fake")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EnsureReady(context.Background(), "fake", false); err != nil {
		t.Fatal(err)
	}
	if err := m.Deactivate(context.Background(), "fake"); err != nil {
		t.Fatal(err)
	}
	if registry.HasUpstream("fake") {
		t.Error("capabilities survived deactivation")
	}
	for _, st := range m.Statuses() {
		if st.ID == "fake" && st.Actual != upstream.StateStopped {
			t.Errorf("state = %v, want stopped", st.Actual)
		}
	}
}

func TestIdleShutdownSweep(t *testing.T) {
	srv := &fakeUpstream{tools: []mcp.Tool{{Name: "echo"}}}
	m, registry := newTestManager(t, srv)

	spec := echoSpec("fake")
	spec.IdlePolicy = upstream.IdlePolicy{
		Idle:     time.Nanosecond,
		Strategy: upstream.IdleShutdown,
	}
	if err := m.AddServer(spec); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EnsureReady(context.Background(), "fake", false); err != nil {
		t.Fatal(err)
	}

	time.Sleep(time.Millisecond)
	m.sweepIdle()

	if registry.HasUpstream("fake") {
		t.Error("idle upstream still registered")
	}
	for _, st := range m.Statuses() {
		if st.ID == "fake" && st.Actual != upstream.StateStopped {
			t.Errorf("state = %v, want stopped after idle shutdown", st.Actual)
		}
	}
}

func TestRemoveServerStopsAndForgets(t *testing.T) {
	srv := &fakeUpstream{tools: []mcp.Tool{{Name: "echo"}}}
	m, registry := newTestManager(t, srv)

	if err := m.AddServer(echoSpec("fake")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EnsureReady(context.Background(), "fake", false); err != nil {
		t.Fatal(err)
	}

	m.RemoveServer(context.Background(), "fake")
	if registry.HasUpstream("fake") {
		t.Error("capabilities survived removal")
	}
	if len(m.IDs()) != 0 {
		t.Errorf("ids = %v, want empty", m.IDs())
	}
}

func TestConcurrencyOverridesPerID(t *testing.T) {
	registry := capability.NewRegistry(capability.Naming{})
	m := NewManager(registry, nil, testLogger(),
		WithPerServerConcurrency(8),
		WithConcurrencyOverrides(map[string]int{"slow": 2}),
	)
	t.Cleanup(m.Stop)

	if got := m.concurrencyFor("slow"); got != 2 {
		t.Errorf("slow bound = %d, want the override", got)
	}
	if got := m.concurrencyFor("other"); got != 8 {
		t.Errorf("other bound = %d, want the global", got)
	}
}

func TestDuplicateServerRejected(t *testing.T) {
	m, _ := newTestManager(t, &fakeUpstream{})

	if err := m.AddServer(echoSpec("dup")); err != nil {
		t.Fatal(err)
	}
	err := m.AddServer(echoSpec("dup"))
	if proxy.KindOf(err) != proxy.KindConfig {
		t.Errorf("kind = %v, want CONFIG_ERROR", proxy.KindOf(err))
	}
}
