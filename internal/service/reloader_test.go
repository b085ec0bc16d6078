package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hatago-mcp/hatago/internal/config"
	"github.com/hatago-mcp/hatago/internal/domain/capability"
	"github.com/hatago-mcp/hatago/internal/domain/upstream"
	"github.com/hatago-mcp/hatago/internal/port/outbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// newReloadStack builds a hub whose transports are fakes, loads the
// config at path, and seeds a reloader.
func newReloadStack(t *testing.T, path string) (*Hub, *Reloader) {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	registry := capability.NewRegistry(cfg.Naming())
	m := NewManager(registry, nil, testLogger(),
		WithTransportFactory(func(spec *upstream.Spec, _ *slog.Logger) outbound.Transport {
			return newFakeTransport(&fakeUpstream{tools: []mcp.Tool{{Name: "echo"}}})
		}),
		WithTimeouts(shortTimeouts()),
	)
	hub := NewHub(registry, m, nil, nil, shortTimeouts(), testLogger())
	t.Cleanup(hub.Stop)

	if err := hub.Init(cfg, nil); err != nil {
		t.Fatal(err)
	}
	return hub, NewReloader(hub, nil, path, nil, cfg, nil, testLogger())
}

const reloadConfigV1 = `{
  "version": 1,
  "mcpServers": {
    "a": {"command": "fake-server", "activationPolicy": "onDemand"},
    "b": {"command": "fake-server", "activationPolicy": "onDemand"}
  }
}`

const reloadConfigV2 = `{
  "version": 1,
  "mcpServers": {
    "a": {"command": "fake-server", "args": ["--changed"], "activationPolicy": "onDemand"},
    "c": {"command": "fake-server", "activationPolicy": "onDemand"}
  }
}`

func TestReloadAppliesServerDiff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	writeConfigFile(t, path, reloadConfigV1)
	hub, reloader := newReloadStack(t, path)

	m := hub.Manager()
	if got := m.IDs(); len(got) != 2 {
		t.Fatalf("initial servers = %v", got)
	}

	writeConfigFile(t, path, reloadConfigV2)
	if err := reloader.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got := m.IDs()
	want := []string{"a", "c"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("servers after reload = %v, want %v", got, want)
	}
	if spec := m.Spec("a"); spec == nil || len(spec.Args) != 1 {
		t.Errorf("modified server not replaced: %+v", spec)
	}
}

func TestReloadRestartsModifiedReadyServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	writeConfigFile(t, path, reloadConfigV1)
	hub, reloader := newReloadStack(t, path)

	m := hub.Manager()
	if _, err := m.EnsureReady(context.Background(), "a", false); err != nil {
		t.Fatal(err)
	}

	writeConfigFile(t, path, reloadConfigV2)
	if err := reloader.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The modified onDemand server is stopped until its next use.
	for _, st := range m.Statuses() {
		if st.ID == "a" && st.Actual != upstream.StateStopped {
			t.Errorf("state = %v, want stopped after restart-on-modify", st.Actual)
		}
	}
	if _, err := m.EnsureReady(context.Background(), "a", false); err != nil {
		t.Errorf("reactivation after modify: %v", err)
	}
}

func TestReloadEmitsOneAggregatedNotification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	writeConfigFile(t, path, reloadConfigV1)
	hub, reloader := newReloadStack(t, path)

	m := hub.Manager()
	for _, id := range []string{"a", "b"} {
		if _, err := m.EnsureReady(context.Background(), id, false); err != nil {
			t.Fatal(err)
		}
	}

	count, cancel := countListChanged(t, hub, "s1")
	defer cancel()

	// Removing b and restarting a both mutate the registry; clients see
	// one aggregated list_changed.
	writeConfigFile(t, path, reloadConfigV2)
	if err := reloader.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if *count != 1 {
		t.Errorf("list_changed notifications = %d, want 1", *count)
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	writeConfigFile(t, path, reloadConfigV1)
	hub, reloader := newReloadStack(t, path)

	writeConfigFile(t, path, `{"version": 2, "mcpServers": {}}`)
	if err := reloader.Reload(context.Background()); err == nil {
		t.Fatal("invalid config accepted")
	}

	// The hub keeps running on the previous config.
	if got := hub.Manager().IDs(); len(got) != 2 {
		t.Errorf("servers = %v after rejected reload", got)
	}
	if reloader.Current().Version != 1 {
		t.Error("current config replaced by invalid one")
	}
}

func TestReloadRunsBackupAfterAccept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	writeConfigFile(t, path, reloadConfigV1)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	registry := capability.NewRegistry(cfg.Naming())
	m := NewManager(registry, nil, testLogger(), WithTimeouts(shortTimeouts()))
	hub := NewHub(registry, m, nil, nil, shortTimeouts(), testLogger())
	t.Cleanup(hub.Stop)
	if err := hub.Init(cfg, nil); err != nil {
		t.Fatal(err)
	}

	backups := 0
	reloader := NewReloader(hub, nil, path, nil, cfg, func(string) error {
		backups++
		return nil
	}, testLogger())

	if err := reloader.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backups != 1 {
		t.Errorf("backups = %d, want 1", backups)
	}

	writeConfigFile(t, path, `not json`)
	if err := reloader.Reload(context.Background()); err == nil {
		t.Fatal("invalid config accepted")
	}
	if backups != 1 {
		t.Error("backup ran for a rejected config")
	}
}
