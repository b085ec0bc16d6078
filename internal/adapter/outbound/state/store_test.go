package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hatago-mcp/hatago/pkg/mcp"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	store := NewStore(path, nil)

	meta := store.Load()
	if len(meta.Servers) != 0 {
		t.Fatalf("fresh load returned %d servers", len(meta.Servers))
	}

	meta.Servers["github"] = ServerMetadata{
		Fingerprint: 42,
		Capabilities: &mcp.Capabilities{
			Tools: []mcp.Tool{{Name: "echo"}},
		},
	}
	if err := store.Save(meta); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := NewStore(path, nil).Load()
	got, ok := loaded.Servers["github"]
	if !ok {
		t.Fatal("saved server missing after reload")
	}
	if got.Fingerprint != 42 {
		t.Errorf("fingerprint = %d", got.Fingerprint)
	}
	if len(got.Capabilities.Tools) != 1 || got.Capabilities.Tools[0].Name != "echo" {
		t.Errorf("capabilities = %+v", got.Capabilities)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("updatedAt not stamped")
	}
}

func TestLoadCorruptFileStartsCold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	meta := NewStore(path, nil).Load()
	if meta == nil || meta.Servers == nil {
		t.Fatal("corrupt file did not yield an empty document")
	}
}

func TestBackupConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hatago.config.json")
	if err := os.WriteFile(path, []byte(`{"version":1}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := BackupConfig(path); err != nil {
		t.Fatalf("backup: %v", err)
	}
	data, err := os.ReadFile(path + ".backup")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(data) != `{"version":1}` {
		t.Errorf("backup contents = %s", data)
	}

	// Backing up a missing file is a no-op.
	if err := BackupConfig(filepath.Join(dir, "missing.json")); err != nil {
		t.Errorf("missing file backup: %v", err)
	}
}
