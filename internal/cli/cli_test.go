package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hatago-mcp/hatago/internal/config"
)

// runCLI executes the command tree the way main does, capturing stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")

	if _, err := runCLI(t, "--config", path, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("scaffold does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("scaffold does not validate: %v", err)
	}
	if _, ok := cfg.MCPServers["everything"]; !ok {
		t.Error("scaffold is missing the example server")
	}
}

func TestInitRefusesOverwriteWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"mcpServers":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, "--config", path, "init"); err == nil {
		t.Fatal("existing config overwritten without --force")
	}
	if _, err := runCLI(t, "--config", path, "init", "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
}

func TestServeRejectsConflictingTransportFlags(t *testing.T) {
	out, err := runCLI(t, "serve", "--http", "--stdio")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("serve --http --stdio = %v (%s)", err, out)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.env")
	if err := os.WriteFile(path, []byte("HATAGO_TEST_TOKEN=from-file\nHATAGO_TEST_KEPT=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HATAGO_TEST_KEPT", "process")
	t.Setenv("HATAGO_TEST_TOKEN", "")
	os.Unsetenv("HATAGO_TEST_TOKEN")

	if err := loadEnvFiles([]string{path}); err != nil {
		t.Fatalf("loadEnvFiles: %v", err)
	}
	if got := os.Getenv("HATAGO_TEST_TOKEN"); got != "from-file" {
		t.Errorf("token = %q", got)
	}
	// Variables already in the environment win over the file.
	if got := os.Getenv("HATAGO_TEST_KEPT"); got != "process" {
		t.Errorf("kept = %q", got)
	}

	if err := loadEnvFiles([]string{filepath.Join(dir, "missing.env")}); err == nil {
		t.Error("missing env file accepted")
	}
}

func TestDerivedPathsSitNextToConfig(t *testing.T) {
	cfgPath := "/etc/hatago/hatago.config.json"
	if got := derivedPath(cfgPath, ".metadata.json"); got != cfgPath+".metadata.json" {
		t.Errorf("metadata path = %q", got)
	}
	if got := derivedPath(cfgPath, ".audit.log"); got != cfgPath+".audit.log" {
		t.Errorf("audit path = %q", got)
	}
}

func TestMCPAddRemoveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"mcpServers":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, "--config", path, "mcp", "add", "fs",
		"--policy", "onDemand", "--env", "HOME=/tmp",
		"--", "npx", "-y", "@modelcontextprotocol/server-filesystem"); err != nil {
		t.Fatalf("add: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	sc, ok := cfg.MCPServers["fs"]
	if !ok {
		t.Fatal("added server missing from config")
	}
	if sc.Command != "npx" || len(sc.Args) != 2 {
		t.Errorf("command = %q %v", sc.Command, sc.Args)
	}
	if sc.ActivationPolicy != "onDemand" || sc.Env["HOME"] != "/tmp" {
		t.Errorf("flags not persisted: %+v", sc)
	}

	out, err := runCLI(t, "--config", path, "mcp", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "fs\tonDemand\tnpx") {
		t.Errorf("list output = %q", out)
	}

	if _, err := runCLI(t, "--config", path, "mcp", "remove", "fs"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	cfg, err = config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.MCPServers) != 0 {
		t.Errorf("servers after remove = %v", cfg.MCPServers)
	}
}

func TestMCPAddRejectsDuplicatesAndInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"mcpServers":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, "--config", path, "mcp", "add", "a", "--", "fake-server"); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "--config", path, "mcp", "add", "a", "--", "fake-server"); err == nil {
		t.Error("duplicate id accepted")
	}
	// Neither a command nor a URL: rejected before touching the file.
	if _, err := runCLI(t, "--config", path, "mcp", "add", "b", "--policy", "onDemand"); err == nil {
		t.Error("server without command or url accepted")
	}
	// A local server cannot carry an invalid policy past validation.
	if _, err := runCLI(t, "--config", path, "mcp", "add", "c",
		"--policy", "sometimes", "--", "fake-server"); err == nil {
		t.Error("invalid activation policy accepted")
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.MCPServers) != 1 {
		t.Errorf("rejected edits leaked into the config: %v", cfg.MCPServers)
	}
}

func TestMCPEditsPreserveUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatago.config.json")
	seed := `{
  "version": 1,
  "logLevel": "debug",
  "mcpServers": {"a": {"command": "fake-server"}}
}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, "--config", path, "mcp", "add", "b", "--", "fake-server"); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("top-level field dropped on edit: logLevel = %q", cfg.LogLevel)
	}
	if len(cfg.MCPServers) != 2 {
		t.Errorf("servers = %v", cfg.MCPServers)
	}
}
