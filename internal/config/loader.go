package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides:
// HATAGO_HTTP_PORT overrides http.port.
const EnvPrefix = "HATAGO"

// envRefPattern matches ${env:VAR} references in config values.
var envRefPattern = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, preprocesses, and unmarshals the config file at path,
// applying defaults and environment overrides. Validation is separate
// so callers can decide how strict to be (hot reload rejects invalid
// files without dying).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse unmarshals preprocessed config bytes. Exposed separately for
// tests and for the reloader, which already holds the file contents.
func Parse(raw []byte) (*Config, error) {
	processed, err := Preprocess(raw)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(processed)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Environment variable support: HATAGO_HTTP_PORT, HATAGO_LOG_LEVEL
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindNestedEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		// Struct tags are shared with the JSON wire form.
		dc.TagName = "json"
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper lowercases every key, which would corrupt upstream ids and
	// env var names. Everything keyed by upstream id comes from a
	// direct JSON pass.
	var direct struct {
		MCPServers  map[string]ServerConfig `json:"mcpServers"`
		Servers     []ServerEntry           `json:"servers"`
		Concurrency struct {
			PerServer map[string]int `json:"perServer"`
		} `json:"concurrency"`
	}
	if err := json.Unmarshal(processed, &direct); err != nil {
		return nil, fmt.Errorf("failed to parse server definitions: %w", err)
	}
	cfg.MCPServers = direct.MCPServers
	cfg.Servers = direct.Servers
	cfg.Concurrency.PerServer = direct.Concurrency.PerServer
	if err := cfg.mergeServers(); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// bindNestedEnvKeys binds scalar config keys for environment overrides.
// Maps and arrays (mcpServers, redactKeys) stay file-only.
func bindNestedEnvKeys(v *viper.Viper) {
	_ = v.BindEnv("logLevel", "HATAGO_LOG_LEVEL")
	_ = v.BindEnv("http.host", "HATAGO_HTTP_HOST")
	_ = v.BindEnv("http.port", "HATAGO_HTTP_PORT")
	_ = v.BindEnv("http.path", "HATAGO_HTTP_PATH")
	_ = v.BindEnv("toolNaming.strategy", "HATAGO_TOOL_NAMING_STRATEGY")
	_ = v.BindEnv("toolNaming.separator", "HATAGO_TOOL_NAMING_SEPARATOR")
	_ = v.BindEnv("session.ttlSeconds", "HATAGO_SESSION_TTL_SECONDS")
	_ = v.BindEnv("session.persist", "HATAGO_SESSION_PERSIST")
	_ = v.BindEnv("session.store", "HATAGO_SESSION_STORE")
	_ = v.BindEnv("timeouts.spawnMs", "HATAGO_TIMEOUTS_SPAWN_MS")
	_ = v.BindEnv("timeouts.healthcheckMs", "HATAGO_TIMEOUTS_HEALTHCHECK_MS")
	_ = v.BindEnv("timeouts.toolCallMs", "HATAGO_TIMEOUTS_TOOL_CALL_MS")
	_ = v.BindEnv("concurrency.global", "HATAGO_CONCURRENCY_GLOBAL")
	_ = v.BindEnv("audit.enabled", "HATAGO_AUDIT_ENABLED")
	_ = v.BindEnv("audit.path", "HATAGO_AUDIT_PATH")
}

// Preprocess strips JSONC comments and expands ${env:VAR} references.
// Unset variables expand to the empty string.
func Preprocess(raw []byte) ([]byte, error) {
	stripped := stripComments(raw)

	expanded := envRefPattern.ReplaceAllFunc(stripped, func(match []byte) []byte {
		name := envRefPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
	return expanded, nil
}

// stripComments removes // line comments and /* */ block comments while
// leaving string literals intact.
func stripComments(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	inString := false
	escaped := false

	for i := 0; i < len(raw); i++ {
		c := raw[i]

		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			if i < len(raw) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(raw) && raw[i+1] == '*':
			i += 2
			for i+1 < len(raw) && !(raw[i] == '*' && raw[i+1] == '/') {
				i++
			}
			i++ // skip the closing slash
		default:
			out = append(out, c)
		}
	}
	return out
}
