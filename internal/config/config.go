// Package config provides configuration loading for the hatago hub:
// JSONC parsing, ${env:VAR} expansion, environment overrides,
// validation, and change detection for hot reload.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/hatago-mcp/hatago/internal/domain/capability"
	"github.com/hatago-mcp/hatago/internal/domain/upstream"
)

// CurrentVersion is the only config schema version the hub accepts.
const CurrentVersion = 1

// Default timeout budgets, in milliseconds on the wire.
const (
	DefaultSpawnMs       = 8000
	DefaultHealthcheckMs = 2000
	DefaultToolCallMs    = 20000
)

// DefaultConcurrency is the per-upstream in-flight request bound.
const DefaultConcurrency = 8

// DefaultSessionTTLSeconds is the downstream session idle TTL.
const DefaultSessionTTLSeconds = 3600

// Config is the root configuration document (hatago.config.json).
type Config struct {
	// Version must equal CurrentVersion.
	Version int `json:"version" validate:"required,eq=1"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`

	HTTP        HTTPConfig        `json:"http,omitempty"`
	ToolNaming  ToolNamingConfig  `json:"toolNaming,omitempty"`
	Session     SessionConfig     `json:"session,omitempty"`
	Timeouts    TimeoutConfig     `json:"timeouts,omitempty"`
	Concurrency ConcurrencyConfig `json:"concurrency,omitempty"`
	Security    SecurityConfig    `json:"security,omitempty"`
	Audit       AuditConfig       `json:"audit,omitempty"`

	// MCPServers maps upstream ids to their definitions (compact form).
	MCPServers map[string]ServerConfig `json:"mcpServers" validate:"dive"`

	// Servers is the detailed array form, merged into MCPServers at
	// parse time. Ids must not collide across the two forms.
	Servers []ServerEntry `json:"servers,omitempty" validate:"dive"`
}

// ServerEntry is one upstream definition in the array form.
type ServerEntry struct {
	ID string `json:"id" validate:"required"`
	ServerConfig
}

// HTTPConfig configures the downstream streamable HTTP endpoint.
type HTTPConfig struct {
	Host string `json:"host,omitempty" validate:"omitempty,hostname|ip"`
	Port int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	// Path is the MCP endpoint path (default /mcp).
	Path string `json:"path,omitempty"`
}

// ToolNamingConfig selects the hub-wide naming strategy.
type ToolNamingConfig struct {
	Strategy  string `json:"strategy,omitempty" validate:"omitempty,oneof=namespace alias error"`
	Separator string `json:"separator,omitempty"`
}

// SessionConfig configures downstream session handling.
type SessionConfig struct {
	// TTLSeconds is the idle TTL for downstream sessions (default 3600).
	TTLSeconds int `json:"ttlSeconds,omitempty" validate:"omitempty,min=1"`
	// Persist selects the SQLite-backed store instead of in-memory.
	Persist bool `json:"persist,omitempty"`
	// Store is the SQLite database location when Persist is set.
	Store string `json:"store,omitempty"`
}

// TimeoutConfig holds the hub's operation deadlines.
type TimeoutConfig struct {
	SpawnMs       int `json:"spawnMs,omitempty" validate:"omitempty,min=1"`
	HealthcheckMs int `json:"healthcheckMs,omitempty" validate:"omitempty,min=1"`
	ToolCallMs    int `json:"toolCallMs,omitempty" validate:"omitempty,min=1"`
}

// Spawn returns the spawn deadline as a duration.
func (t TimeoutConfig) Spawn() time.Duration {
	return msOrDefault(t.SpawnMs, DefaultSpawnMs)
}

// Healthcheck returns the handshake deadline as a duration.
func (t TimeoutConfig) Healthcheck() time.Duration {
	return msOrDefault(t.HealthcheckMs, DefaultHealthcheckMs)
}

// ToolCall returns the tool call deadline as a duration.
func (t TimeoutConfig) ToolCall() time.Duration {
	return msOrDefault(t.ToolCallMs, DefaultToolCallMs)
}

func msOrDefault(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

// ConcurrencyConfig bounds in-flight requests.
type ConcurrencyConfig struct {
	// Global is the default per-upstream bound (default 8).
	Global int `json:"global,omitempty" validate:"omitempty,min=1"`
	// PerServer overrides the bound for named upstream ids.
	PerServer map[string]int `json:"perServer,omitempty" validate:"omitempty,dive,min=1"`
}

// Bound returns the in-flight request bound for one upstream id.
func (c ConcurrencyConfig) Bound(id string) int {
	if n, ok := c.PerServer[id]; ok {
		return n
	}
	if c.Global > 0 {
		return c.Global
	}
	return DefaultConcurrency
}

// SecurityConfig holds redaction and network policy knobs.
type SecurityConfig struct {
	// RedactKeys extends the built-in list of sensitive argument keys
	// masked in the audit trail.
	RedactKeys []string `json:"redactKeys,omitempty"`
	// AllowNet, when non-empty, restricts remote upstream hosts.
	AllowNet []string `json:"allowNet,omitempty"`
}

// AuditConfig configures the JSONL audit trail.
type AuditConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
	// MaxFileSizeMB is the rotation threshold (default 10).
	MaxFileSizeMB int `json:"maxFileSizeMB,omitempty" validate:"omitempty,min=1"`
	// Generations is how many rotated files to keep (default 5).
	Generations int `json:"generations,omitempty" validate:"omitempty,min=1"`
}

// ServerConfig is one upstream definition. Exactly one of Command or
// URL must be set.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	URL     string            `json:"url,omitempty" validate:"omitempty,url"`
	Type    string            `json:"type,omitempty" validate:"omitempty,oneof=http streamable-http sse"`
	Headers map[string]string `json:"headers,omitempty"`

	ActivationPolicy string `json:"activationPolicy,omitempty" validate:"omitempty,oneof=always onDemand manual"`
	IdleTimeoutMs    int    `json:"idleTimeoutMs,omitempty" validate:"omitempty,min=1000"`
	IdleStrategy     string `json:"idleStrategy,omitempty" validate:"omitempty,oneof=shutdown keepWarm"`

	Tools    ToolsConfig `json:"tools,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
	Disabled bool        `json:"disabled,omitempty"`
}

// ToolsConfig filters and renames one upstream's tools.
type ToolsConfig struct {
	Include []string          `json:"include,omitempty"`
	Exclude []string          `json:"exclude,omitempty"`
	Prefix  string            `json:"prefix,omitempty"`
	Aliases map[string]string `json:"aliases,omitempty"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.Host == "" {
		c.HTTP.Host = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3535
	}
	if c.HTTP.Path == "" {
		c.HTTP.Path = "/mcp"
	}
	if c.ToolNaming.Strategy == "" {
		c.ToolNaming.Strategy = string(capability.StrategyNamespace)
	}
	if c.ToolNaming.Separator == "" {
		c.ToolNaming.Separator = capability.DefaultSeparator
	}
	if c.Concurrency.Global == 0 {
		c.Concurrency.Global = DefaultConcurrency
	}
	if c.Session.TTLSeconds == 0 {
		c.Session.TTLSeconds = DefaultSessionTTLSeconds
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 10
	}
	if c.Audit.Generations == 0 {
		c.Audit.Generations = 5
	}
}

// Naming returns the capability naming configuration.
func (c *Config) Naming() capability.Naming {
	return capability.Naming{
		Strategy:  capability.Strategy(c.ToolNaming.Strategy),
		Separator: c.ToolNaming.Separator,
	}
}

// SessionTTL returns the downstream session TTL.
func (c *Config) SessionTTL() time.Duration {
	if c.Session.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Session.TTLSeconds) * time.Second
}

// mergeServers folds the array form into MCPServers. Ids appearing in
// both forms are an error.
func (c *Config) mergeServers() error {
	if len(c.Servers) == 0 {
		return nil
	}
	if c.MCPServers == nil {
		c.MCPServers = make(map[string]ServerConfig, len(c.Servers))
	}
	for _, entry := range c.Servers {
		if _, dup := c.MCPServers[entry.ID]; dup {
			return fmt.Errorf("server %q defined in both servers and mcpServers", entry.ID)
		}
		c.MCPServers[entry.ID] = entry.ServerConfig
	}
	c.Servers = nil
	return nil
}

// Specs converts the server map into upstream specs, sorted by id for
// deterministic startup order. Disabled servers and servers outside the
// tag filter are skipped. An empty tag filter selects everything.
func (c *Config) Specs(tags []string) []*upstream.Spec {
	ids := make([]string, 0, len(c.MCPServers))
	for id := range c.MCPServers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	specs := make([]*upstream.Spec, 0, len(ids))
	for _, id := range ids {
		sc := c.MCPServers[id]
		if sc.Disabled {
			continue
		}
		if len(tags) > 0 && !hasAnyTag(sc.Tags, tags) {
			continue
		}
		specs = append(specs, specFromServer(id, sc))
	}
	return specs
}

// Server returns the spec for one upstream id, or nil when absent or
// disabled.
func (c *Config) Server(id string) *upstream.Spec {
	sc, ok := c.MCPServers[id]
	if !ok || sc.Disabled {
		return nil
	}
	return specFromServer(id, sc)
}

func specFromServer(id string, sc ServerConfig) *upstream.Spec {
	spec := &upstream.Spec{
		ID:         id,
		Command:    sc.Command,
		Args:       sc.Args,
		Env:        sc.Env,
		Cwd:        sc.Cwd,
		URL:        sc.URL,
		Kind:       upstream.TransportKind(sc.Type),
		Headers:    sc.Headers,
		Activation: upstream.ActivationPolicy(sc.ActivationPolicy),
		Tags:       sc.Tags,
		Disabled:   sc.Disabled,
		Tools: upstream.ToolFilter{
			Include: sc.Tools.Include,
			Exclude: sc.Tools.Exclude,
			Prefix:  sc.Tools.Prefix,
			Aliases: sc.Tools.Aliases,
		},
	}
	if spec.Activation == "" {
		spec.Activation = upstream.PolicyAlways
	}
	if sc.IdleTimeoutMs > 0 {
		spec.IdlePolicy = upstream.IdlePolicy{
			Idle:     time.Duration(sc.IdleTimeoutMs) * time.Millisecond,
			Strategy: upstream.IdleStrategy(sc.IdleStrategy),
		}
		if spec.IdlePolicy.Strategy == "" {
			spec.IdlePolicy.Strategy = upstream.IdleShutdown
		}
	}
	return spec
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
