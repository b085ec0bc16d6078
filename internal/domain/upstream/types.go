// Package upstream contains domain types for the MCP servers the hub
// fronts: immutable specs, mutable runtime state, and the lifecycle
// state machine.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// TransportKind identifies the protocol used to reach an upstream.
type TransportKind string

const (
	// KindStdio spawns a local child process speaking newline-delimited
	// JSON over stdin/stdout.
	KindStdio TransportKind = "stdio"
	// KindHTTP is the streamable HTTP transport (POST per message,
	// JSON or SSE responses).
	KindHTTP TransportKind = "http"
	// KindStreamableHTTP is an explicit alias for KindHTTP kept for
	// config compatibility.
	KindStreamableHTTP TransportKind = "streamable-http"
	// KindSSE is the legacy SSE transport (GET stream + POST sender).
	KindSSE TransportKind = "sse"
)

// ActivationPolicy decides when an upstream should be running.
type ActivationPolicy string

const (
	// PolicyAlways converges the upstream to ready at hub startup and
	// restarts it on unexpected exit.
	PolicyAlways ActivationPolicy = "always"
	// PolicyOnDemand starts the upstream on first triggering use and
	// may shut it down after idling.
	PolicyOnDemand ActivationPolicy = "onDemand"
	// PolicyManual does nothing until an explicit activate.
	PolicyManual ActivationPolicy = "manual"
)

// IdleStrategy decides what happens to an onDemand upstream after its
// idle window elapses with no active calls.
type IdleStrategy string

const (
	// IdleShutdown stops the upstream.
	IdleShutdown IdleStrategy = "shutdown"
	// IdleKeepWarm leaves the upstream running.
	IdleKeepWarm IdleStrategy = "keepWarm"
)

// State is the actual lifecycle state of an upstream connection.
type State string

const (
	// StateStopped means no connection exists.
	StateStopped State = "stopped"
	// StateStarting means a connect/handshake attempt is in progress.
	StateStarting State = "starting"
	// StateReady means the upstream completed initialize and is serving.
	StateReady State = "ready"
	// StateFailing means an I/O or handshake error occurred; transitions
	// to stopped after a bounded backoff.
	StateFailing State = "failing"
	// StateStopping means a cooperative shutdown is in progress.
	StateStopping State = "stopping"
)

// DesiredState is the target the activation manager converges toward.
type DesiredState string

const (
	// DesiredStopped means the upstream should not be running.
	DesiredStopped DesiredState = "stopped"
	// DesiredRunning means the upstream should be ready.
	DesiredRunning DesiredState = "running"
)

// idPattern constrains upstream ids so they survive public-name
// round-trips: alphanumeric, hyphens, underscores.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IDMaxLength bounds upstream ids; public-name parsing depends on it.
const IDMaxLength = 100

// IdlePolicy configures idle handling for one upstream.
type IdlePolicy struct {
	// Idle is how long the upstream may sit with no active calls before
	// the strategy applies. Zero disables idle handling.
	Idle time.Duration
	// Strategy is applied when the idle window elapses.
	Strategy IdleStrategy
}

// ToolFilter shapes which tools an upstream contributes and under what
// public names.
type ToolFilter struct {
	// Include, when non-empty, keeps only the named tools.
	Include []string
	// Exclude removes the named tools after Include is applied.
	Exclude []string
	// Prefix, when set, overrides the hub-wide separator-joined prefix
	// for this upstream's tools.
	Prefix string
	// Aliases maps original tool names to replacement public names,
	// applied after the naming strategy.
	Aliases map[string]string
}

// Spec is the immutable description of one upstream. Exactly one of the
// local (Command) or remote (URL) transport field sets is populated.
type Spec struct {
	// ID is the stable identifier, unique within the hub.
	ID string

	// Command, Args, Env, Cwd describe a local child process (stdio).
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// URL, Kind, Headers describe a remote server. Kind may be empty,
	// in which case the transport is auto-detected from the URL path.
	URL     string
	Kind    TransportKind
	Headers map[string]string

	// Activation decides when the upstream runs.
	Activation ActivationPolicy
	// IdlePolicy applies to onDemand upstreams.
	IdlePolicy IdlePolicy
	// Tools filters and renames this upstream's tools.
	Tools ToolFilter
	// Tags select upstreams when the hub runs with a tag filter.
	Tags []string
	// Disabled upstreams are ignored entirely.
	Disabled bool
}

// IsLocal reports whether the spec describes a local child process.
func (s *Spec) IsLocal() bool { return s.Command != "" }

// Validate checks the spec invariants. Returns nil if valid, or an
// error describing the first violation.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(s.ID) > IDMaxLength {
		return fmt.Errorf("id must be %d characters or less", IDMaxLength)
	}
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("id contains invalid characters (allowed: alphanumeric, hyphens, underscores)")
	}

	hasLocal := s.Command != ""
	hasRemote := s.URL != ""
	if hasLocal == hasRemote {
		return fmt.Errorf("exactly one of command or url must be set")
	}

	if hasRemote {
		parsed, err := url.Parse(s.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
		switch s.Kind {
		case "", KindHTTP, KindStreamableHTTP, KindSSE:
		default:
			return fmt.Errorf("kind must be one of %q, %q, %q",
				KindHTTP, KindStreamableHTTP, KindSSE)
		}
	}

	switch s.Activation {
	case "", PolicyAlways, PolicyOnDemand, PolicyManual:
	default:
		return fmt.Errorf("activationPolicy must be one of %q, %q, %q",
			PolicyAlways, PolicyOnDemand, PolicyManual)
	}

	switch s.IdlePolicy.Strategy {
	case "", IdleShutdown, IdleKeepWarm:
	default:
		return fmt.Errorf("idle strategy must be %q or %q", IdleShutdown, IdleKeepWarm)
	}

	return nil
}

// Status is the externally visible runtime state of one upstream.
type Status struct {
	ID          string
	Desired     DesiredState
	Actual      State
	LastError   string
	RetryAfter  time.Time
	Activations int
	LastActive  time.Time
	// Capabilities is the cached listing snapshot, present once the
	// upstream has been ready at least once (or primed from metadata).
	Capabilities *mcp.Capabilities
}

// CanTransition reports whether the lifecycle permits moving from one
// actual state to another. Failing is reachable from any non-terminal
// state; stopped is the sole terminal/restart point.
func CanTransition(from, to State) bool {
	if to == StateFailing {
		return from != StateStopped
	}
	switch from {
	case StateStopped:
		return to == StateStarting
	case StateStarting:
		return to == StateReady || to == StateStopping
	case StateReady:
		return to == StateStopping
	case StateStopping:
		return to == StateStopped
	case StateFailing:
		return to == StateStopped
	}
	return false
}
