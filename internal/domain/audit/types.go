// Package audit contains domain types for the hub's audit trail.
package audit

import (
	"strings"
	"time"
)

// EventType constants categorize audit records.
const (
	// EventConfigRead is emitted when a config file is loaded.
	EventConfigRead = "CONFIG_READ"
	// EventConfigWrite is emitted when the hub writes a config file
	// (init, mcp add/remove).
	EventConfigWrite = "CONFIG_WRITE"

	// Server lifecycle events.
	EventServerAdded       = "SERVER_ADDED"
	EventServerRemoved     = "SERVER_REMOVED"
	EventServerModified    = "SERVER_MODIFIED"
	EventServerActivated   = "SERVER_ACTIVATED"
	EventServerDeactivated = "SERVER_DEACTIVATED"

	// EventToolCalled is emitted for every routed tools/call.
	EventToolCalled = "TOOL_CALLED"
	// EventUnauthorizedAccess is emitted when a request presents an
	// unknown or expired session.
	EventUnauthorizedAccess = "UNAUTHORIZED_ACCESS"
	// EventError is emitted for failures worth a forensic trail.
	EventError = "ERROR"
)

// Record is one audit trail entry, serialized as a JSON line.
type Record struct {
	// Timestamp when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Event categorizes the record.
	Event string `json:"event"`
	// UpstreamID names the affected upstream, when one is involved.
	UpstreamID string `json:"upstreamId,omitempty"`
	// SessionID is the downstream session, when one is involved.
	SessionID string `json:"sessionId,omitempty"`
	// Tool is the public tool name for TOOL_CALLED records.
	Tool string `json:"tool,omitempty"`
	// Detail carries a human-readable summary.
	Detail string `json:"detail,omitempty"`
	// Args holds redacted tool arguments for TOOL_CALLED records.
	Args map[string]interface{} `json:"args,omitempty"`
}

// defaultRedactKeys lists substrings that indicate a sensitive argument
// key. Comparison is case-insensitive. Config may extend the list.
var defaultRedactKeys = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactArgs returns a copy of args with sensitive values masked. A key
// is sensitive if it contains any default keyword or any of extra
// (case-insensitive). Values are replaced with "***REDACTED***".
func RedactArgs(args map[string]interface{}, extra []string) map[string]interface{} {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSensitiveKey(k, extra) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string, extra []string) bool {
	lower := strings.ToLower(key)
	for _, kw := range defaultRedactKeys {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, kw := range extra {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
