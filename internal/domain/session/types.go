// Package session manages downstream client sessions for the streamable
// HTTP transport.
package session

import (
	"time"
)

// Session tracks one downstream client's context across requests. The
// hub issues an id during initialize and expects it back on every
// subsequent request via the mcp-session-id header.
type Session struct {
	// ID is the session identifier echoed in mcp-session-id.
	ID string
	// ProtocolVersion is the MCP revision negotiated at initialize.
	ProtocolVersion string
	// ClientName and ClientVersion come from the client's initialize
	// params, when present.
	ClientName    string
	ClientVersion string
	// Initialized flips once notifications/initialized arrives.
	Initialized bool
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the session will expire (UTC).
	ExpiresAt time.Time
	// LastAccess is the last time the session carried a request (UTC).
	LastAccess time.Time
}

// IsExpired checks if the session has exceeded its TTL.
func (s *Session) IsExpired() bool {
	return time.Now().UTC().After(s.ExpiresAt)
}

// Refresh updates LastAccess and extends ExpiresAt by the given duration.
func (s *Session) Refresh(ttl time.Duration) {
	now := time.Now().UTC()
	s.LastAccess = now
	s.ExpiresAt = now.Add(ttl)
}
