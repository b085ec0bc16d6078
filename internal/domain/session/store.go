package session

import (
	"context"
	"errors"
)

// Store provides session persistence.
// This interface is defined in the domain to avoid circular imports.
// Implementations: in-memory (default), SQLite (persistent).
type Store interface {
	// Create stores a new session. Stores are bounded; creating beyond
	// the bound evicts the oldest session first.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*Session, error)

	// Update saves changes to an existing session.
	Update(ctx context.Context, session *Session) error

	// Delete removes a session. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes every expired session and reports how many
	// were dropped.
	DeleteExpired(ctx context.Context) (int, error)

	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)
}

// ErrSessionNotFound is returned when a session doesn't exist or is expired.
var ErrSessionNotFound = errors.New("session not found")
