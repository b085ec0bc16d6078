package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hatago-mcp/hatago/internal/domain/session"
)

// SQLiteStore implements session.Store on a local SQLite database so
// downstream sessions survive a hub restart. Writes are serialized by
// SQLite itself; the store holds no extra locking.
type SQLiteStore struct {
	db *sql.DB
}

var _ session.Store = (*SQLiteStore)(nil)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	protocol_version TEXT NOT NULL DEFAULT '',
	client_name      TEXT NOT NULL DEFAULT '',
	client_version   TEXT NOT NULL DEFAULT '',
	initialized      INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	last_access      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at);
`

// NewSQLiteStore opens (creating if needed) the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// modernc.org/sqlite does not support concurrent writers on one
	// connection pool; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create stores a new session, replacing any row with the same id.
func (s *SQLiteStore) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, protocol_version, client_name, client_version, initialized,
			 created_at, expires_at, last_access)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProtocolVersion, sess.ClientName, sess.ClientVersion,
		boolToInt(sess.Initialized),
		sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli(), sess.LastAccess.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, protocol_version, client_name, client_version, initialized,
		       created_at, expires_at, last_access
		FROM sessions WHERE id = ?`, id)

	var sess session.Session
	var initialized int
	var created, expires, access int64
	err := row.Scan(&sess.ID, &sess.ProtocolVersion, &sess.ClientName,
		&sess.ClientVersion, &initialized, &created, &expires, &access)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	sess.Initialized = initialized != 0
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.ExpiresAt = time.UnixMilli(expires).UTC()
	sess.LastAccess = time.UnixMilli(access).UTC()
	return &sess, nil
}

// Update saves changes to an existing session.
func (s *SQLiteStore) Update(ctx context.Context, sess *session.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			protocol_version = ?, client_name = ?, client_version = ?,
			initialized = ?, expires_at = ?, last_access = ?
		WHERE id = ?`,
		sess.ProtocolVersion, sess.ClientName, sess.ClientVersion,
		boolToInt(sess.Initialized),
		sess.ExpiresAt.UnixMilli(), sess.LastAccess.UnixMilli(), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// Delete removes a session. Unknown ids are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes every session whose expiry has passed.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count returns the number of stored sessions.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
