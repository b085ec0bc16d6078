package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/hatago-mcp/hatago/internal/domain/proxy"
)

// DefaultTTL is the default session time-to-live.
const DefaultTTL = time.Hour

// DefaultSweepInterval is how often expired sessions are collected.
const DefaultSweepInterval = 60 * time.Second

// clientIDPattern constrains client-supplied session ids to visible
// ASCII safe for an HTTP header value.
var clientIDPattern = regexp.MustCompile(`^[\x21-\x7E]{1,128}$`)

// Config holds session service configuration.
type Config struct {
	// TTL is the session expiration duration. Default: 30 minutes.
	TTL time.Duration
	// SweepInterval is how often the GC pass runs. Default: 60 seconds.
	SweepInterval time.Duration
}

// Service manages downstream session lifecycle.
type Service struct {
	store  Store
	ttl    time.Duration
	sweep  time.Duration
	logger *slog.Logger
}

// NewService creates a new Service with the given store and config.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	sweep := cfg.SweepInterval
	if sweep == 0 {
		sweep = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		ttl:    ttl,
		sweep:  sweep,
		logger: logger,
	}
}

// Create establishes a new session. When requestedID is a well-formed
// header value it is adopted as-is so clients that pre-generate ids keep
// working; otherwise a fresh UUID is issued.
func (s *Service) Create(ctx context.Context, requestedID string) (*Session, error) {
	id := requestedID
	if !clientIDPattern.MatchString(id) {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	session := &Session{
		ID:         id,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		LastAccess: now,
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Get retrieves a live session by id. Expired sessions are dropped and
// reported as a SESSION error so clients know to re-initialize.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, proxy.Wrap(proxy.KindSession, "", ErrSessionNotFound)
	}

	// Double-check expiration (store might not enforce it)
	if session.IsExpired() {
		_ = s.store.Delete(ctx, id)
		return nil, proxy.Wrap(proxy.KindSession, "", ErrSessionNotFound)
	}
	return session, nil
}

// Touch extends a session's expiration and updates last access time.
func (s *Service) Touch(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	session.Refresh(s.ttl)
	if err := s.store.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	return nil
}

// MarkInitialized records that notifications/initialized arrived and
// stores the negotiated protocol version and client identity.
func (s *Service) MarkInitialized(ctx context.Context, id, protocolVersion, clientName, clientVersion string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	session.Initialized = true
	session.ProtocolVersion = protocolVersion
	session.ClientName = clientName
	session.ClientVersion = clientVersion
	session.Refresh(s.ttl)
	if err := s.store.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// Delete terminates a session. Unknown ids are a no-op: DELETE on the
// MCP endpoint is idempotent.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// RunGC sweeps expired sessions until the context is canceled.
func (s *Service) RunGC(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpired(ctx)
			if err != nil {
				s.logger.Warn("session GC failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("expired sessions collected", "count", n)
			}
		}
	}
}
