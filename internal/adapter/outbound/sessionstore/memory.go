// Package sessionstore provides session.Store implementations: a bounded
// in-memory store (default) and a SQLite-backed store for deployments
// that need sessions to survive a hub restart.
package sessionstore

import (
	"container/list"
	"context"
	"sync"

	"github.com/hatago-mcp/hatago/internal/domain/session"
)

// DefaultMaxSessions bounds the in-memory store. When full, the oldest
// session is evicted FIFO so a client that never sends DELETE cannot
// grow the map without limit.
const DefaultMaxSessions = 1000

// MemoryStore implements session.Store with an in-memory map bounded by
// FIFO eviction. Thread-safe for concurrent access.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	order    *list.List
	max      int
}

type memoryEntry struct {
	session *session.Session
	elem    *list.Element
}

// NewMemoryStore creates a bounded in-memory session store. max <= 0
// selects DefaultMaxSessions.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		order:    list.New(),
		max:      max,
	}
}

var _ session.Store = (*MemoryStore)(nil)

// Create stores a new session, evicting the oldest one if the store is
// full. Creating an id that already exists replaces it in place.
func (s *MemoryStore) Create(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sess.ID]; ok {
		existing.session = sess
		return nil
	}

	if len(s.sessions) >= s.max {
		oldest := s.order.Front()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.sessions, oldest.Value.(string))
		}
	}

	elem := s.order.PushBack(sess.ID)
	s.sessions[sess.ID] = &memoryEntry{session: sess, elem: elem}
	return nil
}

// Get retrieves a session by id. A copy is returned so callers cannot
// mutate stored state outside Update.
func (s *MemoryStore) Get(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	copied := *entry.session
	return &copied, nil
}

// Update saves changes to an existing session.
func (s *MemoryStore) Update(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sess.ID]
	if !ok {
		return session.ErrSessionNotFound
	}
	copied := *sess
	entry.session = &copied
	return nil
}

// Delete removes a session. Unknown ids are a no-op.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return nil
	}
	s.order.Remove(entry.elem)
	delete(s.sessions, id)
	return nil
}

// DeleteExpired removes every expired session.
func (s *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.sessions {
		if entry.session.IsExpired() {
			s.order.Remove(entry.elem)
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of live sessions.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}
