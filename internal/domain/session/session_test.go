package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hatago-mcp/hatago/internal/domain/proxy"
)

// fakeStore is a minimal in-memory Store for service tests.
type fakeStore struct {
	sessions map[string]*Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*Session)}
}

func (f *fakeStore) Create(_ context.Context, s *Session) error {
	copied := *s
	f.sessions[s.ID] = &copied
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) Update(_ context.Context, s *Session) error {
	if _, ok := f.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	copied := *s
	f.sessions[s.ID] = &copied
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) DeleteExpired(_ context.Context) (int, error) {
	n := 0
	for id, s := range f.sessions {
		if s.IsExpired() {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Count(_ context.Context) (int, error) {
	return len(f.sessions), nil
}

func TestCreateGeneratesID(t *testing.T) {
	svc := NewService(newFakeStore(), Config{}, nil)

	sess, err := svc.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("empty session id")
	}
	if sess.ExpiresAt.Before(time.Now().UTC().Add(DefaultTTL - time.Minute)) {
		t.Error("TTL not applied")
	}
}

func TestCreateAdoptsClientID(t *testing.T) {
	svc := NewService(newFakeStore(), Config{}, nil)

	sess, err := svc.Create(context.Background(), "client-chosen-id")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID != "client-chosen-id" {
		t.Errorf("client id not adopted: %q", sess.ID)
	}
}

func TestCreateRejectsMalformedClientID(t *testing.T) {
	svc := NewService(newFakeStore(), Config{}, nil)

	// Control characters cannot travel in a header value; a fresh id is
	// issued instead.
	sess, err := svc.Create(context.Background(), "bad\nid")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "bad\nid" {
		t.Error("malformed client id adopted verbatim")
	}
}

func TestGetExpiredSession(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, Config{TTL: time.Minute}, nil)

	sess, err := svc.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	stored := store.sessions[sess.ID]
	stored.ExpiresAt = time.Now().UTC().Add(-time.Second)

	_, err = svc.Get(context.Background(), sess.ID)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get expired: %v", err)
	}
	if proxy.KindOf(err) != proxy.KindSession {
		t.Errorf("kind = %v, want SESSION", proxy.KindOf(err))
	}
	if _, ok := store.sessions[sess.ID]; ok {
		t.Error("expired session not dropped on read")
	}
}

func TestTouchExtendsExpiry(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, Config{TTL: time.Hour}, nil)

	sess, err := svc.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	store.sessions[sess.ID].ExpiresAt = time.Now().UTC().Add(time.Minute)

	if err := svc.Touch(context.Background(), sess.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got := store.sessions[sess.ID]
	if got.ExpiresAt.Before(time.Now().UTC().Add(time.Hour - time.Minute)) {
		t.Error("touch did not extend the expiry")
	}
}

func TestMarkInitialized(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, Config{}, nil)

	sess, err := svc.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkInitialized(context.Background(), sess.ID, "2025-06-18", "inspector", "0.9"); err != nil {
		t.Fatalf("mark initialized: %v", err)
	}

	got := store.sessions[sess.ID]
	if !got.Initialized || got.ProtocolVersion != "2025-06-18" || got.ClientName != "inspector" {
		t.Errorf("session not updated: %+v", got)
	}
}
