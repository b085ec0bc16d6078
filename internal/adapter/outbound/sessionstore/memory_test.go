package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hatago-mcp/hatago/internal/domain/session"
)

func newSession(id string, ttl time.Duration) *session.Session {
	now := time.Now().UTC()
	return &session.Session{
		ID:         id,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	sess := newSession("s1", time.Minute)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "s1" {
		t.Errorf("got id %q", got.ID)
	}

	// Returned sessions are copies; mutating one must not leak back.
	got.Initialized = true
	again, _ := store.Get(ctx, "s1")
	if again.Initialized {
		t.Error("mutation of a returned session leaked into the store")
	}

	got.ClientName = "test-client"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ = store.Get(ctx, "s1")
	if again.ClientName != "test-client" {
		t.Error("update did not persist")
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("get after delete: %v", err)
	}

	// Idempotent delete.
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestMemoryStoreUpdateUnknown(t *testing.T) {
	store := NewMemoryStore(0)
	err := store.Update(context.Background(), newSession("ghost", time.Minute))
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("update unknown: %v", err)
	}
}

func TestMemoryStoreFIFOEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := store.Create(ctx, newSession(id, time.Minute)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if _, err := store.Get(ctx, "s0"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Error("oldest session survived eviction")
	}
	if _, err := store.Get(ctx, "s3"); err != nil {
		t.Errorf("newest session missing: %v", err)
	}
	if n, _ := store.Count(ctx); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	if err := store.Create(ctx, newSession("live", time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, newSession("dead", -time.Minute)); err != nil {
		t.Fatal(err)
	}

	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := store.Get(ctx, "live"); err != nil {
		t.Errorf("live session dropped: %v", err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(t.TempDir() + "/sessions.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	sess := newSession("s1", time.Minute)
	sess.ProtocolVersion = "2025-06-18"
	sess.ClientName = "inspector"
	sess.Initialized = true
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProtocolVersion != "2025-06-18" || got.ClientName != "inspector" || !got.Initialized {
		t.Errorf("round trip lost fields: %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("get missing: %v", err)
	}

	got.ClientVersion = "1.2.3"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := store.Get(ctx, "s1")
	if again.ClientVersion != "1.2.3" {
		t.Error("update did not persist")
	}

	if err := store.Create(ctx, newSession("expired", -time.Minute)); err != nil {
		t.Fatal(err)
	}
	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if c, _ := store.Count(ctx); c != 1 {
		t.Errorf("count = %d, want 1", c)
	}
}
