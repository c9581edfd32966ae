package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"quorum/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer rs.Close()

	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: "usr_1", Handle: "ada", DisplayName: "Ada"}
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := rs.SaveRefreshSession(ctx, "test-token-hash", user, expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	got, err := rs.LookupRefreshSession(ctx, "test-token-hash")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}

	if got.ID != user.ID {
		t.Errorf("expected user ID %s, got %s", user.ID, got.ID)
	}
	if got.Handle != user.Handle {
		t.Errorf("expected handle %s, got %s", user.Handle, got.Handle)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: "usr_2", Handle: "grace"}

	expiresAt := time.Now().Add(1 * time.Millisecond)
	if err := rs.SaveRefreshSession(ctx, "expired-token", user, expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := rs.LookupRefreshSession(ctx, "expired-token"); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	if _, err := rs.LookupRefreshSession(context.Background(), "non-existent-token"); err == nil {
		t.Error("expected error for non-existent token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: "usr_3", Handle: "linus"}
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := rs.SaveRefreshSession(ctx, "token-to-revoke", user, expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	if _, err := rs.LookupRefreshSession(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	if err := rs.RevokeRefreshSession(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}

	if _, err := rs.LookupRefreshSession(ctx, "token-to-revoke"); err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}

func TestRevokeNonExistentSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	if err := rs.RevokeRefreshSession(context.Background(), "non-existent-token"); err != nil {
		t.Errorf("RevokeRefreshSession for non-existent token failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := rs.SaveRefreshSession(ctx, "token-1", store.User{ID: "usr_1", Handle: "ada"}, expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}
	if err := rs.SaveRefreshSession(ctx, "token-2", store.User{ID: "usr_2", Handle: "grace"}, expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}

	user1, err := rs.LookupRefreshSession(ctx, "token-1")
	if err != nil {
		t.Fatalf("Lookup token-1 failed: %v", err)
	}
	if user1.ID != "usr_1" {
		t.Errorf("expected usr_1, got %s", user1.ID)
	}

	if err := rs.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}

	if _, err := rs.LookupRefreshSession(ctx, "token-1"); err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}

	user2, err := rs.LookupRefreshSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if user2.ID != "usr_2" {
		t.Errorf("expected usr_2 after revoke, got %s", user2.ID)
	}
}
