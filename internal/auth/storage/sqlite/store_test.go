package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/latchkey/latchkey/internal/auth/storage"
	"github.com/latchkey/latchkey/internal/auth/user"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	store, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = store.Close()
}

func TestUserRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	record := user.User{ID: "u1", Name: "Ada", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}
	if err := store.PutUser(ctx, record); err != nil {
		t.Fatalf("put user: %v", err)
	}

	got, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got != record {
		t.Errorf("got %+v, want %+v", got, record)
	}

	byEmail, err := store.GetUserByEmail(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if byEmail.ID != "u1" {
		t.Errorf("got user %q, want u1", byEmail.ID)
	}

	if _, err := store.GetUser(ctx, "missing"); err != storage.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPutUserDuplicateEmail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutUser(ctx, user.User{ID: "u1", Name: "Ada", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := store.PutUser(ctx, user.User{ID: "u2", Name: "Imposter", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}); err == nil {
		t.Fatal("expected unique email violation")
	}
}

func TestPasskeyCredentialRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutUser(ctx, user.User{ID: "u1", Name: "Ada", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	credential := storage.PasskeyCredential{
		CredentialID: "cred-1",
		UserID:       "u1",
		PublicKey:    []byte("public-key"),
		SignCount:    3,
		Transports:   []string{"internal", "hybrid"},
		FlagsJSON:    `{"uv":true}`,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.PutPasskeyCredential(ctx, credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	got, err := store.GetPasskeyCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.UserID != "u1" || got.SignCount != 3 || got.FlagsJSON != `{"uv":true}` {
		t.Errorf("got %+v", got)
	}
	if len(got.Transports) != 2 || got.Transports[0] != "internal" || got.Transports[1] != "hybrid" {
		t.Errorf("transports = %v", got.Transports)
	}
	if got.LastUsedAt != nil {
		t.Errorf("last used = %v, want nil", got.LastUsedAt)
	}

	listed, err := store.ListPasskeyCredentials(ctx, "u1")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d credentials, want 1", len(listed))
	}

	if _, err := store.GetPasskeyCredential(ctx, "missing"); err != storage.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSecondPasskeyForUserRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutUser(ctx, user.User{ID: "u1", Name: "Ada", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	first := storage.PasskeyCredential{CredentialID: "cred-1", UserID: "u1", PublicKey: []byte("pk"), CreatedAt: now, UpdatedAt: now}
	if err := store.PutPasskeyCredential(ctx, first); err != nil {
		t.Fatalf("put first credential: %v", err)
	}
	second := storage.PasskeyCredential{CredentialID: "cred-2", UserID: "u1", PublicKey: []byte("pk"), CreatedAt: now, UpdatedAt: now}
	if err := store.PutPasskeyCredential(ctx, second); err == nil {
		t.Fatal("expected unique user violation")
	}
}

func TestUpdatePasskeySignCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutUser(ctx, user.User{ID: "u1", Name: "Ada", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	credential := storage.PasskeyCredential{CredentialID: "cred-1", UserID: "u1", PublicKey: []byte("pk"), SignCount: 5, CreatedAt: now, UpdatedAt: now}
	if err := store.PutPasskeyCredential(ctx, credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	usedAt := now.Add(time.Minute)
	if err := store.UpdatePasskeySignCount(ctx, "cred-1", 6, usedAt); err != nil {
		t.Fatalf("update sign count: %v", err)
	}
	got, err := store.GetPasskeyCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.SignCount != 6 {
		t.Errorf("sign count = %d, want 6", got.SignCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(usedAt) {
		t.Errorf("last used = %v, want %v", got.LastUsedAt, usedAt)
	}

	// Non-increasing counters never land.
	if err := store.UpdatePasskeySignCount(ctx, "cred-1", 6, usedAt.Add(time.Minute)); err == nil {
		t.Fatal("expected rejection of stale sign count")
	}
	if err := store.UpdatePasskeySignCount(ctx, "cred-1", 2, usedAt.Add(time.Minute)); err == nil {
		t.Fatal("expected rejection of decreasing sign count")
	}
}

func TestAuthAttemptRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	attempt := storage.AuthAttempt{
		ID:        "attempt-1",
		Email:     "ada@example.com",
		Name:      "Ada",
		CodeHash:  "hash",
		Purpose:   "signup",
		ExpiresAt: now.Add(15 * time.Minute),
		CreatedAt: now,
	}
	if err := store.PutAuthAttempt(ctx, attempt); err != nil {
		t.Fatalf("put attempt: %v", err)
	}

	got, err := store.GetAuthAttempt(ctx, "attempt-1")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if got.Email != "ada@example.com" || got.UsedAt != nil {
		t.Errorf("got %+v", got)
	}

	usedAt := now.Add(time.Minute)
	if err := store.MarkAuthAttemptUsed(ctx, "attempt-1", usedAt); err != nil {
		t.Fatalf("mark used: %v", err)
	}
	got, err = store.GetAuthAttempt(ctx, "attempt-1")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if got.UsedAt == nil || !got.UsedAt.Equal(usedAt) {
		t.Errorf("used at = %v, want %v", got.UsedAt, usedAt)
	}

	// Attempts are consumed exactly once.
	if err := store.MarkAuthAttemptUsed(ctx, "attempt-1", usedAt.Add(time.Minute)); err != storage.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRateLimitAttempts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := store.InsertRateLimitAttempt(ctx, storage.RateLimitAttempt{
			Identifier: "203.0.113.7",
			Kind:       "ip",
			Endpoint:   "signup",
			Status:     storage.RateLimitStatusFailed,
			CreatedAt:  now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert attempt %d: %v", i, err)
		}
	}

	attempts, err := store.ListRateLimitAttempts(ctx, "203.0.113.7", "ip", "signup", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("listed %d attempts, want 2", len(attempts))
	}
	if !attempts[0].CreatedAt.Before(attempts[1].CreatedAt) {
		t.Error("attempts not ordered oldest first")
	}

	if err := store.MarkLatestRateLimitAttempt(ctx, "203.0.113.7", "ip", "signup", storage.RateLimitStatusSuccess, "token-hash"); err != nil {
		t.Fatalf("mark latest: %v", err)
	}
	attempts, err = store.ListRateLimitAttempts(ctx, "203.0.113.7", "ip", "signup", now)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	latest := attempts[len(attempts)-1]
	if latest.Status != storage.RateLimitStatusSuccess || latest.TokenHash != "token-hash" {
		t.Errorf("latest = %+v, want success with token hash", latest)
	}

	if err := store.DeleteRateLimitAttemptsBefore(ctx, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("delete before: %v", err)
	}
	attempts, err = store.ListRateLimitAttempts(ctx, "203.0.113.7", "ip", "signup", now)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("listed %d attempts after prune, want 1", len(attempts))
	}
}
