package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latchkey/latchkey/internal/auth/storage"
	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
)

type fakeRateLimitStore struct {
	attempts  []storage.RateLimitAttempt
	nextID    int64
	insertErr error
}

func (s *fakeRateLimitStore) InsertRateLimitAttempt(_ context.Context, attempt storage.RateLimitAttempt) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.nextID++
	attempt.ID = s.nextID
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *fakeRateLimitStore) ListRateLimitAttempts(_ context.Context, identifier, kind, endpoint string, since time.Time) ([]storage.RateLimitAttempt, error) {
	var matched []storage.RateLimitAttempt
	for _, attempt := range s.attempts {
		if attempt.Identifier == identifier && attempt.Kind == kind && attempt.Endpoint == endpoint && !attempt.CreatedAt.Before(since) {
			matched = append(matched, attempt)
		}
	}
	return matched, nil
}

func (s *fakeRateLimitStore) MarkLatestRateLimitAttempt(_ context.Context, identifier, kind, endpoint, status, tokenHash string) error {
	for i := len(s.attempts) - 1; i >= 0; i-- {
		attempt := s.attempts[i]
		if attempt.Identifier == identifier && attempt.Kind == kind && attempt.Endpoint == endpoint && attempt.Status == storage.RateLimitStatusFailed {
			s.attempts[i].Status = status
			s.attempts[i].TokenHash = tokenHash
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *fakeRateLimitStore) DeleteRateLimitAttemptsBefore(_ context.Context, cutoff time.Time) error {
	kept := s.attempts[:0]
	for _, attempt := range s.attempts {
		if !attempt.CreatedAt.Before(cutoff) {
			kept = append(kept, attempt)
		}
	}
	s.attempts = kept
	return nil
}

func newTestLimiter(store *fakeRateLimitStore, now *time.Time) *Limiter {
	return New(store).WithClock(func() time.Time { return *now })
}

func TestCheckAdmitsUpToMaxAndRejectsNext(t *testing.T) {
	store := &fakeRateLimitStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(store, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.Check(ctx, "203.0.113.7", KindIP, EndpointSignup); err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
		now = now.Add(time.Minute)
	}

	err := limiter.Check(ctx, "203.0.113.7", KindIP, EndpointSignup)
	if apperrors.GetCode(err) != apperrors.CodeRateLimitExceeded {
		t.Fatalf("err = %v, want rate limit exceeded", err)
	}
	retryAfter, ok := RetryAfter(err)
	if !ok || retryAfter <= 0 {
		t.Fatalf("retry after = %v, %v; want positive", retryAfter, ok)
	}
	if len(store.attempts) != 5 {
		t.Fatalf("attempts = %d, want 5 (rejection must not insert)", len(store.attempts))
	}
}

func TestCheckAdmitsAgainAfterWindowSlides(t *testing.T) {
	store := &fakeRateLimitStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(store, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.Check(ctx, "ada@example.com", KindEmail, EndpointSignup); err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
	}
	if err := limiter.Check(ctx, "ada@example.com", KindEmail, EndpointSignup); err == nil {
		t.Fatal("expected rejection at limit")
	}

	now = now.Add(time.Hour + time.Minute)
	if err := limiter.Check(ctx, "ada@example.com", KindEmail, EndpointSignup); err != nil {
		t.Fatalf("check after window: %v", err)
	}
}

func TestCheckCountsSuccessfulAttempts(t *testing.T) {
	store := &fakeRateLimitStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(store, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.Check(ctx, "ada@example.com", KindEmail, EndpointLogin); err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
		if err := limiter.MarkSuccessful(ctx, "ada@example.com", KindEmail, EndpointLogin, TokenHash("token")); err != nil {
			t.Fatalf("mark %d: %v", i+1, err)
		}
	}
	// Success rows still count toward admission: attempts are limited, not
	// just failures.
	if err := limiter.Check(ctx, "ada@example.com", KindEmail, EndpointLogin); err == nil {
		t.Fatal("expected rejection; successful attempts must count")
	}
}

func TestMarkSuccessfulFlipsLatestFailedRow(t *testing.T) {
	store := &fakeRateLimitStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(store, &now)
	ctx := context.Background()

	if err := limiter.Check(ctx, "Ada@Example.com", KindEmail, EndpointLogin); err != nil {
		t.Fatalf("check: %v", err)
	}
	hash := TokenHash("issued-token")
	if err := limiter.MarkSuccessful(ctx, "ada@example.com", KindEmail, EndpointLogin, hash); err != nil {
		t.Fatalf("mark: %v", err)
	}

	attempt := store.attempts[0]
	if attempt.Status != storage.RateLimitStatusSuccess {
		t.Fatalf("status = %q, want success", attempt.Status)
	}
	if attempt.TokenHash != hash {
		t.Fatalf("token hash = %q, want %q", attempt.TokenHash, hash)
	}
	if attempt.Identifier != "ada@example.com" {
		t.Fatalf("identifier = %q, want lowercase email", attempt.Identifier)
	}
}

func TestMarkLatestBadEmail(t *testing.T) {
	store := &fakeRateLimitStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(store, &now)
	ctx := context.Background()

	if err := limiter.Check(ctx, "203.0.113.7", KindIP, EndpointSignup); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := limiter.MarkLatestBadEmail(ctx, "203.0.113.7", KindIP, EndpointSignup); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if store.attempts[0].Status != storage.RateLimitStatusBadEmail {
		t.Fatalf("status = %q, want bad-email", store.attempts[0].Status)
	}
}

func TestCheckPrunesStaleRows(t *testing.T) {
	store := &fakeRateLimitStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(store, &now)
	ctx := context.Background()

	if err := limiter.Check(ctx, "203.0.113.7", KindIP, EndpointSignup); err != nil {
		t.Fatalf("check: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if err := limiter.Check(ctx, "203.0.113.7", KindIP, EndpointSignup); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(store.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 (stale row pruned)", len(store.attempts))
	}
}

func TestScopesAreIndependent(t *testing.T) {
	store := &fakeRateLimitStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(store, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.Check(ctx, "203.0.113.7", KindIP, EndpointSignup); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if err := limiter.Check(ctx, "203.0.113.7", KindIP, EndpointSignup); err == nil {
		t.Fatal("expected signup rejection")
	}
	// Same identifier, different endpoint: separate budget.
	if err := limiter.Check(ctx, "203.0.113.7", KindIP, EndpointLogin); err != nil {
		t.Fatalf("login check: %v", err)
	}
	// Different identifier, same endpoint: separate budget.
	if err := limiter.Check(ctx, "198.51.100.9", KindIP, EndpointSignup); err != nil {
		t.Fatalf("other ip check: %v", err)
	}
}

func TestUnknownEndpointErrors(t *testing.T) {
	limiter := New(&fakeRateLimitStore{})
	err := limiter.Check(context.Background(), "203.0.113.7", KindIP, Endpoint("unknown"))
	if err == nil {
		t.Fatal("expected error for unknown endpoint")
	}
	if errors.Is(err, apperrors.New(apperrors.CodeRateLimitExceeded, "")) {
		t.Fatal("config error must not masquerade as a rate limit rejection")
	}
}

func TestTokenHashDeterministic(t *testing.T) {
	if TokenHash("a") != TokenHash("a") {
		t.Fatal("hash must be deterministic")
	}
	if TokenHash("a") == TokenHash("b") {
		t.Fatal("distinct tokens must produce distinct hashes")
	}
	if len(TokenHash("a")) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(TokenHash("a")))
	}
}
