// Package storage defines persistence contracts for the auth service.
package storage

import (
	"context"
	"time"

	"github.com/latchkey/latchkey/internal/auth/user"
	"github.com/latchkey/latchkey/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// UserStore persists auth user records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// PasskeyCredential stores a WebAuthn credential for a user.
//
// SignCount is the anti-clone counter; it must never decrease across reads.
type PasskeyCredential struct {
	CredentialID string
	UserID       string
	PublicKey    []byte
	SignCount    uint32
	Transports   []string
	FlagsJSON    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastUsedAt   *time.Time
}

// PasskeyStore persists WebAuthn credentials.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	// UpdatePasskeySignCount persists a strictly larger sign count and the
	// time of use. Implementations must refuse non-increasing counts.
	UpdatePasskeySignCount(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error
}

// AuthAttempt represents a single one-time-code issuance.
//
// Attempts are never deleted; expiry and UsedAt make them logically dead
// while preserving the audit trail. UserID stays empty until a signup
// completes or when no account exists for a login attempt.
type AuthAttempt struct {
	ID        string
	Email     string
	Name      string
	UserID    string
	CodeHash  string
	Purpose   string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// AuthAttemptStore persists one-time-code attempts.
type AuthAttemptStore interface {
	PutAuthAttempt(ctx context.Context, attempt AuthAttempt) error
	GetAuthAttempt(ctx context.Context, id string) (AuthAttempt, error)
	MarkAuthAttemptUsed(ctx context.Context, id string, usedAt time.Time) error
}

// Rate limit attempt statuses.
const (
	RateLimitStatusFailed   = "failed"
	RateLimitStatusSuccess  = "success"
	RateLimitStatusBadEmail = "bad-email"
)

// RateLimitAttempt is one admission attempt for an identifier/endpoint pair.
// One row per attempt, not an aggregate counter, so windowed counting and
// retroactive status marking work against the same table.
type RateLimitAttempt struct {
	ID         int64
	Identifier string
	Kind       string
	Endpoint   string
	TokenHash  string
	Status     string
	CreatedAt  time.Time
}

// RateLimitStore persists rate limit attempts.
type RateLimitStore interface {
	InsertRateLimitAttempt(ctx context.Context, attempt RateLimitAttempt) error
	// ListRateLimitAttempts returns attempts for the scope created at or
	// after since, oldest first.
	ListRateLimitAttempts(ctx context.Context, identifier, kind, endpoint string, since time.Time) ([]RateLimitAttempt, error)
	// MarkLatestRateLimitAttempt updates the status (and optionally the
	// token hash) of the most recent failed attempt for the scope.
	MarkLatestRateLimitAttempt(ctx context.Context, identifier, kind, endpoint, status, tokenHash string) error
	DeleteRateLimitAttemptsBefore(ctx context.Context, cutoff time.Time) error
}
