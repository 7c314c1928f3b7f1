// Package ratelimit implements a persisted sliding-window attempt limiter.
//
// Every admission inserts one row, pessimistically marked failed; flows flip
// the row to success (or bad-email) after the fact. Counting discrete rows
// instead of keeping an aggregate counter is what makes that retroactive
// marking possible: admission happens before the outcome is known, and the
// accounting is settled in a second phase.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/latchkey/latchkey/internal/auth/storage"
	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
)

// IdentifierKind scopes an identifier value.
type IdentifierKind string

const (
	KindIP    IdentifierKind = "ip"
	KindEmail IdentifierKind = "email"
)

// Endpoint names a rate-limited operation.
type Endpoint string

const (
	EndpointSignup           Endpoint = "signup"
	EndpointLogin            Endpoint = "login"
	EndpointPasskeyLogin     Endpoint = "passkey-login"
	EndpointPasskeyDiscovery Endpoint = "passkey-discovery"
)

// Policy is a sliding window of fixed length.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultPolicies are the per-endpoint admission limits.
func DefaultPolicies() map[Endpoint]Policy {
	return map[Endpoint]Policy{
		EndpointSignup:           {MaxRequests: 5, Window: time.Hour},
		EndpointLogin:            {MaxRequests: 5, Window: time.Hour},
		EndpointPasskeyLogin:     {MaxRequests: 10, Window: time.Hour},
		EndpointPasskeyDiscovery: {MaxRequests: 10, Window: time.Hour},
	}
}

// RetryAfterKey is the metadata key carrying the retry delay in seconds on a
// rate-limit error.
const RetryAfterKey = "retry_after_seconds"

// Limiter decides admission per (identifier, endpoint) scope.
type Limiter struct {
	store    storage.RateLimitStore
	policies map[Endpoint]Policy
	clock    func() time.Time
}

// New builds a limiter with the default policies.
func New(store storage.RateLimitStore) *Limiter {
	return &Limiter{
		store:    store,
		policies: DefaultPolicies(),
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// WithPolicies overrides the per-endpoint policies.
func (l *Limiter) WithPolicies(policies map[Endpoint]Policy) *Limiter {
	l.policies = policies
	return l
}

// Check admits or rejects an attempt. On admission a failed row is inserted
// before returning; the caller flips it once the attempt is known good.
// Rejections carry the retry delay computed from the oldest in-window row.
//
// The count-then-insert sequence is not transactional; concurrent calls can
// overshoot the configured maximum slightly. That is an accepted soft limit.
func (l *Limiter) Check(ctx context.Context, identifier string, kind IdentifierKind, endpoint Endpoint) error {
	policy, identifier, err := l.scope(identifier, kind, endpoint)
	if err != nil {
		return err
	}
	now := l.clock().UTC()

	// Opportunistic pruning: rows older than the largest window are dead
	// weight for every policy.
	_ = l.store.DeleteRateLimitAttemptsBefore(ctx, now.Add(-l.maxWindow()))

	since := now.Add(-policy.Window)
	attempts, err := l.store.ListRateLimitAttempts(ctx, identifier, string(kind), string(endpoint), since)
	if err != nil {
		return fmt.Errorf("list rate limit attempts: %w", err)
	}
	if len(attempts) >= policy.MaxRequests {
		retryAfter := attempts[0].CreatedAt.Add(policy.Window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return apperrors.WithMetadata(apperrors.CodeRateLimitExceeded, "rate limit exceeded", map[string]string{
			RetryAfterKey: strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())),
		})
	}

	if err := l.store.InsertRateLimitAttempt(ctx, storage.RateLimitAttempt{
		Identifier: identifier,
		Kind:       string(kind),
		Endpoint:   string(endpoint),
		Status:     storage.RateLimitStatusFailed,
		CreatedAt:  now,
	}); err != nil {
		return fmt.Errorf("insert rate limit attempt: %w", err)
	}
	return nil
}

// MarkSuccessful flips the most recent failed attempt for the scope to
// success and records the hash of the issued token for audit correlation.
func (l *Limiter) MarkSuccessful(ctx context.Context, identifier string, kind IdentifierKind, endpoint Endpoint, tokenHash string) error {
	_, identifier, err := l.scope(identifier, kind, endpoint)
	if err != nil {
		return err
	}
	return l.store.MarkLatestRateLimitAttempt(ctx, identifier, string(kind), string(endpoint), storage.RateLimitStatusSuccess, tokenHash)
}

// MarkLatestSuccessful flips the most recent failed attempt for the scope to
// success. Fallback for flows with no token to correlate.
func (l *Limiter) MarkLatestSuccessful(ctx context.Context, identifier string, kind IdentifierKind, endpoint Endpoint) error {
	return l.MarkSuccessful(ctx, identifier, kind, endpoint, "")
}

// MarkLatestBadEmail records that an admitted request carried an identifier
// that failed validation.
func (l *Limiter) MarkLatestBadEmail(ctx context.Context, identifier string, kind IdentifierKind, endpoint Endpoint) error {
	_, identifier, err := l.scope(identifier, kind, endpoint)
	if err != nil {
		return err
	}
	return l.store.MarkLatestRateLimitAttempt(ctx, identifier, string(kind), string(endpoint), storage.RateLimitStatusBadEmail, "")
}

// RetryAfter extracts the retry delay from a rate-limit rejection.
func RetryAfter(err error) (time.Duration, bool) {
	value, ok := apperrors.GetMetadata(err, RetryAfterKey)
	if !ok {
		return 0, false
	}
	seconds, convErr := strconv.Atoi(value)
	if convErr != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// TokenHash computes the deterministic digest used to correlate a rate-limit
// row with the token issued for it.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (l *Limiter) scope(identifier string, kind IdentifierKind, endpoint Endpoint) (Policy, string, error) {
	policy, ok := l.policies[endpoint]
	if !ok {
		return Policy{}, "", fmt.Errorf("no rate limit policy for endpoint %q", endpoint)
	}
	identifier = strings.TrimSpace(identifier)
	if kind == KindEmail {
		identifier = strings.ToLower(identifier)
	}
	if identifier == "" {
		return Policy{}, "", fmt.Errorf("identifier is required")
	}
	return policy, identifier, nil
}

func (l *Limiter) maxWindow() time.Duration {
	max := time.Duration(0)
	for _, policy := range l.policies {
		if policy.Window > max {
			max = policy.Window
		}
	}
	return max
}
