package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/latchkey/latchkey/internal/auth/storage"
)

// InsertRateLimitAttempt appends an admission row for a scope.
func (s *Store) InsertRateLimitAttempt(ctx context.Context, attempt storage.RateLimitAttempt) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(attempt.Identifier) == "" {
		return fmt.Errorf("identifier is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO rate_limit_attempts (identifier, kind, endpoint, token_hash, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, attempt.Identifier, attempt.Kind, attempt.Endpoint, attempt.TokenHash, attempt.Status, toMillis(attempt.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert rate limit attempt: %w", err)
	}
	return nil
}

// ListRateLimitAttempts returns a scope's rows created at or after since,
// oldest first.
func (s *Store) ListRateLimitAttempts(ctx context.Context, identifier, kind, endpoint string, since time.Time) ([]storage.RateLimitAttempt, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, identifier, kind, endpoint, token_hash, status, created_at
FROM rate_limit_attempts
WHERE identifier = ? AND kind = ? AND endpoint = ? AND created_at >= ?
ORDER BY created_at, id
`, identifier, kind, endpoint, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("list rate limit attempts: %w", err)
	}
	defer rows.Close()

	var attempts []storage.RateLimitAttempt
	for rows.Next() {
		var (
			attempt   storage.RateLimitAttempt
			createdAt int64
		)
		if err := rows.Scan(&attempt.ID, &attempt.Identifier, &attempt.Kind, &attempt.Endpoint,
			&attempt.TokenHash, &attempt.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rate limit attempt: %w", err)
		}
		attempt.CreatedAt = fromMillis(createdAt)
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rate limit attempts: %w", err)
	}
	return attempts, nil
}

// MarkLatestRateLimitAttempt reclassifies the most recent failed row for a
// scope. Missing rows are not an error; the row may already have been pruned.
func (s *Store) MarkLatestRateLimitAttempt(ctx context.Context, identifier, kind, endpoint, status, tokenHash string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE rate_limit_attempts
SET status = ?, token_hash = ?
WHERE id = (
    SELECT id FROM rate_limit_attempts
    WHERE identifier = ? AND kind = ? AND endpoint = ? AND status = ?
    ORDER BY created_at DESC, id DESC
    LIMIT 1
)
`, status, tokenHash, identifier, kind, endpoint, storage.RateLimitStatusFailed)
	if err != nil {
		return fmt.Errorf("mark rate limit attempt: %w", err)
	}
	return nil
}

// DeleteRateLimitAttemptsBefore prunes rows older than cutoff.
func (s *Store) DeleteRateLimitAttemptsBefore(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM rate_limit_attempts WHERE created_at < ?
`, toMillis(cutoff))
	if err != nil {
		return fmt.Errorf("delete rate limit attempts: %w", err)
	}
	return nil
}
