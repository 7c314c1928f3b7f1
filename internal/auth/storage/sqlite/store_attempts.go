package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/latchkey/latchkey/internal/auth/storage"
)

// PutAuthAttempt persists a one-time-code attempt.
func (s *Store) PutAuthAttempt(ctx context.Context, attempt storage.AuthAttempt) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(attempt.ID) == "" {
		return fmt.Errorf("attempt id is required")
	}

	var usedAt any
	if attempt.UsedAt != nil {
		usedAt = toMillis(*attempt.UsedAt)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO auth_attempts (id, email, name, user_id, code_hash, purpose, expires_at, used_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, attempt.ID, attempt.Email, attempt.Name, attempt.UserID, attempt.CodeHash, attempt.Purpose,
		toMillis(attempt.ExpiresAt), usedAt, toMillis(attempt.CreatedAt))
	if err != nil {
		return fmt.Errorf("put auth attempt: %w", err)
	}
	return nil
}

// GetAuthAttempt loads an attempt by id.
func (s *Store) GetAuthAttempt(ctx context.Context, id string) (storage.AuthAttempt, error) {
	if s == nil || s.sqlDB == nil {
		return storage.AuthAttempt{}, fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.AuthAttempt{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.AuthAttempt{}, fmt.Errorf("attempt id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, name, user_id, code_hash, purpose, expires_at, used_at, created_at
FROM auth_attempts
WHERE id = ?
`, id)

	var (
		attempt   storage.AuthAttempt
		expiresAt int64
		usedAt    sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&attempt.ID, &attempt.Email, &attempt.Name, &attempt.UserID, &attempt.CodeHash,
		&attempt.Purpose, &expiresAt, &usedAt, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.AuthAttempt{}, storage.ErrNotFound
		}
		return storage.AuthAttempt{}, fmt.Errorf("scan auth attempt: %w", err)
	}
	attempt.ExpiresAt = fromMillis(expiresAt)
	attempt.CreatedAt = fromMillis(createdAt)
	if usedAt.Valid {
		value := fromMillis(usedAt.Int64)
		attempt.UsedAt = &value
	}
	return attempt, nil
}

// MarkAuthAttemptUsed consumes an attempt. Only unused attempts match, so a
// concurrent double redemption loses here.
func (s *Store) MarkAuthAttemptUsed(ctx context.Context, id string, usedAt time.Time) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("attempt id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE auth_attempts
SET used_at = ?
WHERE id = ? AND used_at IS NULL
`, toMillis(usedAt), id)
	if err != nil {
		return fmt.Errorf("mark auth attempt used: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark auth attempt used: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
