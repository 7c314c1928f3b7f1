package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/latchkey/latchkey/internal/auth/storage"
)

// Transports are stored as a comma separated list; none of the WebAuthn
// transport names contain commas.
const transportSeparator = ","

// PutPasskeyCredential persists a credential record, replacing any previous
// version. The unique index on user_id enforces the one-passkey-per-account
// policy at the storage boundary.
func (s *Store) PutPasskeyCredential(ctx context.Context, credential storage.PasskeyCredential) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	var lastUsedAt any
	if credential.LastUsedAt != nil {
		lastUsedAt = toMillis(*credential.LastUsedAt)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (credential_id, user_id, public_key, sign_count, transports, flags_json, created_at, updated_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(credential_id) DO UPDATE SET
    public_key = excluded.public_key,
    sign_count = excluded.sign_count,
    transports = excluded.transports,
    flags_json = excluded.flags_json,
    updated_at = excluded.updated_at,
    last_used_at = excluded.last_used_at
`, credential.CredentialID, credential.UserID, credential.PublicKey, credential.SignCount,
		strings.Join(credential.Transports, transportSeparator), credential.FlagsJSON,
		toMillis(credential.CreatedAt), toMillis(credential.UpdatedAt), lastUsedAt)
	if err != nil {
		return fmt.Errorf("put passkey credential: %w", err)
	}
	return nil
}

// GetPasskeyCredential loads a credential by its encoded id.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	if s == nil || s.sqlDB == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, user_id, public_key, sign_count, transports, flags_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE credential_id = ?
`, credentialID)
	credential, err := scanPasskeyCredential(row.Scan)
	if err == sql.ErrNoRows {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return credential, err
}

// ListPasskeyCredentials returns all credentials registered to a user.
func (s *Store) ListPasskeyCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, user_id, public_key, sign_count, transports, flags_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE user_id = ?
ORDER BY created_at
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.PasskeyCredential
	for rows.Next() {
		credential, err := scanPasskeyCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	return credentials, nil
}

// UpdatePasskeySignCount advances the stored signature counter. The WHERE
// clause refuses non-increasing values, so a stale or cloned counter can
// never overwrite a newer one even under concurrent logins.
func (s *Store) UpdatePasskeySignCount(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials
SET sign_count = ?, updated_at = ?, last_used_at = ?
WHERE credential_id = ? AND sign_count < ?
`, signCount, toMillis(usedAt), toMillis(usedAt), credentialID, signCount)
	if err != nil {
		return fmt.Errorf("update passkey sign count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update passkey sign count: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sign count %d did not advance credential %s", signCount, credentialID)
	}
	return nil
}

func scanPasskeyCredential(scan func(dest ...any) error) (storage.PasskeyCredential, error) {
	var (
		credential storage.PasskeyCredential
		transports string
		createdAt  int64
		updatedAt  int64
		lastUsedAt sql.NullInt64
	)
	err := scan(&credential.CredentialID, &credential.UserID, &credential.PublicKey, &credential.SignCount,
		&transports, &credential.FlagsJSON, &createdAt, &updatedAt, &lastUsedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.PasskeyCredential{}, sql.ErrNoRows
		}
		return storage.PasskeyCredential{}, fmt.Errorf("scan passkey credential: %w", err)
	}
	if transports != "" {
		credential.Transports = strings.Split(transports, transportSeparator)
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsedAt.Valid {
		value := fromMillis(lastUsedAt.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}
