// mfa.go -- TOTP secret and backup code persistence.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// UpsertMFASecret stores a fresh enrollment for m.UserID: new encrypted secret, new backup
// code hashes, disabled until confirmed. Replaces any previous enrollment in place.
func (s *PostgresStore) UpsertMFASecret(ctx context.Context, m *MFASecret) error {
	enc, err := s.cipher.Encrypt(m.Secret)
	if err != nil {
		return fmt.Errorf("encrypting mfa secret: %w", err)
	}
	hashes := m.BackupCodeHashes
	if hashes == nil {
		hashes = []string{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO mfa_secrets (user_id, secret_enc, enabled, enabled_at, backup_code_hashes)
		VALUES ($1, $2, false, NULL, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			secret_enc = EXCLUDED.secret_enc,
			enabled = false,
			enabled_at = NULL,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			created_at = now()`,
		m.UserID, enc, hashes)
	if err != nil {
		return fmt.Errorf("upserting mfa secret: %w", err)
	}
	return nil
}

// GetMFASecret fetches and decrypts the user's enrollment. Returns ErrNotFound if none.
func (s *PostgresStore) GetMFASecret(ctx context.Context, userID uuid.UUID) (*MFASecret, error) {
	var m MFASecret
	var enc string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, secret_enc, enabled, enabled_at, backup_code_hashes, created_at
		FROM mfa_secrets WHERE user_id = $1`, userID,
	).Scan(&m.UserID, &enc, &m.Enabled, &m.EnabledAt, &m.BackupCodeHashes, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching mfa secret: %w", err)
	}

	m.Secret, err = s.cipher.Decrypt(enc)
	if err != nil {
		slog.Error("mfa secret unreadable",
			"event", "security.decrypt_failure",
			"user_id", userID,
			"field", "mfa_secret",
		)
		return nil, fmt.Errorf("decrypting mfa secret: %w", err)
	}
	return &m, nil
}

// EnableMFA marks a pending enrollment active. Returns ErrNotFound if there is no
// pending (not yet enabled) enrollment.
func (s *PostgresStore) EnableMFA(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE mfa_secrets SET enabled = true, enabled_at = $2 WHERE user_id = $1 AND enabled = false",
		userID, at)
	if err != nil {
		return fmt.Errorf("enabling mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableMFA removes the enrollment, secret and backup codes included.
func (s *PostgresStore) DisableMFA(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM mfa_secrets WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("disabling mfa: %w", err)
	}
	return nil
}

// ConsumeBackupCode atomically removes codeHash from the user's active enrollment.
// Returns ErrBackupCodeUsed if it is not there, so of two concurrent uses only one wins.
func (s *PostgresStore) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mfa_secrets SET backup_code_hashes = array_remove(backup_code_hashes, $2)
		WHERE user_id = $1 AND enabled AND $2 = ANY(backup_code_hashes)`,
		userID, codeHash)
	if err != nil {
		return fmt.Errorf("consuming backup code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBackupCodeUsed
	}
	return nil
}
