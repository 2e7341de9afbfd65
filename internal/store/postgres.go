// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and user/password-history queries.
// Creates a connection pool at startup, shared across all services.
// All queries use parameterized statements (no string concatenation).
// PII columns pass through fieldcrypt on the way in and out.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kanzleiportal/authcore/internal/fieldcrypt"
)

// PostgresStore is the durable store for users, password history, refresh tokens and MFA.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cipher *fieldcrypt.Cipher
}

// NewPostgresStore creates a verified connection pool wrapped in a store.
// cipher encrypts PII columns. Call once at startup; the store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string, cipher *fieldcrypt.Cipher) (*PostgresStore, error) {
	if cipher == nil {
		return nil, errors.New("postgres store requires a field cipher")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, cipher: cipher}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const userColumns = `id, email_enc, first_name_enc, last_name_enc, phone_enc, tax_id_enc,
	password_hash, password_changed_at, roles, oauth_provider, oauth_provider_id,
	created_at, updated_at`

// encryptedPII holds the ciphertext form of a user's PII columns.
type encryptedPII struct {
	email                             *string
	firstName, lastName, phone, taxID *string
}

func (s *PostgresStore) encryptPII(u *User) (encryptedPII, error) {
	var e encryptedPII
	var err error
	if e.email, err = s.cipher.EncryptPtr(&u.Email); err != nil {
		return e, err
	}
	if e.firstName, err = s.cipher.EncryptPtr(u.FirstName); err != nil {
		return e, err
	}
	if e.lastName, err = s.cipher.EncryptPtr(u.LastName); err != nil {
		return e, err
	}
	if e.phone, err = s.cipher.EncryptPtr(u.Phone); err != nil {
		return e, err
	}
	if e.taxID, err = s.cipher.EncryptPtr(u.TaxID); err != nil {
		return e, err
	}
	return e, nil
}

// scanUser reads one userColumns row and decrypts PII.
// A field that fails to decrypt fails the whole read; it is never returned as empty.
func (s *PostgresStore) scanUser(row pgx.Row) (*User, error) {
	var u User
	var e encryptedPII
	err := row.Scan(&u.ID, &e.email, &e.firstName, &e.lastName, &e.phone, &e.taxID,
		&u.PasswordHash, &u.PasswordChangedAt, &u.Roles, &u.OAuthProvider, &u.OAuthProviderID,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var email *string
	fields := []struct {
		name string
		src  *string
		dst  **string
	}{
		{"email", e.email, &email},
		{"first_name", e.firstName, &u.FirstName},
		{"last_name", e.lastName, &u.LastName},
		{"phone", e.phone, &u.Phone},
		{"tax_id", e.taxID, &u.TaxID},
	}
	for _, f := range fields {
		plain, err := s.cipher.DecryptPtr(f.src)
		if err != nil {
			slog.Error("pii field unreadable",
				"event", "security.decrypt_failure",
				"user_id", u.ID,
				"field", f.name,
			)
			return nil, fmt.Errorf("decrypting %s of user %s: %w", f.name, u.ID, err)
		}
		*f.dst = plain
	}
	if email != nil {
		u.Email = *email
	}
	return &u, nil
}

// CreateUser inserts u and, for password users, the first password history entry, in one
// transaction. The caller generates the UUID v7 and the Argon2id hash; the history row is
// stamped with u.PasswordChangedAt so expiry and history share one clock.
// Returns ErrDuplicateEmail if the email is taken.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	pii, err := s.encryptPII(u)
	if err != nil {
		return fmt.Errorf("encrypting user pii: %w", err)
	}
	roles := u.Roles
	if len(roles) == 0 {
		roles = []string{"client"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning create user tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, email_enc, email_lookup, first_name_enc, last_name_enc, phone_enc, tax_id_enc,
			password_hash, password_changed_at, roles, oauth_provider, oauth_provider_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, pii.email, s.cipher.LookupHash(u.Email), pii.firstName, pii.lastName, pii.phone, pii.taxID,
		u.PasswordHash, u.PasswordChangedAt, roles, u.OAuthProvider, u.OAuthProviderID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "users_email_key" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	if u.PasswordHash != nil {
		changedAt := time.Now()
		if u.PasswordChangedAt != nil {
			changedAt = *u.PasswordChangedAt
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO password_history (user_id, password_hash, created_at) VALUES ($1, $2, $3)",
			u.ID, *u.PasswordHash, changedAt); err != nil {
			return fmt.Errorf("inserting password history: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetUserByEmail fetches a user by (lowercased) email through its lookup hash.
// Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email_lookup = $1", s.cipher.LookupHash(email)))
}

// GetUserByID fetches a user by ID. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// GetUserByOAuthProvider fetches the user linked to (provider, providerID).
// Returns ErrNotFound if no user has that identity.
func (s *PostgresStore) GetUserByOAuthProvider(ctx context.Context, provider, providerID string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE oauth_provider = $1 AND oauth_provider_id = $2",
		provider, providerID))
}

// LinkOAuthToUser attaches an external identity to an account that has none yet.
// Returns ErrNotFound if the user is missing or already linked to a provider.
func (s *PostgresStore) LinkOAuthToUser(ctx context.Context, userID uuid.UUID, provider, providerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET oauth_provider = $2, oauth_provider_id = $3, updated_at = now()
		WHERE id = $1 AND oauth_provider IS NULL`,
		userID, provider, providerID)
	if err != nil {
		return fmt.Errorf("linking oauth identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUserPassword sets a new hash, appends it to the history, and trims the history to
// the newest keep entries, all in one transaction. Returns ErrNotFound if the user is missing.
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID uuid.UUID, passwordHash string, changedAt time.Time, keep int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning password update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE users SET password_hash = $2, password_changed_at = $3, updated_at = now() WHERE id = $1",
		userID, passwordHash, changedAt)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO password_history (user_id, password_hash, created_at) VALUES ($1, $2, $3)",
		userID, passwordHash, changedAt); err != nil {
		return fmt.Errorf("appending password history: %w", err)
	}

	if keep > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM password_history
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM password_history WHERE user_id = $1
				ORDER BY created_at DESC, id DESC LIMIT $2
			)`, userID, keep); err != nil {
			return fmt.Errorf("trimming password history: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetPasswordHistory returns up to limit history entries, newest first.
func (s *PostgresStore) GetPasswordHistory(ctx context.Context, userID uuid.UUID, limit int) ([]PasswordHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, password_hash, created_at FROM password_history
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying password history: %w", err)
	}
	defer rows.Close()

	var out []PasswordHistoryEntry
	for rows.Next() {
		var e PasswordHistoryEntry
		if err := rows.Scan(&e.UserID, &e.PasswordHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning password history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
