// refresh_tokens.go -- Refresh token chain persistence.
//
// Rotation and reuse detection run inside one transaction holding a row lock on the
// presented token, so two concurrent refreshes of the same token serialize: the first
// rotates, the second sees Rotated and revokes the chain.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const refreshTokenColumns = `id, user_id, family_id, token_hash, issued_at, expires_at,
	revoked_at, replaced_by_id, reason_revoked, client_ip, user_agent`

func scanRefreshToken(row pgx.Row) (*RefreshToken, error) {
	var t RefreshToken
	err := row.Scan(&t.ID, &t.UserID, &t.FamilyID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt,
		&t.RevokedAt, &t.ReplacedByID, &t.ReasonRevoked, &t.ClientIP, &t.UserAgent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// insertRefreshToken is shared by CreateRefreshToken and the rotation transaction.
func insertRefreshToken(ctx context.Context, q interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, t *RefreshToken) error {
	_, err := q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, token_hash, issued_at, expires_at, client_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.FamilyID, t.TokenHash, t.IssuedAt, t.ExpiresAt, t.ClientIP, t.UserAgent)
	return err
}

// CreateRefreshToken inserts the head of a new chain.
func (s *PostgresStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	if err := insertRefreshToken(ctx, s.pool, t); err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByHash fetches a token row regardless of state. Returns ErrNotFound if absent.
func (s *PostgresStore) GetRefreshTokenByHash(ctx context.Context, tokenHash []byte) (*RefreshToken, error) {
	return scanRefreshToken(s.pool.QueryRow(ctx,
		"SELECT "+refreshTokenColumns+" FROM refresh_tokens WHERE token_hash = $1", tokenHash))
}

// RotateRefreshToken locks the presented token and acts on its state:
//
//	Active:           mark Rotated -> next, insert next (same user and family), commit.
//	Rotated, Revoked: revoke every token reachable through replaced_by_id, commit,
//	                  return ErrRefreshTokenReused.
//	Expired:          return ErrRefreshTokenExpired, nothing changes.
//
// The presented row (as it was before this call) is returned alongside any state error.
func (s *PostgresStore) RotateRefreshToken(ctx context.Context, presentedHash []byte, next *RefreshToken, now time.Time) (*RefreshToken, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning rotation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := scanRefreshToken(tx.QueryRow(ctx,
		"SELECT "+refreshTokenColumns+" FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE",
		presentedHash))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locking refresh token: %w", err)
	}

	switch cur.State(now) {
	case TokenRotated, TokenRevoked:
		if _, err := revokeChain(ctx, tx, cur.ID, now); err != nil {
			return cur, err
		}
		if err := tx.Commit(ctx); err != nil {
			return cur, fmt.Errorf("committing chain revocation: %w", err)
		}
		return cur, ErrRefreshTokenReused
	case TokenExpired:
		return cur, ErrRefreshTokenExpired
	}

	next.UserID = cur.UserID
	next.FamilyID = cur.FamilyID

	if _, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2, replaced_by_id = $3, reason_revoked = $4
		WHERE id = $1`,
		cur.ID, now, next.ID, ReasonRotated); err != nil {
		return cur, fmt.Errorf("marking refresh token rotated: %w", err)
	}
	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return cur, fmt.Errorf("inserting successor token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, fmt.Errorf("committing rotation: %w", err)
	}
	return cur, nil
}

// revokeChain walks replaced_by_id forward from startID and revokes every still-live
// token with reason reuse_detected. Returns the number of rows revoked.
func revokeChain(ctx context.Context, tx pgx.Tx, startID uuid.UUID, now time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id, replaced_by_id FROM refresh_tokens WHERE id = $1
			UNION ALL
			SELECT t.id, t.replaced_by_id
			FROM refresh_tokens t JOIN chain c ON t.id = c.replaced_by_id
		)
		UPDATE refresh_tokens SET revoked_at = $2, reason_revoked = $3
		WHERE id IN (SELECT id FROM chain) AND revoked_at IS NULL`,
		startID, now, ReasonReuseDetected)
	if err != nil {
		return 0, fmt.Errorf("revoking token chain: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeRefreshToken revokes one live token owned by userID. Unknown or already revoked
// tokens are a no-op.
func (s *PostgresStore) RevokeRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash []byte, reason string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $4, reason_revoked = $3
		WHERE token_hash = $2 AND user_id = $1 AND revoked_at IS NULL`,
		userID, tokenHash, reason, now)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

// RevokeAllUserRefreshTokens revokes every live token of userID.
func (s *PostgresStore) RevokeAllUserRefreshTokens(ctx context.Context, userID uuid.UUID, reason string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $3, reason_revoked = $2
		WHERE user_id = $1 AND revoked_at IS NULL`,
		userID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("revoking user refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeExpiredRefreshTokens soft-revokes live tokens whose expiry has passed, with reason
// "expired". Rows stay for the forensic trail. Lookups already treat expired tokens as
// invalid; this only keeps the live indexes small.
func (s *PostgresStore) RevokeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $1, reason_revoked = $2
		WHERE revoked_at IS NULL AND expires_at <= $1`,
		now, ReasonExpired)
	if err != nil {
		return 0, fmt.Errorf("revoking expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
