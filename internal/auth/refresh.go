// refresh.go -- Refresh token lifecycle: issue, rotate, revoke, reuse detection.
//
// The state machine itself (Active -> Rotated | Revoked | Expired) is enforced by the
// store inside one transaction; this layer mints token material, bounds every store
// call with a timeout, and maps store outcomes onto the error taxonomy.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/kanzleiportal/authcore/internal/store"
)

// RefreshStore is the persistence needed by RefreshLifecycle.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type RefreshStore interface {
	// CreateRefreshToken inserts the head of a new chain.
	CreateRefreshToken(ctx context.Context, t *store.RefreshToken) error

	// GetRefreshTokenByHash reads a token row in any state. Returns store.ErrNotFound if absent.
	GetRefreshTokenByHash(ctx context.Context, tokenHash []byte) (*store.RefreshToken, error)

	// RotateRefreshToken atomically replaces the Active token with presentedHash by next.
	// The store fills next.UserID and next.FamilyID from the presented row.
	// Returns the presented row with store.ErrRefreshTokenReused (chain already revoked),
	// store.ErrRefreshTokenExpired, or store.ErrNotFound.
	RotateRefreshToken(ctx context.Context, presentedHash []byte, next *store.RefreshToken, now time.Time) (*store.RefreshToken, error)

	// RevokeRefreshToken revokes one token owned by userID. Unknown or already revoked is not an error.
	RevokeRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash []byte, reason string, now time.Time) error

	// RevokeAllUserRefreshTokens revokes every unrevoked token of the user.
	RevokeAllUserRefreshTokens(ctx context.Context, userID uuid.UUID, reason string, now time.Time) (int64, error)
}

// ClientMeta is recorded on each issued refresh token for the forensic trail.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// IssuedRefresh is a freshly minted refresh token. Token is the raw value; only its
// hash was persisted.
type IssuedRefresh struct {
	Token     string
	ID        uuid.UUID
	UserID    uuid.UUID
	FamilyID  uuid.UUID
	ExpiresAt time.Time
}

// RefreshLifecycle drives refresh tokens through their state machine.
type RefreshLifecycle struct {
	Store   RefreshStore
	TTL     time.Duration    // lifetime of each issued token
	Timeout time.Duration    // bound on each store call; 0 disables
	Now     func() time.Time // nil means time.Now
}

func (l *RefreshLifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *RefreshLifecycle) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.Timeout > 0 {
		return context.WithTimeout(ctx, l.Timeout)
	}
	return context.WithCancel(ctx)
}

// newToken mints raw material and the row that will hold its hash.
func (l *RefreshLifecycle) newToken(now time.Time, meta ClientMeta) (string, *store.RefreshToken, error) {
	raw, err := IssueRefreshToken()
	if err != nil {
		return "", nil, err
	}
	hash, err := HashRefreshToken(raw)
	if err != nil {
		return "", nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, fmt.Errorf("generating refresh token id: %w", err)
	}
	return raw, &store.RefreshToken{
		ID:        id,
		TokenHash: hash,
		IssuedAt:  now,
		ExpiresAt: now.Add(l.TTL),
		ClientIP:  strOrNil(meta.IP),
		UserAgent: strOrNil(meta.UserAgent),
	}, nil
}

// Issue starts a new chain (device session) for userID.
func (l *RefreshLifecycle) Issue(ctx context.Context, userID uuid.UUID, meta ClientMeta) (*IssuedRefresh, error) {
	raw, t, err := l.newToken(l.now(), meta)
	if err != nil {
		return nil, err
	}
	familyID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating family id: %w", err)
	}
	t.UserID = userID
	t.FamilyID = familyID

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := l.Store.CreateRefreshToken(ctx, t); err != nil {
		return nil, fmt.Errorf("%w: creating refresh token: %v", ErrStoreUnavailable, err)
	}
	return &IssuedRefresh{Token: raw, ID: t.ID, UserID: userID, FamilyID: familyID, ExpiresAt: t.ExpiresAt}, nil
}

// Owner returns the user a presented token was issued to, whatever its state.
// Nothing is changed. Unknown or malformed tokens return ErrTokenInvalid.
func (l *RefreshLifecycle) Owner(ctx context.Context, presented string) (uuid.UUID, error) {
	hash, err := HashRefreshToken(presented)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	t, err := l.Store.GetRefreshTokenByHash(ctx, hash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return uuid.Nil, ErrTokenInvalid
	case err != nil:
		return uuid.Nil, fmt.Errorf("%w: reading refresh token: %v", ErrStoreUnavailable, err)
	}
	return t.UserID, nil
}

// Rotate exchanges a presented Active token for its successor.
// Unknown, malformed, or expired tokens return ErrTokenInvalid. A rotated or revoked token
// returns *ReuseError after the store has revoked the rest of its chain. Store failures
// return ErrStoreUnavailable; the refresh is denied either way.
func (l *RefreshLifecycle) Rotate(ctx context.Context, presented string, meta ClientMeta) (*IssuedRefresh, error) {
	hash, err := HashRefreshToken(presented)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	now := l.now()
	raw, next, err := l.newToken(now, meta)
	if err != nil {
		return nil, err
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	old, err := l.Store.RotateRefreshToken(ctx, hash, next, now)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrRefreshTokenReused):
		reuse := &ReuseError{}
		if old != nil {
			reuse.UserID, reuse.FamilyID = old.UserID, old.FamilyID
		}
		slog.Warn("refresh token reuse detected, chain revoked",
			"event", "security.refresh_reuse",
			"user_id", reuse.UserID,
			"family_id", reuse.FamilyID,
		)
		return nil, reuse
	case errors.Is(err, store.ErrRefreshTokenExpired), errors.Is(err, store.ErrNotFound):
		return nil, ErrTokenInvalid
	default:
		return nil, fmt.Errorf("%w: rotating refresh token: %v", ErrStoreUnavailable, err)
	}

	return &IssuedRefresh{
		Token:     raw,
		ID:        next.ID,
		UserID:    old.UserID,
		FamilyID:  old.FamilyID,
		ExpiresAt: next.ExpiresAt,
	}, nil
}

// Revoke revokes one token owned by userID with reason. Idempotent: malformed, unknown,
// or already revoked tokens succeed silently.
func (l *RefreshLifecycle) Revoke(ctx context.Context, userID uuid.UUID, presented, reason string) error {
	hash, err := HashRefreshToken(presented)
	if err != nil {
		return nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := l.Store.RevokeRefreshToken(ctx, userID, hash, reason, l.now()); err != nil {
		return fmt.Errorf("%w: revoking refresh token: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RevokeAll revokes every live token of userID and returns how many were revoked.
func (l *RefreshLifecycle) RevokeAll(ctx context.Context, userID uuid.UUID, reason string) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	n, err := l.Store.RevokeAllUserRefreshTokens(ctx, userID, reason, l.now())
	if err != nil {
		return 0, fmt.Errorf("%w: revoking user refresh tokens: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// strOrNil converts an empty string to nil; non-empty strings are returned as a pointer.
func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
