// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (counters and profile cache).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a lookup matches no row.
// Wraps pgx.ErrNoRows at the Postgres boundary so callers never import pgx.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned by CreateUser when the email is already registered.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrRateLimitExceeded is returned by Allow when the window's budget is spent.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheMiss is returned by GetProfile when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrRefreshTokenReused is returned by RotateRefreshToken when the presented token was
// already rotated or revoked. The chain reachable from it has been revoked by then.
var ErrRefreshTokenReused = errors.New("refresh token reused")

// ErrRefreshTokenExpired is returned by RotateRefreshToken for a token past its expiry.
var ErrRefreshTokenExpired = errors.New("refresh token expired")

// ErrBackupCodeUsed is returned by ConsumeBackupCode when the code hash is no longer on file,
// including when a concurrent request consumed it first.
var ErrBackupCodeUsed = errors.New("backup code already used")

// User represents a row in the users table.
// Nullable columns are pointers -- nil means SQL NULL.
// FirstName, LastName, Phone and TaxID hold plaintext here; the Postgres store encrypts
// them on write and decrypts on read.
type User struct {
	ID                uuid.UUID
	Email             string
	FirstName         *string
	LastName          *string
	Phone             *string
	TaxID             *string
	PasswordHash      *string
	PasswordChangedAt *time.Time
	Roles             []string
	OAuthProvider     *string
	OAuthProviderID   *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PasswordHistoryEntry represents a row in password_history.
type PasswordHistoryEntry struct {
	UserID       uuid.UUID
	PasswordHash string
	CreatedAt    time.Time
}

// RefreshToken represents a row in refresh_tokens.
// Only the SHA-256 of the raw token is stored. ReplacedByID links a rotated token to its
// successor; FamilyID groups one login's chain.
type RefreshToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	FamilyID      uuid.UUID
	TokenHash     []byte
	IssuedAt      time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	ReplacedByID  *uuid.UUID
	ReasonRevoked *string
	ClientIP      *string
	UserAgent     *string
}

// MFASecret represents a row in mfa_secrets.
// Secret is the plaintext base32 TOTP secret; Postgres stores it encrypted.
type MFASecret struct {
	UserID           uuid.UUID
	Secret           string
	Enabled          bool
	EnabledAt        *time.Time
	BackupCodeHashes []string
	CreatedAt        time.Time
}

// CachedProfile is the JSON shape cached in Redis for minting access tokens on refresh.
// Holds PII, so the Redis store encrypts the payload.
type CachedProfile struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Roles     []string  `json:"roles"`
}

// RateLimit defines the fixed-window policy for one endpoint class.
type RateLimit struct {
	MaxAttempts int           // attempts admitted per window
	Window      time.Duration // window length, starting at the first attempt
}
