// jwt.go -- Access token signing/validation and opaque refresh token material.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Signing methods accepted in TokenConfig.Method.
const (
	MethodHS256 = "HS256"
	MethodRS256 = "RS256"
)

const refreshTokenBytes = 64 // 512 bits

// TokenConfig is the immutable key material and lifetimes for TokenService.
// Exactly one of Secret (HS256) or the PEM pair (RS256) is used, per Method.
type TokenConfig struct {
	Method        string
	Secret        []byte
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Email     string   `json:"email"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Roles     []string `json:"roles"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *AccessClaims) UserID() (uuid.UUID, error) {
	return uuid.FromString(c.Subject)
}

// TokenService issues and validates access tokens and mints refresh token values.
// Safe for concurrent use; all fields are read-only after construction.
type TokenService struct {
	cfg     TokenConfig
	method  jwt.SigningMethod
	signKey any
	verKey  any
	parser  *jwt.Parser
	Now     func() time.Time // nil means time.Now
}

// NewTokenService validates cfg and parses key material once.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token issuer and audience are required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}

	s := &TokenService{cfg: cfg}
	switch cfg.Method {
	case MethodHS256:
		if len(cfg.Secret) < 32 {
			return nil, errors.New("HS256 secret must be at least 32 bytes")
		}
		s.method = jwt.SigningMethodHS256
		s.signKey = cfg.Secret
		s.verKey = cfg.Secret
	case MethodRS256:
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA public key: %w", err)
		}
		if !priv.PublicKey.Equal(pub) {
			return nil, errors.New("RSA public key does not match private key")
		}
		s.method = jwt.SigningMethodRS256
		s.signKey = priv
		s.verKey = pub
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.Method)
	}

	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	return s, nil
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// AccessTTL is the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// RefreshTTL is the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

// IssueAccessToken signs a token for the user with a fresh jti.
// Returns the compact token and its expiry.
func (s *TokenService) IssueAccessToken(userID uuid.UUID, email, firstName, lastName string, roles []string) (string, time.Time, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating jti: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}

	now := s.now()
	exp := now.Add(s.cfg.AccessTTL)
	claims := AccessClaims{
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti.String(),
		},
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, exp, nil
}

// ValidateAccessToken verifies signature, algorithm, issuer, audience, iat and exp with
// zero leeway. Every failure is ErrTokenInvalid; the cause is never exposed.
func (s *TokenService) ValidateAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := s.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		// WithValidMethods already pins the alg; this also pins the key type.
		switch s.method {
		case jwt.SigningMethodHS256:
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrTokenInvalid
			}
		case jwt.SigningMethodRS256:
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, ErrTokenInvalid
			}
		}
		return s.verKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if _, err := claims.UserID(); err != nil || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// IssueRefreshToken returns 512 random bits, base64url encoded.
// The value carries no claims; it is only a lookup key into the refresh token store.
func IssueRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken returns the SHA-256 digest stored in place of the raw value.
// Malformed values (wrong encoding or length) return ErrTokenInvalid.
func HashRefreshToken(raw string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.Strict().DecodeString(raw)
	if err != nil || len(decoded) != refreshTokenBytes {
		return nil, ErrTokenInvalid
	}
	sum := sha256.Sum256(decoded)
	return sum[:], nil
}

