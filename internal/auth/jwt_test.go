package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rsaPEMPair(t *testing.T) (privPEM, pubPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM
}

func rsaTokenService(t *testing.T, privPEM, pubPEM []byte) *TokenService {
	t.Helper()
	cfg := testTokenConfig
	cfg.Method = MethodRS256
	cfg.Secret = nil
	cfg.PrivateKeyPEM = privPEM
	cfg.PublicKeyPEM = pubPEM
	s, err := NewTokenService(cfg)
	require.NoError(t, err)
	return s
}

// --- NewTokenService ---

func TestNewTokenService(t *testing.T) {
	t.Run("short HS256 secret rejected", func(t *testing.T) {
		cfg := testTokenConfig
		cfg.Secret = []byte("too-short")
		_, err := NewTokenService(cfg)
		assert.Error(t, err)
	})

	t.Run("unknown method rejected", func(t *testing.T) {
		cfg := testTokenConfig
		cfg.Method = "ES256"
		_, err := NewTokenService(cfg)
		assert.Error(t, err)
	})

	t.Run("missing issuer rejected", func(t *testing.T) {
		cfg := testTokenConfig
		cfg.Issuer = ""
		_, err := NewTokenService(cfg)
		assert.Error(t, err)
	})

	t.Run("mismatched RSA pair rejected", func(t *testing.T) {
		priv, _ := rsaPEMPair(t)
		_, otherPub := rsaPEMPair(t)
		cfg := testTokenConfig
		cfg.Method = MethodRS256
		cfg.PrivateKeyPEM = priv
		cfg.PublicKeyPEM = otherPub
		_, err := NewTokenService(cfg)
		assert.Error(t, err)
	})
}

// --- IssueAccessToken / ValidateAccessToken ---

func TestAccessTokenRoundTrip(t *testing.T) {
	priv, pub := rsaPEMPair(t)
	services := map[string]*TokenService{
		"HS256": testTokenService(t, fixedClock(time.Now())),
		"RS256": rsaTokenService(t, priv, pub),
	}

	for name, s := range services {
		t.Run(name, func(t *testing.T) {
			userID := uuid.Must(uuid.NewV7())
			token, exp, err := s.IssueAccessToken(userID, "mandant@kanzlei.de", "Erika", "Mustermann", []string{"client"})
			require.NoError(t, err)

			claims, err := s.ValidateAccessToken(token)
			require.NoError(t, err)
			assert.Equal(t, userID.String(), claims.Subject)
			assert.Equal(t, "mandant@kanzlei.de", claims.Email)
			assert.Equal(t, "Erika", claims.FirstName)
			assert.Equal(t, "Mustermann", claims.LastName)
			assert.Equal(t, []string{"client"}, claims.Roles)
			assert.NotEmpty(t, claims.ID)
			assert.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())

			got, err := claims.UserID()
			require.NoError(t, err)
			assert.Equal(t, userID, got)
		})
	}
}

func TestAccessTokenUniqueJTI(t *testing.T) {
	s := testTokenService(t, fixedClock(time.Now()))
	userID := uuid.Must(uuid.NewV7())

	t1, _, err := s.IssueAccessToken(userID, "a@kanzlei.de", "", "", nil)
	require.NoError(t, err)
	t2, _, err := s.IssueAccessToken(userID, "a@kanzlei.de", "", "", nil)
	require.NoError(t, err)

	c1, err := s.ValidateAccessToken(t1)
	require.NoError(t, err)
	c2, err := s.ValidateAccessToken(t2)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, []string{}, c1.Roles)
}

func TestValidateAccessTokenRejects(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{now: base}
	s := testTokenService(t, clock.Now)
	userID := uuid.Must(uuid.NewV7())

	token, exp, err := s.IssueAccessToken(userID, "mandant@kanzlei.de", "", "", []string{"client"})
	require.NoError(t, err)

	t.Run("one second before expiry is valid", func(t *testing.T) {
		clock.Set(exp.Add(-time.Second))
		_, err := s.ValidateAccessToken(token)
		assert.NoError(t, err)
	})

	t.Run("at expiry is invalid", func(t *testing.T) {
		clock.Set(exp)
		_, err := s.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("past expiry is invalid", func(t *testing.T) {
		clock.Set(exp.Add(time.Minute))
		_, err := s.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("issued in the future is invalid", func(t *testing.T) {
		clock.Set(base.Add(-time.Minute))
		_, err := s.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	clock.Set(base)

	t.Run("tampered signature", func(t *testing.T) {
		parts := strings.Split(token, ".")
		require.Len(t, parts, 3)
		sig := []byte(parts[2])
		if sig[0] == 'A' {
			sig[0] = 'B'
		} else {
			sig[0] = 'A'
		}
		_, err := s.ValidateAccessToken(parts[0] + "." + parts[1] + "." + string(sig))
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		cfg := testTokenConfig
		cfg.Issuer = "someone-else"
		other, err := NewTokenService(cfg)
		require.NoError(t, err)
		other.Now = clock.Now
		_, err = other.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("wrong audience", func(t *testing.T) {
		cfg := testTokenConfig
		cfg.Audience = "another-app"
		other, err := NewTokenService(cfg)
		require.NoError(t, err)
		other.Now = clock.Now
		_, err = other.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("different secret", func(t *testing.T) {
		cfg := testTokenConfig
		cfg.Secret = []byte(strings.Repeat("z", 32))
		other, err := NewTokenService(cfg)
		require.NoError(t, err)
		other.Now = clock.Now
		_, err = other.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, raw := range []string{"", "abc", "a.b.c", token + "x"} {
			_, err := s.ValidateAccessToken(raw)
			assert.ErrorIs(t, err, ErrTokenInvalid, "token %q", raw)
		}
	})

	t.Run("alg none", func(t *testing.T) {
		claims := AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: testTokenConfig.Issuer, Audience: jwt.ClaimStrings{testTokenConfig.Audience},
			Subject: userID.String(), ID: "x",
			ExpiresAt: jwt.NewNumericDate(base.Add(time.Hour)), IssuedAt: jwt.NewNumericDate(base),
		}}
		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = s.ValidateAccessToken(none)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})
}

func TestCrossSchemeRejected(t *testing.T) {
	priv, pub := rsaPEMPair(t)
	rs := rsaTokenService(t, priv, pub)
	hs := testTokenService(t, nil)
	userID := uuid.Must(uuid.NewV7())

	t.Run("HS256 token on RS256 service", func(t *testing.T) {
		token, _, err := hs.IssueAccessToken(userID, "a@kanzlei.de", "", "", nil)
		require.NoError(t, err)
		_, err = rs.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("RS256 token on HS256 service", func(t *testing.T) {
		token, _, err := rs.IssueAccessToken(userID, "a@kanzlei.de", "", "", nil)
		require.NoError(t, err)
		_, err = hs.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("HS256 signed with the RSA public key", func(t *testing.T) {
		now := time.Now()
		claims := AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: testTokenConfig.Issuer, Audience: jwt.ClaimStrings{testTokenConfig.Audience},
			Subject: userID.String(), ID: "forged",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)), IssuedAt: jwt.NewNumericDate(now),
		}}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(pub)
		require.NoError(t, err)
		_, err = rs.ValidateAccessToken(forged)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})
}

// --- IssueRefreshToken / HashRefreshToken ---

func TestRefreshTokenMaterial(t *testing.T) {
	a, err := IssueRefreshToken()
	require.NoError(t, err)
	b, err := IssueRefreshToken()
	require.NoError(t, err)

	assert.Len(t, a, 86) // 64 bytes, unpadded base64url
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, ".") // opaque, not a JWT

	ha, err := HashRefreshToken(a)
	require.NoError(t, err)
	assert.Len(t, ha, 32)
	ha2, err := HashRefreshToken(a)
	require.NoError(t, err)
	assert.Equal(t, ha, ha2)

	for _, bad := range []string{"", "short", a[:85], a + "A", "!!" + a[2:]} {
		_, err := HashRefreshToken(bad)
		assert.ErrorIs(t, err, ErrTokenInvalid, "value %q", bad)
	}
}
