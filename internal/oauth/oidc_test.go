package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIssuer serves discovery, JWKS and a token endpoint that returns a signed ID token.
type fakeIssuer struct {
	srv      *httptest.Server
	key      *rsa.PrivateKey
	clientID string

	mu           sync.Mutex
	idClaims     jwt.MapClaims
	lastVerifier string
}

func newFakeIssuer(t *testing.T, clientID string) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := &fakeIssuer{key: key, clientID: clientID}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                f.srv.URL,
			"authorization_endpoint":                f.srv.URL + "/authorize",
			"token_endpoint":                        f.srv.URL + "/token",
			"jwks_uri":                              f.srv.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.lastVerifier = r.PostForm.Get("code_verifier")
		claims := jwt.MapClaims{}
		for k, v := range f.idClaims {
			claims[k] = v
		}
		f.mu.Unlock()

		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "test-key"
		signed, err := tok.SignedString(f.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "provider-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIssuer) setClaims(c jwt.MapClaims) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idClaims = c
}

func (f *fakeIssuer) baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            f.srv.URL,
		"aud":            f.clientID,
		"sub":            "datev-subject-1",
		"email":          "erika@kanzlei.test",
		"email_verified": true,
		"given_name":     "Erika",
		"family_name":    "Mustermann",
		"iat":            now.Unix(),
		"exp":            now.Add(5 * time.Minute).Unix(),
	}
}

func newTestProvider(t *testing.T, f *fakeIssuer) *OIDCProvider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{
		Name:         "datev",
		IssuerURL:    f.srv.URL,
		ClientID:     f.clientID,
		ClientSecret: "client-secret",
		RedirectURL:  "https://portal.kanzlei.test/oauth/datev/callback",
	})
	require.NoError(t, err)
	return p
}

// --- NewOIDCProvider ---

func TestNewOIDCProvider(t *testing.T) {
	t.Run("missing fields rejected", func(t *testing.T) {
		_, err := NewOIDCProvider(context.Background(), OIDCConfig{Name: "datev"})
		assert.Error(t, err)
	})

	t.Run("unreachable issuer", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		_, err := NewOIDCProvider(context.Background(), OIDCConfig{Name: "datev", IssuerURL: srv.URL, ClientID: "c"})
		assert.Error(t, err)
	})

	t.Run("name is configured", func(t *testing.T) {
		p := newTestProvider(t, newFakeIssuer(t, "portal-client"))
		assert.Equal(t, "datev", p.Name())
	})
}

// --- AuthCodeURL ---

func TestAuthCodeURL(t *testing.T) {
	f := newFakeIssuer(t, "portal-client")
	p := newTestProvider(t, f)

	u, err := url.Parse(p.AuthCodeURL("state-123", "challenge-abc"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, f.srv.URL+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "challenge-abc", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "portal-client", q.Get("client_id"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
}

// --- Exchange ---

func TestExchange(t *testing.T) {
	f := newFakeIssuer(t, "portal-client")
	p := newTestProvider(t, f)
	ctx := context.Background()

	t.Run("verified claims are returned", func(t *testing.T) {
		f.setClaims(f.baseClaims())
		c, err := p.Exchange(ctx, "auth-code", "verifier-xyz")
		require.NoError(t, err)
		assert.Equal(t, "datev-subject-1", c.Sub)
		assert.Equal(t, "erika@kanzlei.test", c.Email)
		assert.True(t, c.EmailVerified)
		assert.Equal(t, "Erika", c.GivenName)
		assert.Equal(t, "Mustermann", c.FamilyName)

		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Equal(t, "verifier-xyz", f.lastVerifier)
	})

	t.Run("wrong audience rejected", func(t *testing.T) {
		c := f.baseClaims()
		c["aud"] = "someone-else"
		f.setClaims(c)
		_, err := p.Exchange(ctx, "auth-code", "v")
		assert.Error(t, err)
	})

	t.Run("wrong issuer rejected", func(t *testing.T) {
		c := f.baseClaims()
		c["iss"] = "https://evil.test"
		f.setClaims(c)
		_, err := p.Exchange(ctx, "auth-code", "v")
		assert.Error(t, err)
	})

	t.Run("expired id token rejected", func(t *testing.T) {
		c := f.baseClaims()
		c["exp"] = time.Now().Add(-time.Hour).Unix()
		f.setClaims(c)
		_, err := p.Exchange(ctx, "auth-code", "v")
		assert.Error(t, err)
	})
}
