// oauth.go -- Sign-in through external identity providers (Google, DATEV, any OIDC issuer).
// Issuer specifics live in internal/oauth; this file only runs the browser round-trip.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kanzleiportal/authcore/internal/oauth"
)

const (
	oauthStateCookieName = "__Host-oauth-state"
	oauthStateLifetime   = 10 * time.Minute
)

var (
	errStateMissing   = errors.New("missing oauth state")
	errStateMalformed = errors.New("invalid oauth state")
)

// oauthStateCookie travels in the browser between redirect and callback.
type oauthStateCookie struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
}

// OAuthRedirect handles GET /oauth/{provider}. It pins a fresh state and PKCE verifier
// to the browser and sends it to the issuer's consent page.
func (h *AuthHandler) OAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(r, w)
	if !ok {
		return
	}

	state, err := randomURLToken()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	verifier, err := randomURLToken()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	payload, _ := json.Marshal(oauthStateCookie{State: state, Verifier: verifier})
	http.SetCookie(w, stateCookie(base64.RawURLEncoding.EncodeToString(payload), int(oauthStateLifetime.Seconds())))
	http.Redirect(w, r, provider.AuthCodeURL(state, pkceChallenge(verifier)), http.StatusFound)
}

// OAuthCallback handles GET /oauth/{provider}/callback. The state cookie is single use;
// once the issuer's claims check out the identity gets a token pair like any password login.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(r, w)
	if !ok {
		return
	}

	sc, err := readOAuthState(r)
	http.SetCookie(w, stateCookie("", -1))
	if err != nil {
		logWarn(r, "oauth callback rejected", "reason", err, "provider", provider.Name())
		BadRequest(w, r, err.Error())
		return
	}

	query := r.URL.Query()
	if sc.State == "" || subtle.ConstantTimeCompare([]byte(sc.State), []byte(query.Get("state"))) != 1 {
		logWarn(r, "oauth callback: state mismatch", "provider", provider.Name())
		Unauthorized(w, r, errStateMalformed.Error())
		return
	}

	claims, err := provider.Exchange(r.Context(), query.Get("code"), sc.Verifier)
	if err != nil {
		logWarn(r, "oauth callback: code exchange failed", "error", err, "provider", provider.Name())
		Unauthorized(w, r, "oauth authentication failed")
		return
	}
	if !claims.EmailVerified {
		Unauthorized(w, r, "oauth account email is not verified")
		return
	}

	pair, err := h.Auth.ExternalLogin(r.Context(), ExternalIdentity{
		Provider:      provider.Name(),
		ExternalID:    claims.Sub,
		Email:         claims.Email,
		FirstName:     claims.GivenName,
		LastName:      claims.FamilyName,
		EmailVerified: claims.EmailVerified,
	}, clientMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "external login", "user_id", pair.UserID, "provider", provider.Name())
	writeJSON(w, http.StatusOK, pair)
}

// oauthProvider resolves the {provider} segment. Unknown names get a 404.
func (h *AuthHandler) oauthProvider(r *http.Request, w http.ResponseWriter) (oauth.Provider, bool) {
	p, ok := h.OAuthProviders[chi.URLParam(r, "provider")]
	if !ok {
		NotFound(w)
	}
	return p, ok
}

func readOAuthState(r *http.Request) (oauthStateCookie, error) {
	var sc oauthStateCookie
	c, err := r.Cookie(oauthStateCookieName)
	if err != nil {
		return sc, errStateMissing
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return sc, errStateMalformed
	}
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sc, errStateMalformed
	}
	return sc, nil
}

// stateCookie builds the __Host- cookie; maxAge -1 deletes it.
func stateCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

// randomURLToken returns 32 random bytes, base64url without padding (43 chars, a valid PKCE verifier).
func randomURLToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// pkceChallenge is the S256 transform of verifier.
func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
