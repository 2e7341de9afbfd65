// handler.go -- HTTP handlers for the auth endpoints.
//
// Handlers decode input, call the Authenticator, and map its error taxonomy onto
// generic JSON responses via writeError. No credential logic lives here.
package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gofrs/uuid/v5"
	"github.com/kanzleiportal/authcore/internal/oauth"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 64 << 10

// AuthHandler holds dependencies for all HTTP handlers and middleware.
type AuthHandler struct {
	Auth           *Authenticator
	Limiter        *RateLimiter // nil disables admission control
	OAuthProviders map[string]oauth.Provider
}

// decodeJSON reads a size-capped JSON body into v. Writes 400 and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logWarn(r, "failed to decode request body", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}

// clientIP strips the port from RemoteAddr; middleware.RealIP may already have done so.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientMeta(r *http.Request) ClientMeta {
	return ClientMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

// writeError maps the error taxonomy onto HTTP responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		policyErr *PolicyError
		inputErr  *InputError
		rateErr   *RateLimitError
	)
	switch {
	case errors.As(err, &policyErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message":    "password policy violation",
			"violations": policyErr.Violations,
		})
	case errors.As(err, &inputErr):
		BadRequest(w, r, inputErr.Message)
	case errors.As(err, &rateErr):
		TooManyRequests(w, rateErr.RetryAfter)
	case errors.Is(err, ErrMFARequired):
		Unauthorized(w, r, "mfa required")
	case errors.Is(err, ErrPasswordExpired):
		Forbidden(w, "password expired")
	case errors.Is(err, ErrInvalidCredential):
		Unauthorized(w, r, "invalid credentials")
	case errors.Is(err, ErrRefreshReuse):
		logSecurity(r, "security.refresh_reuse", "refresh token reuse rejected")
		Unauthorized(w, r, "invalid token")
	case errors.Is(err, ErrTokenInvalid):
		Unauthorized(w, r, "invalid token")
	case errors.Is(err, ErrMFAAlreadyEnabled):
		Conflict(w, "mfa already enabled")
	case errors.Is(err, ErrMFANotEnrolled):
		BadRequest(w, r, "mfa not enrolled")
	case errors.Is(err, ErrStoreUnavailable):
		ServiceUnavailable(w, r, err)
	default:
		InternalServerError(w, r, err)
	}
}

// requireUserID reads the authenticated user from context. RequireAuth must have run.
func requireUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing auth context"))
		return uuid.Nil, false
	}
	return id, true
}

// --- Registration and login ---

// Register handles POST /register -- email + password signup.
// Returns 201 with user_id whether or not the email was already registered.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Phone     string `json:"phone"`
		TaxID     string `json:"tax_id"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	id, err := h.Auth.Register(r.Context(), RegisterInput{
		Email:     in.Email,
		Password:  in.Password,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Phone:     in.Phone,
		TaxID:     in.TaxID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": id.String()})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TOTPCode   string `json:"totp_code"`
	BackupCode string `json:"backup_code"`
}

func (in loginRequest) input(r *http.Request) LoginInput {
	return LoginInput{
		Email:      in.Email,
		Password:   in.Password,
		TOTPCode:   in.TOTPCode,
		BackupCode: in.BackupCode,
		Meta:       clientMeta(r),
	}
}

// Login handles POST /login -- password plus optional second factor.
// Returns 200 with a token pair, 401 "invalid credentials" or "mfa required",
// 403 "password expired".
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	pair, err := h.Auth.Login(r.Context(), in.input(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "user logged in", "user_id", pair.UserID)
	writeJSON(w, http.StatusOK, pair)
}

// RenewPassword handles POST /password/renew -- replaces an expired password using the
// full login credentials and returns a token pair.
func (h *AuthHandler) RenewPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		loginRequest
		NewPassword string `json:"new_password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	pair, err := h.Auth.RenewExpiredPassword(r.Context(), in.input(r), in.NewPassword)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "expired password renewed", "user_id", pair.UserID)
	writeJSON(w, http.StatusOK, pair)
}

// --- Tokens ---

// RefreshToken handles POST /token/refresh -- rotates the refresh token.
// A replayed token revokes its chain and answers like any invalid token.
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.RefreshToken == "" {
		Unauthorized(w, r, "invalid token")
		return
	}
	pair, err := h.Auth.Refresh(r.Context(), in.RefreshToken, clientMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout handles POST /logout -- revokes the presented refresh token of the caller.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := h.Auth.Logout(r.Context(), userID, in.RefreshToken); err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "user logged out")
	OK(w, "logged out")
}

// LogoutAll handles POST /logout-all -- revokes every refresh token of the caller.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	n, err := h.Auth.LogoutAll(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "user logged out of all devices", "revoked", n)
	OK(w, "logged out of all devices")
}

// --- Password change ---

// ChangePassword handles POST /password/change.
// Returns 200 on success, 400 with violations, 401 for a wrong current password.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var in struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.CurrentPassword == "" {
		BadRequest(w, r, "current_password required")
		return
	}
	if err := h.Auth.ChangePassword(r.Context(), userID, in.CurrentPassword, in.NewPassword, clientMeta(r)); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "password updated")
}

// --- MFA ---

// EnrollMFA handles POST /mfa/enroll -- returns the secret, provisioning URI and backup
// codes once. MFA stays inactive until confirmed.
func (h *AuthHandler) EnrollMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	enr, err := h.Auth.EnrollMFA(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, enr)
}

// ConfirmMFA handles POST /mfa/confirm -- activates the pending enrollment.
func (h *AuthHandler) ConfirmMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var in struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := h.Auth.ConfirmMFA(r.Context(), userID, in.Code, clientMeta(r)); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "mfa enabled")
}

// DisableMFA handles POST /mfa/disable -- requires the password and a current code.
func (h *AuthHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var in struct {
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := h.Auth.DisableMFA(r.Context(), userID, in.Password, in.Code, clientMeta(r)); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "mfa disabled")
}

// --- Authenticated resources ---

// Me handles GET /me -- echoes the verified access token claims.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing auth context"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserID    string   `json:"user_id"`
		Email     string   `json:"email"`
		FirstName string   `json:"first_name,omitempty"`
		LastName  string   `json:"last_name,omitempty"`
		Roles     []string `json:"roles"`
	}{claims.Subject, claims.Email, claims.FirstName, claims.LastName, claims.Roles})
}

// DownloadDocument handles GET /documents/{id}/download. Blob storage lives elsewhere;
// this route exists so the download admission class guards a real path. Returns 204.
func (h *AuthHandler) DownloadDocument(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
