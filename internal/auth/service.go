// service.go -- Authenticator: the credential and session flows behind the HTTP layer.
//
// Every flow returns the error taxonomy from errors.go. Credential and token decisions
// fail closed on store errors; profile caching and notices are best effort.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/kanzleiportal/authcore/internal/mail"
	"github.com/kanzleiportal/authcore/internal/store"
)

// Store defines the user, password history and MFA persistence needed by Authenticator.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type Store interface {
	// CreateUser inserts a user and, for password users, the first history entry.
	// Returns store.ErrDuplicateEmail if the email is taken.
	CreateUser(ctx context.Context, u *store.User) error

	// GetUserByEmail fetches a user by normalized email. Returns store.ErrNotFound if absent.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)

	// GetUserByID fetches a user by ID. Returns store.ErrNotFound if absent.
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// GetUserByOAuthProvider fetches the user linked to an external identity.
	GetUserByOAuthProvider(ctx context.Context, provider, providerID string) (*store.User, error)

	// LinkOAuthToUser attaches an external identity to an unlinked account.
	// Returns store.ErrNotFound if the account is missing or already linked.
	LinkOAuthToUser(ctx context.Context, userID uuid.UUID, provider, providerID string) error

	// UpdateUserPassword stores a new hash, appends it to the history and trims the
	// history to the newest keep entries, atomically.
	UpdateUserPassword(ctx context.Context, userID uuid.UUID, passwordHash string, changedAt time.Time, keep int) error

	// GetPasswordHistory returns up to limit entries, newest first.
	GetPasswordHistory(ctx context.Context, userID uuid.UUID, limit int) ([]store.PasswordHistoryEntry, error)

	// UpsertMFASecret replaces any enrollment with a new, not yet enabled one.
	UpsertMFASecret(ctx context.Context, m *store.MFASecret) error

	// GetMFASecret returns the decrypted enrollment. Returns store.ErrNotFound if none.
	GetMFASecret(ctx context.Context, userID uuid.UUID) (*store.MFASecret, error)

	// EnableMFA activates a pending enrollment. Returns store.ErrNotFound if none is pending.
	EnableMFA(ctx context.Context, userID uuid.UUID, at time.Time) error

	// DisableMFA deletes the enrollment.
	DisableMFA(ctx context.Context, userID uuid.UUID) error

	// ConsumeBackupCode removes codeHash atomically. Returns store.ErrBackupCodeUsed if gone.
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) error

	// CheckHealth pings the database.
	CheckHealth(ctx context.Context) error
}

// ProfileCache caches the claim profile minted into access tokens.
// Satisfied by *store.RedisStore -- defined here (at consumer) per Go convention.
type ProfileCache interface {
	// GetProfile returns store.ErrCacheMiss when absent.
	GetProfile(ctx context.Context, userID uuid.UUID) (*store.CachedProfile, error)
	SetProfile(ctx context.Context, p *store.CachedProfile, ttl time.Duration) error
	DeleteProfile(ctx context.Context, userID uuid.UUID) error
	CheckHealth(ctx context.Context) error
}

// Authenticator wires the credential primitives into complete flows.
// Construct once at startup; all fields are read-only afterwards.
type Authenticator struct {
	Store         Store
	Cache         ProfileCache // nil disables profile caching
	Hasher        *PasswordHasher
	Policy        PasswordPolicy
	TOTP          *TOTPService
	Tokens        *TokenService
	RefreshTokens *RefreshLifecycle
	Mailer        mail.Mailer      // nil disables security notices
	Timeout       time.Duration    // bound on each store call; 0 disables
	ProfileTTL    time.Duration    // cached profile lifetime; 0 disables caching
	Now           func() time.Time // nil means time.Now
}

// RegisterInput is a new password account.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	TaxID     string
}

// LoginInput is one password login attempt. At most one of TOTPCode and BackupCode
// is used; TOTPCode wins when both are set.
type LoginInput struct {
	Email      string
	Password   string
	TOTPCode   string
	BackupCode string
	Meta       ClientMeta
}

// TokenPair is what a successful login or refresh hands to the client.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"` // seconds
	AccessExpiresAt  time.Time `json:"-"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserID           uuid.UUID `json:"user_id"`
}

// MFAEnrollment is returned once by EnrollMFA; backup codes are never shown again.
type MFAEnrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// ExternalIdentity is a verified identity from an OIDC provider.
type ExternalIdentity struct {
	Provider      string
	ExternalID    string
	Email         string
	FirstName     string
	LastName      string
	EmailVerified bool
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authenticator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Timeout > 0 {
		return context.WithTimeout(ctx, a.Timeout)
	}
	return context.WithCancel(ctx)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// --- Register ---

// Register creates a password account and returns its ID.
// An already registered email returns a fresh, never persisted ID and no error, so the
// response does not reveal which addresses have accounts.
func (a *Authenticator) Register(ctx context.Context, in RegisterInput) (uuid.UUID, error) {
	email := normalizeEmail(in.Email)
	if msg := ValidateEmail(email); msg != "" {
		return uuid.Nil, &InputError{Message: msg}
	}
	if err := a.Policy.Check(in.Password); err != nil {
		return uuid.Nil, err
	}

	hash, err := a.Hasher.Hash(in.Password)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating user id: %w", err)
	}
	now := a.now()
	u := &store.User{
		ID:                id,
		Email:             email,
		FirstName:         strOrNil(strings.TrimSpace(in.FirstName)),
		LastName:          strOrNil(strings.TrimSpace(in.LastName)),
		Phone:             strOrNil(strings.TrimSpace(in.Phone)),
		TaxID:             strOrNil(strings.TrimSpace(in.TaxID)),
		PasswordHash:      &hash,
		PasswordChangedAt: &now,
		Roles:             []string{"client"},
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.Store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			slog.Info("registration attempted with existing email")
			return id, nil
		}
		return uuid.Nil, storeErr("creating user", err)
	}
	slog.Info("user registered", "user_id", id)
	return id, nil
}

// --- Login ---

// Login verifies password and, when enrolled, the second factor, then issues a token pair.
// Returns ErrInvalidCredential for any mismatch and ErrPasswordExpired when everything
// matched but the password is too old. ErrMFARequired answers any attempt on an
// MFA account that carries no code, whether or not the password was right.
func (a *Authenticator) Login(ctx context.Context, in LoginInput) (*TokenPair, error) {
	user, err := a.authenticate(ctx, in, false)
	if err != nil {
		return nil, err
	}
	return a.issuePair(ctx, user, in.Meta)
}

// RenewExpiredPassword authenticates like Login, replaces the password, and issues a pair.
// It is the only way past ErrPasswordExpired.
func (a *Authenticator) RenewExpiredPassword(ctx context.Context, in LoginInput, newPassword string) (*TokenPair, error) {
	user, err := a.authenticate(ctx, in, true)
	if err != nil {
		return nil, err
	}
	if err := a.replacePassword(ctx, user, newPassword, in.Meta); err != nil {
		return nil, err
	}
	return a.issuePair(ctx, user, in.Meta)
}

// authenticate runs both factors and returns the matched user. Unless renewing, an
// expired password ends in ErrPasswordExpired; a backup code presented on that path is
// checked but left unspent so the renewal can use it.
func (a *Authenticator) authenticate(ctx context.Context, in LoginInput, renewing bool) (*store.User, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		a.Hasher.VerifyDummy(in.Password)
		return nil, ErrInvalidCredential
	}

	lookupCtx, cancel := a.withTimeout(ctx)
	user, err := a.Store.GetUserByEmail(lookupCtx, email)
	cancel()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr("fetching user for login", err)
	}
	if user == nil || user.PasswordHash == nil {
		// Same Argon2id cost as the found-user path.
		a.Hasher.VerifyDummy(in.Password)
		slog.Info("login attempted for unknown or passwordless account")
		return nil, ErrInvalidCredential
	}
	passwordOK := a.Hasher.Verify(in.Password, *user.PasswordHash)

	mfa, err := a.enabledMFA(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	hasCode := strings.TrimSpace(in.TOTPCode) != "" || strings.TrimSpace(in.BackupCode) != ""
	if mfa != nil && !hasCode {
		return nil, ErrMFARequired
	}
	if !passwordOK {
		slog.Info("login attempted with incorrect password", "user_id", user.ID)
		return nil, ErrInvalidCredential
	}

	expired := !renewing && a.passwordExpired(user)
	if mfa != nil {
		if err := a.verifySecondFactor(ctx, user.ID, mfa, in.TOTPCode, in.BackupCode, !expired); err != nil {
			return nil, err
		}
	}
	if expired {
		slog.Info("login with expired password", "user_id", user.ID)
		return nil, ErrPasswordExpired
	}
	return user, nil
}

// enabledMFA returns the active enrollment of userID, or nil when MFA is off.
func (a *Authenticator) enabledMFA(ctx context.Context, userID uuid.UUID) (*store.MFASecret, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	m, err := a.Store.GetMFASecret(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, storeErr("fetching mfa secret", err)
	case !m.Enabled:
		return nil, nil
	}
	return m, nil
}

// verifySecondFactor checks a TOTP code, or else a backup code. With spend false a
// matching backup code is accepted but not consumed.
func (a *Authenticator) verifySecondFactor(ctx context.Context, userID uuid.UUID, m *store.MFASecret, totpCode, backupCode string, spend bool) error {
	if strings.TrimSpace(totpCode) != "" {
		if a.TOTP.Validate(m.Secret, totpCode) {
			return nil
		}
		slog.Info("login attempted with incorrect totp code", "user_id", userID)
		return ErrInvalidCredential
	}
	matched := a.matchBackupCode(m.BackupCodeHashes, backupCode)
	if matched == "" {
		slog.Info("login attempted with incorrect backup code", "user_id", userID)
		return ErrInvalidCredential
	}
	if !spend {
		return nil
	}
	return a.consumeBackupCode(ctx, userID, matched, len(m.BackupCodeHashes)-1)
}

// matchBackupCode returns the stored hash code matches, or "". Every hash is checked.
func (a *Authenticator) matchBackupCode(hashes []string, code string) string {
	normalized := normalizeBackupCode(code)
	matched := ""
	for _, h := range hashes {
		if a.Hasher.Verify(normalized, h) && matched == "" {
			matched = h
		}
	}
	return matched
}

// consumeBackupCode removes the matched hash atomically so a code works once even
// under concurrent use.
func (a *Authenticator) consumeBackupCode(ctx context.Context, userID uuid.UUID, matched string, remaining int) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.Store.ConsumeBackupCode(ctx, userID, matched); err != nil {
		if errors.Is(err, store.ErrBackupCodeUsed) {
			return ErrInvalidCredential
		}
		return storeErr("consuming backup code", err)
	}
	slog.Info("backup code used", "user_id", userID, "remaining", remaining)
	return nil
}

func (a *Authenticator) passwordExpired(u *store.User) bool {
	if u.PasswordChangedAt == nil {
		return false
	}
	return a.Policy.IsExpired(*u.PasswordChangedAt, a.now())
}

// issuePair mints an access token and starts a new refresh chain.
func (a *Authenticator) issuePair(ctx context.Context, u *store.User, meta ClientMeta) (*TokenPair, error) {
	p := profileFromUser(u)
	access, exp, err := a.Tokens.IssueAccessToken(p.UserID, p.Email, p.FirstName, p.LastName, p.Roles)
	if err != nil {
		return nil, err
	}
	ref, err := a.RefreshTokens.Issue(ctx, u.ID, meta)
	if err != nil {
		return nil, err
	}
	a.cacheProfile(ctx, p)
	slog.Info("token pair issued", "user_id", u.ID, "family_id", ref.FamilyID)
	return a.pair(access, exp, ref), nil
}

func (a *Authenticator) pair(access string, exp time.Time, ref *IssuedRefresh) *TokenPair {
	return &TokenPair{
		AccessToken:      access,
		TokenType:        "Bearer",
		ExpiresIn:        int64(a.Tokens.AccessTTL().Seconds()),
		AccessExpiresAt:  exp,
		RefreshToken:     ref.Token,
		RefreshExpiresAt: ref.ExpiresAt,
		UserID:           ref.UserID,
	}
}

// --- Refresh / logout ---

// Refresh rotates the presented refresh token and mints a new access token.
// A replayed token revokes its chain, triggers a security notice, and returns an
// error matching both ErrTokenInvalid and ErrRefreshReuse.
//
// The claim profile is loaded before rotating: once Rotate commits, nothing may fail,
// or the client is left holding only the rotated token.
func (a *Authenticator) Refresh(ctx context.Context, presented string, meta ClientMeta) (*TokenPair, error) {
	owner, err := a.RefreshTokens.Owner(ctx, presented)
	if err != nil {
		return nil, err
	}
	p, err := a.loadProfile(ctx, owner)
	if err != nil {
		return nil, err
	}
	access, exp, err := a.Tokens.IssueAccessToken(p.UserID, p.Email, p.FirstName, p.LastName, p.Roles)
	if err != nil {
		return nil, err
	}

	issued, err := a.RefreshTokens.Rotate(ctx, presented, meta)
	if err != nil {
		var reuse *ReuseError
		if errors.As(err, &reuse) && reuse.UserID != uuid.Nil {
			a.notifyUser(ctx, reuse.UserID, mail.NoticeRefreshReuse, meta)
		}
		return nil, err
	}
	return a.pair(access, exp, issued), nil
}

// Logout revokes one refresh token of userID. Idempotent.
func (a *Authenticator) Logout(ctx context.Context, userID uuid.UUID, presented string) error {
	return a.RefreshTokens.Revoke(ctx, userID, presented, store.ReasonLogout)
}

// LogoutAll revokes every refresh token of userID and drops the cached profile.
func (a *Authenticator) LogoutAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := a.RefreshTokens.RevokeAll(ctx, userID, store.ReasonLogoutAll)
	if err != nil {
		return 0, err
	}
	a.dropProfile(ctx, userID)
	return n, nil
}

// --- Password change ---

// ChangePassword verifies the current password and replaces it. Every refresh token of
// the user is revoked; access tokens already issued stay valid until they expire.
func (a *Authenticator) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string, meta ClientMeta) error {
	uctx, cancel := a.withTimeout(ctx)
	user, err := a.Store.GetUserByID(uctx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredential
		}
		return storeErr("fetching user", err)
	}
	if user.PasswordHash == nil || !a.Hasher.Verify(current, *user.PasswordHash) {
		slog.Info("password change with incorrect current password", "user_id", userID)
		return ErrInvalidCredential
	}
	return a.replacePassword(ctx, user, next, meta)
}

// replacePassword applies policy and history, stores the new hash, ends all sessions.
func (a *Authenticator) replacePassword(ctx context.Context, user *store.User, next string, meta ClientMeta) error {
	if err := a.Policy.Check(next); err != nil {
		return err
	}

	hctx, cancel := a.withTimeout(ctx)
	history, err := a.Store.GetPasswordHistory(hctx, user.ID, a.Policy.HistorySize)
	cancel()
	if err != nil {
		return storeErr("fetching password history", err)
	}
	reused := a.Policy.IsReused(a.Hasher, next, history)
	if user.PasswordHash != nil && a.Hasher.Verify(next, *user.PasswordHash) {
		reused = true
	}
	if reused {
		return &PolicyError{Violations: []string{violationReused}}
	}

	hash, err := a.Hasher.Hash(next)
	if err != nil {
		return err
	}
	now := a.now()
	uctx, cancel := a.withTimeout(ctx)
	err = a.Store.UpdateUserPassword(uctx, user.ID, hash, now, a.Policy.HistorySize)
	cancel()
	if err != nil {
		return storeErr("updating password", err)
	}
	user.PasswordHash = &hash
	user.PasswordChangedAt = &now

	n, err := a.RefreshTokens.RevokeAll(ctx, user.ID, store.ReasonPasswordChange)
	if err != nil {
		return err
	}
	a.dropProfile(ctx, user.ID)
	slog.Info("password changed", "user_id", user.ID, "sessions_revoked", n)
	a.notify(ctx, user, mail.NoticePasswordChanged, meta)
	return nil
}

// --- MFA ---

// EnrollMFA creates a pending enrollment: a new secret and a new set of backup codes.
// Any previous pending enrollment is replaced. Returns ErrMFAAlreadyEnabled when MFA is active.
func (a *Authenticator) EnrollMFA(ctx context.Context, userID uuid.UUID) (*MFAEnrollment, error) {
	uctx, cancel := a.withTimeout(ctx)
	user, err := a.Store.GetUserByID(uctx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, storeErr("fetching user", err)
	}

	mctx, cancel := a.withTimeout(ctx)
	existing, err := a.Store.GetMFASecret(mctx, userID)
	cancel()
	switch {
	case err == nil && existing.Enabled:
		return nil, ErrMFAAlreadyEnabled
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, storeErr("fetching mfa secret", err)
	}

	secret, err := a.TOTP.GenerateSecret()
	if err != nil {
		return nil, err
	}
	uri, err := a.TOTP.ProvisioningURI(secret, user.Email)
	if err != nil {
		return nil, err
	}
	codes, err := a.TOTP.GenerateBackupCodes(DefaultBackupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		if hashes[i], err = a.Hasher.Hash(normalizeBackupCode(c)); err != nil {
			return nil, err
		}
	}

	uctx, cancel = a.withTimeout(ctx)
	defer cancel()
	if err := a.Store.UpsertMFASecret(uctx, &store.MFASecret{
		UserID:           userID,
		Secret:           secret,
		BackupCodeHashes: hashes,
	}); err != nil {
		return nil, storeErr("storing mfa secret", err)
	}
	slog.Info("mfa enrollment started", "user_id", userID)
	return &MFAEnrollment{Secret: secret, ProvisioningURI: uri, BackupCodes: codes}, nil
}

// ConfirmMFA enables a pending enrollment once the user proves possession with a valid code.
func (a *Authenticator) ConfirmMFA(ctx context.Context, userID uuid.UUID, code string, meta ClientMeta) error {
	mctx, cancel := a.withTimeout(ctx)
	m, err := a.Store.GetMFASecret(mctx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMFANotEnrolled
		}
		return storeErr("fetching mfa secret", err)
	}
	if m.Enabled {
		return ErrMFAAlreadyEnabled
	}
	if !a.TOTP.Validate(m.Secret, code) {
		return ErrInvalidCredential
	}

	ectx, cancel := a.withTimeout(ctx)
	err = a.Store.EnableMFA(ectx, userID, a.now())
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMFAAlreadyEnabled
		}
		return storeErr("enabling mfa", err)
	}
	slog.Info("mfa enabled", "user_id", userID)
	a.notifyUser(ctx, userID, mail.NoticeMFAEnabled, meta)
	return nil
}

// DisableMFA removes the enrollment. Requires the password and, for an active
// enrollment, a valid TOTP code.
func (a *Authenticator) DisableMFA(ctx context.Context, userID uuid.UUID, password, code string, meta ClientMeta) error {
	uctx, cancel := a.withTimeout(ctx)
	user, err := a.Store.GetUserByID(uctx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredential
		}
		return storeErr("fetching user", err)
	}
	if user.PasswordHash == nil || !a.Hasher.Verify(password, *user.PasswordHash) {
		return ErrInvalidCredential
	}

	mctx, cancel := a.withTimeout(ctx)
	m, err := a.Store.GetMFASecret(mctx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMFANotEnrolled
		}
		return storeErr("fetching mfa secret", err)
	}
	if m.Enabled && !a.TOTP.Validate(m.Secret, code) {
		return ErrInvalidCredential
	}

	dctx, cancel := a.withTimeout(ctx)
	err = a.Store.DisableMFA(dctx, userID)
	cancel()
	if err != nil {
		return storeErr("disabling mfa", err)
	}
	slog.Info("mfa disabled", "user_id", userID, "was_enabled", m.Enabled)
	if m.Enabled {
		a.notify(ctx, user, mail.NoticeMFADisabled, meta)
	}
	return nil
}

// --- External identity ---

// ExternalLogin signs in a verified external identity. The account is found by
// (provider, external id), else an unlinked account with the same email is linked,
// else a new passwordless account is created. Unverified emails are rejected.
func (a *Authenticator) ExternalLogin(ctx context.Context, id ExternalIdentity, meta ClientMeta) (*TokenPair, error) {
	email := normalizeEmail(id.Email)
	if !id.EmailVerified || id.Provider == "" || id.ExternalID == "" || ValidateEmail(email) != "" {
		return nil, ErrInvalidCredential
	}

	user, err := a.resolveExternalUser(ctx, id, email)
	if err != nil {
		return nil, err
	}
	return a.issuePair(ctx, user, meta)
}

func (a *Authenticator) resolveExternalUser(ctx context.Context, id ExternalIdentity, email string) (*store.User, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	user, err := a.Store.GetUserByOAuthProvider(ctx, id.Provider, id.ExternalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr("fetching user by external identity", err)
	}

	user, err = a.Store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if err := a.Store.LinkOAuthToUser(ctx, user.ID, id.Provider, id.ExternalID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Account already carries a different external identity.
				slog.Warn("external login for account linked elsewhere", "user_id", user.ID, "provider", id.Provider)
				return nil, ErrInvalidCredential
			}
			return nil, storeErr("linking external identity", err)
		}
		slog.Info("external identity linked", "user_id", user.ID, "provider", id.Provider)
		user.OAuthProvider, user.OAuthProviderID = &id.Provider, &id.ExternalID
		return user, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeErr("fetching user by email", err)
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating user id: %w", err)
	}
	user = &store.User{
		ID:              uid,
		Email:           email,
		FirstName:       strOrNil(id.FirstName),
		LastName:        strOrNil(id.LastName),
		Roles:           []string{"client"},
		OAuthProvider:   &id.Provider,
		OAuthProviderID: &id.ExternalID,
	}
	if err := a.Store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrInvalidCredential
		}
		return nil, storeErr("creating external user", err)
	}
	slog.Info("user created from external identity", "user_id", uid, "provider", id.Provider)
	return user, nil
}

// --- Health ---

// CheckHealth pings the store and, if configured, the cache.
// cacheErr is nil when no cache is configured.
func (a *Authenticator) CheckHealth(ctx context.Context) (dbErr, cacheErr error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	dbErr = a.Store.CheckHealth(ctx)
	if a.Cache != nil {
		cacheErr = a.Cache.CheckHealth(ctx)
	}
	return dbErr, cacheErr
}

// --- Profile cache ---

func profileFromUser(u *store.User) *store.CachedProfile {
	p := &store.CachedProfile{UserID: u.ID, Email: u.Email, Roles: u.Roles}
	if u.FirstName != nil {
		p.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		p.LastName = *u.LastName
	}
	if p.Roles == nil {
		p.Roles = []string{}
	}
	return p
}

// loadProfile reads the cache, falling back to Postgres and repopulating.
func (a *Authenticator) loadProfile(ctx context.Context, userID uuid.UUID) (*store.CachedProfile, error) {
	if a.Cache != nil && a.ProfileTTL > 0 {
		cctx, cancel := a.withTimeout(ctx)
		p, err := a.Cache.GetProfile(cctx, userID)
		cancel()
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrCacheMiss) {
			slog.Warn("profile cache read failed, falling back to postgres", "user_id", userID, "error", err)
		}
	}

	uctx, cancel := a.withTimeout(ctx)
	user, err := a.Store.GetUserByID(uctx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, storeErr("fetching user profile", err)
	}
	p := profileFromUser(user)
	a.cacheProfile(ctx, p)
	return p, nil
}

func (a *Authenticator) cacheProfile(ctx context.Context, p *store.CachedProfile) {
	if a.Cache == nil || a.ProfileTTL <= 0 {
		return
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.Cache.SetProfile(ctx, p, a.ProfileTTL); err != nil {
		slog.Warn("failed to cache profile", "user_id", p.UserID, "error", err)
	}
}

func (a *Authenticator) dropProfile(ctx context.Context, userID uuid.UUID) {
	if a.Cache == nil {
		return
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.Cache.DeleteProfile(ctx, userID); err != nil {
		slog.Warn("failed to drop cached profile", "user_id", userID, "error", err)
	}
}

// --- Notices ---

// notifyUser looks the user up and sends notice; lookup and send failures are logged only.
func (a *Authenticator) notifyUser(ctx context.Context, userID uuid.UUID, notice mail.Notice, meta ClientMeta) {
	if a.Mailer == nil {
		return
	}
	uctx, cancel := a.withTimeout(ctx)
	user, err := a.Store.GetUserByID(uctx, userID)
	cancel()
	if err != nil {
		slog.Warn("security notice skipped, user lookup failed", "user_id", userID, "notice", notice, "error", err)
		return
	}
	a.notify(ctx, user, notice, meta)
}

func (a *Authenticator) notify(ctx context.Context, user *store.User, notice mail.Notice, meta ClientMeta) {
	if a.Mailer == nil {
		return
	}
	vars := map[string]string{
		"time": a.now().UTC().Format("2006-01-02 15:04 MST"),
		"ip":   meta.IP,
	}
	if user.FirstName != nil {
		vars["firstName"] = *user.FirstName
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.Mailer.SendSecurityNotice(ctx, user.Email, notice, vars); err != nil {
		slog.Warn("failed to send security notice", "user_id", user.ID, "notice", notice, "error", err)
	}
}
