// errors.go -- Error taxonomy shared by the auth services and HTTP layer.
//
// Handlers map these to generic responses; nothing here carries internal detail
// that is safe to show a client except PolicyError.Violations.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

var (
	// ErrInvalidCredential covers every authentication mismatch: unknown email, wrong
	// password, wrong TOTP or backup code. Callers must not learn which factor failed.
	ErrInvalidCredential = errors.New("invalid credentials")

	// ErrTokenInvalid covers expired, malformed, badly signed, unknown, or replayed tokens.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrRefreshReuse is matched by *ReuseError via errors.Is, alongside ErrTokenInvalid.
	ErrRefreshReuse = errors.New("refresh token reuse")

	// ErrPolicyViolation is matched by *PolicyError via errors.Is.
	ErrPolicyViolation = errors.New("password policy violation")

	// ErrRateLimited is matched by *RateLimitError via errors.Is.
	ErrRateLimited = errors.New("rate limited")

	// ErrStoreUnavailable means a credential or token decision could not be made because
	// Postgres (or another backing store) failed. Authentication fails closed on it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrMFARequired is returned by Login when the password matched but the account has
	// MFA enabled and no second factor was supplied.
	ErrMFARequired = errors.New("mfa required")

	// ErrPasswordExpired is returned by Login when the password is older than the policy's MaxAge.
	ErrPasswordExpired = errors.New("password expired")

	// ErrMFAAlreadyEnabled is returned by EnrollMFA/ConfirmMFA on an account with active MFA.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")

	// ErrMFANotEnrolled is returned when confirming or disabling MFA with no enrollment on file.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")

	// ErrInvalidInput is matched by *InputError via errors.Is.
	ErrInvalidInput = errors.New("invalid input")
)

// InputError rejects malformed registration input. Message is safe to show the user.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return "invalid input: " + e.Message }

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

// PolicyError lists every password rule the candidate failed.
// Violations are safe to show the user.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return "password policy violation: " + strings.Join(e.Violations, "; ")
}

// Is lets errors.Is(err, ErrPolicyViolation) match.
func (e *PolicyError) Is(target error) bool { return target == ErrPolicyViolation }

// RateLimitError is an admission denial with a retry hint.
type RateLimitError struct {
	Class      EndpointClass
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Class, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ReuseError is returned by RefreshLifecycle.Rotate when a rotated or revoked token was
// presented again. The chain has already been revoked when the caller sees it.
// errors.Is(err, ErrTokenInvalid) is true so the HTTP layer answers like any bad token.
type ReuseError struct {
	UserID   uuid.UUID
	FamilyID uuid.UUID
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("refresh token reuse detected (user %s, family %s)", e.UserID, e.FamilyID)
}

func (e *ReuseError) Is(target error) bool {
	return target == ErrTokenInvalid || target == ErrRefreshReuse
}
