// token_state.go -- Refresh token state machine.
//
//	Active --rotate--> Rotated (ReplacedByID set)
//	Active --logout/logout_all/password_change/reuse_detected--> Revoked
//	Active --time--> Expired
//
// Rows are never deleted; state is derived from the columns.
package store

import "time"

// TokenState is the derived lifecycle state of a refresh token.
type TokenState int

const (
	TokenActive TokenState = iota
	TokenRotated
	TokenRevoked
	TokenExpired
)

func (s TokenState) String() string {
	switch s {
	case TokenActive:
		return "active"
	case TokenRotated:
		return "rotated"
	case TokenRevoked:
		return "revoked"
	case TokenExpired:
		return "expired"
	}
	return "unknown"
}

// Revocation reasons recorded in reason_revoked.
const (
	ReasonRotated        = "rotated"
	ReasonLogout         = "logout"
	ReasonLogoutAll      = "logout_all"
	ReasonPasswordChange = "password_change"
	ReasonReuseDetected  = "reuse_detected"
	ReasonExpired        = "expired"
)

// State derives the token's state at now. Revocation wins over expiry so a replayed
// token that has also expired is still recognised as reuse. Rows soft-revoked by the
// expiry sweep stay Expired.
func (t *RefreshToken) State(now time.Time) TokenState {
	switch {
	case t.RevokedAt != nil && t.ReasonRevoked != nil && *t.ReasonRevoked == ReasonExpired:
		return TokenExpired
	case t.RevokedAt != nil && t.ReplacedByID != nil:
		return TokenRotated
	case t.RevokedAt != nil:
		return TokenRevoked
	case !now.Before(t.ExpiresAt):
		return TokenExpired
	default:
		return TokenActive
	}
}
