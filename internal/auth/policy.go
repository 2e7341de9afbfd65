// policy.go -- Password complexity, history, and expiry rules.
package auth

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/kanzleiportal/authcore/internal/store"
)

// PasswordPolicy defines the rules applied at registration and password change.
//
//	MinLength and MaxLength count runes; 0 disables the bound.
//	Each Require* flag gates one character-class check.
//	HistorySize is how many prior hashes are kept and checked for reuse.
//	MaxAge is the validity window from the last change; 0 means passwords never expire.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool
	HistorySize      int
	MaxAge           time.Duration
}

// DefaultPasswordPolicy: 12+ chars, all four classes, last 5 hashes, 90 day expiry.
var DefaultPasswordPolicy = PasswordPolicy{
	MinLength:        12,
	MaxLength:        128,
	RequireUppercase: true,
	RequireLowercase: true,
	RequireDigit:     true,
	RequireSpecial:   true,
	HistorySize:      5,
	MaxAge:           90 * 24 * time.Hour,
}

// specialChars defines which characters satisfy the RequireSpecial rule.
// All printable non-alphanumeric ASCII punctuation and symbols.
const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// violationReused is reported by callers when IsReused matches.
const violationReused = "Password was used recently"

// Validate checks password against every enabled rule and returns all failures.
// An empty slice means the password is acceptable.
func (p PasswordPolicy) Validate(password string) []string {
	var failures []string

	if password == "" {
		return []string{"No password provided"}
	}

	n := utf8.RuneCountInString(password)
	if p.MinLength > 0 && n < p.MinLength {
		failures = append(failures, fmt.Sprintf("Password must be at least %d characters", p.MinLength))
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		failures = append(failures, fmt.Sprintf("Password must be at most %d characters", p.MaxLength))
	}

	var seenUpper, seenLower, seenDigit, seenSpecial, seenControl bool
	for _, r := range password {
		switch {
		case unicode.IsControl(r):
			seenControl = true
		case unicode.IsUpper(r):
			seenUpper = true
		case unicode.IsLower(r):
			seenLower = true
		case unicode.IsDigit(r):
			seenDigit = true
		case strings.ContainsRune(specialChars, r):
			seenSpecial = true
		}
	}

	if seenControl {
		failures = append(failures, "Password contains invalid characters")
	}
	if p.RequireUppercase && !seenUpper {
		failures = append(failures, "Password must contain at least one uppercase letter")
	}
	if p.RequireLowercase && !seenLower {
		failures = append(failures, "Password must contain at least one lowercase letter")
	}
	if p.RequireDigit && !seenDigit {
		failures = append(failures, "Password must contain at least one digit")
	}
	if p.RequireSpecial && !seenSpecial {
		failures = append(failures, "Password must contain at least one special character")
	}

	return failures
}

// Check is Validate as an error: nil, or a *PolicyError listing every failure.
func (p PasswordPolicy) Check(password string) error {
	if v := p.Validate(password); len(v) > 0 {
		return &PolicyError{Violations: v}
	}
	return nil
}

// IsReused reports whether candidate matches any of the newest HistorySize entries.
// history must be ordered newest first. Stored values are salted Argon2id hashes, so the
// candidate is verified against each one; every retained entry is checked, no early exit.
func (p PasswordPolicy) IsReused(h *PasswordHasher, candidate string, history []store.PasswordHistoryEntry) bool {
	limit := min(len(history), p.HistorySize)
	reused := false
	for _, entry := range history[:limit] {
		if h.Verify(candidate, entry.PasswordHash) {
			reused = true
		}
	}
	return reused
}

// ExpiresAt returns when a password changed at changedAt stops being valid.
// The zero time means it never expires.
func (p PasswordPolicy) ExpiresAt(changedAt time.Time) time.Time {
	if p.MaxAge <= 0 {
		return time.Time{}
	}
	return changedAt.Add(p.MaxAge)
}

// IsExpired reports whether a password changed at changedAt has expired at now.
func (p PasswordPolicy) IsExpired(changedAt, now time.Time) bool {
	exp := p.ExpiresAt(changedAt)
	return !exp.IsZero() && !now.Before(exp)
}
