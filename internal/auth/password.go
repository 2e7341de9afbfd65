// password.go

// Argon2id password hashing and verification.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	netmail "net/mail"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params are the Argon2id cost parameters used for new hashes.
// Verification always uses the parameters encoded in the stored hash.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	SaltLen   uint32
	KeyLen    uint32
}

// DefaultArgon2Params: 4 iterations, 128 MiB, 2 lanes, 128-bit salt, 256-bit key.
var DefaultArgon2Params = Argon2Params{
	Time:      4,
	MemoryKiB: 128 * 1024,
	Threads:   2,
	SaltLen:   16,
	KeyLen:    32,
}

// Upper bounds accepted when parsing a stored hash, so a tampered row cannot make
// Verify allocate gigabytes or spin for minutes.
const (
	maxArgonMemoryKiB = 1024 * 1024
	maxArgonTime      = 16
	minArgonSaltLen   = 16
	minArgonKeyLen    = 16
	maxArgonKeyLen    = 64
)

// PasswordHasher hashes and verifies passwords with Argon2id in PHC string format:
//
//	$argon2id$v=19$m=131072,t=4,p=2$<base64 salt>$<base64 key>
type PasswordHasher struct {
	params Argon2Params
	dummy  string
}

// NewPasswordHasher returns a hasher using p for new hashes.
// It precomputes a throwaway hash with the same parameters for VerifyDummy.
func NewPasswordHasher(p Argon2Params) (*PasswordHasher, error) {
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return nil, fmt.Errorf("argon2 params must be non-zero")
	}
	if p.SaltLen < minArgonSaltLen {
		return nil, fmt.Errorf("argon2 salt must be at least %d bytes", minArgonSaltLen)
	}
	if p.KeyLen < minArgonKeyLen || p.KeyLen > maxArgonKeyLen {
		return nil, fmt.Errorf("argon2 key length must be %d..%d bytes", minArgonKeyLen, maxArgonKeyLen)
	}

	h := &PasswordHasher{params: p}
	dummyPw := make([]byte, 16)
	if _, err := rand.Read(dummyPw); err != nil {
		return nil, fmt.Errorf("generating dummy password: %w", err)
	}
	dummy, err := h.Hash(base64.RawStdEncoding.EncodeToString(dummyPw))
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

// Hash returns a PHC-formatted Argon2id hash under a fresh random salt.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKiB, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded.
// Any malformed or out-of-bounds hash is a mismatch; Verify never returns an error.
func (h *PasswordHasher) Verify(password, encoded string) bool {
	p, salt, expected, ok := decodeArgon2Hash(encoded)
	if !ok {
		return false
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// VerifyDummy burns the same Argon2id cost as a real Verify.
// Used when the account does not exist so both login paths take equal time.
func (h *PasswordHasher) VerifyDummy(password string) {
	h.Verify(password, h.dummy)
}

// decodeArgon2Hash splits a PHC string and bounds-checks every parameter.
func decodeArgon2Hash(encoded string) (Argon2Params, []byte, []byte, bool) {
	var p Argon2Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, false
	}

	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &threads); err != nil {
		return p, nil, nil, false
	}
	if p.MemoryKiB == 0 || p.MemoryKiB > maxArgonMemoryKiB || p.Time == 0 || p.Time > maxArgonTime || threads == 0 || threads > 255 {
		return p, nil, nil, false
	}
	p.Threads = uint8(threads)

	salt, err := base64.RawStdEncoding.Strict().DecodeString(parts[4])
	if err != nil || len(salt) < minArgonSaltLen {
		return p, nil, nil, false
	}
	key, err := base64.RawStdEncoding.Strict().DecodeString(parts[5])
	if err != nil || len(key) < minArgonKeyLen || len(key) > maxArgonKeyLen {
		return p, nil, nil, false
	}
	// Argon2 requires memory >= 8 * lanes.
	if p.MemoryKiB < 8*uint32(p.Threads) {
		return p, nil, nil, false
	}
	return p, salt, key, true
}

// ValidateEmail checks format and length constraints; returns error message or empty string.
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	if email == "" {
		return "No email provided"
	}
	emailLen := len(email)
	if emailLen < 5 {
		return "Email too short!"
	}
	if emailLen > 254 {
		return "Email too long!"
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "Invalid email format"
	}
	return ""
}

// normalizeEmail lowercases and trims an address before lookup or insert.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
