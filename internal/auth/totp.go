// totp.go -- RFC 6238 time-based one-time codes and MFA backup codes.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpSecretBytes   = 20 // 160 bits
	totpPeriodSeconds = 30
	// DefaultTOTPWindow is the drift Validate tolerates, in steps each way.
	DefaultTOTPWindow = 1
	backupCodeBytes   = 5 // 40 bits
	// DefaultBackupCodeCount is how many backup codes an enrollment hands out.
	DefaultBackupCodeCount = 10
)

var totpSecretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriodSeconds,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPService generates and checks 6-digit SHA1 codes on 30 second steps.
// It holds no per-user state; secrets live in store.MFASecret.
type TOTPService struct {
	Issuer string           // shown in authenticator apps
	Now    func() time.Time // nil means time.Now
}

// NewTOTPService returns a service that labels provisioning URIs with issuer.
func NewTOTPService(issuer string) *TOTPService {
	return &TOTPService{Issuer: issuer}
}

func (s *TOTPService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// GenerateSecret returns 160 random bits as unpadded RFC 4648 base32.
func (s *TOTPService) GenerateSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating totp secret: %w", err)
	}
	return totpSecretEncoding.EncodeToString(raw), nil
}

// ProvisioningURI returns the otpauth:// URI an authenticator app scans during enrollment.
func (s *TOTPService) ProvisioningURI(secret, accountName string) (string, error) {
	raw, err := totpSecretEncoding.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", fmt.Errorf("decoding totp secret: %w", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: accountName,
		Period:      totpPeriodSeconds,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("building provisioning uri: %w", err)
	}
	return key.URL(), nil
}

// CurrentCode returns the code for the current time step.
func (s *TOTPService) CurrentCode(secret string) (string, error) {
	return s.CodeAt(secret, s.now())
}

// CodeAt returns the code for the time step containing t.
func (s *TOTPService) CodeAt(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, totpOpts)
	if err != nil {
		return "", fmt.Errorf("generating totp code: %w", err)
	}
	return code, nil
}

// Validate checks code against the steps around now, one step of drift each way.
func (s *TOTPService) Validate(secret, code string) bool {
	return s.ValidateWindowAt(secret, code, DefaultTOTPWindow, s.now())
}

// ValidateWindow checks code against now and window steps of drift each way.
// A window of 0 accepts only the current step.
func (s *TOTPService) ValidateWindow(secret, code string, window int) bool {
	return s.ValidateWindowAt(secret, code, window, s.now())
}

// ValidateAt checks code against the steps at t-30s, t, and t+30s.
func (s *TOTPService) ValidateAt(secret, code string, t time.Time) bool {
	return s.ValidateWindowAt(secret, code, DefaultTOTPWindow, t)
}

// ValidateWindowAt checks code against the steps within window of t. A negative window rejects.
// Every candidate is compared in constant time and the matching offset is not reported.
func (s *TOTPService) ValidateWindowAt(secret, code string, window int, t time.Time) bool {
	code = strings.TrimSpace(code)
	if window < 0 || len(code) != int(otp.DigitsSix) {
		return false
	}

	match := 0
	for i := -window; i <= window; i++ {
		candidate, err := totp.GenerateCodeCustom(secret, t.Add(time.Duration(i*totpPeriodSeconds)*time.Second), totpOpts)
		if err != nil {
			return false
		}
		match |= subtle.ConstantTimeCompare([]byte(candidate), []byte(code))
	}
	return match == 1
}

// GenerateBackupCodes returns n single-use codes, 40 random bits each as uppercase hex.
// Callers hash them before storing and show the plaintext once.
func (s *TOTPService) GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	buf := make([]byte, backupCodeBytes)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating backup code: %w", err)
		}
		codes[i] = strings.ToUpper(hex.EncodeToString(buf))
	}
	return codes, nil
}

// normalizeBackupCode strips separators users tend to type and uppercases.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
