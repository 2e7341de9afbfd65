// fieldcrypt.go
//
// AES-256-GCM encryption for PII columns at rest.
// Stored layout: base64(nonce || tag || ciphertext).
// Columns that must stay searchable also carry a keyed HMAC-SHA256 lookup hash.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	keyLen           = 32
	nonceSize        = 12
	tagSize          = 16
)

// appSalt is the fixed application-level PBKDF2 salt. Changing it invalidates every stored field.
var appSalt = []byte("kanzleiportal/fieldcrypt/v1")

// lookupInfo separates the lookup-hash key from the encryption key. Changing it orphans every stored lookup hash.
var lookupInfo = []byte("kanzleiportal/fieldcrypt/lookup/v1")

// ErrCryptoFailure marks a field that could not be decrypted: malformed encoding, truncated
// blob, tampered bytes, or a different master secret. Callers must treat it as unreadable,
// never as empty.
var ErrCryptoFailure = errors.New("field unreadable")

// Cipher encrypts and decrypts individual field values.
// The key is derived once at construction; Cipher is safe for concurrent use.
type Cipher struct {
	aead      cipher.AEAD
	lookupKey []byte
}

// New derives the field key from masterSecret via PBKDF2-HMAC-SHA256.
// An empty secret is rejected so a missing env var never yields a well-known key.
func New(masterSecret string) (*Cipher, error) {
	if masterSecret == "" {
		return nil, errors.New("fieldcrypt: master secret is empty")
	}
	key := pbkdf2.Key([]byte(masterSecret), appSalt, pbkdf2Iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: creating block cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: creating gcm: %w", err)
	}
	lookupKey := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, appSalt, lookupInfo), lookupKey); err != nil {
		return nil, fmt.Errorf("fieldcrypt: deriving lookup key: %w", err)
	}
	return &Cipher{aead: aead, lookupKey: lookupKey}, nil
}

// LookupHash returns HMAC-SHA256(value) under a key derived from the master secret.
// It is deterministic, so equal values can be matched in a unique index without decrypting.
func (c *Cipher) LookupHash(value string) []byte {
	mac := hmac.New(sha256.New, c.lookupKey)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// Encrypt seals plaintext under a fresh random nonce.
// Empty input is returned unchanged so optional fields round-trip.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("fieldcrypt: generating nonce: %w", err)
	}

	// Seal returns ciphertext || tag; reorder to nonce || tag || ciphertext.
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ctLen := len(sealed) - tagSize

	out := make([]byte, 0, nonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[ctLen:]...)
	out = append(out, sealed[:ctLen]...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt.
// Every failure wraps ErrCryptoFailure; an empty blob decrypts to the empty string.
func (c *Cipher) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}

	// Strict rejects non-zero trailing bits so every encoded bit is covered by the tag.
	raw, err := base64.StdEncoding.Strict().DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrCryptoFailure)
	}
	if len(raw) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: blob too short", ErrCryptoFailure)
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCryptoFailure)
	}
	return string(plaintext), nil
}

// EncryptPtr encrypts an optional column. nil stays nil.
func (c *Cipher) EncryptPtr(plaintext *string) (*string, error) {
	if plaintext == nil {
		return nil, nil
	}
	enc, err := c.Encrypt(*plaintext)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

// DecryptPtr decrypts an optional column. nil stays nil.
func (c *Cipher) DecryptPtr(blob *string) (*string, error) {
	if blob == nil {
		return nil, nil
	}
	dec, err := c.Decrypt(*blob)
	if err != nil {
		return nil, err
	}
	return &dec, nil
}
