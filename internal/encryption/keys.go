package encryption

import (
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltLength is the size of the random salt stored in the archive.
	// The salt doubles as the cipher IV, so it matches the AES block size.
	SaltLength = 16

	// KeyLength is the derived key size (AES-256).
	KeyLength = 32

	// KeyIterations is the PBKDF2 iteration count. Archives written by other
	// implementations of this format use the same value, so it is fixed.
	KeyIterations = 100
)

var (
	ErrEmptyPassword = errors.New("encryption: empty password")
	ErrInvalidSalt   = errors.New("encryption: invalid salt length")
)

// NewSalt returns SaltLength bytes from a cryptographically secure source.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives the session key from password and salt using
// PBKDF2-HMAC-SHA1. The same inputs always produce the same key.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if len(salt) != SaltLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSalt, len(salt), SaltLength)
	}
	return deriveKey(password, salt, KeyIterations, KeyLength), nil
}

func deriveKey(password string, salt []byte, iter, keyLen int) []byte {
	return pbkdf2.Key([]byte(password), salt, iter, keyLen, sha1.New)
}
