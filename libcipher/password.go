package libcipher

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// CheckHash recomputes the HMAC-SHA256 of payload and compares it with expected.
func CheckHash(signingKey, salt, payload string, expected []byte) (bool, error) {
	got, err := NewHash(GenerateHashArgs{
		Payload:    []byte(payload),
		SigningKey: []byte(signingKey),
		Salt:       []byte(salt),
	}, sha256.New)
	if err != nil {
		return false, err
	}
	return Equal(got, expected), nil
}

// HashPassword returns a bcrypt hash of secret at the default cost.
func HashPassword(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("libcipher: bcrypt: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether secret matches the bcrypt hash.
func CheckPassword(hashed, secret string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(secret))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("libcipher: bcrypt: %w", err)
	}
	return true, nil
}
