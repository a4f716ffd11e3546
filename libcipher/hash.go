// Package libcipher holds the small set of hashing helpers the server needs:
// keyed HMAC digests and bcrypt password hashes.
package libcipher

import (
	"crypto/hmac"
	"crypto/subtle"
	"errors"
	"hash"
)

var ErrEmptyKey = errors.New("libcipher: signing key must not be empty")

type GenerateHashArgs struct {
	Payload    []byte
	SigningKey []byte
	Salt       []byte
}

// NewHash returns HMAC(SigningKey, Salt || Payload) using the given hash constructor.
func NewHash(args GenerateHashArgs, hasher func() hash.Hash) ([]byte, error) {
	if len(args.SigningKey) == 0 {
		return nil, ErrEmptyKey
	}
	mac := hmac.New(hasher, args.SigningKey)
	mac.Write(args.Salt)
	mac.Write(args.Payload)
	return mac.Sum(nil), nil
}

// Equal compares two digests in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
