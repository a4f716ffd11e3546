package libcipher_test

import (
	"crypto/sha256"
	"testing"

	"github.com/contenox/tablechat/libcipher"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUnit_NewHash(t *testing.T) {
	salt := []byte(uuid.NewString())
	a, err := libcipher.NewHash(libcipher.GenerateHashArgs{Payload: []byte("session-1"), SigningKey: []byte("k"), Salt: salt}, sha256.New)
	require.NoError(t, err)
	require.Len(t, a, sha256.Size)

	b, err := libcipher.NewHash(libcipher.GenerateHashArgs{Payload: []byte("session-1"), SigningKey: []byte("k"), Salt: salt}, sha256.New)
	require.NoError(t, err)
	require.True(t, libcipher.Equal(a, b))

	c, err := libcipher.NewHash(libcipher.GenerateHashArgs{Payload: []byte("session-1"), SigningKey: []byte("other"), Salt: salt}, sha256.New)
	require.NoError(t, err)
	require.False(t, libcipher.Equal(a, c))
	require.False(t, libcipher.Equal(a, a[:4]))

	_, err = libcipher.NewHash(libcipher.GenerateHashArgs{Payload: []byte("x")}, sha256.New)
	require.ErrorIs(t, err, libcipher.ErrEmptyKey)
}

func TestUnit_CheckHash(t *testing.T) {
	h, err := libcipher.NewHash(libcipher.GenerateHashArgs{Payload: []byte("password"), SigningKey: []byte("key"), Salt: []byte("salt")}, sha256.New)
	require.NoError(t, err)

	ok, err := libcipher.CheckHash("key", "salt", "password", h)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = libcipher.CheckHash("key", "salt", "wrongpass", h)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnit_Password(t *testing.T) {
	hashed, err := libcipher.HashPassword("front-desk")
	require.NoError(t, err)
	require.NotEqual(t, "front-desk", hashed)

	ok, err := libcipher.CheckPassword(hashed, "front-desk")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = libcipher.CheckPassword(hashed, "guess")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = libcipher.CheckPassword("not-a-bcrypt-hash", "x")
	require.Error(t, err)
}
