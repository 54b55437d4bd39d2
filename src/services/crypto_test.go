package services

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHexKey() string {
	// 32 bytes = 64 hex chars
	return "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
}

func TestNewEncryptor_EmptyKey(t *testing.T) {
	_, err := NewEncryptor("")
	require.Error(t, err)
}

func TestNewEncryptor_InvalidHex(t *testing.T) {
	_, err := NewEncryptor("not-hex")
	require.Error(t, err)
}

func TestNewEncryptor_WrongLength(t *testing.T) {
	// 16 bytes = 32 hex chars (AES-128, not AES-256)
	_, err := NewEncryptor("0123456789abcdef0123456789abcdef")
	require.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(validHexKey())
	require.NoError(t, err)

	plaintext := []byte("signing-secret")
	ciphertext, err := enc.Encrypt(plaintext, []byte("key-1"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, plaintext))

	decrypted, err := enc.Decrypt(ciphertext, []byte("key-1"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecrypt_WrongAdditionalData(t *testing.T) {
	enc, err := NewEncryptor(validHexKey())
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("secret"), []byte("key-1"))
	require.NoError(t, err)

	_, err = enc.Decrypt(ciphertext, []byte("key-2"))
	require.Error(t, err, "ciphertext must not be movable to another key record")
}

func TestDecrypt_TooShort(t *testing.T) {
	enc, err := NewEncryptor(validHexKey())
	require.NoError(t, err)

	_, err = enc.Decrypt([]byte("short"), nil)
	require.Error(t, err)
}

func TestParsePresentedKey(t *testing.T) {
	pk, err := generatePresentedKey()
	require.NoError(t, err)

	parsed, err := ParsePresentedKey(pk.String())
	require.NoError(t, err)
	assert.Equal(t, pk, parsed)
	assert.True(t, strings.HasPrefix(pk.String(), "gk_"))
}

func TestParsePresentedKey_Malformed(t *testing.T) {
	cases := []string{
		"",
		"gk_",
		"nope_0123456789abcdef0123456789abcdef.secret",
		"gk_0123456789abcdef0123456789abcdef",
		"gk_short.secret",
		"gk_zz23456789abcdef0123456789abcdef.secret",
		"gk_0123456789abcdef0123456789abcdef.",
	}
	for _, raw := range cases {
		_, err := ParsePresentedKey(raw)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", raw)
	}
}

func TestSecretMatches(t *testing.T) {
	salt, err := generateSalt()
	require.NoError(t, err)
	hash := hashSecret(salt, "correct")

	assert.True(t, secretMatches(salt, hash, "correct"))
	assert.False(t, secretMatches(salt, hash, "wrong"))
	assert.False(t, secretMatches([]byte("other-salt"), hash, "correct"))
}
