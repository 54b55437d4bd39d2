package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/models"
)

// Encryptor seals API key signing secrets with AES-256-GCM so the verifier
// can recover them while the database only ever holds ciphertext.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates an Encryptor from a hex-encoded 32-byte key.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	if hexKey == "" {
		return nil, errors.New("encryption key is required")
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{gcm: gcm}, nil
}

// Encrypt returns nonce || ciphertext (nonce is 12 bytes prepended).
// additionalData binds the ciphertext to its owner, e.g. the key id.
func (e *Encryptor) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Decrypt opens data produced by Encrypt with the same additionalData
func (e *Encryptor) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(ciphertext) < nonceSize+e.gcm.Overhead() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

const (
	keyIDLength  = 32 // uuid hex without dashes
	secretLength = 32 // random bytes before encoding
	saltLength   = 16
)

// PresentedKey is a parsed X-API-Key value: gk_<id>.<secret>
type PresentedKey struct {
	ID     string
	Secret string
}

// String formats the key the way clients present it
func (p PresentedKey) String() string {
	return models.KeyPrefix + p.ID + "." + p.Secret
}

// ParsePresentedKey splits a presented key into id and secret.
// It only validates shape; the secret is checked against the stored hash.
func ParsePresentedKey(raw string) (PresentedKey, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), models.KeyPrefix)
	if !ok {
		return PresentedKey{}, ErrInvalidKey
	}
	id, secret, ok := strings.Cut(rest, ".")
	if !ok || len(id) != keyIDLength || secret == "" {
		return PresentedKey{}, ErrInvalidKey
	}
	if _, err := hex.DecodeString(id); err != nil {
		return PresentedKey{}, ErrInvalidKey
	}
	return PresentedKey{ID: id, Secret: secret}, nil
}

// generatePresentedKey creates a fresh id and random secret
func generatePresentedKey() (PresentedKey, error) {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		return PresentedKey{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return PresentedKey{
		ID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Secret: base64.RawURLEncoding.EncodeToString(buf),
	}, nil
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// hashSecret returns sha256(salt || secret)
func hashSecret(salt []byte, secret string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return h.Sum(nil)
}

// secretMatches compares in constant time
func secretMatches(salt, storedHash []byte, secret string) bool {
	return subtle.ConstantTimeCompare(hashSecret(salt, secret), storedHash) == 1
}
