// Package crypto provides nonce generation, token hashing, and HMAC signing
// key management for QR presence tokens.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// NonceSize is the number of random bytes in a token nonce.
const NonceSize = 32

// SigningKeySize is the length of a derived HMAC-SHA256 key.
const SigningKeySize = 32

// MinSecretSize is the minimum length of configured key material.
const MinSecretSize = 32

// keyInfo binds derived keys to their purpose so the same secret cannot be
// reused for another HKDF consumer by accident.
const keyInfo = "gopresence qr-token v1"

var (
	ErrSecretTooShort = fmt.Errorf("crypto: secret must be at least %d bytes", MinSecretSize)
	ErrNoSigningKey   = errors.New("crypto: keyring has no current key")
)

// GenerateNonce returns NonceSize random bytes, hex encoded.
func GenerateNonce() (string, error) {
	return generateNonce(rand.Reader)
}

func generateNonce(r io.Reader) (string, error) {
	b := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateSecret returns fresh key material suitable for a keyring entry,
// hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, MinSecretSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken hashes a raw token string with SHA-256.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// DeriveSigningKey expands secret into a SigningKeySize HMAC key with
// HKDF-SHA256.
func DeriveSigningKey(secret []byte) ([]byte, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrSecretTooShort
	}
	key := make([]byte, SigningKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("crypto: derive signing key: %w", err)
	}
	return key, nil
}
