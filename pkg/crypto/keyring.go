package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Keyring holds the current HMAC signing key and any previous keys still
// accepted for verification during a rotation grace window. A Keyring is
// immutable after construction and safe for concurrent use.
type Keyring struct {
	current  []byte
	previous [][]byte
}

// NewKeyring derives signing keys from raw secrets. current signs new
// tokens; previous keys only verify.
func NewKeyring(current []byte, previous ...[]byte) (*Keyring, error) {
	if len(current) == 0 {
		return nil, ErrNoSigningKey
	}
	cur, err := DeriveSigningKey(current)
	if err != nil {
		return nil, fmt.Errorf("crypto: current key: %w", err)
	}
	k := &Keyring{current: cur}
	for i, p := range previous {
		derived, err := DeriveSigningKey(p)
		if err != nil {
			return nil, fmt.Errorf("crypto: previous key %d: %w", i, err)
		}
		k.previous = append(k.previous, derived)
	}
	return k, nil
}

// KeyringFromHex builds a Keyring from hex-encoded secrets as they appear
// in configuration.
func KeyringFromHex(current string, previous []string) (*Keyring, error) {
	cur, err := decodeSecret(current)
	if err != nil {
		return nil, fmt.Errorf("crypto: current key: %w", err)
	}
	prev := make([][]byte, 0, len(previous))
	for i, p := range previous {
		b, err := decodeSecret(p)
		if err != nil {
			return nil, fmt.Errorf("crypto: previous key %d: %w", i, err)
		}
		prev = append(prev, b)
	}
	return NewKeyring(cur, prev...)
}

func decodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoSigningKey
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex secret: %w", err)
	}
	return b, nil
}

// Current returns the key used to sign new tokens.
func (k *Keyring) Current() []byte {
	return k.current
}

// VerificationKeys returns the current key followed by previous keys.
func (k *Keyring) VerificationKeys() [][]byte {
	keys := make([][]byte, 0, 1+len(k.previous))
	keys = append(keys, k.current)
	return append(keys, k.previous...)
}
