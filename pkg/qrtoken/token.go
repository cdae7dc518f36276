package qrtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/NicolasHaas/gopresence/pkg/crypto"
)

// CurrentVersion is the payload format version minted by this package.
const CurrentVersion = 1

// MaxTokenLength bounds the input accepted by Verify.
const MaxTokenLength = 1024

const separator = "."

var encoding = base64.RawURLEncoding.Strict()

// Errors returned by Verify.
var (
	ErrMalformed         = errors.New("qrtoken: malformed token")
	ErrSignatureMismatch = errors.New("qrtoken: signature mismatch")
	ErrInvalidPayload    = errors.New("qrtoken: invalid payload")
)

// Payload is the signed content of a token.
type Payload struct {
	Version   uint   `cbor:"1,keyasint"`
	Nonce     string `cbor:"2,keyasint"`
	IssuerID  int64  `cbor:"3,keyasint"`
	ExpiresAt int64  `cbor:"4,keyasint"` // unix seconds
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("qrtoken: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic("qrtoken: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec signs and verifies tokens with a fixed keyring.
type Codec struct {
	keys *crypto.Keyring
}

// NewCodec returns a Codec using keys. The keyring is never modified.
func NewCodec(keys *crypto.Keyring) (*Codec, error) {
	if keys == nil || len(keys.Current()) == 0 {
		return nil, crypto.ErrNoSigningKey
	}
	return &Codec{keys: keys}, nil
}

// Mint serializes p, signs it with the current key, and returns the
// token string.
func (c *Codec) Mint(p Payload) (string, error) {
	payload, err := encMode.Marshal(&p)
	if err != nil {
		return "", fmt.Errorf("qrtoken: encode payload: %w", err)
	}
	sig := sign(c.keys.Current(), payload)
	return encoding.EncodeToString(payload) + separator + hex.EncodeToString(sig), nil
}

// Verify checks the token's structure and signature, then decodes the
// payload. It has no side effects.
func (c *Codec) Verify(token string) (*Payload, error) {
	if len(token) == 0 || len(token) > MaxTokenLength {
		return nil, fmt.Errorf("%w: length %d", ErrMalformed, len(token))
	}
	parts := strings.Split(token, separator)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected 2 parts, got %d", ErrMalformed, len(parts))
	}

	payload, err := encoding.DecodeString(parts[0])
	if err != nil || len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload encoding", ErrMalformed)
	}
	sig, err := decodeSignature(parts[1])
	if err != nil {
		return nil, err
	}

	matched := false
	for _, key := range c.keys.VerificationKeys() {
		if hmac.Equal(sign(key, payload), sig) {
			matched = true
		}
	}
	if !matched {
		return nil, ErrSignatureMismatch
	}

	var p Payload
	if err := decMode.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Payload) validate() error {
	if p.Version == 0 || p.Version > CurrentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, p.Version)
	}
	if len(p.Nonce) != crypto.NonceSize*2 || !isLowerHex(p.Nonce) {
		return fmt.Errorf("%w: nonce", ErrInvalidPayload)
	}
	if p.ExpiresAt <= 0 {
		return fmt.Errorf("%w: expires_at", ErrInvalidPayload)
	}
	return nil
}

// decodeSignature accepts only canonical lowercase hex of the right size.
func decodeSignature(s string) ([]byte, error) {
	if len(s) != sha256.Size*2 || !isLowerHex(s) {
		return nil, fmt.Errorf("%w: signature encoding", ErrMalformed)
	}
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding", ErrMalformed)
	}
	return sig, nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func sign(key, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}
