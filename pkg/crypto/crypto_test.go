package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"filippo.io/age"
)

func TestGenerateNonce(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, err := GenerateNonce()
		if err != nil {
			t.Fatalf("GenerateNonce: %v", err)
		}
		if len(n) != NonceSize*2 {
			t.Fatalf("nonce length = %d, want %d", len(n), NonceSize*2)
		}
		if _, err := hex.DecodeString(n); err != nil {
			t.Fatalf("nonce is not hex: %v", err)
		}
		if seen[n] {
			t.Fatalf("duplicate nonce %s", n)
		}
		seen[n] = true
	}
}

func TestGenerateNonceShortRead(t *testing.T) {
	_, err := generateNonce(bytes.NewReader([]byte{1, 2, 3}))
	if err == nil {
		t.Fatal("expected error on short random read")
	}
}

func TestHashToken(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashToken("abc"); got != want {
		t.Errorf("HashToken(abc) = %s, want %s", got, want)
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("different inputs hashed to the same value")
	}
}

func TestDeriveSigningKey(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, MinSecretSize)

	a, err := DeriveSigningKey(secret)
	if err != nil {
		t.Fatalf("DeriveSigningKey: %v", err)
	}
	b, err := DeriveSigningKey(secret)
	if err != nil {
		t.Fatalf("DeriveSigningKey: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("derivation is not deterministic")
	}
	if len(a) != SigningKeySize {
		t.Errorf("key length = %d, want %d", len(a), SigningKeySize)
	}
	if bytes.Equal(a, secret) {
		t.Error("derived key equals input secret")
	}

	if _, err := DeriveSigningKey(secret[:MinSecretSize-1]); !errors.Is(err, ErrSecretTooShort) {
		t.Errorf("short secret: err = %v, want ErrSecretTooShort", err)
	}
}

func TestKeyringFromHex(t *testing.T) {
	cur, _ := GenerateSecret()
	prev, _ := GenerateSecret()

	k, err := KeyringFromHex(cur, []string{prev})
	if err != nil {
		t.Fatalf("KeyringFromHex: %v", err)
	}
	keys := k.VerificationKeys()
	if len(keys) != 2 {
		t.Fatalf("VerificationKeys len = %d, want 2", len(keys))
	}
	if !bytes.Equal(keys[0], k.Current()) {
		t.Error("first verification key is not the current key")
	}

	tests := map[string]struct {
		current  string
		previous []string
	}{
		"empty_current":  {current: ""},
		"not_hex":        {current: strings.Repeat("zz", MinSecretSize)},
		"short_current":  {current: "abcd"},
		"short_previous": {current: cur, previous: []string{"abcd"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := KeyringFromHex(tc.current, tc.previous); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSealAndOpenKeyring(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	cur, _ := GenerateSecret()
	prev, _ := GenerateSecret()

	var sealed bytes.Buffer
	if err := SealKeyring(&sealed, KeyringFile{Current: cur, Previous: []string{prev}}, identity.Recipient().String()); err != nil {
		t.Fatalf("SealKeyring: %v", err)
	}
	if strings.Contains(sealed.String(), cur) {
		t.Fatal("sealed keyring contains the plaintext secret")
	}

	opened, err := OpenKeyring(bytes.NewReader(sealed.Bytes()), strings.NewReader(identity.String()+"\n"))
	if err != nil {
		t.Fatalf("OpenKeyring: %v", err)
	}
	want, _ := KeyringFromHex(cur, []string{prev})
	if !bytes.Equal(opened.Current(), want.Current()) {
		t.Error("opened current key mismatch")
	}
	if len(opened.VerificationKeys()) != 2 {
		t.Errorf("opened keyring has %d keys, want 2", len(opened.VerificationKeys()))
	}

	other, _ := age.GenerateX25519Identity()
	if _, err := OpenKeyring(bytes.NewReader(sealed.Bytes()), strings.NewReader(other.String())); err == nil {
		t.Error("OpenKeyring with wrong identity succeeded")
	}
}
