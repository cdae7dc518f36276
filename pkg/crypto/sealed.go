package crypto

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"
	"gopkg.in/yaml.v3"
)

// KeyringFile is the plaintext layout of an encrypted keyring file.
type KeyringFile struct {
	Current  string   `yaml:"current"`
	Previous []string `yaml:"previous,omitempty"`
}

// SealKeyring encrypts a keyring file to the given age X25519 recipients
// (age1... strings) and writes it ASCII-armored to w.
func SealKeyring(w io.Writer, file KeyringFile, recipientKeys ...string) error {
	if len(recipientKeys) == 0 {
		return fmt.Errorf("crypto: seal keyring: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("crypto: seal keyring: parse recipient: %w", err)
		}
		recipients = append(recipients, r)
	}

	plaintext, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("crypto: seal keyring: encode: %w", err)
	}

	armored := armor.NewWriter(w)
	enc, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return fmt.Errorf("crypto: seal keyring: %w", err)
	}
	if _, err := enc.Write(plaintext); err != nil {
		return fmt.Errorf("crypto: seal keyring: write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("crypto: seal keyring: finalize: %w", err)
	}
	return armored.Close()
}

// OpenKeyring decrypts an age-encrypted keyring (armored or binary) with
// the identities read from identities.
func OpenKeyring(ciphertext io.Reader, identities io.Reader) (*Keyring, error) {
	ids, err := age.ParseIdentities(identities)
	if err != nil {
		return nil, fmt.Errorf("crypto: open keyring: parse identities: %w", err)
	}

	br := bufio.NewReader(ciphertext)
	var src io.Reader = br
	if head, _ := br.Peek(len(armor.Header)); bytes.Equal(head, []byte(armor.Header)) {
		src = armor.NewReader(br)
	}

	dec, err := age.Decrypt(src, ids...)
	if err != nil {
		return nil, fmt.Errorf("crypto: open keyring: decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("crypto: open keyring: read: %w", err)
	}

	var file KeyringFile
	if err := yaml.Unmarshal(plaintext, &file); err != nil {
		return nil, fmt.Errorf("crypto: open keyring: decode: %w", err)
	}
	return KeyringFromHex(file.Current, file.Previous)
}

// LoadKeyringFile opens the encrypted keyring at path using the age
// identity file at identityPath.
func LoadKeyringFile(path, identityPath string) (*Keyring, error) {
	ct, err := os.Open(path) //nolint:gosec // path from server config
	if err != nil {
		return nil, fmt.Errorf("crypto: open keyring: %w", err)
	}
	defer func() { _ = ct.Close() }()

	id, err := os.Open(identityPath) //nolint:gosec // path from server config
	if err != nil {
		return nil, fmt.Errorf("crypto: open identity: %w", err)
	}
	defer func() { _ = id.Close() }()

	return OpenKeyring(ct, id)
}
