package types

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// BackupDecryptionKey is the private half of the Curve25519 key protecting a
// server-side room key backup.
type BackupDecryptionKey struct {
	inner []byte
}

// NewBackupDecryptionKey generates a fresh random key.
func NewBackupDecryptionKey() (*BackupDecryptionKey, error) {
	key := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating backup decryption key: %w", err)
	}
	return &BackupDecryptionKey{inner: key}, nil
}

// BackupDecryptionKeyFromBase64 decodes a key from its unpadded base64 form.
func BackupDecryptionKeyFromBase64(encoded string) (*BackupDecryptionKey, error) {
	key, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	if len(key) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: expected a %d byte key, got %d", ErrInvalidKeyMaterial, curve25519.ScalarSize, len(key))
	}
	return &BackupDecryptionKey{inner: key}, nil
}

// ToBase64 encodes the private key as unpadded base64.
func (k *BackupDecryptionKey) ToBase64() string {
	return base64.RawStdEncoding.EncodeToString(k.inner)
}

// MegolmV1PublicKey derives the public half, which identifies the backup
// version on the server.
func (k *BackupDecryptionKey) MegolmV1PublicKey() (Curve25519Key, error) {
	pub, err := curve25519.X25519(k.inner, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("deriving backup public key: %w", err)
	}
	return Curve25519Key(base64.RawStdEncoding.EncodeToString(pub)), nil
}

// MarshalJSON encodes the key as its base64 form.
func (k *BackupDecryptionKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.ToBase64())
}

// UnmarshalJSON decodes the key from its base64 form.
func (k *BackupDecryptionKey) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	decoded, err := BackupDecryptionKeyFromBase64(encoded)
	if err != nil {
		return err
	}
	k.inner = decoded.inner
	return nil
}

// BackupKeys is the stored backup key material together with the version of
// the backup it belongs to.
type BackupKeys struct {
	DecryptionKey *BackupDecryptionKey `json:"decryption_key,omitempty"`
	BackupVersion string               `json:"backup_version,omitempty"`
}
