package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keyring encrypts and decrypts connection API keys with AES-256-GCM.
// The data key is derived from the service master secret with HKDF so
// the same secret always yields the same key.
// Ciphertext format: [nonce (12 bytes)][ciphertext + tag].
type Keyring struct {
	aesKey []byte
}

const derivationInfo = "relay-api-key-v1"

// NewKeyring derives the data key from the master secret.
func NewKeyring(masterSecret []byte) (*Keyring, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is empty")
	}

	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(derivationInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive data key: %w", err)
	}
	return &Keyring{aesKey: key}, nil
}

// EncryptAPIKey seals a plaintext API key.
func (k *Keyring) EncryptAPIKey(plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptAPIKey implements domain.KeyDecrypter. Empty ciphertext maps
// to an empty key so unauthenticated connections need no sentinel.
func (k *Keyring) DecryptAPIKey(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}

	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}
