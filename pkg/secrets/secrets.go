// Package secrets provides AES-256-GCM encryption for credentials Talus
// stores at rest: an Image's guest password and a Code record's
// code-cache credentials.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/talus-io/talus/pkg/types"
)

// Manager encrypts and decrypts credential fields using a single
// cluster-wide key.
type Manager struct {
	key []byte // 32 bytes for AES-256
}

// NewManager returns a Manager using the given 32-byte AES-256 key.
func NewManager(key []byte) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Manager{key: key}, nil
}

// DeriveKey derives a 32-byte encryption key from a cluster identifier,
// so every controller/worker process sharing a cluster ID agrees on the
// same key without distributing raw key material.
func DeriveKey(clusterID string) []byte {
	hash := sha256.Sum256([]byte(clusterID))
	return hash[:]
}

// Encrypt seals plaintext with AES-256-GCM, returning ciphertext with the
// nonce prepended.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptImagePassword seals an Image's guest password in place.
func (m *Manager) EncryptImagePassword(image *types.Image, plaintext string) error {
	ciphertext, err := m.Encrypt([]byte(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt image password: %w", err)
	}
	image.Password = string(ciphertext)
	return nil
}

// DecryptImagePassword returns an Image's plaintext guest password.
// Called only when building a drop or a config ISO.
func (m *Manager) DecryptImagePassword(image *types.Image) (string, error) {
	plaintext, err := m.Decrypt([]byte(image.Password))
	if err != nil {
		return "", fmt.Errorf("decrypt image password: %w", err)
	}
	return string(plaintext), nil
}

// EncryptCodeCredentials seals a CodeCredentials record's password field.
func (m *Manager) EncryptCodeCredentials(creds *types.CodeCredentials) error {
	ciphertext, err := m.Encrypt([]byte(creds.Password))
	if err != nil {
		return fmt.Errorf("encrypt code credentials: %w", err)
	}
	creds.Password = string(ciphertext)
	return nil
}

// DecryptCodeCredentials returns creds with its password decrypted.
// Called only when building the worker's config handshake or the guest
// config ISO, where the credentials must reach the guest verbatim.
func (m *Manager) DecryptCodeCredentials(creds types.CodeCredentials) (types.CodeCredentials, error) {
	plaintext, err := m.Decrypt([]byte(creds.Password))
	if err != nil {
		return types.CodeCredentials{}, fmt.Errorf("decrypt code credentials: %w", err)
	}
	creds.Password = string(plaintext)
	return creds, nil
}
