package secrets

import (
	"bytes"
	"testing"

	"github.com/talus-io/talus/pkg/types"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && m == nil {
				t.Error("NewManager() returned nil without error")
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	k1 := DeriveKey("cluster-a")
	k2 := DeriveKey("cluster-a")
	k3 := DeriveKey("cluster-b")

	if len(k1) != 32 {
		t.Fatalf("DeriveKey() returned %d bytes, want 32", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveKey() should be deterministic for the same cluster id")
	}
	if bytes.Equal(k1, k3) {
		t.Error("DeriveKey() should differ across cluster ids")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m, err := NewManager(DeriveKey("test-cluster"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	plaintext := []byte("s3cr3t-guest-password")
	ciphertext, err := m.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("Encrypt() returned plaintext unchanged")
	}

	decrypted, err := m.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptEmptyData(t *testing.T) {
	m, _ := NewManager(DeriveKey("test-cluster"))
	if _, err := m.Encrypt(nil); err == nil {
		t.Error("Encrypt() with empty data should error")
	}
}

func TestDecryptTooShort(t *testing.T) {
	m, _ := NewManager(DeriveKey("test-cluster"))
	if _, err := m.Decrypt([]byte("x")); err == nil {
		t.Error("Decrypt() with too-short ciphertext should error")
	}
}

func TestImagePasswordRoundTrip(t *testing.T) {
	m, _ := NewManager(DeriveKey("test-cluster"))
	image := &types.Image{ID: "img-1", Name: "windows-7-base"}

	if err := m.EncryptImagePassword(image, "hunter2"); err != nil {
		t.Fatalf("EncryptImagePassword() error = %v", err)
	}
	if image.Password == "hunter2" {
		t.Error("EncryptImagePassword() left password in plaintext")
	}

	plaintext, err := m.DecryptImagePassword(image)
	if err != nil {
		t.Fatalf("DecryptImagePassword() error = %v", err)
	}
	if plaintext != "hunter2" {
		t.Errorf("DecryptImagePassword() = %q, want %q", plaintext, "hunter2")
	}
}

func TestCodeCredentialsRoundTrip(t *testing.T) {
	m, _ := NewManager(DeriveKey("test-cluster"))
	creds := types.CodeCredentials{Loc: "https://code-cache.internal", Username: "talus", Password: "s3cr3t"}

	if err := m.EncryptCodeCredentials(&creds); err != nil {
		t.Fatalf("EncryptCodeCredentials() error = %v", err)
	}
	if creds.Password == "s3cr3t" {
		t.Error("EncryptCodeCredentials() left password in plaintext")
	}

	decrypted, err := m.DecryptCodeCredentials(creds)
	if err != nil {
		t.Fatalf("DecryptCodeCredentials() error = %v", err)
	}
	if decrypted.Password != "s3cr3t" {
		t.Errorf("DecryptCodeCredentials().Password = %q, want %q", decrypted.Password, "s3cr3t")
	}
	if decrypted.Loc != creds.Loc || decrypted.Username != creds.Username {
		t.Error("DecryptCodeCredentials() should preserve non-secret fields")
	}
}
