package infra

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cculver78/WireWarden/internal/domain"
)

const (
	historyKeyFileName = ".history.key"
	historyKeySize     = 32 // 256-bit SQLCipher key
)

// FileKeyProvider stores the history database key in a file next to the
// database, base64 encoded and readable only by the owner.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a key provider rooted at dataDir.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, historyKeyFileName),
	}
}

// GetKey reads and decodes the stored key.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	data, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}

	if len(key) != historyKeySize {
		return nil, fmt.Errorf("invalid key length: got %d, want %d", len(key), historyKeySize)
	}
	return key, nil
}

// StoreKey writes the key with owner-only permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != historyKeySize {
		return fmt.Errorf("invalid key length: got %d, want %d", len(key), historyKeySize)
	}

	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.keyPath, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists reports whether a key file is present.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// GenerateKey produces a new random database key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, historyKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, generating and storing one on first
// use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Ensure FileKeyProvider implements domain.KeyProvider.
var _ domain.KeyProvider = (*FileKeyProvider)(nil)
