package token_store

import (
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoToken is returned when no token has been stored yet.
var ErrNoToken = errors.New("no auth token stored")

// StoredToken is the plaintext inside the encrypted token file.
type StoredToken struct {
	Token     string    `json:"token"`
	SavedAt   time.Time `json:"saved_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token has a known expiry at or before now.
func (s StoredToken) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// FileTokenSource keeps the REST bearer token encrypted on disk and caches the
// decrypted value in memory.
type FileTokenSource struct {
	path string
	aead cipher.AEAD
	now  func() time.Time

	mu     sync.Mutex
	cached *StoredToken
}

// NewFileTokenSource builds a source for tokenPath, deriving the key from
// passphrase and the salt at saltPath.
func NewFileTokenSource(tokenPath, saltPath, passphrase string) (*FileTokenSource, error) {
	if tokenPath == "" {
		return nil, errors.New("tokenPath cannot be empty")
	}
	aead, err := NewCipher(passphrase, saltPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cipher: %w", err)
	}
	return &FileTokenSource{path: tokenPath, aead: aead, now: time.Now}, nil
}

// SaveToken encrypts and writes token. A zero ttl means no expiry.
func (f *FileTokenSource) SaveToken(token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("token cannot be empty")
	}
	stored := StoredToken{Token: token, SavedAt: f.now().UTC()}
	if ttl > 0 {
		stored.ExpiresAt = stored.SavedAt.Add(ttl)
	}
	plaintext, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	sealed, err := Encrypt(f.aead, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}
	if err := ensureDirExists(f.path); err != nil {
		return fmt.Errorf("failed to ensure token directory exists: %w", err)
	}
	if err := os.WriteFile(f.path, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write token file %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.cached = &stored
	f.mu.Unlock()
	logrus.Infof("TokenStore: Token saved to %s", f.path)
	return nil
}

// Load returns the stored token record, reading the file on first use.
func (f *FileTokenSource) Load() (StoredToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil {
		return *f.cached, nil
	}

	sealed, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return StoredToken{}, ErrNoToken
	}
	if err != nil {
		return StoredToken{}, fmt.Errorf("failed to read token file %s: %w", f.path, err)
	}
	plaintext, err := Decrypt(f.aead, sealed)
	if err != nil {
		return StoredToken{}, fmt.Errorf("failed to decrypt token file %s: %w", f.path, err)
	}
	var stored StoredToken
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return StoredToken{}, fmt.Errorf("failed to parse token file %s: %w", f.path, err)
	}
	f.cached = &stored
	return stored, nil
}

// GetToken returns the bearer token, or an error when none is stored or it has expired.
func (f *FileTokenSource) GetToken() (string, error) {
	stored, err := f.Load()
	if err != nil {
		return "", err
	}
	if stored.Expired(f.now()) {
		return "", fmt.Errorf("auth token expired at %s", stored.ExpiresAt.Format(time.RFC3339))
	}
	return stored.Token, nil
}

// ClearToken removes the token file and the cached value.
func (f *FileTokenSource) ClearToken() error {
	f.mu.Lock()
	f.cached = nil
	f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file %s: %w", f.path, err)
	}
	return nil
}

// StaticTokenSource serves a fixed token; an empty one means "no auth".
type StaticTokenSource string

func (s StaticTokenSource) GetToken() (string, error) { return string(s), nil }
