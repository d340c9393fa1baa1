package token_store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSizeBytes    = 16
	pbkdf2Iterations = 100000
	pbkdf2KeyLength  = 32 // AES-256
)

// ensureDirExists creates the parent directory of path, owner-only.
func ensureDirExists(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}
	return nil
}

// initializeSalt reads the salt at saltFilePath, or creates one on first use.
func initializeSalt(saltFilePath string) ([]byte, error) {
	if err := ensureDirExists(saltFilePath); err != nil {
		return nil, fmt.Errorf("failed to ensure salt directory exists: %w", err)
	}

	salt, err := os.ReadFile(saltFilePath)
	switch {
	case os.IsNotExist(err):
		salt = make([]byte, saltSizeBytes)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate random salt: %w", err)
		}
		if err := os.WriteFile(saltFilePath, salt, 0600); err != nil {
			return nil, fmt.Errorf("failed to save new salt to %s: %w", saltFilePath, err)
		}
		// WriteFile's mode is subject to umask.
		if err := os.Chmod(saltFilePath, 0600); err != nil {
			logrus.Warnf("TokenStore: Failed to chmod salt file %s: %v", saltFilePath, err)
		}
		logrus.Infof("TokenStore: Generated new salt at %s", saltFilePath)
		return salt, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read salt from %s: %w", saltFilePath, err)
	}

	if len(salt) != saltSizeBytes {
		return nil, fmt.Errorf("salt file %s has incorrect size: expected %d, got %d", saltFilePath, saltSizeBytes, len(salt))
	}
	return salt, nil
}

// NewCipher derives an AES-256-GCM cipher from passphrase with PBKDF2-SHA256.
// The salt lives at saltFilePath and is created on first use.
func NewCipher(passphrase string, saltFilePath string) (cipher.AEAD, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}
	if saltFilePath == "" {
		return nil, errors.New("saltFilePath cannot be empty")
	}

	salt, err := initializeSalt(saltFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher block: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM AEAD mode: %w", err)
	}
	return aead, nil
}

// Encrypt seals data with a fresh random nonce, which is prepended to the result.
func Encrypt(aead cipher.AEAD, data []byte) ([]byte, error) {
	if aead == nil {
		return nil, errors.New("AEAD cipher is nil")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(aead cipher.AEAD, encryptedData []byte) ([]byte, error) {
	if aead == nil {
		return nil, errors.New("AEAD cipher is nil")
	}
	nonceSize := aead.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, errors.New("encrypted data is too short to contain a nonce")
	}
	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	return plaintext, nil
}
