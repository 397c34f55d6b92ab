package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize = 32

	// pbkdf2Iterations follows the current OWASP guidance for PBKDF2-HMAC-SHA256.
	pbkdf2Iterations = 210_000
)

// keyDerivationSalt is the fixed application salt for passphrase-derived keys.
// The stores it protects live on a single machine, so a per-install random
// salt would have to be persisted in plaintext next to the ciphertext anyway.
var keyDerivationSalt = []byte("tasknest.store.v1")

// ErrNoKeyMaterial is returned when a vault is constructed without a key.
var ErrNoKeyMaterial = errors.New("no encryption key material configured")

// FileVault encrypts store snapshots to disk with AES-256-GCM.
// Files hold raw [nonce][ciphertext] bytes and are written atomically.
type FileVault struct {
	key    []byte
	logger *slog.Logger
}

// NewFileVault creates a vault from a raw 32-byte key.
func NewFileVault(key []byte, logger *slog.Logger) (*FileVault, error) {
	if len(key) == 0 {
		return nil, ErrNoKeyMaterial
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", keySize, len(key))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileVault{key: key, logger: logger}, nil
}

// NewFileVaultFromPassphrase derives a vault key from a passphrase using
// PBKDF2-HMAC-SHA256.
func NewFileVaultFromPassphrase(passphrase string, logger *slog.Logger) (*FileVault, error) {
	if passphrase == "" {
		return nil, ErrNoKeyMaterial
	}
	key := pbkdf2.Key([]byte(passphrase), keyDerivationSalt, pbkdf2Iterations, keySize, sha256.New)
	return NewFileVault(key, logger)
}

// EncryptToFile encrypts plaintext and writes it to path atomically
// (temp file in the same directory, then rename).
func (v *FileVault) EncryptToFile(plaintext []byte, path string) error {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal with the nonce slice as destination to produce [nonce][ciphertext].
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write encrypted file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace encrypted file: %w", err)
	}
	return nil
}

// DecryptFromFile reads and decrypts the file at path.
// A missing file returns (nil, nil). Content that cannot be decrypted or
// authenticated also returns (nil, nil): callers treat either case as an
// empty store rather than trusting partial content.
func (v *FileVault) DecryptFromFile(path string) ([]byte, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read encrypted file: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		v.logger.Warn("Encrypted file too short, treating as empty store", "path", path)
		return nil, nil
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		v.logger.Warn("Failed to decrypt stored data, treating as empty store",
			"path", path,
			"error", err)
		return nil, nil
	}

	return plaintext, nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
