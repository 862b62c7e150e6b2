package kms

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the length of the master key and of every derived key.
	MasterKeySize = 32
	saltSize      = 16
)

// Subkey purposes. Changing these strings invalidates every stored record.
const (
	PurposeSecrets = "polysecret/secrets/v1"
	PurposeAudit   = "polysecret/audit/v1"
)

// DeriveKey uses HKDF to derive a new key from a master key.
// This is useful for creating specific keys for different purposes without
// exposing the master key.
func DeriveKey(masterKey, salt, info []byte, keyLength int) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key cannot be empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt cannot be empty")
	}

	kdf := hkdf.New(sha256.New, masterKey, salt, info)

	key := make([]byte, keyLength)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key using HKDF: %w", err)
	}

	return key, nil
}

// DeriveSubkey derives the purpose-specific key used by one component.
func DeriveSubkey(masterKey []byte, purpose string) ([]byte, error) {
	return DeriveKey(masterKey, []byte("polysecret-salt:"+purpose), []byte(purpose), MasterKeySize)
}

// Argon2Params tunes the passphrase KDF.
type Argon2Params struct {
	Time    uint32 `mapstructure:"time"    validate:"gte=1"`
	Memory  uint32 `mapstructure:"memory"  validate:"gte=8192"`
	Threads uint8  `mapstructure:"threads" validate:"gte=1"`
}

// DefaultArgon2Params follows the RFC 9106 second recommended option.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 4}
}

// DerivePassphraseKey stretches a passphrase into a master key with argon2id.
func DerivePassphraseKey(passphrase, salt []byte, params Argon2Params) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if len(salt) < saltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes, got %d", saltSize, len(salt))
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("argon2 parameters must be positive")
	}
	return argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, MasterKeySize), nil
}

// LoadOrCreateSalt reads the persisted salt at path, creating it on first use.
// The salt is not secret but must survive restarts, otherwise the derived
// master key changes and every stored record becomes unreadable.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(salt) != saltSize {
			return nil, fmt.Errorf("salt file %s has %d bytes, want %d", path, len(salt), saltSize)
		}
		return salt, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost a creation race; use the winner's salt.
			return LoadOrCreateSalt(path)
		}
		return nil, fmt.Errorf("failed to create salt file: %w", err)
	}
	if _, err := f.Write(salt); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync salt file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close salt file: %w", err)
	}
	return salt, nil
}
