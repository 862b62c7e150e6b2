package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
	"github.com/spounge-ai/polysecret/pkg/memory"
)

// AES-256-GCM with a 96-bit random nonce and a 128-bit tag.
const (
	AlgorithmAES256GCM = "AES-256-GCM"
	KeySize            = 32
	NonceSize          = 12
	TagSize            = 16

	// maxSealsPerKey bounds random-nonce GCM use of a single key (NIST SP 800-38D).
	maxSealsPerKey = 1 << 32
)

var (
	ErrInvalidKey   = errors.New("key length must be 32 bytes")
	ErrKeyExhausted = errors.New("encryption limit reached for this key")
)

func validateKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w, got %d bytes", ErrInvalidKey, len(key))
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return aesgcm, nil
}

func generateNonce(r io.Reader) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// associatedData binds the algorithm id and the record binding into the tag.
// Fields are NUL separated; names and types never contain NUL.
func associatedData(b domain.Binding) []byte {
	aad := make([]byte, 0, len(AlgorithmAES256GCM)+len(b.Name)+len(b.Type)+32)
	aad = append(aad, AlgorithmAES256GCM...)
	aad = append(aad, 0)
	aad = append(aad, b.Name...)
	aad = append(aad, 0)
	aad = append(aad, b.Type...)
	aad = append(aad, 0)
	aad = strconv.AppendInt(aad, int64(b.Sensitivity), 10)
	aad = append(aad, 0)
	aad = strconv.AppendInt(aad, b.Version, 10)
	return aad
}

// Encrypt seals plaintext under key. The nonce is always drawn fresh from
// crypto/rand inside this call; callers cannot supply one.
func Encrypt(key, plaintext []byte, b domain.Binding) (domain.EncryptedValue, error) {
	return encrypt(rand.Reader, key, plaintext, b)
}

func encrypt(r io.Reader, key, plaintext []byte, b domain.Binding) (domain.EncryptedValue, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return domain.EncryptedValue{}, err
	}

	nonce, err := generateNonce(r)
	if err != nil {
		return domain.EncryptedValue{}, err
	}

	sealed := aesgcm.Seal(nil, nonce, plaintext, associatedData(b))
	split := len(sealed) - TagSize

	return domain.EncryptedValue{
		Ciphertext: sealed[:split:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
		Algorithm:  AlgorithmAES256GCM,
	}, nil
}

// Decrypt opens value under key. A value that fails authentication (tampered,
// wrong key or a binding that differs from the one it was sealed with)
// returns an error matching ErrIntegrity; a value with the wrong shape
// returns ErrCorruption.
func Decrypt(key []byte, value domain.EncryptedValue, b domain.Binding) ([]byte, error) {
	if err := value.WellFormed(); err != nil {
		return nil, fmt.Errorf("%w: %v", app_errors.ErrCorruption, err)
	}
	if subtle.ConstantTimeCompare([]byte(value.Algorithm), []byte(AlgorithmAES256GCM)) != 1 {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", app_errors.ErrCorruption, value.Algorithm)
	}
	if len(value.Nonce) != NonceSize || len(value.Tag) != TagSize {
		return nil, fmt.Errorf("%w: nonce or tag has wrong length", app_errors.ErrCorruption)
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(value.Ciphertext)+TagSize)
	sealed = append(sealed, value.Ciphertext...)
	sealed = append(sealed, value.Tag...)

	plaintext, err := aesgcm.Open(nil, value.Nonce, sealed, associatedData(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", app_errors.ErrIntegrity, err)
	}
	return plaintext, nil
}

// Engine binds a key to Encrypt and Decrypt for the lifetime of a process.
type Engine struct {
	key   []byte
	seals atomic.Uint64
	rand  io.Reader
}

// NewEngine copies key; the caller may zero its own copy afterwards.
func NewEngine(key []byte) (*Engine, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Engine{key: k, rand: rand.Reader}, nil
}

func (e *Engine) Seal(plaintext []byte, b domain.Binding) (domain.EncryptedValue, error) {
	if e.seals.Add(1) > maxSealsPerKey {
		return domain.EncryptedValue{}, ErrKeyExhausted
	}
	return encrypt(e.rand, e.key, plaintext, b)
}

func (e *Engine) Open(value domain.EncryptedValue, b domain.Binding) ([]byte, error) {
	return Decrypt(e.key, value, b)
}

// Destroy zeroes the key. The engine is unusable afterwards.
func (e *Engine) Destroy() {
	memory.SecureZeroBytes(e.key)
	e.key = nil
}
