package kms

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spounge-ai/polysecret/pkg/memory"
)

// ErrNotConfigured is returned by a Source that has nothing to offer, so the
// resolver moves on to the next one.
var ErrNotConfigured = errors.New("master key source not configured")

// Source delivers master key material from outside the process.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]byte, error)
}

// KeyFormat says how fetched material becomes a key.
type KeyFormat string

const (
	// FormatEncoded is a 32-byte key written as hex or base64.
	FormatEncoded KeyFormat = "encoded"
	// FormatBinary is the raw 32 bytes, as returned by KMS.
	FormatBinary KeyFormat = "binary"
	// FormatPassphrase is stretched with argon2id and the persisted salt.
	FormatPassphrase KeyFormat = "passphrase"
)

type ResolverConfig struct {
	Format         KeyFormat
	SaltFile       string
	Argon2         Argon2Params
	AllowEphemeral bool
}

// Resolver tries its sources in order and turns the first material found
// into a MasterKey.
type Resolver struct {
	cfg     ResolverConfig
	sources []Source
	logger  *slog.Logger
	rand    io.Reader
}

func NewResolver(cfg ResolverConfig, logger *slog.Logger, sources ...Source) *Resolver {
	if cfg.Format == "" {
		cfg.Format = FormatEncoded
	}
	if cfg.Argon2 == (Argon2Params{}) {
		cfg.Argon2 = DefaultArgon2Params()
	}
	return &Resolver{cfg: cfg, sources: sources, logger: logger, rand: rand.Reader}
}

// Resolve returns the master key. When no source is configured and ephemeral
// keys are allowed, a random key is generated and the fact is logged at
// error level: anything written under it is unrecoverable after restart.
func (r *Resolver) Resolve(ctx context.Context) (*MasterKey, error) {
	for _, src := range r.sources {
		material, err := src.Fetch(ctx)
		if errors.Is(err, ErrNotConfigured) {
			r.logger.DebugContext(ctx, "master key source not configured", "source", src.Name())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch master key from %s: %w", src.Name(), err)
		}

		key, err := r.decode(material)
		memory.SecureZeroBytes(material)
		if err != nil {
			return nil, fmt.Errorf("invalid master key from %s: %w", src.Name(), err)
		}
		r.logger.InfoContext(ctx, "master key loaded", "source", src.Name(), "format", string(r.cfg.Format))
		return &MasterKey{key: key, Source: src.Name()}, nil
	}

	if !r.cfg.AllowEphemeral {
		return nil, fmt.Errorf("no master key source configured and ephemeral keys are disabled")
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(r.rand, key); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral master key: %w", err)
	}
	r.logger.ErrorContext(ctx, "NO MASTER KEY CONFIGURED: using an ephemeral key for this process; "+
		"secrets written now cannot be decrypted after a restart")
	return &MasterKey{key: key, Source: "ephemeral", Ephemeral: true}, nil
}

func (r *Resolver) decode(material []byte) ([]byte, error) {
	switch r.cfg.Format {
	case FormatBinary:
		if len(material) != MasterKeySize {
			return nil, fmt.Errorf("binary key must be %d bytes, got %d", MasterKeySize, len(material))
		}
		key := make([]byte, MasterKeySize)
		copy(key, material)
		return key, nil
	case FormatEncoded:
		return ParseKeyMaterial(string(material))
	case FormatPassphrase:
		if r.cfg.SaltFile == "" {
			return nil, fmt.Errorf("passphrase keys need a salt file")
		}
		salt, err := LoadOrCreateSalt(r.cfg.SaltFile)
		if err != nil {
			return nil, err
		}
		passphrase := []byte(strings.TrimSpace(string(material)))
		defer memory.SecureZeroBytes(passphrase)
		return DerivePassphraseKey(passphrase, salt, r.cfg.Argon2)
	default:
		return nil, fmt.Errorf("unknown key format %q", r.cfg.Format)
	}
}

// ParseKeyMaterial decodes a 32-byte key written as hex, standard base64 or
// unpadded URL-safe base64.
func ParseKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
	}
	for _, decode := range decoders {
		key, err := decode(s)
		if err == nil && len(key) == MasterKeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("key must decode to %d bytes from hex or base64", MasterKeySize)
}

// MasterKey is the root key of the process. Components never see it
// directly; they get HKDF subkeys.
type MasterKey struct {
	key       []byte
	Source    string
	Ephemeral bool
}

// NewMasterKey wraps an existing key, copying it.
func NewMasterKey(key []byte, source string) (*MasterKey, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	k := make([]byte, MasterKeySize)
	copy(k, key)
	return &MasterKey{key: k, Source: source}, nil
}

func (k *MasterKey) Subkey(purpose string) ([]byte, error) {
	if len(k.key) == 0 {
		return nil, fmt.Errorf("master key destroyed")
	}
	return DeriveSubkey(k.key, purpose)
}

func (k *MasterKey) Destroy() {
	memory.SecureZeroBytes(k.key)
	k.key = nil
}
