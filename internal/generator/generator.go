// Package generator produces fresh secret values for each secret type.
// Every byte comes from crypto/rand (or an injected reader of the same
// quality); math/rand is never used here.
package generator

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
)

const (
	DefaultAPIKeyLength   = 40
	DefaultPasswordLength = 32
	MinPasswordLength     = 24
	DefaultKeyBytes       = 32
	MinKeyBytes           = 32
	DefaultTokenBytes     = 32
	MaxLength             = 4096

	lowercase    = "abcdefghijklmnopqrstuvwxyz"
	uppercase    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits       = "0123456789"
	symbols      = "!@#$%^&*()-_=+[]{}<>?.,:;~"
	alphanumeric = lowercase + uppercase + digits
)

var ErrNotGeneratable = errors.New("type cannot be generated")

// Encoding selects the textual form of raw key bytes.
type Encoding string

const (
	EncodingDefault   Encoding = ""
	EncodingHex       Encoding = "hex"
	EncodingBase64URL Encoding = "base64url"
)

// Options tune generation. Length is characters for api_key and
// database_password and raw bytes for the key and token types; zero means
// the type default.
type Options struct {
	Length   int      `validate:"gte=0,lte=4096"`
	Encoding Encoding `validate:"omitempty,oneof=hex base64url"`
}

type Generator struct {
	rand io.Reader
}

func New() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewWithReader uses r as the randomness source. r must be cryptographically
// secure; it exists so tests can inject failures.
func NewWithReader(r io.Reader) *Generator {
	return &Generator{rand: r}
}

func (g *Generator) Generate(t domain.SecretType, opts Options) ([]byte, error) {
	if opts.Length < 0 || opts.Length > MaxLength {
		return nil, fmt.Errorf("%w: length must be between 0 and %d", app_errors.ErrValidation, MaxLength)
	}

	switch t {
	case domain.TypeAPIKey:
		return g.randomString(alphanumeric, orDefault(opts.Length, DefaultAPIKeyLength))
	case domain.TypeDatabasePassword:
		return g.password(orDefault(opts.Length, DefaultPasswordLength))
	case domain.TypeJWTSecret:
		return g.key(opts, EncodingBase64URL)
	case domain.TypeEncryptionKey:
		return g.key(opts, EncodingHex)
	case domain.TypeWebhookSecret, domain.TypeSessionKey, domain.TypeOAuthToken:
		return g.token(orDefault(opts.Length, DefaultTokenBytes))
	case domain.TypePrivateKey:
		return g.privateKey()
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotGeneratable, t)
	}
}

func orDefault(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}

func (g *Generator) readBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// intn returns a uniform integer in [0, n).
func (g *Generator) intn(n int) (int, error) {
	v, err := rand.Int(g.rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to draw random index: %w", err)
	}
	return int(v.Int64()), nil
}

func (g *Generator) randomString(alphabet string, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := range out {
		idx, err := g.intn(len(alphabet))
		if err != nil {
			return nil, err
		}
		out[i] = alphabet[idx]
	}
	return out, nil
}

// password guarantees one character of each class, fills the rest from the
// union, then Fisher-Yates shuffles with the secure source.
func (g *Generator) password(length int) ([]byte, error) {
	if length < MinPasswordLength {
		return nil, fmt.Errorf("%w: password length must be at least %d", app_errors.ErrValidation, MinPasswordLength)
	}

	classes := []string{lowercase, uppercase, digits, symbols}
	out := make([]byte, 0, length)
	for _, class := range classes {
		c, err := g.randomString(class, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, c...)
	}

	rest, err := g.randomString(lowercase+uppercase+digits+symbols, length-len(classes))
	if err != nil {
		return nil, err
	}
	out = append(out, rest...)

	for i := len(out) - 1; i > 0; i-- {
		j, err := g.intn(i + 1)
		if err != nil {
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (g *Generator) key(opts Options, def Encoding) ([]byte, error) {
	n := orDefault(opts.Length, DefaultKeyBytes)
	if n < MinKeyBytes {
		return nil, fmt.Errorf("%w: keys must be at least %d bytes", app_errors.ErrValidation, MinKeyBytes)
	}
	raw, err := g.readBytes(n)
	if err != nil {
		return nil, err
	}

	enc := opts.Encoding
	if enc == EncodingDefault {
		enc = def
	}
	switch enc {
	case EncodingHex:
		return []byte(hex.EncodeToString(raw)), nil
	case EncodingBase64URL:
		return []byte(base64.RawURLEncoding.EncodeToString(raw)), nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", app_errors.ErrValidation, enc)
	}
}

func (g *Generator) token(n int) ([]byte, error) {
	if n < MinKeyBytes {
		return nil, fmt.Errorf("%w: tokens must be at least %d bytes", app_errors.ErrValidation, MinKeyBytes)
	}
	raw, err := g.readBytes(n)
	if err != nil {
		return nil, err
	}
	return []byte(base64.RawURLEncoding.EncodeToString(raw)), nil
}

// privateKey returns a PKCS#8 PEM encoded Ed25519 key.
func (g *Generator) privateKey() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(g.rand)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
