package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// SecretType is the declared kind of a secret value.
type SecretType string

const (
	TypeAPIKey           SecretType = "api_key"
	TypeDatabasePassword SecretType = "database_password"
	TypeJWTSecret        SecretType = "jwt_secret"
	TypeOAuthToken       SecretType = "oauth_token"
	TypeSessionKey       SecretType = "session_key"
	TypeEncryptionKey    SecretType = "encryption_key"
	TypeWebhookSecret    SecretType = "webhook_secret"
	TypeCertificate      SecretType = "certificate"
	TypePrivateKey       SecretType = "private_key"
)

func (t SecretType) String() string {
	return string(t)
}

// Sensitivity is an ordered classification; higher levels gate access.
type Sensitivity int

const (
	SensitivityUnspecified Sensitivity = 0
	SensitivityLow         Sensitivity = 1
	SensitivityMedium      Sensitivity = 2
	SensitivityHigh        Sensitivity = 3
	SensitivityCritical    Sensitivity = 4
)

var sensitivityNames = map[Sensitivity]string{
	SensitivityLow:      "LOW",
	SensitivityMedium:   "MEDIUM",
	SensitivityHigh:     "HIGH",
	SensitivityCritical: "CRITICAL",
}

func (s Sensitivity) String() string {
	if name, ok := sensitivityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Sensitivity(%d)", int(s))
}

// ParseSensitivity accepts the level name (case sensitive, upper case) or its number.
func ParseSensitivity(s string) (Sensitivity, error) {
	for level, name := range sensitivityNames {
		if name == s || fmt.Sprint(int(level)) == s {
			return level, nil
		}
	}
	return SensitivityUnspecified, fmt.Errorf("unknown sensitivity level %q", s)
}

// EncryptedValue is the at-rest form of a secret value.
type EncryptedValue struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	Algorithm  string `json:"algorithm"`
}

var ErrMalformedValue = errors.New("malformed encrypted value")

// WellFormed reports whether every component of the value is present.
// The ciphertext may be empty when the plaintext was empty.
func (v EncryptedValue) WellFormed() error {
	switch {
	case v.Algorithm == "":
		return fmt.Errorf("%w: missing algorithm", ErrMalformedValue)
	case len(v.Nonce) == 0:
		return fmt.Errorf("%w: missing nonce", ErrMalformedValue)
	case len(v.Tag) == 0:
		return fmt.Errorf("%w: missing tag", ErrMalformedValue)
	case v.Ciphertext == nil:
		return fmt.Errorf("%w: missing ciphertext", ErrMalformedValue)
	}
	return nil
}

// Clone returns a deep copy.
func (v EncryptedValue) Clone() EncryptedValue {
	return EncryptedValue{
		Ciphertext: slices.Clone(v.Ciphertext),
		Nonce:      slices.Clone(v.Nonce),
		Tag:        slices.Clone(v.Tag),
		Algorithm:  v.Algorithm,
	}
}

// Binding is the part of a record that is authenticated with its value. A
// record whose name, type, sensitivity or version was edited at rest no
// longer opens.
type Binding struct {
	Name        string
	Type        SecretType
	Sensitivity Sensitivity
	Version     int64
}

// Duration marshals as a Go duration string so persisted records stay readable.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Metadata is the non-sensitive bookkeeping kept alongside every secret.
type Metadata struct {
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Version      int64      `json:"version"`
	Description  string     `json:"description,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	RotateAfter  Duration   `json:"rotate_after,omitempty"`
	LastRotated  time.Time  `json:"last_rotated"`
	AccessCount  int64      `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	out.Tags = slices.Clone(m.Tags)
	if m.LastAccessed != nil {
		t := *m.LastAccessed
		out.LastAccessed = &t
	}
	return out
}

// HasTag reports whether tag is in the tag set.
func (m Metadata) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// RotationDue returns when the secret becomes due for rotation. The second
// return value is false when the secret does not rotate.
func (m Metadata) RotationDue() (time.Time, bool) {
	if m.RotateAfter <= 0 {
		return time.Time{}, false
	}
	return m.LastRotated.Add(time.Duration(m.RotateAfter)), true
}

// Overdue reports whether a rotating secret is past its due time at now.
func (m Metadata) Overdue(now time.Time) bool {
	due, ok := m.RotationDue()
	return ok && !due.After(now)
}

// Secret is the central entity. Value never holds plaintext.
type Secret struct {
	Name        string         `json:"name"`
	Type        SecretType     `json:"type"`
	Sensitivity Sensitivity    `json:"sensitivity"`
	Value       EncryptedValue `json:"encrypted_value"`
	Metadata    Metadata       `json:"metadata"`
}

// Clone returns a deep copy.
func (s *Secret) Clone() *Secret {
	return &Secret{
		Name:        s.Name,
		Type:        s.Type,
		Sensitivity: s.Sensitivity,
		Value:       s.Value.Clone(),
		Metadata:    s.Metadata.Clone(),
	}
}

// Binding returns the fields authenticated together with the value.
func (s *Secret) Binding() Binding {
	return Binding{Name: s.Name, Type: s.Type, Sensitivity: s.Sensitivity, Version: s.Metadata.Version}
}

// Info strips the encrypted value.
func (s *Secret) Info() SecretInfo {
	return SecretInfo{
		Name:        s.Name,
		Type:        s.Type,
		Sensitivity: s.Sensitivity,
		Metadata:    s.Metadata.Clone(),
	}
}

// SecretInfo is the caller-facing view of a secret: everything except the value.
type SecretInfo struct {
	Name        string      `json:"name"`
	Type        SecretType  `json:"type"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Metadata    Metadata    `json:"metadata"`
}

// SecretFilter selects secrets in list operations. Zero fields match everything.
type SecretFilter struct {
	Type        SecretType
	Sensitivity Sensitivity
	Tag         string
}

// Matches reports whether info satisfies every set field of the filter.
func (f SecretFilter) Matches(info SecretInfo) bool {
	if f.Type != "" && info.Type != f.Type {
		return false
	}
	if f.Sensitivity != SensitivityUnspecified && info.Sensitivity != f.Sensitivity {
		return false
	}
	if f.Tag != "" && !info.Metadata.HasTag(f.Tag) {
		return false
	}
	return true
}

// CorruptRecord names a persisted record that could not be loaded.
type CorruptRecord struct {
	Name string
	Path string
	Err  error
}

// SecretRepository is the durable side of the secret store. Implementations
// must make Save atomic per secret.
type SecretRepository interface {
	Save(ctx context.Context, secret *Secret) error
	Delete(ctx context.Context, name string, keepBackup bool) error
	LoadAll(ctx context.Context) ([]*Secret, []CorruptRecord, error)
}
