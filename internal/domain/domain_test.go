package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"db", "prod/db-primary", "a.b_c", "0key", strings.Repeat("a", 255)} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "-lead", "/abs", "has space", "a/../b", "semi;colon", strings.Repeat("a", 256)} {
		assert.Error(t, ValidateName(name), name)
	}
}

func TestNormalizeTags(t *testing.T) {
	tags, err := NormalizeTags([]string{"prod", " team:core ", "prod", "a.b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.b", "prod", "team:core"}, tags)

	_, err = NormalizeTags([]string{"ok", "bad tag"})
	assert.Error(t, err)

	_, err = NormalizeTags(make([]string, 51))
	assert.Error(t, err)
}

func TestNormalizeDescription(t *testing.T) {
	got, err := NormalizeDescription("  primary database  ")
	require.NoError(t, err)
	assert.Equal(t, "primary database", got)

	_, err = NormalizeDescription(strings.Repeat("x", 1025))
	assert.Error(t, err)
}

func TestSensitivity(t *testing.T) {
	assert.Equal(t, "HIGH", SensitivityHigh.String())
	assert.Equal(t, "Sensitivity(9)", Sensitivity(9).String())

	level, err := ParseSensitivity("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, SensitivityCritical, level)

	level, err = ParseSensitivity("1")
	require.NoError(t, err)
	assert.Equal(t, SensitivityLow, level)

	_, err = ParseSensitivity("high")
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(map[SecretType]time.Duration{TypeAPIKey: time.Hour, "unknown": time.Minute})

	assert.Equal(t, time.Hour, c.DefaultRotation(TypeAPIKey))
	assert.Equal(t, 30*24*time.Hour, c.DefaultRotation(TypeJWTSecret))
	assert.Zero(t, c.DefaultRotation(TypeDatabasePassword))
	assert.False(t, c.ValidType("unknown"))
	assert.True(t, c.ValidType(TypeCertificate))
	assert.Len(t, c.Types(), 9)

	spec, ok := c.Spec(TypeCertificate)
	require.True(t, ok)
	assert.False(t, spec.Generatable)

	assert.True(t, c.ValidSensitivity(SensitivityMedium))
	assert.False(t, c.ValidSensitivity(SensitivityUnspecified))
	assert.Equal(t, []Sensitivity{SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityCritical}, c.Levels())
}

func TestDurationJSON(t *testing.T) {
	b, err := json.Marshal(Duration(90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(b))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"720h"`), &d))
	assert.Equal(t, Duration(720*time.Hour), d)

	assert.Error(t, json.Unmarshal([]byte(`3600`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
}

func TestRotationDue(t *testing.T) {
	rotated := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := Metadata{LastRotated: rotated, RotateAfter: Duration(24 * time.Hour)}

	due, ok := m.RotationDue()
	require.True(t, ok)
	assert.Equal(t, rotated.Add(24*time.Hour), due)
	assert.False(t, m.Overdue(rotated.Add(time.Hour)))
	assert.True(t, m.Overdue(due))

	m.RotateAfter = 0
	_, ok = m.RotationDue()
	assert.False(t, ok)
	assert.False(t, m.Overdue(rotated.Add(1000*time.Hour)))
}

func TestEncryptedValueWellFormed(t *testing.T) {
	v := EncryptedValue{Ciphertext: []byte{}, Nonce: []byte{1}, Tag: []byte{2}, Algorithm: "AES-256-GCM"}
	assert.NoError(t, v.WellFormed())

	missing := v
	missing.Tag = nil
	assert.ErrorIs(t, missing.WellFormed(), ErrMalformedValue)

	missing = v
	missing.Ciphertext = nil
	assert.ErrorIs(t, missing.WellFormed(), ErrMalformedValue)
}

func TestSecretCloneIsDeep(t *testing.T) {
	accessed := time.Now()
	s := &Secret{
		Name:     "db",
		Value:    EncryptedValue{Ciphertext: []byte{1, 2}, Nonce: []byte{3}, Tag: []byte{4}, Algorithm: "AES-256-GCM"},
		Metadata: Metadata{Tags: []string{"prod"}, LastAccessed: &accessed},
	}
	c := s.Clone()
	c.Value.Ciphertext[0] = 9
	c.Metadata.Tags[0] = "dev"
	*c.Metadata.LastAccessed = accessed.Add(time.Hour)

	assert.Equal(t, byte(1), s.Value.Ciphertext[0])
	assert.Equal(t, "prod", s.Metadata.Tags[0])
	assert.Equal(t, accessed, *s.Metadata.LastAccessed)
}

func TestSecretFilterMatches(t *testing.T) {
	info := SecretInfo{Name: "db", Type: TypeDatabasePassword, Sensitivity: SensitivityHigh, Metadata: Metadata{Tags: []string{"prod"}}}

	assert.True(t, SecretFilter{}.Matches(info))
	assert.True(t, SecretFilter{Type: TypeDatabasePassword, Sensitivity: SensitivityHigh, Tag: "prod"}.Matches(info))
	assert.False(t, SecretFilter{Type: TypeAPIKey}.Matches(info))
	assert.False(t, SecretFilter{Sensitivity: SensitivityLow}.Matches(info))
	assert.False(t, SecretFilter{Tag: "dev"}.Matches(info))
}

func TestAuditQueryMatches(t *testing.T) {
	ts := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	entry := AuditEntry{Action: ActionAccessed, SecretName: "db", Timestamp: ts}

	assert.True(t, AuditQuery{}.Matches(entry))
	assert.True(t, AuditQuery{Actions: []AuditAction{ActionStored, ActionAccessed}}.Matches(entry))
	assert.False(t, AuditQuery{Actions: []AuditAction{ActionDeleted}}.Matches(entry))
	assert.False(t, AuditQuery{SecretName: "other"}.Matches(entry))
	assert.True(t, AuditQuery{Since: ts, Until: ts}.Matches(entry))
	assert.False(t, AuditQuery{Since: ts.Add(time.Second)}.Matches(entry))
	assert.False(t, AuditQuery{Until: ts.Add(-time.Second)}.Matches(entry))
}
