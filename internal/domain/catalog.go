package domain

import (
	"slices"
	"time"
)

const (
	day = 24 * time.Hour

	// DefaultSensitivity applies when a secret is stored without a level.
	DefaultSensitivity = SensitivityMedium
)

// TypeSpec describes one member of the closed secret type enumeration.
type TypeSpec struct {
	Type            SecretType
	DefaultRotation time.Duration
	Generatable     bool
}

// Catalog holds the closed enumerations of secret types and sensitivity
// levels. It is built once at startup and handed to the components that
// validate against it; it is never mutated afterwards.
type Catalog struct {
	types  map[SecretType]TypeSpec
	levels []Sensitivity
}

func defaultTypeSpecs() []TypeSpec {
	return []TypeSpec{
		{Type: TypeAPIKey, DefaultRotation: 90 * day, Generatable: true},
		{Type: TypeDatabasePassword, Generatable: true},
		{Type: TypeJWTSecret, DefaultRotation: 30 * day, Generatable: true},
		{Type: TypeOAuthToken, DefaultRotation: 7 * day, Generatable: true},
		{Type: TypeSessionKey, DefaultRotation: 1 * day, Generatable: true},
		{Type: TypeEncryptionKey, DefaultRotation: 365 * day, Generatable: true},
		{Type: TypeWebhookSecret, Generatable: true},
		{Type: TypeCertificate},
		{Type: TypePrivateKey, Generatable: true},
	}
}

// NewCatalog builds the catalog with the default rotation intervals, replacing
// the interval of every type present in overrides. Overrides for unknown
// types are ignored.
func NewCatalog(overrides map[SecretType]time.Duration) *Catalog {
	c := &Catalog{
		types:  make(map[SecretType]TypeSpec),
		levels: []Sensitivity{SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityCritical},
	}
	for _, spec := range defaultTypeSpecs() {
		if d, ok := overrides[spec.Type]; ok {
			spec.DefaultRotation = d
		}
		c.types[spec.Type] = spec
	}
	return c
}

// DefaultCatalog is NewCatalog without overrides.
func DefaultCatalog() *Catalog {
	return NewCatalog(nil)
}

func (c *Catalog) ValidType(t SecretType) bool {
	_, ok := c.types[t]
	return ok
}

func (c *Catalog) ValidSensitivity(s Sensitivity) bool {
	return slices.Contains(c.levels, s)
}

// Spec returns the type description for t.
func (c *Catalog) Spec(t SecretType) (TypeSpec, bool) {
	spec, ok := c.types[t]
	return spec, ok
}

// DefaultRotation returns the type's default interval; zero means no rotation.
func (c *Catalog) DefaultRotation(t SecretType) time.Duration {
	return c.types[t].DefaultRotation
}

// Types lists every secret type in a stable order.
func (c *Catalog) Types() []SecretType {
	out := make([]SecretType, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Levels lists the sensitivity levels in ascending order.
func (c *Catalog) Levels() []Sensitivity {
	return slices.Clone(c.levels)
}
