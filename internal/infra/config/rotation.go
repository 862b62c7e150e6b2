package config

import (
	"fmt"
	"time"

	"github.com/spounge-ai/polysecret/internal/domain"
)

// RotationConfig overrides default rotation intervals per secret type. A zero
// interval disables scheduled rotation for the type; any other interval is at
// least a minute and only allowed for types whose values can be generated.
type RotationConfig struct {
	RetryBackoff time.Duration            `mapstructure:"retry_backoff" validate:"gt=0"`
	Intervals    map[string]time.Duration `mapstructure:"intervals"     validate:"dive,keys,secrettype,endkeys,omitempty,gte=1m"`
}

func (r RotationConfig) validateGeneratable(catalog *domain.Catalog) error {
	for t, d := range r.Intervals {
		spec, ok := catalog.Spec(domain.SecretType(t))
		if ok && d > 0 && !spec.Generatable {
			return fmt.Errorf("rotation.intervals.%s: %s values cannot be generated and cannot rotate on a schedule", t, t)
		}
	}
	return nil
}

// Catalog builds the secret type catalog with the configured overrides.
func (r RotationConfig) Catalog() *domain.Catalog {
	overrides := make(map[domain.SecretType]time.Duration, len(r.Intervals))
	for t, d := range r.Intervals {
		overrides[domain.SecretType(t)] = d
	}
	return domain.NewCatalog(overrides)
}
