package service

import (
	"time"

	"github.com/spounge-ai/polysecret/internal/domain"
	"github.com/spounge-ai/polysecret/internal/generator"
)

// StoreOptions configure a new secret. Sensitivity defaults to MEDIUM and
// RotateAfter to the type's default interval unless DisableRotation is set.
// An explicit RotateAfter is at least a minute and is refused for types whose
// values cannot be generated.
type StoreOptions struct {
	Type            domain.SecretType  `validate:"required,secrettype"`
	Sensitivity     domain.Sensitivity `validate:"sensitivity"`
	Description     string             `validate:"max=1024"`
	Tags            []string           `validate:"max=50,dive,secrettag"`
	RotateAfter     time.Duration      `validate:"omitempty,gte=1m"`
	DisableRotation bool
}

// GetOptions gate a read. A zero MaxSensitivity applies no gate.
type GetOptions struct {
	MaxSensitivity domain.Sensitivity `validate:"sensitivity"`
}

// UpdateOptions edit metadata together with the value. Nil fields are kept.
type UpdateOptions struct {
	Description *string  `validate:"omitempty,max=1024"`
	Tags        []string `validate:"omitempty,max=50,dive,secrettag"`
}

type DeleteOptions struct {
	KeepBackup bool
}

// RotateOptions supply the replacement value. Without Value a fresh value is
// generated for the secret's type using Generate.
type RotateOptions struct {
	Value    []byte
	Generate generator.Options
}

// ListFilter selects secrets by type, sensitivity and tag. Zero fields match all.
type ListFilter struct {
	Type        domain.SecretType  `validate:"omitempty,secrettype"`
	Sensitivity domain.Sensitivity `validate:"sensitivity"`
	Tag         string             `validate:"omitempty,secrettag"`
}

func (f ListFilter) domainFilter() domain.SecretFilter {
	return domain.SecretFilter{Type: f.Type, Sensitivity: f.Sensitivity, Tag: f.Tag}
}
