package validator

import (
	"github.com/go-playground/validator/v10"

	"github.com/spounge-ai/polysecret/internal/domain"
)

// isSecretName checks the secret naming rules.
func isSecretName(fl validator.FieldLevel) bool {
	return domain.ValidateName(fl.Field().String()) == nil
}

// isSecretTag checks a single tag.
func isSecretTag(fl validator.FieldLevel) bool {
	return domain.ValidateTag(fl.Field().String()) == nil
}

// RegisterCustomValidators registers custom validation functions with the
// validator. Catalog-backed tags are registered when catalog is non-nil.
func RegisterCustomValidators(validate *validator.Validate, catalog *domain.Catalog) error {
	if err := validate.RegisterValidation("secretname", isSecretName); err != nil {
		return err
	}
	if err := validate.RegisterValidation("secrettag", isSecretTag); err != nil {
		return err
	}
	if catalog == nil {
		return nil
	}
	if err := validate.RegisterValidation("secrettype", func(fl validator.FieldLevel) bool {
		return catalog.ValidType(domain.SecretType(fl.Field().String()))
	}); err != nil {
		return err
	}
	return validate.RegisterValidation("sensitivity", func(fl validator.FieldLevel) bool {
		level := domain.Sensitivity(fl.Field().Int())
		return level == domain.SensitivityUnspecified || catalog.ValidSensitivity(level)
	})
}
