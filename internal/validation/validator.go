package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
	pkgvalidator "github.com/spounge-ai/polysecret/pkg/validator"
)

// RequestValidator checks operation option structs at the facade boundary.
type RequestValidator struct {
	validator *validator.Validate
	catalog   *domain.Catalog
}

func NewRequestValidator(catalog *domain.Catalog) (*RequestValidator, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := pkgvalidator.RegisterCustomValidators(v, catalog); err != nil {
		return nil, fmt.Errorf("failed to register custom validators: %w", err)
	}

	return &RequestValidator{validator: v, catalog: catalog}, nil
}

// ValidateName checks a secret name and wraps failures as ErrValidation.
func (rv *RequestValidator) ValidateName(name string) error {
	if err := domain.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", app_errors.ErrValidation, err)
	}
	return nil
}

// ValidateStruct runs the struct tags of opts and wraps failures as
// ErrValidation with one message per offending field.
func (rv *RequestValidator) ValidateStruct(opts any) error {
	err := rv.validator.Struct(opts)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", app_errors.ErrValidation, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", app_errors.ErrValidation, strings.Join(msgs, "; "))
}

// describe renders a field error without echoing the offending value, which
// could be secret material.
func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "secrettype":
		return fmt.Sprintf("%s is not a known secret type", fe.Field())
	case "sensitivity":
		return fmt.Sprintf("%s is not a known sensitivity level", fe.Field())
	case "secretname":
		return fmt.Sprintf("%s is not a valid secret name", fe.Field())
	case "secrettag":
		return fmt.Sprintf("%s is not a valid tag", fe.Field())
	case "max", "lte":
		return fmt.Sprintf("%s exceeds maximum of %s", fe.Field(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s is below minimum of %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
