package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the secret manager matches exactly one
// of these with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrAlreadyExists = errors.New("secret already exists")
	ErrNotFound      = errors.New("secret not found")
	ErrAccessDenied  = errors.New("access denied")
	ErrIntegrity     = errors.New("integrity check failed")
	ErrCorruption    = errors.New("corrupted record")
	ErrStorage       = errors.New("storage failure")
	ErrRotation      = errors.New("rotation failed")
)

var kinds = []error{
	ErrValidation,
	ErrAlreadyExists,
	ErrNotFound,
	ErrAccessDenied,
	ErrIntegrity,
	ErrCorruption,
	ErrStorage,
	ErrRotation,
}

// SecretError carries the failing operation and secret name with its kind.
// Messages never include secret values or key material.
type SecretError struct {
	Kind error
	Op   string
	Name string
	Err  error
}

// New wraps err as a SecretError of the given kind. err may be nil.
func New(kind error, op, name string, err error) *SecretError {
	return &SecretError{Kind: kind, Op: op, Name: name, Err: err}
}

func (e *SecretError) Error() string {
	msg := fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SecretError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the first error kind err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName is the short label of an error kind used in audit details and metrics.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case ErrValidation:
		return "validation"
	case ErrAlreadyExists:
		return "already_exists"
	case ErrNotFound:
		return "not_found"
	case ErrAccessDenied:
		return "access_denied"
	case ErrIntegrity:
		return "integrity"
	case ErrCorruption:
		return "corruption"
	case ErrStorage:
		return "storage"
	case ErrRotation:
		return "rotation"
	}
	return "internal"
}
