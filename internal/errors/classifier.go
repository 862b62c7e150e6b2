package errors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spounge-ai/polysecret/internal/domain"
)

type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassValidation
	ClassConflict
	ClassNotFound
	ClassAuthorization
	ClassIntegrity
	ClassCorruption
	ClassStorage
	ClassRotation
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassConflict:
		return "conflict"
	case ClassNotFound:
		return "not_found"
	case ClassAuthorization:
		return "authorization"
	case ClassIntegrity:
		return "integrity"
	case ClassCorruption:
		return "corruption"
	case ClassStorage:
		return "storage"
	case ClassRotation:
		return "rotation"
	default:
		return "internal"
	}
}

type ClassifiedError struct {
	Class     ErrorClass
	Severity  domain.AuditSeverity
	Kind      string
	Operation string
	Name      string
	Err       error
}

type ErrorClassifier struct {
	logger *slog.Logger
}

func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	return &ErrorClassifier{logger: logger}
}

func (ec *ErrorClassifier) Classify(err error, operation, name string) *ClassifiedError {
	classified := &ClassifiedError{
		Err:       err,
		Operation: operation,
		Name:      name,
		Kind:      KindName(err),
	}

	switch {
	case errors.Is(err, ErrIntegrity):
		classified.Class = ClassIntegrity
		classified.Severity = domain.SeverityCritical
	case errors.Is(err, ErrCorruption):
		classified.Class = ClassCorruption
		classified.Severity = domain.SeverityCritical
	case errors.Is(err, ErrAccessDenied):
		classified.Class = ClassAuthorization
		classified.Severity = domain.SeverityWarning
	case errors.Is(err, ErrNotFound):
		classified.Class = ClassNotFound
		classified.Severity = domain.SeverityWarning
	case errors.Is(err, ErrValidation):
		classified.Class = ClassValidation
		classified.Severity = domain.SeverityWarning
	case errors.Is(err, ErrAlreadyExists):
		classified.Class = ClassConflict
		classified.Severity = domain.SeverityWarning
	case errors.Is(err, ErrStorage):
		classified.Class = ClassStorage
		classified.Severity = domain.SeverityError
	case errors.Is(err, ErrRotation):
		classified.Class = ClassRotation
		classified.Severity = domain.SeverityError
	default:
		classified.Class = ClassInternal
		classified.Severity = domain.SeverityError
	}

	return classified
}

// Log writes the classified error to the operational log at a level matching
// its severity.
func (ec *ErrorClassifier) Log(ctx context.Context, classified *ClassifiedError) {
	level := slog.LevelWarn
	switch classified.Severity {
	case domain.SeverityCritical, domain.SeverityError:
		level = slog.LevelError
	}

	ec.logger.LogAttrs(ctx, level, "operation failed",
		slog.String("operation", classified.Operation),
		slog.String("secret_name", classified.Name),
		slog.String("error_class", classified.Class.String()),
		slog.String("severity", string(classified.Severity)),
		slog.String("error", classified.Err.Error()),
	)
}
