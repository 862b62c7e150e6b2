package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spounge-ai/polysecret/internal/domain"
)

func TestSecretError(t *testing.T) {
	cause := errors.New("disk full")
	err := New(ErrStorage, "store", "db-primary", cause)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, `store "db-primary": storage failure: disk full`, err.Error())

	assert.Equal(t, `get "x": secret not found`, New(ErrNotFound, "get", "x", nil).Error())
}

func TestKindOf(t *testing.T) {
	assert.Nil(t, KindOf(nil))
	assert.Nil(t, KindOf(errors.New("plain")))
	assert.Equal(t, ErrValidation, KindOf(fmt.Errorf("%w: bad name", ErrValidation)))
	assert.Equal(t, ErrIntegrity, KindOf(New(ErrIntegrity, "get", "x", nil)))

	assert.Equal(t, "", KindName(nil))
	assert.Equal(t, "internal", KindName(errors.New("plain")))
	assert.Equal(t, "access_denied", KindName(New(ErrAccessDenied, "get", "x", nil)))
	assert.Equal(t, "rotation", KindName(New(ErrRotation, "rotate", "x", errors.New("generator failed"))))
}

func TestClassify(t *testing.T) {
	ec := NewErrorClassifier(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	tests := []struct {
		err      error
		class    ErrorClass
		severity domain.AuditSeverity
		kind     string
	}{
		{ErrIntegrity, ClassIntegrity, domain.SeverityCritical, "integrity"},
		{ErrCorruption, ClassCorruption, domain.SeverityCritical, "corruption"},
		{ErrAccessDenied, ClassAuthorization, domain.SeverityWarning, "access_denied"},
		{ErrNotFound, ClassNotFound, domain.SeverityWarning, "not_found"},
		{ErrValidation, ClassValidation, domain.SeverityWarning, "validation"},
		{ErrAlreadyExists, ClassConflict, domain.SeverityWarning, "already_exists"},
		{ErrStorage, ClassStorage, domain.SeverityError, "storage"},
		{ErrRotation, ClassRotation, domain.SeverityError, "rotation"},
		{errors.New("unexpected"), ClassInternal, domain.SeverityError, "internal"},
	}
	for _, tt := range tests {
		c := ec.Classify(fmt.Errorf("wrapped: %w", tt.err), "get", "svc")
		assert.Equal(t, tt.class, c.Class, tt.kind)
		assert.Equal(t, tt.severity, c.Severity, tt.kind)
		assert.Equal(t, tt.kind, c.Kind)
		assert.Equal(t, "svc", c.Name)
	}
}

func TestClassifierLog(t *testing.T) {
	var buf bytes.Buffer
	ec := NewErrorClassifier(slog.New(slog.NewTextHandler(&buf, nil)))
	ec.Log(context.Background(), ec.Classify(New(ErrIntegrity, "get", "svc", nil), "get", "svc"))

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "severity=critical")
	assert.Contains(t, out, "secret_name=svc")
}
