package authorization

import (
	"fmt"

	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
)

// CeilingError reports a read above the caller's sensitivity ceiling. It
// matches app_errors.ErrAccessDenied without repeating it in the message.
type CeilingError struct {
	Ceiling domain.Sensitivity
	Actual  domain.Sensitivity
}

func (e *CeilingError) Error() string {
	return fmt.Sprintf("secret sensitivity %s exceeds permitted %s", e.Actual, e.Ceiling)
}

func (e *CeilingError) Is(target error) bool {
	return target == app_errors.ErrAccessDenied
}

// ValidateSensitivityCeiling checks that a secret of the given sensitivity may
// be read by a caller cleared up to ceiling. An unspecified ceiling means the
// caller did not ask for a gate.
func ValidateSensitivityCeiling(ceiling, actual domain.Sensitivity) error {
	if ceiling == domain.SensitivityUnspecified {
		return nil
	}

	if actual > ceiling {
		return &CeilingError{Ceiling: ceiling, Actual: actual}
	}
	return nil
}
