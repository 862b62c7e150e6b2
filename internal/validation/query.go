package validation

import (
	"fmt"

	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
)

const (
	MaxQueryLimit     = 10000
	DefaultQueryLimit = 100
)

var knownActions = map[domain.AuditAction]bool{
	domain.ActionStored:             true,
	domain.ActionAccessed:           true,
	domain.ActionUpdated:            true,
	domain.ActionDeleted:            true,
	domain.ActionRotated:            true,
	domain.ActionRotationFailed:     true,
	domain.ActionAccessDenied:       true,
	domain.ActionNotFound:           true,
	domain.ActionCorruptionDetected: true,
}

// NormalizeAuditQuery validates q and applies the default limit.
func NormalizeAuditQuery(q domain.AuditQuery) (domain.AuditQuery, error) {
	switch {
	case q.Limit < 0:
		return q, fmt.Errorf("%w: limit cannot be negative", app_errors.ErrValidation)
	case q.Limit == 0:
		q.Limit = DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		return q, fmt.Errorf("%w: limit %d exceeds maximum of %d", app_errors.ErrValidation, q.Limit, MaxQueryLimit)
	}

	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return q, fmt.Errorf("%w: until must not be before since", app_errors.ErrValidation)
	}

	for _, action := range q.Actions {
		if !knownActions[action] {
			return q, fmt.Errorf("%w: unknown audit action %q", app_errors.ErrValidation, action)
		}
	}
	return q, nil
}
