package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spounge-ai/polysecret/internal/audit"
	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
	"github.com/spounge-ai/polysecret/internal/store"
	"github.com/spounge-ai/polysecret/internal/validation"
	"github.com/spounge-ai/polysecret/pkg/memory"
)

// Store creates a secret. It fails with ErrAlreadyExists rather than
// overwrite; use Update to change a value.
func (m *Manager) Store(ctx context.Context, name string, plaintext []byte, opts StoreOptions) (domain.SecretInfo, error) {
	start := m.clock.Now()
	details := map[string]string{"type": string(opts.Type)}

	info, err := m.createSecret(ctx, name, plaintext, opts)
	if err == nil {
		details["sensitivity"] = info.Sensitivity.String()
		details["version"] = strconv.FormatInt(info.Metadata.Version, 10)
		m.scheduler.Schedule(info)
	}
	m.finish(ctx, domain.ActionStored, name, start, err, details)
	if err != nil {
		return domain.SecretInfo{}, err
	}

	m.publish(ctx, EventStored, info)
	return info, nil
}

func (m *Manager) createSecret(ctx context.Context, name string, plaintext []byte, opts StoreOptions) (domain.SecretInfo, error) {
	if err := m.validate(name, opts); err != nil {
		return domain.SecretInfo{}, err
	}

	description, err := domain.NormalizeDescription(opts.Description)
	if err != nil {
		return domain.SecretInfo{}, fmt.Errorf("%w: %v", app_errors.ErrValidation, err)
	}
	tags, err := domain.NormalizeTags(opts.Tags)
	if err != nil {
		return domain.SecretInfo{}, fmt.Errorf("%w: %v", app_errors.ErrValidation, err)
	}

	sensitivity := opts.Sensitivity
	if sensitivity == domain.SensitivityUnspecified {
		sensitivity = domain.DefaultSensitivity
	}

	rotateAfter := opts.RotateAfter
	switch {
	case opts.DisableRotation:
		rotateAfter = 0
	case rotateAfter == 0:
		rotateAfter = m.catalog.DefaultRotation(opts.Type)
	}
	if spec, _ := m.catalog.Spec(opts.Type); rotateAfter > 0 && !spec.Generatable {
		return domain.SecretInfo{}, fmt.Errorf("%w: %s values cannot be generated, so they cannot rotate on a schedule", app_errors.ErrValidation, opts.Type)
	}

	return m.store.Create(ctx, store.NewSecret{
		Name:        name,
		Type:        opts.Type,
		Sensitivity: sensitivity,
		Value:       plaintext,
		Description: description,
		Tags:        tags,
		RotateAfter: rotateAfter,
	})
}

// Get decrypts a secret and counts the access. With opts.MaxSensitivity set,
// a secret classified above it is refused with ErrAccessDenied.
func (m *Manager) Get(ctx context.Context, name string, opts GetOptions) ([]byte, domain.SecretInfo, error) {
	start := m.clock.Now()
	details := map[string]string{}
	if opts.MaxSensitivity != domain.SensitivityUnspecified {
		details["max_sensitivity"] = opts.MaxSensitivity.String()
	}

	var (
		plaintext []byte
		info      domain.SecretInfo
	)
	err := m.validate(name, opts)
	if err == nil {
		plaintext, info, err = m.store.Get(ctx, name, opts.MaxSensitivity)
		if info.Name != "" {
			details["sensitivity"] = info.Sensitivity.String()
		}
		if err == nil {
			details["access_count"] = strconv.FormatInt(info.Metadata.AccessCount, 10)
		}
	}
	m.finish(ctx, domain.ActionAccessed, name, start, err, details)
	if err != nil {
		return nil, domain.SecretInfo{}, err
	}
	return plaintext, info, nil
}

// Update replaces a secret's value, bumping its version and restarting its
// rotation interval.
func (m *Manager) Update(ctx context.Context, name string, plaintext []byte, opts UpdateOptions) (domain.SecretInfo, error) {
	start := m.clock.Now()
	details := map[string]string{}

	info, err := m.updateSecret(ctx, name, plaintext, opts)
	if err == nil {
		details["version"] = strconv.FormatInt(info.Metadata.Version, 10)
		m.scheduler.Schedule(info)
	}
	m.finish(ctx, domain.ActionUpdated, name, start, err, details)
	if err != nil {
		return domain.SecretInfo{}, err
	}

	m.publish(ctx, EventUpdated, info)
	return info, nil
}

func (m *Manager) updateSecret(ctx context.Context, name string, plaintext []byte, opts UpdateOptions) (domain.SecretInfo, error) {
	if err := m.validate(name, opts); err != nil {
		return domain.SecretInfo{}, err
	}

	var changes store.Changes
	if opts.Description != nil {
		description, err := domain.NormalizeDescription(*opts.Description)
		if err != nil {
			return domain.SecretInfo{}, fmt.Errorf("%w: %v", app_errors.ErrValidation, err)
		}
		changes.Description = &description
	}
	if opts.Tags != nil {
		tags, err := domain.NormalizeTags(opts.Tags)
		if err != nil {
			return domain.SecretInfo{}, fmt.Errorf("%w: %v", app_errors.ErrValidation, err)
		}
		changes.Tags = tags
	}
	return m.store.Update(ctx, name, plaintext, changes)
}

// Delete removes a secret and cancels its rotation.
func (m *Manager) Delete(ctx context.Context, name string, opts DeleteOptions) error {
	start := m.clock.Now()
	details := map[string]string{"keep_backup": strconv.FormatBool(opts.KeepBackup)}

	var info domain.SecretInfo
	err := m.validator.ValidateName(name)
	if err == nil {
		info, err = m.store.Delete(ctx, name, opts.KeepBackup)
		if err == nil {
			m.scheduler.Cancel(name)
		}
	}
	m.finish(ctx, domain.ActionDeleted, name, start, err, details)
	if err != nil {
		return err
	}

	m.publish(ctx, EventDeleted, info)
	return nil
}

// RotateSecret replaces the value with opts.Value, or with a freshly
// generated value of the secret's type, and reschedules it.
func (m *Manager) RotateSecret(ctx context.Context, name string, opts RotateOptions) (domain.SecretInfo, error) {
	start := m.clock.Now()
	details := map[string]string{"trigger": triggerManual, "source": "generated"}
	if opts.Value != nil {
		details["source"] = "supplied"
	}

	info, err := m.rotateSecret(ctx, name, opts)
	if err == nil {
		details["version"] = strconv.FormatInt(info.Metadata.Version, 10)
		m.scheduler.Schedule(info)
	}

	action := domain.ActionRotated
	if err != nil && !errors.Is(err, app_errors.ErrNotFound) {
		action = domain.ActionRotationFailed
	}
	m.finish(ctx, action, name, start, err, details)

	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.observer.ObserveRotation(triggerManual, outcome)
	if err != nil {
		return domain.SecretInfo{}, err
	}

	m.publish(ctx, EventRotated, info)
	return info, nil
}

func (m *Manager) rotateSecret(ctx context.Context, name string, opts RotateOptions) (domain.SecretInfo, error) {
	if err := m.validate(name, opts.Generate); err != nil {
		return domain.SecretInfo{}, err
	}

	value := opts.Value
	if value == nil {
		current, err := m.store.Metadata(name)
		if err != nil {
			return domain.SecretInfo{}, err
		}
		value, err = m.generator.Generate(current.Type, opts.Generate)
		if err != nil {
			return domain.SecretInfo{}, app_errors.New(app_errors.ErrRotation, "rotate", name, err)
		}
		defer memory.SecureZeroBytes(value)
	}

	info, err := m.store.Update(ctx, name, value, store.Changes{})
	if err != nil && !errors.Is(err, app_errors.ErrNotFound) {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrRotation, "rotate", name, err)
	}
	return info, err
}

// List returns metadata of matching secrets ordered by name. Values are never
// included.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]domain.SecretInfo, error) {
	if err := m.validator.ValidateStruct(filter); err != nil {
		return nil, err
	}
	return m.store.List(filter.domainFilter()), nil
}

// GetSecretMetadata returns non-sensitive metadata without decrypting or
// counting an access. Misses and corrupted records are audited.
func (m *Manager) GetSecretMetadata(ctx context.Context, name string) (domain.SecretInfo, error) {
	if err := m.validator.ValidateName(name); err != nil {
		return domain.SecretInfo{}, err
	}

	info, err := m.store.Metadata(name)
	switch {
	case errors.Is(err, app_errors.ErrNotFound):
		m.audit.Record(ctx, domain.ActionNotFound, name, map[string]string{"operation": "metadata"})
	case errors.Is(err, app_errors.ErrCorruption):
		m.audit.Record(ctx, domain.ActionCorruptionDetected, name, map[string]string{"operation": "metadata"})
	}
	return info, err
}

// GetAuditLog reads the audit stream. A zero limit returns the default page.
func (m *Manager) GetAuditLog(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	q, err := validation.NormalizeAuditQuery(q)
	if err != nil {
		return nil, err
	}
	return m.audit.Query(ctx, q)
}

func (m *Manager) validate(name string, opts any) error {
	if err := m.validator.ValidateName(name); err != nil {
		return err
	}
	return m.validator.ValidateStruct(opts)
}

// finish writes the single audit entry of a lifecycle call. A miss becomes
// NOT_FOUND and a refused read ACCESS_DENIED; any other failure is recorded
// under the call's own action with its error kind.
func (m *Manager) finish(ctx context.Context, action domain.AuditAction, name string, start time.Time, err error, details map[string]string) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
		classified := m.classifier.Classify(err, string(action), name)
		m.classifier.Log(ctx, classified)

		details["outcome"] = outcomeFailure
		details["error_kind"] = classified.Kind

		switch {
		case errors.Is(err, app_errors.ErrNotFound):
			details["operation"] = string(action)
			action = domain.ActionNotFound
		case errors.Is(err, app_errors.ErrAccessDenied):
			details["operation"] = string(action)
			action = domain.ActionAccessDenied
		default:
			details[audit.SeverityKey] = string(classified.Severity)
		}
	} else {
		details["outcome"] = outcomeSuccess
	}

	m.audit.Record(ctx, action, name, details)
	m.observer.ObserveOperation(action, outcome, m.clock.Now().Sub(start))
}
