package service

import (
	"context"
	"time"
)

// FailingRotation is a secret whose latest scheduled rotations failed.
type FailingRotation struct {
	Name        string    `json:"name"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error"`
	NextAttempt time.Time `json:"next_attempt"`
}

// HealthStatus is the monitoring summary. Healthy is true iff no secret is
// overdue for rotation.
type HealthStatus struct {
	Healthy            bool              `json:"healthy"`
	TotalSecrets       int               `json:"total_secrets"`
	OverdueRotations   int               `json:"overdue_rotations"`
	OverdueSecrets     []string          `json:"overdue_secrets,omitempty"`
	FailingRotations   []FailingRotation `json:"failing_rotations,omitempty"`
	CorruptedSecrets   int               `json:"corrupted_secrets"`
	AuditLogSize       int               `json:"audit_log_size"`
	AuditWriteFailures uint64            `json:"audit_write_failures"`
	EphemeralKey       bool              `json:"ephemeral_key"`
	CheckedAt          time.Time         `json:"checked_at"`
}

// GetHealthStatus computes the report from current metadata on every call.
func (m *Manager) GetHealthStatus(ctx context.Context) HealthStatus {
	now := m.clock.Now()
	infos := m.store.List(ListFilter{}.domainFilter())

	status := HealthStatus{
		TotalSecrets:       len(infos),
		CorruptedSecrets:   len(m.store.Corrupted()),
		AuditLogSize:       m.audit.Size(),
		AuditWriteFailures: m.audit.Failures(),
		EphemeralKey:       m.ephemeral,
		CheckedAt:          now.UTC(),
	}
	for _, info := range infos {
		if info.Metadata.Overdue(now) {
			status.OverdueRotations++
			status.OverdueSecrets = append(status.OverdueSecrets, info.Name)
		}
	}
	for _, st := range m.scheduler.Failing() {
		status.FailingRotations = append(status.FailingRotations, FailingRotation{
			Name:        st.Name,
			Failures:    st.Failures,
			LastError:   st.LastError,
			NextAttempt: st.NextAttempt.UTC(),
		})
	}
	status.Healthy = status.OverdueRotations == 0
	return status
}
