package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spounge-ai/polysecret/internal/domain"
	"github.com/spounge-ai/polysecret/internal/service"
)

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation(domain.ActionStored, "success", time.Millisecond)
	m.ObserveOperation(domain.ActionStored, "success", time.Millisecond)
	m.ObserveOperation(domain.ActionNotFound, "failure", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("STORED", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("NOT_FOUND", "failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestObserveRotation(t *testing.T) {
	m := New()
	m.ObserveRotation("scheduled", "failure")
	m.ObserveRotation("manual", "success")
	m.ObserveRotation("scheduled", "failure")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rotations.WithLabelValues("scheduled", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rotations.WithLabelValues("manual", "success")))
}

type staticHealth service.HealthStatus

func (s staticHealth) GetHealthStatus(context.Context) service.HealthStatus {
	return service.HealthStatus(s)
}

func TestHealthCollector(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterHealth(staticHealth{
		Healthy:          false,
		TotalSecrets:     5,
		OverdueRotations: 2,
		FailingRotations: []service.FailingRotation{{Name: "tls", Failures: 3}},
		AuditLogSize:     40,
	}))

	expected := `
# HELP polysecret_secrets The number of readable secrets.
# TYPE polysecret_secrets gauge
polysecret_secrets 5
# HELP polysecret_secrets_overdue The number of secrets past their rotation interval.
# TYPE polysecret_secrets_overdue gauge
polysecret_secrets_overdue 2
# HELP polysecret_rotations_failing The number of secrets whose latest scheduled rotation failed.
# TYPE polysecret_rotations_failing gauge
polysecret_rotations_failing 1
# HELP polysecret_audit_entries The number of entries in the live audit log.
# TYPE polysecret_audit_entries gauge
polysecret_audit_entries 40
# HELP polysecret_healthy 1 when no secret is overdue for rotation.
# TYPE polysecret_healthy gauge
polysecret_healthy 0
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"polysecret_secrets",
		"polysecret_secrets_overdue",
		"polysecret_rotations_failing",
		"polysecret_audit_entries",
		"polysecret_healthy",
	)
	assert.NoError(t, err)
}
