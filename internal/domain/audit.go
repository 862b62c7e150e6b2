package domain

import (
	"context"
	"slices"
	"time"
)

// AuditAction is the lifecycle action an audit entry records.
type AuditAction string

const (
	ActionStored             AuditAction = "STORED"
	ActionAccessed           AuditAction = "ACCESSED"
	ActionUpdated            AuditAction = "UPDATED"
	ActionDeleted            AuditAction = "DELETED"
	ActionRotated            AuditAction = "ROTATED"
	ActionRotationFailed     AuditAction = "ROTATION_FAILED"
	ActionAccessDenied       AuditAction = "ACCESS_DENIED"
	ActionNotFound           AuditAction = "NOT_FOUND"
	ActionCorruptionDetected AuditAction = "CORRUPTION_DETECTED"
)

// AuditSeverity grades an entry for monitoring.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEntry is one immutable line of the audit stream. Hash chains every
// entry to its predecessor.
type AuditEntry struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	Action     AuditAction       `json:"action"`
	SecretName string            `json:"secret_name"`
	Severity   AuditSeverity     `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// AuditQuery filters audit read-back. Zero fields match everything; Limit 0
// means no limit. Results are oldest first unless NewestFirst is set, and the
// limit keeps the first entries of the chosen order.
type AuditQuery struct {
	Actions     []AuditAction
	SecretName  string
	Since       time.Time
	Until       time.Time
	Limit       int
	NewestFirst bool
}

// Matches reports whether entry satisfies the filter part of the query.
func (q AuditQuery) Matches(entry AuditEntry) bool {
	if len(q.Actions) > 0 && !slices.Contains(q.Actions, entry.Action) {
		return false
	}
	if q.SecretName != "" && entry.SecretName != q.SecretName {
		return false
	}
	if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && entry.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// AuditRecorder appends entries. Record never fails the caller.
type AuditRecorder interface {
	Record(ctx context.Context, action AuditAction, secretName string, details map[string]string)
}

// AuditReader reads entries back.
type AuditReader interface {
	Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
	Size() int
}
