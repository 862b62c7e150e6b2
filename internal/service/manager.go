// Package service is the public face of the secret manager: it validates
// requests, enforces the sensitivity gate, delegates to the store, keeps the
// rotation schedule current and audits every lifecycle call.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
	"github.com/spounge-ai/polysecret/internal/generator"
	"github.com/spounge-ai/polysecret/internal/rotation"
	"github.com/spounge-ai/polysecret/internal/store"
	"github.com/spounge-ai/polysecret/internal/validation"
	"github.com/spounge-ai/polysecret/pkg/patterns/lifecycle"
)

// AuditLog is what the manager needs from the audit stream.
type AuditLog interface {
	domain.AuditRecorder
	domain.AuditReader
	Failures() uint64
}

// Observer receives operation outcomes, typically for metrics.
type Observer interface {
	ObserveOperation(op domain.AuditAction, outcome string, elapsed time.Duration)
	ObserveRotation(trigger, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(domain.AuditAction, string, time.Duration) {}
func (nopObserver) ObserveRotation(string, string)                             {}

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"

	triggerManual    = "manual"
	triggerScheduled = "scheduled"
)

type Config struct {
	Repository domain.SecretRepository
	Cipher     store.Cipher
	Audit      AuditLog
	Catalog    *domain.Catalog
	Generator  *generator.Generator
	Clock      clock.Clock
	Logger     *slog.Logger

	RetryBackoff time.Duration
	// StatsFlushInterval is how often access counters are persisted while
	// running. Zero means DefaultStatsFlushInterval; negative disables it.
	StatsFlushInterval time.Duration
	// EphemeralKey marks a process running on a generated master key.
	EphemeralKey bool
	Subscribers  []Subscriber
	Observer     Observer
}

type Manager struct {
	store      *store.Store
	scheduler  *rotation.Scheduler
	audit      AuditLog
	catalog    *domain.Catalog
	generator  *generator.Generator
	validator  *validation.RequestValidator
	classifier *app_errors.ErrorClassifier
	clock      clock.Clock
	logger     *slog.Logger

	ephemeral   bool
	subscribers []Subscriber
	observer    Observer

	flushInterval time.Duration
	flushMu       sync.Mutex
	flushCancel   context.CancelFunc
	flushDone     chan struct{}
}

// DefaultStatsFlushInterval bounds how many accesses a crash can lose.
const DefaultStatsFlushInterval = time.Minute

var _ lifecycle.ManagedResource = (*Manager)(nil)

// Open loads the store, audits every record that failed to load and builds
// the rotation schedule. The scheduler runs once Start is called.
func Open(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Audit == nil {
		return nil, errors.New("manager requires an audit log")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = domain.DefaultCatalog()
	}
	if cfg.Generator == nil {
		cfg.Generator = generator.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.StatsFlushInterval == 0 {
		cfg.StatsFlushInterval = DefaultStatsFlushInterval
	}

	st, err := store.New(store.Config{
		Repository: cfg.Repository,
		Cipher:     cfg.Cipher,
		Catalog:    cfg.Catalog,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	rv, err := validation.NewRequestValidator(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:       st,
		audit:       cfg.Audit,
		catalog:     cfg.Catalog,
		generator:   cfg.Generator,
		validator:   rv,
		classifier:  app_errors.NewErrorClassifier(cfg.Logger),
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ephemeral:   cfg.EphemeralKey,
		subscribers: cfg.Subscribers,
		observer:    cfg.Observer,

		flushInterval: cfg.StatsFlushInterval,
	}

	m.scheduler, err = rotation.NewScheduler(rotation.Config{
		Rotator:      rotation.NewStoreRotator(st, cfg.Generator, cfg.Clock, cfg.Logger),
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
		RetryBackoff: cfg.RetryBackoff,
		Hooks:        []rotation.ResultHook{m.onScheduledRotation},
	})
	if err != nil {
		return nil, err
	}

	corrupt, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	for _, c := range corrupt {
		m.audit.Record(ctx, domain.ActionCorruptionDetected, c.Name, map[string]string{
			"phase":      "load",
			"error_kind": app_errors.KindName(c.Err),
		})
	}

	for _, info := range st.List(domain.SecretFilter{}) {
		m.scheduler.Schedule(info)
	}

	if m.ephemeral {
		m.logger.ErrorContext(ctx, "secrets are encrypted under an ephemeral master key and will be unreadable after restart")
	}
	return m, nil
}

// Start runs the rotation scheduler and the periodic access counter flush.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.scheduler.Start(ctx); err != nil {
		return err
	}
	if m.flushInterval <= 0 {
		return nil
	}

	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if m.flushCancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.flushCancel = cancel
	m.flushDone = make(chan struct{})
	go m.flushStats(runCtx, m.flushDone)
	return nil
}

// Stop halts the background work and persists pending access counters.
func (m *Manager) Stop(ctx context.Context) error {
	m.flushMu.Lock()
	cancel, done := m.flushCancel, m.flushDone
	m.flushCancel, m.flushDone = nil, nil
	m.flushMu.Unlock()

	var flushErr error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			flushErr = fmt.Errorf("access counter flush did not stop: %w", ctx.Err())
		}
	}
	return errors.Join(m.scheduler.Stop(ctx), flushErr, m.store.Flush(ctx))
}

func (m *Manager) flushStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.flushInterval):
		}
		if err := m.store.Flush(ctx); err != nil && ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "failed to persist access counters", "error", err)
		}
	}
}

func (m *Manager) Health(ctx context.Context) lifecycle.HealthStatus {
	h := m.GetHealthStatus(ctx)
	status := lifecycle.HealthStatus{Ready: h.Healthy}
	if !h.Healthy {
		status.Message = fmt.Sprintf("%d secrets overdue for rotation", h.OverdueRotations)
	}
	return status
}

// Scheduler exposes the rotation schedule for inspection.
func (m *Manager) Scheduler() *rotation.Scheduler {
	return m.scheduler
}

func (m *Manager) onScheduledRotation(ctx context.Context, r rotation.Result) {
	switch {
	case r.Skipped, errors.Is(r.Err, app_errors.ErrNotFound):
		return
	case r.Err != nil:
		m.audit.Record(ctx, domain.ActionRotationFailed, r.Name, map[string]string{
			"trigger":    triggerScheduled,
			"failures":   fmt.Sprint(r.Failures),
			"error_kind": app_errors.KindName(r.Err),
		})
		m.observer.ObserveRotation(triggerScheduled, outcomeFailure)
	default:
		m.audit.Record(ctx, domain.ActionRotated, r.Name, map[string]string{
			"trigger": triggerScheduled,
			"version": fmt.Sprint(r.Info.Metadata.Version),
		})
		m.observer.ObserveRotation(triggerScheduled, outcomeSuccess)
		m.publish(ctx, EventRotated, r.Info)
	}
}
