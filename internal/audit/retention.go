package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"github.com/spounge-ai/polysecret/pkg/patterns/lifecycle"
)

// RetentionConfig drives periodic archival. Schedule is a standard
// five-field cron expression evaluated in UTC.
type RetentionConfig struct {
	Schedule string
	Keep     int
	Archiver Archiver
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Retention archives the audit log on a cron schedule.
type Retention struct {
	log      *Log
	schedule cron.Schedule
	keep     int
	archiver Archiver
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
	lastErr error
}

var _ lifecycle.ManagedResource = (*Retention)(nil)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewRetention(l *Log, cfg RetentionConfig) (*Retention, error) {
	if cfg.Archiver == nil {
		return nil, errors.New("retention requires an archiver")
	}
	if cfg.Keep < 0 {
		return nil, errors.New("retention keep must not be negative")
	}
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cfg.Schedule, err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retention{
		log:      l,
		schedule: schedule,
		keep:     cfg.Keep,
		archiver: cfg.Archiver,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// RunOnce performs one archival pass now.
func (r *Retention) RunOnce(ctx context.Context) (ArchiveResult, error) {
	res, err := r.log.Archive(ctx, r.archiver, r.keep)

	r.mu.Lock()
	r.lastRun, r.lastErr = r.clock.Now(), err
	r.mu.Unlock()

	if err != nil {
		r.logger.ErrorContext(ctx, "audit retention failed", "error", err)
	}
	return res, err
}

// Next returns the next scheduled run after from.
func (r *Retention) Next(from time.Time) time.Time {
	return r.schedule.Next(from.UTC())
}

func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(runCtx, r.done)

	r.logger.InfoContext(ctx, "audit retention started", "next_run", r.Next(r.clock.Now()))
	return nil
}

func (r *Retention) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := r.clock.Now()
		timer := r.clock.NewTimer(r.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			_, _ = r.RunOnce(ctx)
		}
	}
}

func (r *Retention) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit retention did not stop: %w", ctx.Err())
	}
}

func (r *Retention) Health(ctx context.Context) lifecycle.HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := lifecycle.HealthStatus{Ready: r.cancel != nil}
	switch {
	case r.cancel == nil:
		status.Message = "retention not running"
	case r.lastErr != nil:
		status.Message = "last retention run failed"
	}
	return status
}
