// Package rotation schedules and performs automatic secret rotation.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
	"github.com/spounge-ai/polysecret/pkg/patterns/lifecycle"
)

const DefaultRetryBackoff = 5 * time.Minute

// State of a scheduled secret. Scheduled -> Due -> Rotating -> Scheduled on
// success; Rotating -> Failed on error, and Failed entries are retried.
type State int

const (
	StateScheduled State = iota
	StateDue
	StateRotating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateDue:
		return "due"
	case StateRotating:
		return "rotating"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a point-in-time view of one schedule entry.
type Status struct {
	Name        string
	State       State
	Interval    time.Duration
	DueAt       time.Time
	NextAttempt time.Time
	Failures    int
	LastError   string
	LastAttempt time.Time
}

// Result is reported to hooks after every attempt.
type Result struct {
	Name     string
	Info     domain.SecretInfo
	Skipped  bool
	Err      error
	Failures int
	At       time.Time
}

type ResultHook func(ctx context.Context, r Result)

type Config struct {
	Rotator      Rotator
	Clock        clock.Clock
	Logger       *slog.Logger
	RetryBackoff time.Duration
	Hooks        []ResultHook
}

// Scheduler owns a priority queue of due times driven by a single loop.
// Rotations run one at a time on that loop.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*item
	queue   queue
	wake    chan struct{}

	rotator Rotator
	clock   clock.Clock
	logger  *slog.Logger
	backoff time.Duration
	hooks   []ResultHook

	cancel context.CancelFunc
	done   chan struct{}
}

var _ lifecycle.ManagedResource = (*Scheduler)(nil)

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Rotator == nil {
		return nil, errors.New("scheduler requires a rotator")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Scheduler{
		entries: make(map[string]*item),
		wake:    make(chan struct{}, 1),
		rotator: cfg.Rotator,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		backoff: cfg.RetryBackoff,
		hooks:   cfg.Hooks,
	}, nil
}

// AddHook registers a hook; it must be called before Start.
func (s *Scheduler) AddHook(h ResultHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Schedule (re)computes the entry for a secret from its metadata. A secret
// without a rotation interval is unscheduled. An overdue secret becomes
// eligible immediately.
func (s *Scheduler) Schedule(info domain.SecretInfo) {
	due, ok := info.Metadata.RotationDue()

	s.mu.Lock()
	if old, exists := s.entries[info.Name]; exists {
		s.queue.remove(old)
		delete(s.entries, info.Name)
	}
	if ok {
		it := &item{
			name:     info.Name,
			interval: time.Duration(info.Metadata.RotateAfter),
			dueAt:    due,
			next:     due,
			state:    StateScheduled,
			index:    -1,
		}
		s.entries[info.Name] = it
		s.queue.push(it)
	}
	s.mu.Unlock()

	s.notify()
}

// Cancel drops the entry for name. A rotation already running is not
// interrupted but its result no longer reschedules.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	if it, ok := s.entries[name]; ok {
		s.queue.remove(it)
		delete(s.entries, name)
	}
	s.mu.Unlock()

	s.notify()
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)

	s.logger.InfoContext(ctx, "rotation scheduler started", "scheduled", len(s.entries))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "rotation scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rotation scheduler did not stop: %w", ctx.Err())
	}
}

func (s *Scheduler) Health(ctx context.Context) lifecycle.HealthStatus {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()

	failing := len(s.Failing())
	status := lifecycle.HealthStatus{Ready: running}
	switch {
	case !running:
		status.Message = "scheduler not running"
	case failing > 0:
		status.Message = fmt.Sprintf("%d secrets failing rotation", failing)
	}
	return status
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		next := s.queue.peek()
		var (
			timer  clock.Timer
			timerC <-chan time.Time
		)
		if next != nil {
			wait := next.next.Sub(s.clock.Now())
			if wait <= 0 {
				it := s.queue.pop()
				it.state = StateRotating
				it.lastAttempt = s.clock.Now()
				s.mu.Unlock()

				s.attempt(ctx, it)
				if ctx.Err() != nil {
					return
				}
				continue
			}
			timer = s.clock.NewTimer(wait)
			timerC = timer.Chan()
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

func (s *Scheduler) attempt(ctx context.Context, it *item) {
	outcome, err := s.rotator.Rotate(ctx, it.name)
	now := s.clock.Now()

	s.mu.Lock()
	current := s.entries[it.name] == it
	switch {
	case !current:
		// Cancelled or rescheduled while rotating.
	case err == nil:
		due, ok := outcome.Info.Metadata.RotationDue()
		if !ok {
			delete(s.entries, it.name)
			break
		}
		it.interval = time.Duration(outcome.Info.Metadata.RotateAfter)
		it.dueAt, it.next = due, due
		if outcome.Skipped && !due.After(now) {
			// Still due after a skip means the rotator disagrees with our
			// clock; back off instead of spinning.
			it.next = now.Add(s.retryDelay(it.interval))
		}
		it.state = StateScheduled
		it.failures, it.lastErr = 0, ""
		s.queue.push(it)
	case errors.Is(err, app_errors.ErrNotFound):
		delete(s.entries, it.name)
	default:
		it.failures++
		it.lastErr = app_errors.KindName(err)
		it.state = StateFailed
		it.next = now.Add(s.retryDelay(it.interval))
		s.queue.push(it)
	}
	failures := it.failures
	hooks := s.hooks
	s.mu.Unlock()

	if err != nil && !errors.Is(err, app_errors.ErrNotFound) {
		s.logger.ErrorContext(ctx, "scheduled rotation failed",
			"secret_name", it.name,
			"failures", failures,
			"error_kind", app_errors.KindName(err),
			"error", err)
	}

	result := Result{
		Name:     it.name,
		Info:     outcome.Info,
		Skipped:  outcome.Skipped,
		Err:      err,
		Failures: failures,
		At:       now,
	}
	for _, hook := range hooks {
		s.runHook(ctx, hook, result)
	}
}

func (s *Scheduler) runHook(ctx context.Context, hook ResultHook, r Result) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.ErrorContext(ctx, "rotation result hook panicked", "secret_name", r.Name, "panic", p)
		}
	}()
	hook(ctx, r)
}

func (s *Scheduler) retryDelay(interval time.Duration) time.Duration {
	if interval > 0 && interval < s.backoff {
		return interval
	}
	return s.backoff
}

// Snapshot lists every entry ordered by name.
func (s *Scheduler) Snapshot() []Status {
	now := s.clock.Now()

	s.mu.Lock()
	out := make([]Status, 0, len(s.entries))
	for _, it := range s.entries {
		state := it.state
		if state == StateScheduled && !now.Before(it.next) {
			state = StateDue
		}
		out = append(out, Status{
			Name:        it.name,
			State:       state,
			Interval:    it.interval,
			DueAt:       it.dueAt,
			NextAttempt: it.next,
			Failures:    it.failures,
			LastError:   it.lastErr,
			LastAttempt: it.lastAttempt,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Failing lists entries whose most recent attempts failed.
func (s *Scheduler) Failing() []Status {
	var out []Status
	for _, st := range s.Snapshot() {
		if st.Failures > 0 {
			out = append(out, st)
		}
	}
	return out
}

// Len reports the number of scheduled secrets.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
