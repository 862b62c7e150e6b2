package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var ErrOpen = errors.New("circuit breaker is open")

// Breaker fails calls fast after maxFailures consecutive failures. Once
// resetTimeout has passed a single probe call is let through; its outcome
// closes or reopens the circuit.
type Breaker[T any] struct {
	maxFailures  int
	resetTimeout time.Duration
	clock        clock.Clock
	onChange     func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

type Option func(*options)

type options struct {
	clock    clock.Clock
	onChange func(from, to State)
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// OnStateChange registers fn to be called, outside the breaker lock, on
// every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(o *options) { o.onChange = fn }
}

func New[T any](maxFailures int, resetTimeout time.Duration, opts ...Option) *Breaker[T] {
	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker[T]{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		clock:        o.clock,
		onChange:     o.onChange,
	}
}

// Execute runs fn unless the circuit is open. Context errors do not count
// as failures.
func (cb *Breaker[T]) Execute(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	if !cb.allow() {
		var zero T
		return zero, ErrOpen
	}

	result, err := fn(ctx)
	cb.record(err)
	return result, err
}

func (cb *Breaker[T]) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *Breaker[T]) allow() bool {
	cb.mu.Lock()
	var from, to State
	changed := false
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
			from, to, changed = cb.state, StateHalfOpen, true
			cb.state = StateHalfOpen
			cb.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return allowed
}

func (cb *Breaker[T]) record(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cb.mu.Lock()
		cb.probing = false
		cb.mu.Unlock()
		return
	}

	cb.mu.Lock()
	from := cb.state
	cb.probing = false
	if err == nil {
		cb.failures = 0
		cb.state = StateClosed
	} else {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.clock.Now()
		}
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

func (cb *Breaker[T]) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
