package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func fail(context.Context) (int, error) { return 0, errBackend }
func succeed(context.Context) (int, error) { return 1, nil }

func TestBreakerOpensAndRecovers(t *testing.T) {
	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	var transitions []string
	cb := New[int](2, time.Minute, WithClock(clk), OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}))
	ctx := context.Background()

	_, err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateClosed, cb.State())

	_, err = cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	_, err = cb.Execute(ctx, func(context.Context) (int, error) { calls++; return 1, nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls)

	clk.Advance(time.Minute)
	got, err := cb.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, transitions)
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := New[int](1, time.Minute, WithClock(clk))
	ctx := context.Background()

	_, _ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clk.Advance(time.Minute)
	_, err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, cb.State())

	_, err = cb.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb := New[int](2, time.Minute)
	ctx := context.Background()

	_, _ = cb.Execute(ctx, fail)
	_, _ = cb.Execute(ctx, succeed)
	_, _ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoresContextErrors(t *testing.T) {
	cb := New[int](1, time.Minute)
	_, err := cb.Execute(context.Background(), func(context.Context) (int, error) {
		return 0, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}
