package rotation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/juju/clock"
	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
	"github.com/spounge-ai/polysecret/internal/generator"
	"github.com/spounge-ai/polysecret/internal/store"
	"github.com/spounge-ai/polysecret/pkg/memory"
)

// AutoRotatedDescription is written to the description of secrets replaced by
// the scheduler.
const AutoRotatedDescription = "auto-rotated"

// Outcome is the result of one rotation attempt. Skipped means the secret was
// not due, usually because a manual update got there first.
type Outcome struct {
	Info    domain.SecretInfo
	Skipped bool
}

type Rotator interface {
	Rotate(ctx context.Context, name string) (Outcome, error)
}

// StoreRotator replaces a due secret with a freshly generated value of its type.
type StoreRotator struct {
	store     *store.Store
	generator *generator.Generator
	clock     clock.Clock
	logger    *slog.Logger
}

func NewStoreRotator(s *store.Store, g *generator.Generator, clk clock.Clock, logger *slog.Logger) *StoreRotator {
	return &StoreRotator{store: s, generator: g, clock: clk, logger: logger}
}

func (r *StoreRotator) Rotate(ctx context.Context, name string) (Outcome, error) {
	info, err := r.store.Metadata(name)
	if err != nil {
		return Outcome{}, err
	}
	if !info.Metadata.Overdue(r.clock.Now()) {
		return Outcome{Info: info, Skipped: true}, nil
	}

	value, err := r.generator.Generate(info.Type, generator.Options{})
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to generate replacement value", "secret_name", name, "secret_type", info.Type, "error", err)
		return Outcome{}, app_errors.New(app_errors.ErrRotation, "rotate", name, err)
	}
	defer memory.SecureZeroBytes(value)

	desc := AutoRotatedDescription
	rotated, err := r.store.Update(ctx, name, value, store.Changes{
		Description:     &desc,
		ExpectedVersion: info.Metadata.Version,
	})
	if errors.Is(err, store.ErrStale) {
		current, err := r.store.Metadata(name)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Info: current, Skipped: true}, nil
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to store rotated value", "secret_name", name, "error", err)
		return Outcome{}, app_errors.New(app_errors.ErrRotation, "rotate", name, err)
	}

	r.logger.InfoContext(ctx, "secret rotated by scheduler", "secret_name", name, "version", rotated.Metadata.Version)
	return Outcome{Info: rotated}, nil
}
