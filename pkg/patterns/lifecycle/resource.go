package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// HealthStatus represents the health of a component.
type HealthStatus struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// ManagedResource is a component with a managed lifecycle. Start and Stop
// are idempotent.
type ManagedResource interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) HealthStatus
}

type namedResource struct {
	name string
	ManagedResource
}

// Group starts resources in registration order and stops them in reverse.
type Group struct {
	mu        sync.Mutex
	resources []namedResource
	started   int
}

func (g *Group) Add(name string, r ManagedResource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resources = append(g.resources, namedResource{name: name, ManagedResource: r})
}

// Start starts every resource. If one fails, the ones already started are
// stopped again and the error is returned.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := g.started; i < len(g.resources); i++ {
		r := g.resources[i]
		if err := r.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("failed to start %s: %w", r.name, err), g.stop(ctx))
		}
		g.started = i + 1
	}
	return nil
}

// Stop stops the started resources in reverse order, continuing past
// failures.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stop(ctx)
}

func (g *Group) stop(ctx context.Context) error {
	var errs []error
	for i := g.started - 1; i >= 0; i-- {
		r := g.resources[i]
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", r.name, err))
		}
	}
	g.started = 0
	return errors.Join(errs...)
}

// Health is ready when every resource is ready; the message names the first
// one that is not.
func (g *Group) Health(ctx context.Context) HealthStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.resources {
		if h := r.Health(ctx); !h.Ready {
			msg := r.name + " not ready"
			if h.Message != "" {
				msg += ": " + h.Message
			}
			return HealthStatus{Message: msg}
		}
	}
	return HealthStatus{Ready: true}
}

var _ ManagedResource = (*Group)(nil)
