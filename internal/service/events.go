package service

import (
	"context"
	"time"

	"github.com/spounge-ai/polysecret/internal/domain"
)

type EventType string

const (
	EventStored  EventType = "stored"
	EventUpdated EventType = "updated"
	EventRotated EventType = "rotated"
	EventDeleted EventType = "deleted"
)

// Event describes a committed change. It never carries the value.
type Event struct {
	Type EventType
	Name string
	Info domain.SecretInfo
	At   time.Time
}

// Subscriber is notified after a change is persisted and audited. Errors and
// panics are logged; they never change the result of the operation.
type Subscriber interface {
	OnSecretEvent(ctx context.Context, event Event) error
}

type SubscriberFunc func(ctx context.Context, event Event) error

func (f SubscriberFunc) OnSecretEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

func (m *Manager) publish(ctx context.Context, t EventType, info domain.SecretInfo) {
	event := Event{Type: t, Name: info.Name, Info: info, At: m.clock.Now()}
	for i, sub := range m.subscribers {
		m.deliver(ctx, i, sub, event)
	}
}

func (m *Manager) deliver(ctx context.Context, idx int, sub Subscriber, event Event) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.ErrorContext(ctx, "secret event subscriber panicked",
				"subscriber", idx, "event", event.Type, "secret_name", event.Name, "panic", p)
		}
	}()
	if err := sub.OnSecretEvent(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "secret event subscriber failed",
			"subscriber", idx, "event", event.Type, "secret_name", event.Name, "error", err)
	}
}
