package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fundcore/webhooks/internal/domain"
	"github.com/google/uuid"
)

// DispatcherStore is the persistence surface the dispatcher needs.
// *store.PostgresStore satisfies it.
type DispatcherStore interface {
	CreateEvent(ctx context.Context, event domain.Event) (*domain.Event, error)
	FindActiveSubscriptionsFor(ctx context.Context, eventType string) ([]domain.Subscription, error)
	CreateAttempt(ctx context.Context, a domain.DeliveryAttempt) error
}

// Dispatcher receives domain events and fans them out: one pending
// delivery attempt per matching active subscription, each queued for a
// worker. Publishing is fire-and-forget for the caller; delivery
// outcomes never propagate back.
type Dispatcher struct {
	store  DispatcherStore
	queue  *Queue
	logger *slog.Logger
}

func NewDispatcher(store DispatcherStore, queue *Queue, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		queue:  queue,
		logger: logger,
	}
}

// Publish persists the event and queues one delivery per matching
// active subscription. Persistence errors are returned synchronously so
// the caller can re-publish; if no subscriptions match, publishing is a
// no-op. Returns the stored event and the number of deliveries queued.
func (d *Dispatcher) Publish(ctx context.Context, eventType string, data json.RawMessage) (*domain.Event, int, error) {
	if !domain.KnownEventType(eventType) {
		return nil, 0, fmt.Errorf("unknown event type %q: %w", eventType, domain.ErrValidation)
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, 0, fmt.Errorf("event data must be valid JSON: %w", domain.ErrValidation)
	}

	now := time.Now().UTC()
	event, err := d.store.CreateEvent(ctx, domain.Event{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Data:       data,
		OccurredAt: now,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("persisting event: %w", err)
	}

	// The envelope is serialized once; these exact bytes are signed and
	// posted on every try.
	envelope, err := json.Marshal(domain.Envelope{
		EventID:    event.ID,
		EventType:  event.EventType,
		OccurredAt: event.OccurredAt,
		Data:       event.Data,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("serializing envelope: %w", err)
	}

	subs, err := d.store.FindActiveSubscriptionsFor(ctx, eventType)
	if err != nil {
		return nil, 0, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	if len(subs) == 0 {
		d.logger.Info("no matching subscriptions", "event_id", event.ID, "event_type", eventType)
		return event, 0, nil
	}

	jobs := make([]DeliveryJob, 0, len(subs))
	for _, sub := range subs {
		attempt := domain.DeliveryAttempt{
			ID:             uuid.NewString(),
			EventID:        event.ID,
			SubscriptionID: sub.ID,
			TryNumber:      1,
			ScheduledAt:    now,
		}
		if err := d.store.CreateAttempt(ctx, attempt); err != nil {
			return nil, 0, fmt.Errorf("creating delivery attempt: %w", err)
		}
		jobs = append(jobs, DeliveryJob{
			AttemptID:          attempt.ID,
			EventID:            event.ID,
			SubscriptionID:     sub.ID,
			TargetURL:          sub.TargetURL,
			Secret:             sub.Secret,
			EventType:          eventType,
			Envelope:           envelope,
			TryNumber:          1,
			RateLimitPerSecond: sub.RateLimitPerSecond,
		})
	}

	if err := d.queue.EnqueueAll(ctx, jobs, now); err != nil {
		return nil, 0, fmt.Errorf("queuing deliveries: %w", err)
	}

	d.logger.Info("event published",
		"event_id", event.ID,
		"event_type", eventType,
		"deliveries_queued", len(jobs),
	)

	return event, len(jobs), nil
}
