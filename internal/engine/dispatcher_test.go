package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fundcore/webhooks/internal/domain"
	"github.com/redis/go-redis/v9"
)

type fakeDispatcherStore struct {
	subs            []domain.Subscription
	events          []domain.Event
	attempts        []domain.DeliveryAttempt
	failCreateEvent bool
}

func (f *fakeDispatcherStore) CreateEvent(ctx context.Context, event domain.Event) (*domain.Event, error) {
	if f.failCreateEvent {
		return nil, fmt.Errorf("insert failed")
	}
	f.events = append(f.events, event)
	return &event, nil
}

func (f *fakeDispatcherStore) FindActiveSubscriptionsFor(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	var matched []domain.Subscription
	for _, s := range f.subs {
		if !s.IsActive {
			continue
		}
		for _, et := range s.EventTypes {
			if et == eventType || et == "*" {
				matched = append(matched, s)
				break
			}
		}
	}
	return matched, nil
}

func (f *fakeDispatcherStore) CreateAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	f.attempts = append(f.attempts, a)
	return nil
}

func setupDispatcherTest(t *testing.T, fs *fakeDispatcherStore) *Dispatcher {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewDispatcher(fs, NewQueue(client), logger)
}

func TestDispatcher_FansOutToMatchingSubscriptions(t *testing.T) {
	fs := &fakeDispatcherStore{
		subs: []domain.Subscription{
			{ID: "sub-1", TargetURL: "https://a.example.com/hook", Secret: "s1", EventTypes: []string{domain.EventPaymentSucceeded}, IsActive: true},
			{ID: "sub-2", TargetURL: "https://b.example.com/hook", Secret: "s2", EventTypes: []string{"*"}, IsActive: true},
			{ID: "sub-3", TargetURL: "https://c.example.com/hook", Secret: "s3", EventTypes: []string{domain.EventBenefitApproved}, IsActive: true},
			{ID: "sub-4", TargetURL: "https://d.example.com/hook", Secret: "s4", EventTypes: []string{domain.EventPaymentSucceeded}, IsActive: false},
		},
	}
	d := setupDispatcherTest(t, fs)

	event, queued, err := d.Publish(context.Background(), domain.EventPaymentSucceeded, json.RawMessage(`{"amount":100}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if queued != 2 {
		t.Errorf("deliveries queued = %d, want 2 (sub-1 and wildcard sub-2)", queued)
	}
	if len(fs.attempts) != 2 {
		t.Fatalf("attempt rows = %d, want 2", len(fs.attempts))
	}
	for _, a := range fs.attempts {
		if a.TryNumber != 1 {
			t.Errorf("first attempt try number = %d, want 1", a.TryNumber)
		}
		if a.EventID != event.ID {
			t.Errorf("attempt event id = %q, want %q", a.EventID, event.ID)
		}
	}

	jobs, err := d.queue.PopDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("queued jobs = %d, want 2", len(jobs))
	}

	var env domain.Envelope
	if err := json.Unmarshal(jobs[0].Envelope, &env); err != nil {
		t.Fatalf("unmarshaling envelope: %v", err)
	}
	if env.EventID != event.ID {
		t.Errorf("envelope eventId = %q, want %q", env.EventID, event.ID)
	}
	if env.EventType != domain.EventPaymentSucceeded {
		t.Errorf("envelope eventType = %q, want %q", env.EventType, domain.EventPaymentSucceeded)
	}
	if string(env.Data) != `{"amount":100}` {
		t.Errorf("envelope data = %s, want original payload", env.Data)
	}
}

func TestDispatcher_NoMatchIsNoOp(t *testing.T) {
	fs := &fakeDispatcherStore{}
	d := setupDispatcherTest(t, fs)

	event, queued, err := d.Publish(context.Background(), domain.EventMemberRegistered, json.RawMessage(`{"memberId":"m-1"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if queued != 0 {
		t.Errorf("deliveries queued = %d, want 0", queued)
	}
	if len(fs.attempts) != 0 {
		t.Errorf("attempt rows = %d, want 0", len(fs.attempts))
	}
	// The event itself is still persisted.
	if len(fs.events) != 1 || fs.events[0].ID != event.ID {
		t.Error("event should be persisted even with no subscribers")
	}
}

func TestDispatcher_UnknownEventType(t *testing.T) {
	d := setupDispatcherTest(t, &fakeDispatcherStore{})

	_, _, err := d.Publish(context.Background(), "order.created", json.RawMessage(`{}`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown event type should fail validation, got %v", err)
	}
}

func TestDispatcher_InvalidData(t *testing.T) {
	d := setupDispatcherTest(t, &fakeDispatcherStore{})

	_, _, err := d.Publish(context.Background(), domain.EventPaymentSucceeded, json.RawMessage(`{not json`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("invalid JSON data should fail validation, got %v", err)
	}

	_, _, err = d.Publish(context.Background(), domain.EventPaymentSucceeded, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty data should fail validation, got %v", err)
	}
}

func TestDispatcher_PersistenceErrorSurfaces(t *testing.T) {
	d := setupDispatcherTest(t, &fakeDispatcherStore{failCreateEvent: true})

	_, _, err := d.Publish(context.Background(), domain.EventPaymentSucceeded, json.RawMessage(`{}`))
	if err == nil {
		t.Error("persistence failure must surface to the caller so the event can be re-published")
	}
}
