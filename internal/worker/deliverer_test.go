package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fundcore/webhooks/internal/domain"
	"github.com/fundcore/webhooks/internal/engine"
	"github.com/fundcore/webhooks/internal/signer"
	"github.com/fundcore/webhooks/internal/store"
	"github.com/redis/go-redis/v9"
)

type fakeAttempts struct {
	mu          sync.Mutex
	rejectClaim bool
	claims      []string
	succeeded   map[string]store.AttemptResult
	retries     map[string]time.Time
	failed      map[string]store.AttemptResult
	created     []domain.DeliveryAttempt
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{
		succeeded: map[string]store.AttemptResult{},
		retries:   map[string]time.Time{},
		failed:    map[string]store.AttemptResult{},
	}
}

func (f *fakeAttempts) ClaimAttempt(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectClaim {
		return false, nil
	}
	f.claims = append(f.claims, id)
	return true, nil
}

func (f *fakeAttempts) MarkSucceeded(ctx context.Context, id string, res store.AttemptResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded[id] = res
	return nil
}

func (f *fakeAttempts) MarkRetryScheduled(ctx context.Context, id string, res store.AttemptResult, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[id] = nextRetryAt
	return nil
}

func (f *fakeAttempts) MarkFailedPermanent(ctx context.Context, id string, res store.AttemptResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = res
	return nil
}

func (f *fakeAttempts) CreateAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, a)
	return nil
}

type fakeSubs struct {
	mu         sync.Mutex
	sub        *domain.Subscription
	resets     []string
	failures   int
	lastActive bool
}

func (f *fakeSubs) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub == nil {
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return f.sub, nil
}

func (f *fakeSubs) setSub(sub *domain.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = sub
}

func (f *fakeSubs) ResetFailures(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
	f.failures = 0
	return nil
}

func (f *fakeSubs) RecordFailure(ctx context.Context, id string, threshold int, reason string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	f.lastActive = f.failures < threshold
	return f.failures, f.lastActive, nil
}

func activeSub() *domain.Subscription {
	return &domain.Subscription{
		ID:        "sub-1",
		TargetURL: "https://example.com/hook",
		IsActive:  true,
	}
}

func setupDelivererTest(t *testing.T, attempts *fakeAttempts, subs *fakeSubs) (*Deliverer, *engine.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	queue := engine.NewQueue(client)

	d := NewDeliverer(DelivererConfig{
		Attempts:      attempts,
		Subscriptions: subs,
		Queue:         queue,
		Limiter:       nil,
		Policy: engine.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			MaxDelay:    5 * time.Minute,
		},
		FailureThreshold: 10,
		Timeout:          5 * time.Second,
		Logger:           logger,
	})
	return d, queue, client
}

func deliveryJob(attemptID, targetURL string, try int) engine.DeliveryJob {
	return engine.DeliveryJob{
		AttemptID:      attemptID,
		EventID:        "evt-1",
		SubscriptionID: "sub-1",
		TargetURL:      targetURL,
		Secret:         "whsec_test",
		EventType:      domain.EventPaymentSucceeded,
		Envelope:       json.RawMessage(`{"eventId":"evt-1","eventType":"payment.succeeded","data":{"amount":100}}`),
		TryNumber:      try,
	}
}

func TestDeliverer_SuccessResetsFailureCounter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: activeSub(), failures: 4}
	d, queue, _ := setupDelivererTest(t, attempts, subs)

	d.Deliver(context.Background(), deliveryJob("att-1", server.URL, 1))

	if _, ok := attempts.succeeded["att-1"]; !ok {
		t.Error("attempt should be marked succeeded")
	}
	if len(subs.resets) != 1 || subs.resets[0] != "sub-1" {
		t.Errorf("success should reset the failure counter, resets = %v", subs.resets)
	}
	if subs.failures != 0 {
		t.Errorf("failure counter = %d, want 0", subs.failures)
	}

	depth, _ := queue.Depth(context.Background())
	if depth != 0 {
		t.Errorf("no retry should be queued after success, depth = %d", depth)
	}
}

func TestDeliverer_SignedHeaders(t *testing.T) {
	var receivedHeaders http.Header
	var receivedBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		receivedBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: activeSub()}
	d, _, _ := setupDelivererTest(t, attempts, subs)

	job := deliveryJob("att-sig", server.URL, 1)
	d.Deliver(context.Background(), job)

	if got := receivedHeaders.Get("X-Webhook-Event"); got != domain.EventPaymentSucceeded {
		t.Errorf("X-Webhook-Event = %q, want %q", got, domain.EventPaymentSucceeded)
	}
	if got := receivedHeaders.Get("X-Webhook-ID"); got != "evt-1" {
		t.Errorf("X-Webhook-ID = %q, want %q", got, "evt-1")
	}
	if got := receivedHeaders.Get("X-Webhook-Attempt"); got != "1" {
		t.Errorf("X-Webhook-Attempt = %q, want %q", got, "1")
	}
	if got := receivedHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	sig := receivedHeaders.Get("X-Webhook-Signature")
	if !signer.Verify(job.Secret, receivedBody, sig) {
		t.Error("signature should verify against the received body")
	}
	if string(receivedBody) != string(job.Envelope) {
		t.Errorf("body = %s, want the exact envelope bytes", receivedBody)
	}
}

func TestDeliverer_FailureSchedulesBackedOffRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: activeSub()}
	d, queue, client := setupDelivererTest(t, attempts, subs)

	before := time.Now()
	d.Deliver(context.Background(), deliveryJob("att-1", server.URL, 1))

	nextRetryAt, ok := attempts.retries["att-1"]
	if !ok {
		t.Fatal("attempt should be marked retry_scheduled")
	}
	delay := nextRetryAt.Sub(before)
	if delay < 4*time.Second || delay > 6*time.Second {
		t.Errorf("first retry delay = %v, want ~5s", delay)
	}

	if len(attempts.created) != 1 {
		t.Fatalf("next attempt rows = %d, want 1", len(attempts.created))
	}
	next := attempts.created[0]
	if next.TryNumber != 2 {
		t.Errorf("next try number = %d, want 2", next.TryNumber)
	}
	if !next.ScheduledAt.Equal(nextRetryAt) {
		t.Errorf("next attempt scheduled at %v, want %v", next.ScheduledAt, nextRetryAt)
	}
	if subs.failures != 0 {
		t.Errorf("a non-terminal failure must not bump the counter, got %d", subs.failures)
	}

	depth, _ := queue.Depth(context.Background())
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1 retry job", depth)
	}

	// The queued retry carries the new attempt id, the incremented try
	// number, and byte-identical envelope.
	members, err := client.ZRange(context.Background(), engine.DeliveryQueueKey, 0, -1).Result()
	if err != nil || len(members) != 1 {
		t.Fatalf("reading queued retry: %v (%d members)", err, len(members))
	}
	var retryJob engine.DeliveryJob
	if err := json.Unmarshal([]byte(members[0]), &retryJob); err != nil {
		t.Fatalf("unmarshaling retry job: %v", err)
	}
	if retryJob.AttemptID != next.ID {
		t.Errorf("retry job attempt id = %q, want %q", retryJob.AttemptID, next.ID)
	}
	if retryJob.TryNumber != 2 {
		t.Errorf("retry job try number = %d, want 2", retryJob.TryNumber)
	}
	if string(retryJob.Envelope) != string(deliveryJob("", "", 0).Envelope) {
		t.Error("retry job envelope must be byte-identical across tries")
	}
}

func TestDeliverer_NetworkErrorSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close() // connection refused from here on

	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: activeSub()}
	d, _, _ := setupDelivererTest(t, attempts, subs)

	d.Deliver(context.Background(), deliveryJob("att-net", url, 1))

	if _, ok := attempts.retries["att-net"]; !ok {
		t.Error("network error should schedule a retry")
	}
}

func TestDeliverer_ExhaustionFailsPermanently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: activeSub()}
	d, queue, _ := setupDelivererTest(t, attempts, subs)

	d.Deliver(context.Background(), deliveryJob("att-3", server.URL, 3))

	if _, ok := attempts.failed["att-3"]; !ok {
		t.Error("final try should be marked failed_permanent")
	}
	if len(attempts.created) != 0 {
		t.Errorf("terminal failure must not create another attempt, got %d", len(attempts.created))
	}
	if subs.failures != 1 {
		t.Errorf("consecutive failures = %d, want 1", subs.failures)
	}

	depth, _ := queue.Depth(context.Background())
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestDeliverer_AutoDisableAtThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: activeSub(), failures: 9}
	d, _, _ := setupDelivererTest(t, attempts, subs)

	d.Deliver(context.Background(), deliveryJob("att-last", server.URL, 3))

	// The tenth consecutive failure crosses the threshold of 10.
	if subs.failures != 10 {
		t.Errorf("consecutive failures = %d, want 10", subs.failures)
	}
	if subs.lastActive {
		t.Error("subscription at the threshold must be disabled")
	}
}

func TestDeliverer_ClaimRejectedSkipsHTTPCall(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	attempts := newFakeAttempts()
	attempts.rejectClaim = true
	subs := &fakeSubs{sub: activeSub()}
	d, _, _ := setupDelivererTest(t, attempts, subs)

	d.Deliver(context.Background(), deliveryJob("att-claimed", server.URL, 1))

	if requests.Load() != 0 {
		t.Errorf("unclaimed attempt must not be delivered, %d requests reached the endpoint", requests.Load())
	}
	if len(attempts.succeeded)+len(attempts.failed)+len(attempts.retries) != 0 {
		t.Error("unclaimed attempt must not transition")
	}
}

func TestDeliverer_DeletedSubscriptionSkipsHTTPCall(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: nil} // deleted while queued
	d, queue, _ := setupDelivererTest(t, attempts, subs)

	d.Deliver(context.Background(), deliveryJob("att-gone", server.URL, 1))

	if requests.Load() != 0 {
		t.Errorf("deleted subscription must not receive a POST, got %d requests", requests.Load())
	}
	if _, ok := attempts.failed["att-gone"]; !ok {
		t.Error("delivery to a deleted subscription should end the chain permanently")
	}
	if len(attempts.created) != 0 {
		t.Errorf("no new attempt may be created for a deleted subscription, got %d", len(attempts.created))
	}
	depth, _ := queue.Depth(context.Background())
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestDeliverer_DisabledSubscriptionSkipsHTTPCall(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	disabled := activeSub()
	disabled.IsActive = false

	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: disabled}
	d, _, _ := setupDelivererTest(t, attempts, subs)

	d.Deliver(context.Background(), deliveryJob("att-disabled", server.URL, 1))

	if requests.Load() != 0 {
		t.Errorf("disabled subscription must not receive a POST, got %d requests", requests.Load())
	}
	if _, ok := attempts.failed["att-disabled"]; !ok {
		t.Error("delivery to a disabled subscription should end the chain permanently")
	}
	if len(attempts.created) != 0 {
		t.Errorf("no new attempt may be created for a disabled subscription, got %d", len(attempts.created))
	}
}

func TestDeliverer_SubscriptionDeletedDuringPostCancelsRetries(t *testing.T) {
	attempts := newFakeAttempts()
	subs := &fakeSubs{sub: activeSub()}
	d, queue, _ := setupDelivererTest(t, attempts, subs)

	// The subscription disappears while the receiver is handling the
	// request, so only the post-call re-check can catch it.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subs.setSub(nil)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d.Deliver(context.Background(), deliveryJob("att-race", server.URL, 1))

	if _, ok := attempts.failed["att-race"]; !ok {
		t.Error("retry for a subscription deleted mid-delivery should end the chain permanently")
	}
	if len(attempts.created) != 0 {
		t.Errorf("no new attempt may be created after the subscription is gone, got %d", len(attempts.created))
	}
	depth, _ := queue.Depth(context.Background())
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}
