package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fundcore/webhooks/internal/domain"
	"github.com/fundcore/webhooks/internal/engine"
	"github.com/fundcore/webhooks/internal/signer"
	"github.com/fundcore/webhooks/internal/store"
	"github.com/google/uuid"
)

// AttemptStore is the delivery-attempt persistence the worker needs.
// *store.PostgresStore satisfies it.
type AttemptStore interface {
	ClaimAttempt(ctx context.Context, id string) (bool, error)
	MarkSucceeded(ctx context.Context, id string, res store.AttemptResult) error
	MarkRetryScheduled(ctx context.Context, id string, res store.AttemptResult, nextRetryAt time.Time) error
	MarkFailedPermanent(ctx context.Context, id string, res store.AttemptResult) error
	CreateAttempt(ctx context.Context, a domain.DeliveryAttempt) error
}

// SubscriptionStore is the subscription persistence the worker needs.
// *store.PostgresStore satisfies it.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ResetFailures(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, threshold int, reason string) (int, bool, error)
}

// Deliverer executes one delivery attempt: claim it, perform the signed
// HTTP POST, and transition the attempt per the outcome — succeeded,
// retry scheduled with backoff, or permanently failed (possibly
// auto-disabling the subscription).
type Deliverer struct {
	httpClient       *http.Client
	attempts         AttemptStore
	subscriptions    SubscriptionStore
	queue            *engine.Queue
	limiter          *engine.RateLimiter
	policy           engine.RetryPolicy
	failureThreshold int
	logger           *slog.Logger
}

// DelivererConfig wires a Deliverer.
type DelivererConfig struct {
	Attempts         AttemptStore
	Subscriptions    SubscriptionStore
	Queue            *engine.Queue
	Limiter          *engine.RateLimiter
	Policy           engine.RetryPolicy
	FailureThreshold int
	Timeout          time.Duration
	Logger           *slog.Logger
}

func NewDeliverer(cfg DelivererConfig) *Deliverer {
	return &Deliverer{
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		attempts:         cfg.Attempts,
		subscriptions:    cfg.Subscriptions,
		queue:            cfg.Queue,
		limiter:          cfg.Limiter,
		policy:           cfg.Policy,
		failureThreshold: cfg.FailureThreshold,
		logger:           cfg.Logger,
	}
}

// pacingDelay is how long a job is pushed back when the subscription's
// rate limit has no room this second. The attempt stays pending and the
// deferral does not consume a try.
const pacingDelay = 250 * time.Millisecond

// Deliver processes one queued delivery job.
func (d *Deliverer) Deliver(ctx context.Context, job engine.DeliveryJob) {
	if d.limiter != nil && !d.limiter.Allow(ctx, job.SubscriptionID, job.RateLimitPerSecond) {
		if err := d.queue.Enqueue(ctx, job, time.Now().Add(pacingDelay)); err != nil {
			d.logger.Error("failed to requeue paced delivery", "error", err, "attempt_id", job.AttemptID)
		}
		return
	}

	claimed, err := d.attempts.ClaimAttempt(ctx, job.AttemptID)
	if err != nil {
		d.logger.Error("failed to claim attempt", "error", err, "attempt_id", job.AttemptID)
		return
	}
	if !claimed {
		// Another worker owns this attempt, or it already finished.
		return
	}

	// The subscription may have been deleted or disabled while the job
	// sat in the queue; don't post to receivers that unsubscribed.
	sub, err := d.subscriptions.GetSubscription(ctx, job.SubscriptionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		d.logger.Error("failed to load subscription", "error", err, "subscription_id", job.SubscriptionID)
		return
	}
	if sub == nil || !sub.IsActive {
		res := store.AttemptResult{ErrorMessage: "subscription no longer active; delivery cancelled"}
		if err := d.attempts.MarkFailedPermanent(ctx, job.AttemptID, res); err != nil {
			d.logger.Error("failed to mark attempt failed", "error", err, "attempt_id", job.AttemptID)
		}
		return
	}

	res := d.post(ctx, job)

	statusCode := 0
	if res.ResponseStatus != nil {
		statusCode = *res.ResponseStatus
	}

	switch d.policy.Decide(statusCode, job.TryNumber) {
	case engine.DecisionSucceeded:
		d.succeed(ctx, job, res)
	case engine.DecisionRetry:
		d.scheduleRetry(ctx, job, res)
	case engine.DecisionFail:
		d.failPermanently(ctx, job, res)
	}
}

// post performs the signed HTTP POST and captures the outcome. A
// network or timeout error leaves ResponseStatus nil.
func (d *Deliverer) post(ctx context.Context, job engine.DeliveryJob) store.AttemptResult {
	start := time.Now()
	signature := signer.Sign(job.Secret, job.Envelope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(job.Envelope))
	if err != nil {
		return store.AttemptResult{
			ResponseTimeMs: int(time.Since(start).Milliseconds()),
			ErrorMessage:   fmt.Sprintf("building request: %v", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", job.EventType)
	req.Header.Set("X-Webhook-ID", job.EventID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", job.TryNumber))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return store.AttemptResult{
			ResponseTimeMs: int(time.Since(start).Milliseconds()),
			ErrorMessage:   fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	// Limit stored response bodies to 1KB.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	res := store.AttemptResult{
		ResponseStatus: &resp.StatusCode,
		ResponseBody:   string(body),
		ResponseTimeMs: int(time.Since(start).Milliseconds()),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.ErrorMessage = fmt.Sprintf("receiver returned %d", resp.StatusCode)
	}
	return res
}

func (d *Deliverer) succeed(ctx context.Context, job engine.DeliveryJob, res store.AttemptResult) {
	if err := d.attempts.MarkSucceeded(ctx, job.AttemptID, res); err != nil {
		d.logger.Error("failed to mark attempt succeeded", "error", err, "attempt_id", job.AttemptID)
		return
	}
	if err := d.subscriptions.ResetFailures(ctx, job.SubscriptionID); err != nil {
		d.logger.Error("failed to reset failure counter", "error", err, "subscription_id", job.SubscriptionID)
	}

	d.logger.Info("delivery succeeded",
		"event_id", job.EventID,
		"subscription_id", job.SubscriptionID,
		"try", job.TryNumber,
		"status_code", res.ResponseStatus,
		"response_time_ms", res.ResponseTimeMs,
	)
}

// scheduleRetry transitions the current attempt to retry_scheduled and
// creates the next pending attempt row, due after exponential backoff.
// If the subscription was deleted or disabled in the meantime, the
// chain ends permanently instead.
func (d *Deliverer) scheduleRetry(ctx context.Context, job engine.DeliveryJob, res store.AttemptResult) {
	sub, err := d.subscriptions.GetSubscription(ctx, job.SubscriptionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		d.logger.Error("failed to load subscription for retry", "error", err, "subscription_id", job.SubscriptionID)
		return
	}
	if sub == nil || !sub.IsActive {
		res.ErrorMessage = "subscription no longer active; retries cancelled"
		if err := d.attempts.MarkFailedPermanent(ctx, job.AttemptID, res); err != nil {
			d.logger.Error("failed to mark attempt failed", "error", err, "attempt_id", job.AttemptID)
		}
		return
	}

	delay := d.policy.Backoff(job.TryNumber)
	nextRetryAt := time.Now().UTC().Add(delay)

	if err := d.attempts.MarkRetryScheduled(ctx, job.AttemptID, res, nextRetryAt); err != nil {
		d.logger.Error("failed to mark attempt for retry", "error", err, "attempt_id", job.AttemptID)
		return
	}

	next := domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		EventID:        job.EventID,
		SubscriptionID: job.SubscriptionID,
		TryNumber:      job.TryNumber + 1,
		ScheduledAt:    nextRetryAt,
	}
	if err := d.attempts.CreateAttempt(ctx, next); err != nil {
		d.logger.Error("failed to create retry attempt", "error", err, "attempt_id", job.AttemptID)
		return
	}

	nextJob := job
	nextJob.AttemptID = next.ID
	nextJob.TryNumber = next.TryNumber
	if err := d.queue.Enqueue(ctx, nextJob, nextRetryAt); err != nil {
		d.logger.Error("failed to queue retry", "error", err, "attempt_id", next.ID)
		return
	}

	d.logger.Warn("delivery failed, retry scheduled",
		"event_id", job.EventID,
		"subscription_id", job.SubscriptionID,
		"try", job.TryNumber,
		"status_code", res.ResponseStatus,
		"error", res.ErrorMessage,
		"next_retry_in", delay.String(),
	)
}

// failPermanently finalizes the attempt chain and bumps the
// subscription's consecutive-failure counter, which auto-disables the
// subscription at the configured threshold.
func (d *Deliverer) failPermanently(ctx context.Context, job engine.DeliveryJob, res store.AttemptResult) {
	if err := d.attempts.MarkFailedPermanent(ctx, job.AttemptID, res); err != nil {
		d.logger.Error("failed to mark attempt failed", "error", err, "attempt_id", job.AttemptID)
		return
	}

	reason := fmt.Sprintf("disabled after %d consecutive failures", d.failureThreshold)
	failures, active, err := d.subscriptions.RecordFailure(ctx, job.SubscriptionID, d.failureThreshold, reason)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.logger.Error("failed to record subscription failure", "error", err, "subscription_id", job.SubscriptionID)
		}
		return
	}

	d.logger.Warn("delivery failed permanently",
		"event_id", job.EventID,
		"subscription_id", job.SubscriptionID,
		"tries", job.TryNumber,
		"status_code", res.ResponseStatus,
		"error", res.ErrorMessage,
		"consecutive_failures", failures,
	)

	if !active {
		d.logger.Warn("subscription auto-disabled",
			"subscription_id", job.SubscriptionID,
			"consecutive_failures", failures,
		)
	}
}
