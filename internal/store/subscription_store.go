package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/fundcore/webhooks/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Register validates the request, generates the signing secret, and
// inserts the subscription. The returned Subscription is the only value
// that ever carries the secret.
func (s *PostgresStore) Register(ctx context.Context, req domain.RegisterSubscriptionRequest) (*domain.Subscription, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	var sub domain.Subscription
	err = s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, target_url, secret, event_types, rate_limit_per_second)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, target_url, secret, event_types, is_active, consecutive_failures,
		          disable_reason, rate_limit_per_second, created_at, updated_at
	`, uuid.NewString(), req.TargetURL, secret, req.EventTypes, req.RateLimitPerSecond).Scan(
		&sub.ID, &sub.TargetURL, &sub.Secret, &sub.EventTypes, &sub.IsActive,
		&sub.ConsecutiveFailures, &sub.DisableReason, &sub.RateLimitPerSecond,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}

	return &sub, nil
}

// GetSubscription returns a subscription by id without its secret.
// Deleted subscriptions are reported as not found.
func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_url, event_types, is_active, consecutive_failures,
		       disable_reason, rate_limit_per_second, created_at, updated_at
		FROM subscriptions
		WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(
		&sub.ID, &sub.TargetURL, &sub.EventTypes, &sub.IsActive,
		&sub.ConsecutiveFailures, &sub.DisableReason, &sub.RateLimitPerSecond,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_url, event_types, is_active, consecutive_failures,
		       disable_reason, rate_limit_per_second, created_at, updated_at
		FROM subscriptions
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID, &sub.TargetURL, &sub.EventTypes, &sub.IsActive,
			&sub.ConsecutiveFailures, &sub.DisableReason, &sub.RateLimitPerSecond,
			&sub.CreatedAt, &sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// Enable reactivates a subscription and resets its consecutive-failure
// counter. Enabling an already-active subscription is a no-op.
func (s *PostgresStore) Enable(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET is_active = true, consecutive_failures = 0, disable_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("enabling subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Disable deactivates a subscription. Disabling an already-disabled
// subscription is a no-op, not an error.
func (s *PostgresStore) Disable(ctx context.Context, id, reason string) error {
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET is_active = false,
		    disable_reason = COALESCE($2, disable_reason),
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, reasonArg)
	if err != nil {
		return fmt.Errorf("disabling subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteSubscription soft-deletes a subscription, removing it from
// future matching and retry scheduling. Existing delivery attempt rows
// are kept for audit.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET deleted_at = NOW(), is_active = false, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FindActiveSubscriptionsFor returns active, non-deleted subscriptions
// whose event-type set matches eventType. A set entry of "*" matches
// everything; "segment.*" matches any type under that segment. The
// secret is included because callers build signed delivery jobs.
func (s *PostgresStore) FindActiveSubscriptionsFor(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_url, secret, event_types, is_active, consecutive_failures,
		       disable_reason, rate_limit_per_second, created_at, updated_at
		FROM subscriptions
		WHERE is_active = true
		  AND deleted_at IS NULL
		  AND EXISTS (
			SELECT 1 FROM unnest(event_types) AS et
			WHERE et = $1
			   OR et = '*'
			   OR (et LIKE '%.*' AND $1 LIKE REPLACE(et, '.*', '.%'))
		  )
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID, &sub.TargetURL, &sub.Secret, &sub.EventTypes, &sub.IsActive,
			&sub.ConsecutiveFailures, &sub.DisableReason, &sub.RateLimitPerSecond,
			&sub.CreatedAt, &sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// RecordFailure atomically increments the consecutive-failure counter
// and, when the counter reaches threshold, disables the subscription in
// the same statement. Returns the new counter value and whether the
// subscription is still active.
func (s *PostgresStore) RecordFailure(ctx context.Context, id string, threshold int, reason string) (int, bool, error) {
	var failures int
	var active bool
	err := s.pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET consecutive_failures = consecutive_failures + 1,
		    is_active = CASE WHEN consecutive_failures + 1 >= $2 THEN false ELSE is_active END,
		    disable_reason = CASE WHEN consecutive_failures + 1 >= $2 AND is_active THEN $3 ELSE disable_reason END,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING consecutive_failures, is_active
	`, id, threshold, reason).Scan(&failures, &active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
		}
		return 0, false, fmt.Errorf("recording failure: %w", err)
	}
	return failures, active, nil
}

// ResetFailures zeroes the consecutive-failure counter after a
// successful delivery.
func (s *PostgresStore) ResetFailures(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET consecutive_failures = 0, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND consecutive_failures <> 0
	`, id)
	if err != nil {
		return fmt.Errorf("resetting failures: %w", err)
	}
	return nil
}

func validateRegistration(req domain.RegisterSubscriptionRequest) error {
	u, err := url.Parse(req.TargetURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target_url must be an absolute http(s) URL: %w", domain.ErrValidation)
	}
	if len(req.EventTypes) == 0 {
		return fmt.Errorf("at least one event type is required: %w", domain.ErrValidation)
	}
	for _, et := range req.EventTypes {
		if et == "*" || strings.HasSuffix(et, ".*") {
			continue
		}
		if !domain.KnownEventType(et) {
			return fmt.Errorf("unknown event type %q: %w", et, domain.ErrValidation)
		}
	}
	if req.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate_limit_per_second must not be negative: %w", domain.ErrValidation)
	}
	return nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}
