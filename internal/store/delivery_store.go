package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fundcore/webhooks/internal/domain"
	"github.com/jackc/pgx/v5"
)

// AttemptResult carries the observed outcome of one HTTP delivery call.
type AttemptResult struct {
	ResponseStatus *int
	ResponseBody   string
	ResponseTimeMs int
	ErrorMessage   string
}

// CreateAttempt inserts a delivery attempt row at status pending.
func (s *PostgresStore) CreateAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (id, event_id, subscription_id, try_number, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.EventID, a.SubscriptionID, a.TryNumber, domain.StatusPending, a.ScheduledAt)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

// ClaimAttempt transitions an attempt from pending to in_flight and
// stamps attempted-at. Returns false when the attempt was already
// claimed or has moved on, so no two workers process the same attempt.
func (s *PostgresStore) ClaimAttempt(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET status = $2, attempted_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, domain.StatusInFlight, domain.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claiming delivery attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSucceeded finalizes an in-flight attempt as succeeded.
func (s *PostgresStore) MarkSucceeded(ctx context.Context, id string, res AttemptResult) error {
	return s.finishAttempt(ctx, id, domain.StatusSucceeded, res, nil)
}

// MarkRetryScheduled records a failed try that will be retried and the
// time the next try is due.
func (s *PostgresStore) MarkRetryScheduled(ctx context.Context, id string, res AttemptResult, nextRetryAt time.Time) error {
	return s.finishAttempt(ctx, id, domain.StatusRetryScheduled, res, &nextRetryAt)
}

// MarkFailedPermanent finalizes an in-flight attempt as permanently
// failed after retry exhaustion.
func (s *PostgresStore) MarkFailedPermanent(ctx context.Context, id string, res AttemptResult) error {
	return s.finishAttempt(ctx, id, domain.StatusFailedPermanent, res, nil)
}

func (s *PostgresStore) finishAttempt(ctx context.Context, id, status string, res AttemptResult, nextRetryAt *time.Time) error {
	var respBody *string
	if res.ResponseBody != "" {
		respBody = &res.ResponseBody
	}
	var errMsg *string
	if res.ErrorMessage != "" {
		errMsg = &res.ErrorMessage
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET status = $2, response_status = $3, response_body = $4,
		    response_time_ms = $5, error_message = $6, next_retry_at = $7
		WHERE id = $1 AND status = $8
	`, id, status, res.ResponseStatus, respBody, res.ResponseTimeMs, errMsg, nextRetryAt, domain.StatusInFlight)
	if err != nil {
		return fmt.Errorf("finishing delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery attempt %s not in flight: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListAttempts returns delivery attempts, newest first, with optional
// filtering by event, subscription, and status.
func (s *PostgresStore) ListAttempts(ctx context.Context, eventID, subscriptionID, status string, limit int) ([]domain.DeliveryAttempt, error) {
	query := `SELECT id, event_id, subscription_id, try_number, status, scheduled_at,
	                 attempted_at, response_status, response_body, response_time_ms,
	                 error_message, next_retry_at, created_at
	          FROM delivery_attempts`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if eventID != "" {
		conditions = append(conditions, fmt.Sprintf("event_id = $%d", argIdx))
		args = append(args, eventID)
		argIdx++
	}
	if subscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, subscriptionID)
		argIdx++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE "
		for i, c := range conditions {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		var a domain.DeliveryAttempt
		err := rows.Scan(
			&a.ID, &a.EventID, &a.SubscriptionID, &a.TryNumber, &a.Status,
			&a.ScheduledAt, &a.AttemptedAt, &a.ResponseStatus, &a.ResponseBody,
			&a.ResponseTimeMs, &a.ErrorMessage, &a.NextRetryAt, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	return attempts, nil
}

// GetAttempt returns a single delivery attempt by id.
func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	var a domain.DeliveryAttempt
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, subscription_id, try_number, status, scheduled_at,
		       attempted_at, response_status, response_body, response_time_ms,
		       error_message, next_retry_at, created_at
		FROM delivery_attempts WHERE id = $1
	`, id).Scan(
		&a.ID, &a.EventID, &a.SubscriptionID, &a.TryNumber, &a.Status,
		&a.ScheduledAt, &a.AttemptedAt, &a.ResponseStatus, &a.ResponseBody,
		&a.ResponseTimeMs, &a.ErrorMessage, &a.NextRetryAt, &a.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("delivery attempt %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying delivery attempt: %w", err)
	}
	return &a, nil
}
