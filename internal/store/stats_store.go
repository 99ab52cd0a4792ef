package store

import (
	"context"
	"fmt"

	"github.com/fundcore/webhooks/internal/domain"
)

// DeliveryStats holds aggregated delivery statistics for the admin API.
type DeliveryStats struct {
	TotalAttempts       int     `json:"total_attempts"`
	Pending             int     `json:"pending"`
	InFlight            int     `json:"in_flight"`
	Succeeded           int     `json:"succeeded"`
	RetryScheduled      int     `json:"retry_scheduled"`
	FailedPermanent     int     `json:"failed_permanent"`
	SuccessRate         float64 `json:"success_rate"`
	AvgResponseMs       float64 `json:"avg_response_ms"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	TotalEvents         int     `json:"total_events"`
}

// GetDeliveryStats returns aggregated delivery statistics.
func (s *PostgresStore) GetDeliveryStats(ctx context.Context) (*DeliveryStats, error) {
	var st DeliveryStats

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = $1) AS pending,
			COUNT(*) FILTER (WHERE status = $2) AS in_flight,
			COUNT(*) FILTER (WHERE status = $3) AS succeeded,
			COUNT(*) FILTER (WHERE status = $4) AS retry_scheduled,
			COUNT(*) FILTER (WHERE status = $5) AS failed_permanent,
			COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms > 0), 0) AS avg_response_ms
		FROM delivery_attempts
	`, domain.StatusPending, domain.StatusInFlight, domain.StatusSucceeded,
		domain.StatusRetryScheduled, domain.StatusFailedPermanent,
	).Scan(&st.TotalAttempts, &st.Pending, &st.InFlight, &st.Succeeded,
		&st.RetryScheduled, &st.FailedPermanent, &st.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying delivery stats: %w", err)
	}

	if st.TotalAttempts > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(st.TotalAttempts) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE is_active = true AND deleted_at IS NULL
	`).Scan(&st.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("querying total events: %w", err)
	}

	return &st, nil
}
