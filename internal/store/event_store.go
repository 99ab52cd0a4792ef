package store

import (
	"context"
	"fmt"

	"github.com/fundcore/webhooks/internal/domain"
	"github.com/jackc/pgx/v5"
)

// CreateEvent persists an event. The id and occurred-at are assigned by
// the dispatcher before insert so the delivery envelope can be built
// ahead of the round-trip.
func (s *PostgresStore) CreateEvent(ctx context.Context, event domain.Event) (*domain.Event, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO events (id, event_type, data, occurred_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, event.ID, event.EventType, event.Data, event.OccurredAt).Scan(&event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	return &event, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	var event domain.Event
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, data, occurred_at, created_at
		FROM events WHERE id = $1
	`, id).Scan(
		&event.ID, &event.EventType, &event.Data, &event.OccurredAt, &event.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return &event, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, eventType string, limit int) ([]domain.Event, error) {
	query := `SELECT id, event_type, data, occurred_at, created_at FROM events`
	args := []interface{}{}
	argIdx := 1

	if eventType != "" {
		query += fmt.Sprintf(" WHERE event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		err := rows.Scan(&e.ID, &e.EventType, &e.Data, &e.OccurredAt, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}

	return events, nil
}
