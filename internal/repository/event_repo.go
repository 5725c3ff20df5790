package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/genforge/credits/internal/models"
)

// EventRepo records processed payment gateway events.
type EventRepo struct{}

func NewEventRepo() *EventRepo {
	return &EventRepo{}
}

func (r *EventRepo) GetExternalEvent(ctx context.Context, tx pgx.Tx, eventID string) (*models.ExternalEvent, error) {
	var e models.ExternalEvent
	err := tx.QueryRow(ctx, `
		SELECT external_event_id, processed_at, resulting_transaction_id
		FROM external_events WHERE external_event_id = $1
	`, eventID).Scan(&e.ExternalEventID, &e.ProcessedAt, &e.ResultingTransactionID)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// InsertExternalEvent claims the event id. It reports false when another
// delivery already holds the claim.
func (r *EventRepo) InsertExternalEvent(ctx context.Context, tx pgx.Tx, e *models.ExternalEvent) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO external_events (external_event_id, resulting_transaction_id)
		VALUES ($1, $2)
		ON CONFLICT (external_event_id) DO NOTHING
		RETURNING processed_at
	`, e.ExternalEventID, e.ResultingTransactionID).Scan(&e.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
