package store

import (
	"context"
	"fmt"

	"kds-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func insertEvent(ctx context.Context, tx *sqlx.Tx, e *models.Event) error {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	err := tx.GetContext(ctx, &e.ID, `
		INSERT INTO events (establishment_id, ticket_id, ticket_item_id, event_type, payload, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		RETURNING id`,
		e.EstablishmentID, e.TicketID, e.TicketItemID, e.EventType, payload, e.ActorType, e.ActorID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", e.EventType, err)
	}
	return nil
}

// AppendEvents writes audit rows outside of a ticket mutation
func (s *Store) AppendEvents(ctx context.Context, events ...models.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range events {
		if err := insertEvent(ctx, tx, &events[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListEvents returns audit rows of an establishment after the given id, oldest first
func (s *Store) ListEvents(ctx context.Context, establishmentID string, afterID int64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var events []models.Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, establishment_id, ticket_id, ticket_item_id, event_type, payload, actor_type, actor_id, created_at
		FROM events WHERE establishment_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		establishmentID, afterID, limit)
	return events, err
}

// IsEventProcessed checks if an inbound event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an inbound event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
