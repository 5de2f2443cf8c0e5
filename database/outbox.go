package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxEvent is a domain event recorded in the same transaction as the
// change it describes, waiting to be relayed to the broker.
type OutboxEvent struct {
	ID          int64           `json:"-"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (q *Queries) InsertOutboxEvent(ctx context.Context, e OutboxEvent) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.EventID, e.EventType, e.AggregateID, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (q *Queries) FetchPendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, aggregate_id, payload, created_at
		FROM outbox_events
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var (
			e       OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.AggregateID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration: %w", err)
	}

	return events, nil
}

func (q *Queries) MarkEventSent(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE outbox_events SET sent_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox event sent: %w", err)
	}
	return nil
}
